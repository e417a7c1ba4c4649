package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"disaster-relay/pkg/relay"
)

// DefaultDiscordAPI is the Discord REST API base URL.
const DefaultDiscordAPI = "https://discord.com/api/v10"

const discordMessageLimit = 2000

// Discord resolves channel ids through the Discord REST API using a bot token.
type Discord struct {
	api     apiClient
	baseURL string
	token   string
}

// NewDiscord creates a Discord resolver. A nil client gets a default with a timeout.
func NewDiscord(token string, client *http.Client, logger *slog.Logger) *Discord {
	return &Discord{
		api:     newAPIClient("discord", client, logger),
		baseURL: DefaultDiscordAPI,
		token:   token,
	}
}

// WithBaseURL points the resolver at a different API root.
func (d *Discord) WithBaseURL(baseURL string) *Discord {
	d.baseURL = strings.TrimRight(baseURL, "/")
	return d
}

func (d *Discord) header() http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bot "+d.token)
	h.Set("User-Agent", "DiscordBot (disaster-relay, 1.0)")
	return h
}

// Resolve checks that the bot can see channelID.
func (d *Discord) Resolve(ctx context.Context, channelID string) (Target, error) {
	if _, err := strconv.ParseUint(channelID, 10, 64); err != nil {
		return nil, fmt.Errorf("%w: discord channel id %q is not a snowflake", ErrUnresolved, channelID)
	}

	var channel struct {
		ID string `json:"id"`
	}
	err := d.api.do(ctx, http.MethodGet, d.baseURL+"/channels/"+url.PathEscape(channelID), d.header(), nil, &channel)
	switch status := statusOf(err); {
	case err == nil:
		return &discordChannel{discord: d, id: channelID}, nil
	case status == http.StatusNotFound || status == http.StatusForbidden || status == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: discord channel %s: %w", ErrUnresolved, channelID, err)
	default:
		return nil, fmt.Errorf("look up discord channel %s: %w", channelID, err)
	}
}

type discordChannel struct {
	discord *Discord
	id      string
}

func (c *discordChannel) Send(ctx context.Context, msg relay.Message) error {
	payload := map[string]any{
		"content": truncateRunes(RenderDiscord(msg), discordMessageLimit),
		// Only user mentions ping; role and everyone mentions in feed text stay inert.
		"allowed_mentions": map[string]any{"parse": []string{"users"}},
	}
	return c.discord.api.do(ctx, http.MethodPost, c.discord.baseURL+"/channels/"+url.PathEscape(c.id)+"/messages", c.discord.header(), payload, nil)
}

// RenderDiscord renders msg as Discord markdown with user mentions.
func RenderDiscord(msg relay.Message) string {
	return renderText(msg,
		func(s string) string { return "**" + s + "**" },
		func(m relay.Mention) string { return fmt.Sprintf("<@%s> (震度%d)", m.SubscriberID, m.Severity) })
}

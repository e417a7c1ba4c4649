// Package feed fetches the newest item of each watched disaster feed.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"github.com/mmcdole/gofeed"

	"disaster-relay/pkg/relay"
)

// Default upstream endpoints.
const (
	DefaultSeismicURL = "https://api.p2pquake.net/v2/jma/quake"
	DefaultTsunamiURL = "https://api.p2pquake.net/v2/history?codes=552&limit=1"
	DefaultAlertURL   = "https://www3.nhk.or.jp/rss/jalert.xml"
)

const maxBodyBytes = 4 << 20

// StatusError reports a non-200 response from a feed.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// IsClientError reports whether err is a 4xx response, which retrying will not fix.
func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500
}

// Config holds the feed endpoints and retry policy.
type Config struct {
	SeismicURL string
	TsunamiURL string
	AlertURL   string
	UserAgent  string
	Attempts   uint          // Attempts per fetch, including the first
	RetryDelay time.Duration // Base delay between attempts
}

// Client fetches and decodes the three feeds.
type Client struct {
	http   *http.Client
	logger *slog.Logger
	cfg    Config
}

// New creates a feed client. Zero-valued Config fields take defaults.
func New(client *http.Client, cfg Config, logger *slog.Logger) *Client {
	if cfg.SeismicURL == "" {
		cfg.SeismicURL = DefaultSeismicURL
	}
	if cfg.TsunamiURL == "" {
		cfg.TsunamiURL = DefaultTsunamiURL
	}
	if cfg.AlertURL == "" {
		cfg.AlertURL = DefaultAlertURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "disaster-relay/1.0"
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	return &Client{http: client, logger: logger, cfg: cfg}
}

// p2pquake payloads. The documented fields are earthquake.magnitude and
// earthquake.origin_time; the live API nests magnitude under hypocenter
// and names the time "time", so both spellings are accepted.
type quakeRecord struct {
	ID         string `json:"id"`
	Earthquake struct {
		Magnitude  *float64 `json:"magnitude"`
		OriginTime string   `json:"origin_time"`
		Time       string   `json:"time"`
		Hypocenter struct {
			Name      string   `json:"name"`
			Latitude  float64  `json:"latitude"`
			Longitude float64  `json:"longitude"`
			Magnitude *float64 `json:"magnitude"`
		} `json:"hypocenter"`
	} `json:"earthquake"`
}

type tsunamiArea struct {
	Name string `json:"name"`
}

type tsunamiRecord struct {
	ID      string `json:"id"`
	Time    string `json:"time"`
	Tsunami *struct {
		Cancelled *bool `json:"cancelled"`
		Warnings  []struct {
			Area      tsunamiArea `json:"area"`
			Grade     string      `json:"grade"`
			Immediate bool        `json:"immediate"`
		} `json:"warnings"`
	} `json:"tsunami"`

	// Top-level shape served by the live history endpoint.
	Cancelled *bool `json:"cancelled"`
	Areas     []struct {
		Name      string `json:"name"`
		Grade     string `json:"grade"`
		Immediate bool   `json:"immediate"`
	} `json:"areas"`
}

// LatestQuake returns the newest seismic event. ok is false when the feed is empty.
func (c *Client) LatestQuake(ctx context.Context) (relay.SeismicEvent, bool, error) {
	body, err := c.get(ctx, c.cfg.SeismicURL, "application/json", "seismic")
	if err != nil {
		return relay.SeismicEvent{}, false, err
	}

	var records []quakeRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return relay.SeismicEvent{}, false, fmt.Errorf("decode seismic feed: %w", err)
	}
	if len(records) == 0 {
		return relay.SeismicEvent{}, false, nil
	}

	q := records[0]
	if q.ID == "" {
		return relay.SeismicEvent{}, false, errors.New("seismic feed entry has no id")
	}

	eq := q.Earthquake
	ev := relay.SeismicEvent{
		ID:         q.ID,
		Epicenter:  eq.Hypocenter.Name,
		OriginTime: eq.OriginTime,
		Lat:        eq.Hypocenter.Latitude,
		Lon:        eq.Hypocenter.Longitude,
	}
	switch {
	case eq.Magnitude != nil:
		ev.Magnitude = *eq.Magnitude
	case eq.Hypocenter.Magnitude != nil:
		ev.Magnitude = *eq.Hypocenter.Magnitude
	default:
		return relay.SeismicEvent{}, false, fmt.Errorf("seismic event %s has no magnitude", q.ID)
	}
	if ev.OriginTime == "" {
		ev.OriginTime = eq.Time
	}
	return ev, true, nil
}

// LatestTsunami returns the newest tsunami advisory. ok is false when the feed is empty.
// An advisory without a cancelled flag is reported as cancelled.
func (c *Client) LatestTsunami(ctx context.Context) (relay.TsunamiAdvisory, bool, error) {
	body, err := c.get(ctx, c.cfg.TsunamiURL, "application/json", "tsunami")
	if err != nil {
		return relay.TsunamiAdvisory{}, false, err
	}

	var records []tsunamiRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return relay.TsunamiAdvisory{}, false, fmt.Errorf("decode tsunami feed: %w", err)
	}
	if len(records) == 0 {
		return relay.TsunamiAdvisory{}, false, nil
	}

	r := records[0]
	adv := relay.TsunamiAdvisory{ID: r.ID, Issued: r.Time, Cancelled: true}

	switch {
	case r.Tsunami != nil:
		if r.Tsunami.Cancelled != nil {
			adv.Cancelled = *r.Tsunami.Cancelled
		}
		for _, w := range r.Tsunami.Warnings {
			adv.Warnings = append(adv.Warnings, relay.TsunamiWarning{
				Area:      w.Area.Name,
				Grade:     w.Grade,
				Immediate: w.Immediate,
			})
		}
	case r.Cancelled != nil:
		adv.Cancelled = *r.Cancelled
		for _, a := range r.Areas {
			adv.Warnings = append(adv.Warnings, relay.TsunamiWarning{
				Area:      a.Name,
				Grade:     a.Grade,
				Immediate: a.Immediate,
			})
		}
	}
	return adv, true, nil
}

// LatestAlert returns the newest public-alert entry. ok is false when the feed has no items.
func (c *Client) LatestAlert(ctx context.Context) (relay.AlertEntry, bool, error) {
	body, err := c.get(ctx, c.cfg.AlertURL, "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8", "public_alert")
	if err != nil {
		return relay.AlertEntry{}, false, err
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return relay.AlertEntry{}, false, fmt.Errorf("parse alert feed: %w", err)
	}
	if len(parsed.Items) == 0 {
		return relay.AlertEntry{}, false, nil
	}

	item := parsed.Items[0]
	id := item.GUID
	if id == "" {
		id = item.Link
	}
	if id == "" {
		return relay.AlertEntry{}, false, errors.New("alert feed entry has no id or link")
	}

	summary := item.Description
	if summary == "" {
		summary = item.Content
	}

	return relay.AlertEntry{
		ID:      id,
		Title:   strings.TrimSpace(item.Title),
		Summary: htmlToText(summary),
	}, true, nil
}

// htmlToText flattens an HTML fragment to its text, keeping line breaks.
func htmlToText(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return strings.TrimSpace(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	lines := strings.Split(doc.Text(), "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func (c *Client) get(ctx context.Context, url, accept, purpose string) ([]byte, error) {
	var body []byte

	jitter := c.cfg.RetryDelay / 2
	if jitter <= 0 {
		jitter = time.Millisecond
	}

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", c.cfg.UserAgent)
			req.Header.Set("Accept", accept)

			startTime := time.Now()
			resp, err := c.http.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				c.logger.Warn("HTTP request failed",
					"url", url,
					"purpose", purpose,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			c.logger.Debug("HTTP request completed",
				"url", url,
				"purpose", purpose,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode != http.StatusOK {
				return &StatusError{URL: url, StatusCode: resp.StatusCode}
			}

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			body = data
			return nil
		},
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(c.cfg.RetryDelay),
		retry.MaxDelay(5*c.cfg.RetryDelay),
		retry.MaxJitter(jitter),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying feed fetch after error", "purpose", purpose, "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsClientError(err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s feed: %w", purpose, err)
	}
	return body, nil
}

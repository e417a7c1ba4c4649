package dispatch

import (
	"context"
	"encoding/json"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"disaster-relay/email"
	"disaster-relay/observability"
	"disaster-relay/pkg/relay"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type staticRegistry map[string]string

func (r staticRegistry) Destinations() map[string]string {
	out := make(map[string]string, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

type failingTarget struct{}

func (failingTarget) Send(context.Context, relay.Message) error {
	return errors.New("connection reset")
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, string) (Target, error) {
	return failingTarget{}, nil
}

// forgetful resolves through Mock except for ids listed in gone.
type forgetful struct {
	*Mock
	gone map[string]bool
}

func (f forgetful) Resolve(ctx context.Context, id string) (Target, error) {
	if f.gone[id] {
		return nil, fmt.Errorf("%w: mock destination %s", ErrUnresolved, id)
	}
	return f.Mock.Resolve(ctx, id)
}

func testMessage() relay.Message {
	return relay.Message{
		Kind:     relay.FeedSeismic,
		Icon:     "📢",
		Headline: "緊急地震速報",
		Lines:    []string{"震源地: 能登半島沖", "マグニチュード: 6.1", "発生時刻: 2024/01/01 16:10:00"},
		Mentions: []relay.Mention{{SubscriberID: "111", Severity: 5}, {SubscriberID: "222", Severity: 3}},
	}
}

func TestFanOut_UnresolvedDestinationIsolated(t *testing.T) {
	mock := NewMock(discardLogger())
	router := NewRouter("mock")
	router.Register("mock", forgetful{Mock: mock, gone: map[string]bool{"gone": true}})

	metrics := observability.NewMetricsForTesting()
	d := New(staticRegistry{"a": "mock:alpha", "b": "mock:gone", "c": "beta"}, router, metrics, discardLogger())

	report := d.FanOut(context.Background(), testMessage())

	assert.Equal(t, Report{Destinations: 3, Sent: 2, Unresolved: 1}, report)
	got := mock.Deliveries()
	require.Len(t, got, 2)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, []string{got[0].DestinationID, got[1].DestinationID})
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.Deliveries.WithLabelValues(observability.DeliverySent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Deliveries.WithLabelValues(observability.DeliveryUnresolved)))
}

func TestFanOut_SendFailureIsolated(t *testing.T) {
	mock := NewMock(discardLogger())
	router := NewRouter("mock")
	router.Register("mock", mock)
	router.Register("broken", failingResolver{})

	metrics := observability.NewMetricsForTesting()
	d := New(staticRegistry{"a": "mock:alpha", "b": "broken:x", "c": "mock:gamma"}, router, metrics, discardLogger())

	report := d.FanOut(context.Background(), testMessage())

	assert.Equal(t, 2, report.Sent)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Unresolved)
	assert.Len(t, mock.Deliveries(), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Deliveries.WithLabelValues(observability.DeliveryFailed)))
}

func TestFanOut_EmptyRegistry(t *testing.T) {
	d := New(staticRegistry{}, NewRouter("mock"), observability.NewMetricsForTesting(), discardLogger())
	assert.Equal(t, Report{}, d.FanOut(context.Background(), testMessage()))
}

func TestDeliver_DistinguishesFailures(t *testing.T) {
	mock := NewMock(discardLogger())
	router := NewRouter("mock")
	router.Register("mock", forgetful{Mock: mock, gone: map[string]bool{"gone": true}})
	router.Register("broken", failingResolver{})
	d := New(staticRegistry{}, router, observability.NewMetricsForTesting(), discardLogger())

	err := d.Deliver(context.Background(), "mock:gone", testMessage())
	assert.ErrorIs(t, err, ErrUnresolved)

	err = d.Deliver(context.Background(), "broken:x", testMessage())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnresolved)

	err = d.Deliver(context.Background(), "carrier-pigeon:x", testMessage())
	assert.ErrorIs(t, err, ErrUnresolved)
}

func TestRouter_UnregisteredPlatformIsUnresolved(t *testing.T) {
	mock := NewMock(discardLogger())
	router := NewRouter("mock")
	router.Register("mock", mock)

	metrics := observability.NewMetricsForTesting()
	d := New(staticRegistry{"guild": "discord:123456789"}, router, metrics, discardLogger())

	report := d.FanOut(context.Background(), testMessage())

	assert.Equal(t, Report{Destinations: 1, Unresolved: 1}, report)
	assert.Empty(t, mock.Deliveries(), "a discord id must not fall through to the default platform")
}

func TestRouter_Normalize(t *testing.T) {
	router := NewRouter("discord")
	router.Register("discord", NewMock(discardLogger()))
	router.Register("email", NewMock(discardLogger()))

	assert.Equal(t, "discord:123", router.Normalize("123"))
	assert.Equal(t, "discord:123", router.Normalize("discord:123"))
	assert.Equal(t, "email:ops@example.com", router.Normalize("email:ops@example.com"))
	assert.Equal(t, "telegram:-100", router.Normalize("telegram:-100"), "prefix kept even when unregistered")
	assert.Equal(t, []string{"discord", "email"}, router.Platforms())
}

func TestIsScheme(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"discord", true},
		{"carrier-pigeon", true},
		{"svc+v2", true},
		{"", false},
		{"Discord", false},
		{"1discord", false},
		{"user@host", false},
	}
	for _, tt := range tests {
		if got := isScheme(tt.in); got != tt.want {
			t.Errorf("isScheme(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRenderDiscord(t *testing.T) {
	want := "📢 **緊急地震速報**\n" +
		"震源地: 能登半島沖\n" +
		"マグニチュード: 6.1\n" +
		"発生時刻: 2024/01/01 16:10:00\n" +
		"揺れる可能性のあるユーザー:\n" +
		"<@111> (震度5)\n" +
		"<@222> (震度3)"
	assert.Equal(t, want, RenderDiscord(testMessage()))
}

func TestRenderPlain_NoMentions(t *testing.T) {
	msg := relay.Message{Icon: "🌊", Headline: "津波警報情報", Lines: []string{"石川県能登：MajorWarning（即時）"}}
	assert.Equal(t, "🌊 津波警報情報\n石川県能登：MajorWarning（即時）", RenderPlain(msg))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "地震", truncateRunes("地震", 5))
	assert.Equal(t, "地震…", truncateRunes("地震速報です", 3))
}

func TestDiscord_ResolveAndSend(t *testing.T) {
	var posted atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bot token123", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/channels/42":
			_, _ = io.WriteString(w, `{"id": "42", "type": 0}`)
		case r.Method == http.MethodPost && r.URL.Path == "/channels/42/messages":
			var body map[string]any
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			posted.Store(body["content"])
			_, _ = io.WriteString(w, `{"id": "m1"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"message": "Unknown Channel", "code": 10003}`)
		}
	}))
	defer srv.Close()

	discord := NewDiscord("token123", srv.Client(), discardLogger()).WithBaseURL(srv.URL)

	target, err := discord.Resolve(context.Background(), "42")
	require.NoError(t, err)
	require.NoError(t, target.Send(context.Background(), testMessage()))
	assert.Equal(t, RenderDiscord(testMessage()), posted.Load())

	_, err = discord.Resolve(context.Background(), "43")
	assert.ErrorIs(t, err, ErrUnresolved)

	_, err = discord.Resolve(context.Background(), "general")
	assert.ErrorIs(t, err, ErrUnresolved)
}

func TestDiscord_ServerErrorIsNotUnresolved(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	discord := NewDiscord("t", srv.Client(), discardLogger()).WithBaseURL(srv.URL)
	discord.api.retryDelay = time.Millisecond

	_, err := discord.Resolve(context.Background(), "42")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnresolved)
	assert.Equal(t, int32(3), calls.Load())
}

func TestTelegram_ResolveAndSend(t *testing.T) {
	var sent sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/botTOKEN/getChat") && r.URL.Query().Get("chat_id") == "-100":
			_, _ = io.WriteString(w, `{"ok": true, "result": {"id": -100}}`)
		case strings.HasSuffix(r.URL.Path, "/botTOKEN/getChat"):
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"ok": false, "description": "Bad Request: chat not found"}`)
		case strings.HasSuffix(r.URL.Path, "/botTOKEN/sendMessage"):
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&sent))
			_, _ = io.WriteString(w, `{"ok": true}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tg := NewTelegram("TOKEN", srv.Client(), discardLogger()).WithBaseURL(srv.URL)

	target, err := tg.Resolve(context.Background(), "-100")
	require.NoError(t, err)
	require.NoError(t, target.Send(context.Background(), testMessage()))
	assert.Equal(t, "-100", sent.ChatID)
	assert.Equal(t, RenderPlain(testMessage()), sent.Text)

	_, err = tg.Resolve(context.Background(), "-200")
	assert.ErrorIs(t, err, ErrUnresolved)
}

func TestTelegram_TransportErrorHidesToken(t *testing.T) {
	const token = "123456:SECRET-TOKEN"
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	tg := NewTelegram(token, nil, logger).WithBaseURL(baseURL)
	tg.api.retryDelay = time.Millisecond
	router := NewRouter("telegram")
	router.Register("telegram", tg)
	d := New(staticRegistry{"group": "telegram:42"}, router, observability.NewMetricsForTesting(), logger)

	report := d.FanOut(context.Background(), testMessage())

	assert.Equal(t, 1, report.Failed)
	assert.NotEmpty(t, logs.String())
	assert.NotContains(t, logs.String(), "SECRET-TOKEN")

	_, err := tg.Resolve(context.Background(), "42")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET-TOKEN")
}

func TestEmail_Resolve(t *testing.T) {
	provider := email.NewMockProvider(discardLogger())
	resolver := NewEmail(email.New(provider, discardLogger()))

	target, err := resolver.Resolve(context.Background(), "ops@example.com")
	require.NoError(t, err)
	require.NoError(t, target.Send(context.Background(), testMessage()))
	require.Len(t, provider.Sent(), 1)
	assert.Equal(t, "ops@example.com", provider.Sent()[0].To)

	_, err = resolver.Resolve(context.Background(), "not an address")
	assert.ErrorIs(t, err, ErrUnresolved)
}

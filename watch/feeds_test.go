package watch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"disaster-relay/pkg/relay"
)

func TestMentions(t *testing.T) {
	ev := relay.SeismicEvent{ID: "q", Magnitude: 6.0, Lat: 35.6812, Lon: 139.7671}
	subs := map[string]relay.Subscriber{
		"tokyo":    {Location: "東京", Lat: 35.6812, Lon: 139.7671},
		"yokohama": {Location: "横浜", Lat: 35.4437, Lon: 139.6380},
		"osaka":    {Location: "大阪", Lat: 34.6937, Lon: 135.5023},
	}

	got := Mentions(ev, subs)

	require.Len(t, got, 2)
	assert.Equal(t, relay.Mention{SubscriberID: "tokyo", Severity: 9}, got[0])
	assert.Equal(t, "yokohama", got[1].SubscriberID)
	assert.Equal(t, 8, got[1].Severity)
}

func TestMentions_Threshold(t *testing.T) {
	ev := relay.SeismicEvent{Magnitude: 2.0, Lat: 35.0, Lon: 135.0}

	tests := []struct {
		name string
		sub  relay.Subscriber
		want []relay.Mention
	}{
		// round(3.0 - 0.03) = 3
		{"epicenter reaches threshold", relay.Subscriber{Lat: 35.0, Lon: 135.0}, []relay.Mention{{SubscriberID: "a", Severity: 3}}},
		// about 50km away: round(3.0 - 1.5) = 1
		{"50km stays below threshold", relay.Subscriber{Lat: 35.45, Lon: 135.0}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Mentions(ev, map[string]relay.Subscriber{"a": tt.sub})
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSeismicMessage(t *testing.T) {
	msg := SeismicMessage(relay.SeismicEvent{Epicenter: "能登半島沖", Magnitude: 7.0, OriginTime: "2024/01/01 16:10:00"}, nil)

	assert.Equal(t, relay.FeedSeismic, msg.Kind)
	assert.Equal(t, "緊急地震速報", msg.Headline)
	assert.Equal(t, []string{"震源地: 能登半島沖", "マグニチュード: 7.0", "発生時刻: 2024/01/01 16:10:00"}, msg.Lines)
	assert.Empty(t, msg.Mentions)
}

func TestTsunamiMessage(t *testing.T) {
	msg := TsunamiMessage(relay.TsunamiAdvisory{Warnings: []relay.TsunamiWarning{
		{Area: "石川県能登", Grade: "MajorWarning", Immediate: true},
		{Area: "新潟県上中下越", Grade: "Warning"},
	}})

	assert.Equal(t, "🌊", msg.Icon)
	assert.Equal(t, []string{"石川県能登：MajorWarning（即時）", "新潟県上中下越：Warning（通常）"}, msg.Lines)
}

func TestAlertMessage(t *testing.T) {
	msg := AlertMessage(relay.AlertEntry{ID: "a", Title: "ミサイル発射情報", Summary: "避難してください。"})
	assert.Equal(t, "J-ALERT速報", msg.Headline)
	assert.Equal(t, []string{"ミサイル発射情報", "避難してください。"}, msg.Lines)

	msg = AlertMessage(relay.AlertEntry{ID: "b", Title: "訓練"})
	assert.Equal(t, []string{"訓練"}, msg.Lines)
}

func TestFormatMagnitude(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{7, "7.0"},
		{6.1, "6.1"},
		{4.25, "4.25"},
	}
	for _, tt := range tests {
		if got := formatMagnitude(tt.in); got != tt.want {
			t.Errorf("formatMagnitude(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// Package relay contains the core domain types for the disaster-alert relay.
package relay

// FeedKind identifies one of the watched feeds.
type FeedKind string

const (
	FeedSeismic     FeedKind = "seismic"
	FeedTsunami     FeedKind = "tsunami"
	FeedPublicAlert FeedKind = "public_alert"
)

// SeismicEvent is the newest entry of the seismic feed.
type SeismicEvent struct {
	ID         string
	Epicenter  string
	Magnitude  float64
	OriginTime string
	Lat        float64 // Hypocenter latitude
	Lon        float64 // Hypocenter longitude
}

// TsunamiWarning is one forecast area of a tsunami advisory.
type TsunamiWarning struct {
	Area      string
	Grade     string
	Immediate bool
}

// TsunamiAdvisory is the newest tsunami-coded history entry.
type TsunamiAdvisory struct {
	ID        string
	Issued    string
	Cancelled bool
	Warnings  []TsunamiWarning
}

// AlertEntry is the newest item of the public-alert syndication feed.
type AlertEntry struct {
	ID      string
	Title   string
	Summary string
}

// Subscriber is a registered location for one user.
type Subscriber struct {
	Location string  `json:"location"` // Name the user registered
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

// Mention marks a subscriber who is likely to feel an event.
type Mention struct {
	SubscriberID string
	Severity     int
}

// MentionHeader introduces the list of subscribers in a seismic message.
const MentionHeader = "揺れる可能性のあるユーザー:"

// Message is a platform-neutral notification. Delivery targets render it
// in their own markup.
type Message struct {
	Kind     FeedKind
	Icon     string
	Headline string
	Lines    []string
	Mentions []Mention
}

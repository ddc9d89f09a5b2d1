// Package discord delivers alert embeds to Discord-compatible webhook
// endpoints with per-endpoint cooldown, pacing, penalty, and a global send
// floor, reacting to rate-limit responses without amplifying them.
package discord

// Channel groups webhook endpoints by alert class. Ordering guarantees hold
// only within a channel.
type Channel string

const (
	ChannelUA      Channel = "ua"
	ChannelCapture Channel = "capture"
	ChannelPlayers Channel = "players"
)

// Message is the webhook POST envelope. Discord accepts at most ten embeds
// per message.
type Message struct {
	Username string  `json:"username"`
	Embeds   []Embed `json:"embeds"`
}

// Embed is the notification payload shape.
type Embed struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Color       int             `json:"color"`
	Timestamp   string          `json:"timestamp,omitempty"`
	Footer      *EmbedFooter    `json:"footer,omitempty"`
	Fields      []EmbedField    `json:"fields,omitempty"`
	Thumbnail   *EmbedThumbnail `json:"thumbnail,omitempty"`
}

type EmbedFooter struct {
	Text string `json:"text"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type EmbedThumbnail struct {
	URL string `json:"url"`
}

// MaxEmbedsPerMessage is Discord's hard cap per webhook POST.
const MaxEmbedsPerMessage = 10

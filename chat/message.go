package chat

import (
	"fmt"
	"strings"
)

// Platform identifies the source of a chat message. The set is closed;
// consumers switch exhaustively over Platforms().
type Platform string

const (
	PlatformTwitch  Platform = "twitch"
	PlatformYouTube Platform = "youtube"
	PlatformDiscord Platform = "discord"
)

// Platforms returns every known platform in a stable order.
func Platforms() []Platform {
	return []Platform{PlatformTwitch, PlatformYouTube, PlatformDiscord}
}

// Valid reports whether p is one of the known platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformTwitch, PlatformYouTube, PlatformDiscord:
		return true
	}
	return false
}

// ChatAuthor describes the sender of a message. ID is the platform-native
// user identifier and is the moderation target key.
type ChatAuthor struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	DisplayName string      `json:"displayName"`
	Avatar      string      `json:"avatar,omitempty"`
	Color       string      `json:"color,omitempty"`
	Badges      []ChatBadge `json:"badges,omitempty"`
}

type ChatBadge struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"imageUrl"`
}

// ChatEmote marks a [Start, End) range of the message content that renders
// as an emote image. Ranges are sorted ascending by Start but upstream data
// does not guarantee they are non-overlapping; renderers must tolerate that.
type ChatEmote struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	ImageURL string `json:"imageUrl"`
}

// ChatMessage is the normalized chat event. Bridges construct one per
// inbound platform event; it is read-only afterward.
type ChatMessage struct {
	ID            string      `json:"id"`
	Platform      Platform    `json:"platform"`
	Timestamp     int64       `json:"timestamp"` // milliseconds since epoch
	Author        ChatAuthor  `json:"author"`
	Content       string      `json:"content"`
	Emotes        []ChatEmote `json:"emotes,omitempty"`
	IsModerator   bool        `json:"isModerator,omitempty"`
	IsSubscriber  bool        `json:"isSubscriber,omitempty"`
	IsHighlighted bool        `json:"isHighlighted,omitempty"`
}

// DebugIDMarker tags synthetic messages injected through the debug endpoint.
// ClearDebugMessages removes every buffered message whose id contains it.
const DebugIDMarker = "-debug-"

// IsDebug reports whether the message id carries the debug marker.
func (m ChatMessage) IsDebug() bool { return strings.Contains(m.ID, DebugIDMarker) }

// Validate rejects messages that must not reach the coordinator: unknown
// platform tags, missing ids, or missing author ids.
func (m ChatMessage) Validate() error {
	if !m.Platform.Valid() {
		return fmt.Errorf("chat message %q: unknown platform %q", m.ID, m.Platform)
	}
	if m.ID == "" {
		return fmt.Errorf("chat message from %s: empty id", m.Platform)
	}
	if m.Author.ID == "" {
		return fmt.Errorf("chat message %q: empty author id", m.ID)
	}
	return nil
}

// ConnectionStatus is computed on demand from a live bridge, never cached.
type ConnectionStatus struct {
	Platform  Platform `json:"platform"`
	Connected bool     `json:"connected"`
	Channel   string   `json:"channel,omitempty"`
	Error     string   `json:"error,omitempty"`
}

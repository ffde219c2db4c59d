package coordinator

import (
	"context"
	"time"

	"github.com/irasychan/streamdash/chat"
)

// Bridge is one live platform connection owned by the coordinator. At most
// one bridge exists per platform; connecting again replaces it.
type Bridge interface {
	// Status reports the live connection state; the coordinator never
	// caches it.
	Status() chat.ConnectionStatus
	// Disconnect closes the connection and suppresses any reconnect loop.
	// Idempotent and callable at any time.
	Disconnect()
}

// TwitchParams configures the IRC-chat bridge. AccessToken and Username are
// optional; without them the bridge reads chat anonymously.
type TwitchParams struct {
	Channel     string
	AccessToken string
	Username    string
}

// YouTubeParams configures the live-chat polling bridge. RefreshToken and
// Expiry are optional; without them the access token is used until it dies.
type YouTubeParams struct {
	LiveChatID   string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// DiscordParams configures the gateway bridge. The bot credential is
// process-level configuration, not a per-connect parameter.
type DiscordParams struct {
	ChannelID string
}

// ConnectParams carries the platform-specific connect parameters consumed
// from the HTTP layer. Only the field matching the requested platform is
// read.
type ConnectParams struct {
	Twitch  TwitchParams
	YouTube YouTubeParams
	Discord DiscordParams
}

// TokenUpdate is refreshed OAuth token material a bridge surfaces so the
// surrounding layer can persist it.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// BridgeFactory builds and starts a bridge for one platform, wiring its
// message callback into the coordinator intake. It must not return until
// the bridge has either completed its initial handshake or failed.
type BridgeFactory func(ctx context.Context, platform chat.Platform, params ConnectParams, c *Coordinator) (Bridge, error)

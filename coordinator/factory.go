package coordinator

import (
	"context"
	"fmt"
	"os"

	"github.com/irasychan/streamdash/chat"
	"github.com/irasychan/streamdash/discordgw"
	"github.com/irasychan/streamdash/twitchirc"
	"github.com/irasychan/streamdash/youtubelive"
)

// FactoryConfig carries the process-level credentials the default bridge
// factory needs. Per-connection parameters arrive via ConnectParams instead.
type FactoryConfig struct {
	DiscordBotToken string
	YTClientID      string
	YTClientSecret  string
}

// Factory builds the production BridgeFactory: real platform bridges wired
// into the coordinator intake.
func Factory(fc FactoryConfig) BridgeFactory {
	return func(ctx context.Context, platform chat.Platform, params ConnectParams, c *Coordinator) (Bridge, error) {
		switch platform {
		case chat.PlatformTwitch:
			p := params.Twitch
			if p.Channel == "" {
				return nil, fmt.Errorf("twitch: missing channel")
			}
			b := twitchirc.New(p.Channel, p.AccessToken, p.Username)
			b.OnMessage(c.Ingest)
			if err := b.Connect(ctx); err != nil {
				return nil, err
			}
			return b, nil

		case chat.PlatformDiscord:
			p := params.Discord
			if p.ChannelID == "" {
				return nil, fmt.Errorf("discord: missing channel id")
			}
			b := discordgw.New(p.ChannelID, fc.DiscordBotToken)
			b.OnMessage(c.Ingest)
			if err := b.Connect(ctx); err != nil {
				return nil, err
			}
			return b, nil

		case chat.PlatformYouTube:
			p := params.YouTube
			poller := youtubelive.New(youtubelive.Options{
				LiveChatID:   p.LiveChatID,
				AccessToken:  p.AccessToken,
				RefreshToken: p.RefreshToken,
				Expiry:       p.Expiry,
				ClientID:     fc.YTClientID,
				ClientSecret: fc.YTClientSecret,
				OnMessage:    c.Ingest,
				OnTokenRefresh: func(u youtubelive.TokenUpdate) {
					c.tokenRefreshed(chat.PlatformYouTube, TokenUpdate(u))
				},
			})
			if err := poller.Start(ctx); err != nil {
				return nil, err
			}
			return poller, nil
		}
		return nil, fmt.Errorf("no bridge for platform %q", platform)
	}
}

// NewBridge is the default factory used when Options.Factory is nil. It
// reads process credentials from the environment, matching how the rest of
// the service is configured.
func NewBridge(ctx context.Context, platform chat.Platform, params ConnectParams, c *Coordinator) (Bridge, error) {
	return Factory(FactoryConfig{
		DiscordBotToken: os.Getenv("DISCORD_BOT_TOKEN"),
		YTClientID:      os.Getenv("YT_CLIENT_ID"),
		YTClientSecret:  os.Getenv("YT_CLIENT_SECRET"),
	})(ctx, platform, params, c)
}

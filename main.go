// Command streamdash is the chat aggregation service. It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres and runs idempotent migrations.
//   - Starts the chat coordinator that bridges Twitch, YouTube, and Discord
//     chat into one deduplicated stream.
//   - Starts OAuth token refreshers for Twitch/YouTube when persistence is
//     enabled.
//   - Exposes the HTTP API with /chat/* endpoints, /healthz, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/joho/godotenv"

	"github.com/irasychan/streamdash/chat"
	"github.com/irasychan/streamdash/config"
	"github.com/irasychan/streamdash/coordinator"
	"github.com/irasychan/streamdash/db"
	"github.com/irasychan/streamdash/oauth"
	"github.com/irasychan/streamdash/server"
	"github.com/irasychan/streamdash/telemetry"
	"github.com/irasychan/streamdash/twitchapi"
)

// hiddenKVKey mirrors the key the HTTP handlers persist the hidden set under.
const hiddenKVKey = "chat:hidden"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("streamdash", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB is optional. Without DB_DSN the service runs in-memory only: no
	// token persistence, no hidden-set restore, health checks skip the db.
	var database *sql.DB
	if cfg.DBDsn != "" {
		database, err = db.Connect(cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	} else {
		slog.Info("DB_DSN not set, running without persistence")
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tokens *db.TokenStore
	if database != nil {
		tokens = &db.TokenStore{DB: database}
	}

	coord := coordinator.New(coordinator.Options{
		BufferSize:          cfg.BufferSize,
		DetachAfterFailures: cfg.DetachAfterFailures,
		Factory: coordinator.Factory(coordinator.FactoryConfig{
			DiscordBotToken: cfg.DiscordBotToken,
			YTClientID:      cfg.YTClientID,
			YTClientSecret:  cfg.YTClientSecret,
		}),
		OnTokenRefresh: func(platform chat.Platform, upd coordinator.TokenUpdate) {
			if tokens == nil {
				return
			}
			pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := tokens.Upsert(pctx, string(platform), upd.AccessToken, upd.RefreshToken, upd.Expiry); err != nil {
				slog.Warn("persist refreshed token failed", slog.String("platform", string(platform)), slog.Any("err", err))
			}
		},
	})
	defer coord.Close()

	// Restore moderation state persisted by the hide/unhide endpoints.
	if database != nil {
		restoreHiddenSet(ctx, database, coord)
	}

	// Auto-connect bridges whose credentials are fully configured. Best
	// effort: the dashboard can always connect explicitly over the API.
	if cfg.TwitchChannel != "" {
		cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := coord.Connect(cctx, chat.PlatformTwitch, coordinator.ConnectParams{
			Twitch: coordinator.TwitchParams{
				Channel:     cfg.TwitchChannel,
				AccessToken: cfg.TwitchOAuthToken,
				Username:    cfg.TwitchBotUsername,
			},
		})
		cancel()
		if err != nil {
			slog.Warn("twitch auto-connect failed", slog.Any("err", err))
		}
	}
	if cfg.DiscordChannel != "" {
		if err := cfg.ValidateDiscordReady(); err != nil {
			slog.Warn("discord auto-connect skipped", slog.Any("err", err))
		} else {
			cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := coord.Connect(cctx, chat.PlatformDiscord, coordinator.ConnectParams{
				Discord: coordinator.DiscordParams{ChannelID: cfg.DiscordChannel},
			})
			cancel()
			if err != nil {
				slog.Warn("discord auto-connect failed", slog.Any("err", err))
			}
		}
	}

	// Centralized OAuth token refreshers. These only matter when tokens are
	// persisted, so they stay off without a database.
	if database != nil {
		oauth.StartRefresher(ctx, database, "twitch", 5*time.Minute, 15*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			res, err := twitchapi.RefreshToken(rctx, cfg.TwitchClientID, cfg.TwitchClientSecret, refreshToken)
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return res.AccessToken, res.RefreshToken, twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " "), nil
		})
		oauth.StartRefresher(ctx, database, "youtube", 10*time.Minute, 20*time.Minute, func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			if cfg.YTClientID == "" {
				return "", "", time.Time{}, "", context.Canceled
			}
			oc := &oauth2.Config{ClientID: cfg.YTClientID, ClientSecret: cfg.YTClientSecret, Endpoint: google.Endpoint}
			newTok, err := oc.TokenSource(rctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, "", nil
		})
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (chat API, health, metrics)
	go func() {
		if err := server.Start(ctx, coord, database, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

// restoreHiddenSet reapplies hidden message ids saved by a previous run.
// No subscribers exist yet at startup, so the replayed Hide calls emit no
// control events.
func restoreHiddenSet(ctx context.Context, database *sql.DB, coord *coordinator.Coordinator) {
	raw, err := db.GetKV(ctx, database, hiddenKVKey)
	if err != nil {
		slog.Warn("restore hidden set failed", slog.Any("err", err))
		return
	}
	if raw == "" {
		return
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		slog.Warn("restore hidden set: bad payload", slog.Any("err", err))
		return
	}
	for _, id := range ids {
		coord.Hide(id)
	}
	if len(ids) > 0 {
		slog.Info("restored hidden message set", slog.Int("count", len(ids)))
	}
}

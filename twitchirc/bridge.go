// Package twitchirc bridges Twitch chat into the normalized message stream.
//
// It owns the IRC-over-websocket connection itself (capability request,
// authentication, JOIN, keepalive pings, reconnect-on-drop) and uses the
// go-twitch-irc parser for the tagged line format. Anonymous connections use
// a justinfan guest identity and can read but not send.
package twitchirc

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"github.com/gorilla/websocket"

	"github.com/irasychan/streamdash/chat"
	"github.com/irasychan/streamdash/telemetry"
)

const (
	defaultURL            = "wss://irc-ws.chat.twitch.tv:443"
	defaultPingInterval   = 60 * time.Second
	defaultReconnectDelay = 3 * time.Second
)

// Bridge is one Twitch IRC connection joined to a single channel.
type Bridge struct {
	channel     string
	accessToken string
	username    string

	// overridable in tests
	url            string
	pingInterval   time.Duration
	reconnectDelay time.Duration

	onMessage func(chat.ChatMessage)

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	intentional bool // Disconnect was called; suppress reconnect
	pingStop    chan struct{}

	writeMu sync.Mutex
}

// New builds a bridge for a channel. accessToken and username are optional;
// when either is missing the bridge connects anonymously.
func New(channel, accessToken, username string) *Bridge {
	return &Bridge{
		channel:        strings.ToLower(strings.TrimPrefix(channel, "#")),
		accessToken:    accessToken,
		username:       strings.ToLower(username),
		url:            defaultURL,
		pingInterval:   defaultPingInterval,
		reconnectDelay: defaultReconnectDelay,
	}
}

// OnMessage registers the normalized-message callback. Must be called
// before Connect.
func (b *Bridge) OnMessage(cb func(chat.ChatMessage)) { b.onMessage = cb }

// Connect dials the chat endpoint, performs the capability/auth/join
// sequence, and starts the read and keepalive loops. A dial failure is
// returned to the caller; later drops are handled by the reconnect loop.
func (b *Bridge) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return fmt.Errorf("twitch irc dial: %w", err)
	}

	b.mu.Lock()
	if b.intentional {
		b.mu.Unlock()
		conn.Close()
		return fmt.Errorf("twitch irc: bridge already disconnected")
	}
	b.conn = conn
	b.connected = true
	b.pingStop = make(chan struct{})
	pingStop := b.pingStop
	b.mu.Unlock()

	// Tags carry ids, timestamps, badges, colors, and emote ranges.
	b.writeLine("CAP REQ :twitch.tv/tags twitch.tv/commands")
	if b.accessToken != "" && b.username != "" {
		b.writeLine("PASS oauth:" + b.accessToken)
		b.writeLine("NICK " + b.username)
	} else {
		//nolint:gosec // G404: guest nick suffix, not security sensitive
		b.writeLine(fmt.Sprintf("NICK justinfan%d", rand.Intn(99999)))
	}
	b.writeLine("JOIN #" + b.channel)

	telemetry.SetConnected(string(chat.PlatformTwitch), true)
	go b.pingLoop(pingStop)
	go b.readLoop(conn)
	return nil
}

// Disconnect closes the connection and suppresses the reconnect loop.
// Idempotent.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	b.intentional = true
	conn := b.conn
	b.conn = nil
	b.connected = false
	if b.pingStop != nil {
		close(b.pingStop)
		b.pingStop = nil
	}
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	telemetry.SetConnected(string(chat.PlatformTwitch), false)
}

// IsConnected reports whether the bridge currently holds an open connection.
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Channel returns the joined channel name without the leading '#'.
func (b *Bridge) Channel() string { return b.channel }

// Status implements coordinator.Bridge.
func (b *Bridge) Status() chat.ConnectionStatus {
	return chat.ConnectionStatus{
		Platform:  chat.PlatformTwitch,
		Connected: b.IsConnected(),
		Channel:   b.channel,
	}
}

func (b *Bridge) writeLine(line string) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
		slog.Debug("twitch irc write failed", slog.Any("err", err))
	}
}

// pingLoop sends a client-side PING on a fixed interval, independent of
// server pings, to detect silent connection death.
func (b *Bridge) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.writeLine("PING :tmi.twitch.tv")
		case <-stop:
			return
		}
	}
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.handleClose(err)
			return
		}
		for _, line := range strings.Split(string(data), "\r\n") {
			if line == "" {
				continue
			}
			b.handleLine(line)
		}
	}
}

func (b *Bridge) handleLine(line string) {
	switch msg := twitch.ParseMessage(line).(type) {
	case *twitch.PingMessage:
		b.writeLine("PONG :tmi.twitch.tv")
	case *twitch.PrivateMessage:
		out, err := b.normalize(msg)
		if err != nil {
			slog.Warn("dropping unparsable twitch message", slog.Any("err", err))
			telemetry.CountDropped(string(chat.PlatformTwitch))
			return
		}
		telemetry.CountReceived(string(chat.PlatformTwitch))
		if b.onMessage != nil {
			b.onMessage(out)
		}
	default:
		// JOIN confirmations, NOTICEs, USERSTATE and the rest are noise here.
	}
}

// handleClose runs when the read loop dies. Unintentional closes schedule
// one reconnect attempt after a fixed delay.
func (b *Bridge) handleClose(err error) {
	b.mu.Lock()
	wasIntentional := b.intentional
	b.connected = false
	b.conn = nil
	if b.pingStop != nil {
		close(b.pingStop)
		b.pingStop = nil
	}
	b.mu.Unlock()
	telemetry.SetConnected(string(chat.PlatformTwitch), false)

	if wasIntentional {
		return
	}
	slog.Warn("twitch irc connection lost; reconnecting", slog.String("channel", b.channel), slog.Duration("delay", b.reconnectDelay), slog.Any("err", err))
	telemetry.CountReconnect(string(chat.PlatformTwitch))
	time.AfterFunc(b.reconnectDelay, func() {
		b.mu.Lock()
		skip := b.intentional
		b.mu.Unlock()
		if skip {
			return
		}
		if err := b.Connect(context.Background()); err != nil {
			slog.Error("twitch irc reconnect failed", slog.String("channel", b.channel), slog.Any("err", err))
		}
	})
}

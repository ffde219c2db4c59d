// Package discordgw bridges one Discord text channel into the normalized
// message stream via the gateway push protocol.
//
// The bridge runs the HELLO/IDENTIFY/HEARTBEAT/DISPATCH handshake itself:
// on HELLO it starts heartbeating at the server-given interval and sends an
// IDENTIFY with the bot credential and minimal intents; a READY dispatch
// marks it connected. MESSAGE_CREATE dispatches are filtered to the
// configured channel and messages from the bridge's own bot identity are
// dropped. Discord-sourced messages always report IsModerator=false: role
// permission lookups are not performed, a known gap.
package discordgw

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/irasychan/streamdash/chat"
	"github.com/irasychan/streamdash/telemetry"
)

const (
	defaultURL            = "wss://gateway.discord.gg/?v=10&encoding=json"
	defaultReconnectDelay = 5 * time.Second
	connectTimeout        = 15 * time.Second
	avatarCDN             = "https://cdn.discordapp.com/avatars/%s/%s.png"
)

// Bridge is one gateway session filtered to a single channel.
type Bridge struct {
	channelID string
	botToken  string

	// overridable in tests
	url            string
	reconnectDelay time.Duration

	onMessage func(chat.ChatMessage)

	mu            sync.Mutex
	conn          *websocket.Conn
	connected     bool
	intentional   bool
	sequence      *int64
	sessionID     string
	botUserID     string
	heartbeatStop chan struct{}
	readyCh       chan struct{}
	failCh        chan error

	writeMu sync.Mutex
}

// New builds a bridge for a channel using the process-level bot credential.
func New(channelID, botToken string) *Bridge {
	return &Bridge{
		channelID:      channelID,
		botToken:       botToken,
		url:            defaultURL,
		reconnectDelay: defaultReconnectDelay,
	}
}

// OnMessage registers the normalized-message callback. Must be called
// before Connect.
func (b *Bridge) OnMessage(cb func(chat.ChatMessage)) { b.onMessage = cb }

// Connect dials the gateway and blocks until the READY dispatch arrives or
// the handshake fails. Post-READY errors are handled by the reconnect loop.
func (b *Bridge) Connect(ctx context.Context) error {
	if b.botToken == "" {
		return fmt.Errorf("discord gateway: bot token not configured")
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.url, nil)
	if err != nil {
		return fmt.Errorf("discord gateway dial: %w", err)
	}

	b.mu.Lock()
	if b.intentional {
		b.mu.Unlock()
		conn.Close()
		return fmt.Errorf("discord gateway: bridge already disconnected")
	}
	b.conn = conn
	b.readyCh = make(chan struct{})
	b.failCh = make(chan error, 1)
	ready, fail := b.readyCh, b.failCh
	b.mu.Unlock()

	go b.readLoop(conn)

	timeout := time.NewTimer(connectTimeout)
	defer timeout.Stop()
	select {
	case <-ready:
		return nil
	case err := <-fail:
		return fmt.Errorf("discord gateway handshake: %w", err)
	case <-timeout.C:
		conn.Close()
		return fmt.Errorf("discord gateway: no READY within %s", connectTimeout)
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}
}

// Disconnect closes the session and suppresses the reconnect loop.
// Idempotent.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	b.intentional = true
	conn := b.conn
	b.conn = nil
	b.connected = false
	b.stopHeartbeatLocked()
	b.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}
	telemetry.SetConnected(string(chat.PlatformDiscord), false)
}

// IsConnected reports whether the session has passed READY and is open.
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// ChannelID returns the channel this bridge is filtered to.
func (b *Bridge) ChannelID() string { return b.channelID }

// Status implements coordinator.Bridge.
func (b *Bridge) Status() chat.ConnectionStatus {
	return chat.ConnectionStatus{
		Platform:  chat.PlatformDiscord,
		Connected: b.IsConnected(),
		Channel:   b.channelID,
	}
}

func (b *Bridge) send(p outPayload) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := conn.WriteJSON(p); err != nil {
		slog.Debug("discord gateway write failed", slog.Any("err", err))
	}
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	for {
		var p payload
		if err := conn.ReadJSON(&p); err != nil {
			b.handleClose(err)
			return
		}
		b.handlePayload(p)
	}
}

func (b *Bridge) handlePayload(p payload) {
	if p.S != nil {
		b.mu.Lock()
		b.sequence = p.S
		b.mu.Unlock()
	}

	switch p.Op {
	case opHello:
		var hello helloData
		if err := json.Unmarshal(p.D, &hello); err != nil {
			slog.Warn("discord gateway: bad HELLO payload", slog.Any("err", err))
			return
		}
		b.startHeartbeat(time.Duration(hello.HeartbeatInterval) * time.Millisecond)
		b.send(outPayload{Op: opIdentify, D: identifyData{
			Token:   b.botToken,
			Intents: identifyIntents,
			Properties: identifyProperties{
				OS:      "linux",
				Browser: "streamdash",
				Device:  "streamdash",
			},
		}})
	case opHeartbeatAck:
		// expected; nothing to do
	case opDispatch:
		b.handleDispatch(p.T, p.D)
	case opHeartbeat, opIdentify:
		// client-to-server opcodes; ignore if echoed
	}
}

func (b *Bridge) handleDispatch(event string, data json.RawMessage) {
	switch event {
	case "READY":
		var ready readyData
		if err := json.Unmarshal(data, &ready); err != nil {
			slog.Warn("discord gateway: bad READY payload", slog.Any("err", err))
			return
		}
		b.mu.Lock()
		b.sessionID = ready.SessionID
		b.botUserID = ready.User.ID
		b.connected = true
		readyCh := b.readyCh
		b.readyCh = nil
		b.mu.Unlock()
		telemetry.SetConnected(string(chat.PlatformDiscord), true)
		slog.Info("discord gateway ready", slog.String("bot", ready.User.Username), slog.String("channel", b.channelID))
		if readyCh != nil {
			close(readyCh)
		}
	case "MESSAGE_CREATE":
		var mc messageCreateData
		if err := json.Unmarshal(data, &mc); err != nil {
			slog.Warn("discord gateway: bad MESSAGE_CREATE payload", slog.Any("err", err))
			telemetry.CountDropped(string(chat.PlatformDiscord))
			return
		}
		if mc.ChannelID != b.channelID {
			return
		}
		b.mu.Lock()
		ownBot := mc.Author.ID == b.botUserID
		b.mu.Unlock()
		if ownBot {
			return
		}
		msg, err := normalize(mc)
		if err != nil {
			slog.Warn("dropping unparsable discord message", slog.Any("err", err))
			telemetry.CountDropped(string(chat.PlatformDiscord))
			return
		}
		telemetry.CountReceived(string(chat.PlatformDiscord))
		if b.onMessage != nil {
			b.onMessage(msg)
		}
	}
}

// normalize converts a MESSAGE_CREATE dispatch into the shared message
// shape. IsModerator stays false: deriving it would need role lookups.
func normalize(mc messageCreateData) (chat.ChatMessage, error) {
	ts := time.Now().UnixMilli()
	if mc.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, mc.Timestamp); err == nil {
			ts = parsed.UnixMilli()
		}
	}
	display := mc.Author.GlobalName
	if display == "" {
		display = mc.Author.Username
	}
	avatar := ""
	if mc.Author.Avatar != "" {
		avatar = fmt.Sprintf(avatarCDN, mc.Author.ID, mc.Author.Avatar)
	}
	msg := chat.ChatMessage{
		ID:        "discord-" + mc.ID,
		Platform:  chat.PlatformDiscord,
		Timestamp: ts,
		Author: chat.ChatAuthor{
			ID:          mc.Author.ID,
			Name:        mc.Author.Username,
			DisplayName: display,
			Avatar:      avatar,
			Color:       chat.UsernameColor(mc.Author.Username),
		},
		Content: mc.Content,
	}
	if err := msg.Validate(); err != nil {
		return chat.ChatMessage{}, err
	}
	return msg, nil
}

func (b *Bridge) startHeartbeat(interval time.Duration) {
	if interval <= 0 {
		return
	}
	b.mu.Lock()
	b.stopHeartbeatLocked()
	stop := make(chan struct{})
	b.heartbeatStop = stop
	b.mu.Unlock()

	b.sendHeartbeat()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.sendHeartbeat()
			case <-stop:
				return
			}
		}
	}()
}

func (b *Bridge) stopHeartbeatLocked() {
	if b.heartbeatStop != nil {
		close(b.heartbeatStop)
		b.heartbeatStop = nil
	}
}

// sendHeartbeat carries the last-seen sequence number, or null before the
// first dispatch.
func (b *Bridge) sendHeartbeat() {
	b.mu.Lock()
	var d any
	if b.sequence != nil {
		d = *b.sequence
	}
	b.mu.Unlock()
	b.send(outPayload{Op: opHeartbeat, D: d})
}

// handleClose runs when the read loop dies. Unintentional closes schedule
// one reconnect attempt after a fixed delay; the handshake failure path is
// used instead when READY has not arrived yet.
func (b *Bridge) handleClose(err error) {
	b.mu.Lock()
	wasIntentional := b.intentional
	wasConnected := b.connected
	b.connected = false
	b.conn = nil
	b.stopHeartbeatLocked()
	failCh := b.failCh
	b.failCh = nil
	preReady := b.readyCh != nil
	b.readyCh = nil
	b.mu.Unlock()
	telemetry.SetConnected(string(chat.PlatformDiscord), false)

	if wasIntentional {
		return
	}
	if preReady && failCh != nil {
		failCh <- err
		return
	}
	if !wasConnected {
		return
	}
	slog.Warn("discord gateway connection lost; reconnecting", slog.String("channel", b.channelID), slog.Duration("delay", b.reconnectDelay), slog.Any("err", err))
	telemetry.CountReconnect(string(chat.PlatformDiscord))
	time.AfterFunc(b.reconnectDelay, func() {
		b.mu.Lock()
		skip := b.intentional
		b.mu.Unlock()
		if skip {
			return
		}
		if err := b.Connect(context.Background()); err != nil {
			slog.Error("discord gateway reconnect failed", slog.String("channel", b.channelID), slog.Any("err", err))
		}
	})
}

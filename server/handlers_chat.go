package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/irasychan/streamdash/chat"
	"github.com/irasychan/streamdash/coordinator"
	"github.com/irasychan/streamdash/db"
)

// hiddenKVKey is the kv row holding the serialized hidden-message set.
const hiddenKVKey = "chat:hidden"

// connectRequest is the body of POST /chat/connect. Only the fields for the
// requested platform are read.
type connectRequest struct {
	Platform string `json:"platform"`

	// twitch
	Channel     string `json:"channel,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
	Username    string `json:"username,omitempty"`

	// youtube
	LiveChatID   string `json:"liveChatId,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"` // unix millis

	// discord
	ChannelID string `json:"channelId,omitempty"`
}

// HandleChatConnect starts (or replaces) the bridge for one platform.
func (h *Handlers) HandleChatConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	platform := chat.Platform(strings.ToLower(req.Platform))
	if !platform.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown platform %q", req.Platform))
		return
	}

	params := coordinator.ConnectParams{
		Twitch: coordinator.TwitchParams{
			Channel:     req.Channel,
			AccessToken: req.AccessToken,
			Username:    req.Username,
		},
		YouTube: coordinator.YouTubeParams{
			LiveChatID:   req.LiveChatID,
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
		},
		Discord: coordinator.DiscordParams{ChannelID: req.ChannelID},
	}
	if req.ExpiresAt > 0 {
		params.YouTube.Expiry = time.UnixMilli(req.ExpiresAt)
	}

	// A youtube connect without token material falls back to the persisted
	// tokens the background refresher keeps fresh, so a dashboard reconnect
	// after restart only needs the live chat id.
	if platform == chat.PlatformYouTube && params.YouTube.AccessToken == "" && h.tokens != nil {
		access, refresh, expiry, err := h.tokens.Get(r.Context(), string(chat.PlatformYouTube))
		if err != nil {
			slog.Warn("stored youtube token lookup failed", slog.Any("err", err))
		} else if access != "" {
			params.YouTube.AccessToken = access
			if params.YouTube.RefreshToken == "" {
				params.YouTube.RefreshToken = refresh
			}
			if params.YouTube.Expiry.IsZero() {
				params.YouTube.Expiry = expiry
			}
		}
	}

	if err := h.coord.Connect(r.Context(), platform, params); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connected": true, "platform": platform})
}

// HandleChatDisconnect stops the bridge for one platform, or all of them
// when no platform is given.
func (h *Handlers) HandleChatDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Platform string `json:"platform"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Platform == "" {
		h.coord.DisconnectAll()
		writeJSON(w, http.StatusOK, map[string]any{"connected": false})
		return
	}
	platform := chat.Platform(strings.ToLower(req.Platform))
	if !platform.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown platform %q", req.Platform))
		return
	}
	h.coord.Disconnect(platform)
	writeJSON(w, http.StatusOK, map[string]any{"connected": false, "platform": platform})
}

// HandleChatStatus reports per-platform connection state.
func (h *Handlers) HandleChatStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"platforms":   h.coord.Status(),
		"subscribers": h.coord.SubscriberCount(),
		"buffered":    len(h.coord.Buffer()),
	})
}

// HandleChatHide marks a message hidden for every viewer.
func (h *Handlers) HandleChatHide(w http.ResponseWriter, r *http.Request) {
	h.handleVisibility(w, r, h.coord.Hide)
}

// HandleChatUnhide clears a hidden mark, even for messages that have
// already scrolled out of the replay buffer.
func (h *Handlers) HandleChatUnhide(w http.ResponseWriter, r *http.Request) {
	h.handleVisibility(w, r, h.coord.Unhide)
}

func (h *Handlers) handleVisibility(w http.ResponseWriter, r *http.Request, apply func(string)) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		MessageID string `json:"messageId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "messageId required")
		return
	}
	apply(req.MessageID)
	h.persistHidden(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"messageId": req.MessageID, "hidden": h.coord.IsHidden(req.MessageID)})
}

// persistHidden saves the hidden-message set so moderation decisions survive
// a restart. Best effort, and a no-op without a database.
func (h *Handlers) persistHidden(ctx context.Context) {
	if h.db == nil {
		return
	}
	raw, err := json.Marshal(h.coord.HiddenMessageIDs())
	if err != nil {
		return
	}
	if err := db.SetKV(ctx, h.db, hiddenKVKey, string(raw)); err != nil {
		slog.Warn("persist hidden set failed", slog.Any("err", err))
	}
}

// HandleChatHidden lists the currently hidden message ids.
func (h *Handlers) HandleChatHidden(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hidden": h.coord.HiddenMessageIDs()})
}

// HandleChatDebug injects a synthetic message (POST) or flushes all debug
// messages from the buffer (DELETE). Debug messages ride the normal
// broadcast path so they exercise dedup, buffering, and fan-out.
func (h *Handlers) HandleChatDebug(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Platform string `json:"platform"`
			Content  string `json:"content"`
			Author   string `json:"author"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		platform := chat.Platform(strings.ToLower(req.Platform))
		if req.Platform == "" {
			platform = chat.PlatformTwitch
		}
		if !platform.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown platform %q", req.Platform))
			return
		}
		author := req.Author
		if author == "" {
			author = "debug"
		}
		content := req.Content
		if content == "" {
			content = "debug message"
		}
		msg := chat.ChatMessage{
			ID:        string(platform) + chat.DebugIDMarker + uuid.NewString(),
			Platform:  platform,
			Timestamp: time.Now().UnixMilli(),
			Author: chat.ChatAuthor{
				ID:          "debug-" + author,
				Name:        author,
				DisplayName: author,
				Color:       chat.UsernameColor(author),
			},
			Content: content,
		}
		h.coord.Broadcast(msg)
		writeJSON(w, http.StatusCreated, msg)

	case http.MethodDelete:
		h.coord.ClearDebugMessages()
		writeJSON(w, http.StatusOK, map[string]any{"flushed": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/irasychan/streamdash/chat"
)

const keepaliveInterval = 30 * time.Second

// sseSink streams coordinator events to one HTTP response. It implements
// chat.Sink; Send is called from the coordinator goroutine and the
// keepalive loop, so writes are serialized by a mutex.
type sseSink struct {
	id      string
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
}

func newSSESink(w http.ResponseWriter, flusher http.Flusher) *sseSink {
	return &sseSink{id: uuid.NewString(), w: w, flusher: flusher}
}

func (s *sseSink) ID() string { return s.id }

// Send writes one event frame. Chat messages are wrapped in a typed
// envelope so the client can tell them apart from control events, which
// already carry their own type field.
func (s *sseSink) Send(ev chat.Event) error {
	body, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("subscriber %s closed", s.id)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", body); err != nil {
		s.closed = true
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func encodeEvent(ev chat.Event) ([]byte, error) {
	switch e := ev.(type) {
	case chat.ChatMessage:
		return json.Marshal(struct {
			Type    string           `json:"type"`
			Message chat.ChatMessage `json:"message"`
		}{Type: "message", Message: e})
	case chat.ControlEvent:
		return json.Marshal(e)
	}
	return nil, fmt.Errorf("unknown event type %T", ev)
}

// HandleChatStream is the SSE endpoint. Attaching replays the buffer, then
// the connection receives every broadcast until the client goes away. A
// keepalive control event ticks every 30s so proxies do not reap the idle
// stream; it is written directly to this subscriber, not broadcast.
func (h *Handlers) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := newSSESink(w, flusher)
	h.coord.AttachSubscriber(sink)
	defer func() {
		h.coord.DetachSubscriber(sink.id)
		sink.close()
	}()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ka := chat.ControlEvent{Type: chat.ControlKeepalive, SubscriberID: sink.id}
			if err := sink.Send(ka); err != nil {
				return
			}
		}
	}
}

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/irasychan/streamdash/chat"
	"github.com/irasychan/streamdash/coordinator"
)

// flushableRecorder wraps httptest.ResponseRecorder to implement http.Flusher
type flushableRecorder struct {
	*httptest.ResponseRecorder
	mu      sync.Mutex
	flushed int
}

func newFlushableRecorder() *flushableRecorder {
	return &flushableRecorder{ResponseRecorder: httptest.NewRecorder()}
}

func (f *flushableRecorder) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
}

func (f *flushableRecorder) FlushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushed
}

func TestSSESinkFrames(t *testing.T) {
	rec := newFlushableRecorder()
	sink := newSSESink(rec, rec)

	msg := chat.ChatMessage{
		ID:        "m1",
		Platform:  chat.PlatformTwitch,
		Timestamp: 1737000000000,
		Author:    chat.ChatAuthor{ID: "u1", Name: "alice", DisplayName: "Alice"},
		Content:   "hello",
	}
	if err := sink.Send(msg); err != nil {
		t.Fatalf("Send(message) error = %v", err)
	}
	if err := sink.Send(chat.ControlEvent{Type: chat.ControlHide, MessageID: "m1"}); err != nil {
		t.Fatalf("Send(control) error = %v", err)
	}

	frames := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2: %q", len(frames), rec.Body.String())
	}

	var envelope struct {
		Type    string           `json:"type"`
		Message chat.ChatMessage `json:"message"`
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(frames[0], "data: ")), &envelope); err != nil {
		t.Fatalf("decode message frame: %v", err)
	}
	if envelope.Type != "message" || envelope.Message.ID != "m1" {
		t.Errorf("message frame = %+v", envelope)
	}

	var control chat.ControlEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(frames[1], "data: ")), &control); err != nil {
		t.Fatalf("decode control frame: %v", err)
	}
	if control.Type != chat.ControlHide || control.MessageID != "m1" {
		t.Errorf("control frame = %+v", control)
	}
	if rec.FlushCount() != 2 {
		t.Errorf("flushes = %d, want one per frame", rec.FlushCount())
	}
}

func TestSSESinkClosedSendFails(t *testing.T) {
	rec := newFlushableRecorder()
	sink := newSSESink(rec, rec)
	sink.close()
	if err := sink.Send(chat.ControlEvent{Type: chat.ControlKeepalive}); err == nil {
		t.Error("Send() on closed sink should fail")
	}
}

// readSSEFrame reads one data frame from the stream.
func readSSEFrame(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data: ") {
			return strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestChatStreamEndToEnd(t *testing.T) {
	coord, handler := newTestServer(t, coordinator.Options{})
	srv := httptest.NewServer(handler)
	defer srv.Close()

	// Pre-broadcast history that must be replayed on attach.
	coord.Broadcast(chat.ChatMessage{
		ID: "old-1", Platform: chat.PlatformTwitch, Timestamp: time.Now().UnixMilli(),
		Author: chat.ChatAuthor{ID: "u1", Name: "alice"}, Content: "history",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/chat/stream", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)

	var replay struct {
		Type    string           `json:"type"`
		Message chat.ChatMessage `json:"message"`
	}
	if err := json.Unmarshal([]byte(readSSEFrame(t, reader)), &replay); err != nil {
		t.Fatalf("decode replay frame: %v", err)
	}
	if replay.Message.ID != "old-1" {
		t.Errorf("replay frame = %+v, want old-1", replay)
	}

	// Wait for the subscriber to be attached, then broadcast a live message.
	deadline := time.After(2 * time.Second)
	for coord.SubscriberCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("subscriber never attached")
		case <-time.After(5 * time.Millisecond):
		}
	}
	coord.Broadcast(chat.ChatMessage{
		ID: "live-1", Platform: chat.PlatformDiscord, Timestamp: time.Now().UnixMilli(),
		Author: chat.ChatAuthor{ID: "u2", Name: "bob"}, Content: "live",
	})

	var live struct {
		Type    string           `json:"type"`
		Message chat.ChatMessage `json:"message"`
	}
	if err := json.Unmarshal([]byte(readSSEFrame(t, reader)), &live); err != nil {
		t.Fatalf("decode live frame: %v", err)
	}
	if live.Message.ID != "live-1" {
		t.Errorf("live frame = %+v, want live-1", live)
	}

	// Control events ride the same stream.
	coord.Hide("live-1")
	var control chat.ControlEvent
	if err := json.Unmarshal([]byte(readSSEFrame(t, reader)), &control); err != nil {
		t.Fatalf("decode control frame: %v", err)
	}
	if control.Type != chat.ControlHide || control.MessageID != "live-1" {
		t.Errorf("control frame = %+v", control)
	}

	// Closing the client detaches the subscriber.
	cancel()
	deadline = time.After(2 * time.Second)
	for coord.SubscriberCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("subscriber not detached after client close")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

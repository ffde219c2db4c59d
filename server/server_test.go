package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/irasychan/streamdash/chat"
	"github.com/irasychan/streamdash/coordinator"
	"github.com/irasychan/streamdash/db"
	"github.com/irasychan/streamdash/testutil"
)

// fakeBridge satisfies coordinator.Bridge for handler tests.
type fakeBridge struct {
	platform chat.Platform
}

func (b *fakeBridge) Status() chat.ConnectionStatus {
	return chat.ConnectionStatus{Platform: b.platform, Connected: true, Channel: "chan"}
}

func (b *fakeBridge) Disconnect() {}

func okFactory(ctx context.Context, platform chat.Platform, params coordinator.ConnectParams, c *coordinator.Coordinator) (coordinator.Bridge, error) {
	return &fakeBridge{platform: platform}, nil
}

func newTestServer(t *testing.T, opts coordinator.Options) (*coordinator.Coordinator, http.Handler) {
	t.Helper()
	if opts.Factory == nil {
		opts.Factory = okFactory
	}
	coord := coordinator.New(opts)
	t.Cleanup(coord.Close)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return coord, NewMux(ctx, coord, nil)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	_, handler := newTestServer(t, coordinator.Options{})
	rec := doJSON(t, handler, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want ok", rec.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	_, handler := newTestServer(t, coordinator.Options{})
	rec := doJSON(t, handler, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /readyz = %d, want 200", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	decodeBody(t, rec, &body)
	if body.Status != "ready" {
		t.Errorf("status = %q, want ready", body.Status)
	}
}

func TestMetricsExposed(t *testing.T) {
	_, handler := newTestServer(t, coordinator.Options{})
	rec := doJSON(t, handler, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("GET /metrics = %d, want 200", rec.Code)
	}
}

func TestChatConnect(t *testing.T) {
	_, handler := newTestServer(t, coordinator.Options{})

	rec := doJSON(t, handler, http.MethodPost, "/chat/connect", map[string]string{
		"platform": "twitch", "channel": "somechannel",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /chat/connect = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/chat/status", nil)
	var status struct {
		Platforms []chat.ConnectionStatus `json:"platforms"`
	}
	decodeBody(t, rec, &status)
	if len(status.Platforms) != len(chat.Platforms()) {
		t.Fatalf("platforms = %d entries, want %d", len(status.Platforms), len(chat.Platforms()))
	}
	var twitchConnected bool
	for _, st := range status.Platforms {
		if st.Platform == chat.PlatformTwitch {
			twitchConnected = st.Connected
		}
	}
	if !twitchConnected {
		t.Error("twitch not connected after /chat/connect")
	}
}

func TestChatConnectUsesStoredYouTubeTokens(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	ctx := context.Background()
	t.Cleanup(func() {
		_, _ = dbx.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider = 'youtube'`)
	})
	if err := db.UpsertOAuthToken(ctx, dbx, "youtube", "stored-access", "stored-refresh", time.Now().Add(time.Hour), ""); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	var mu sync.Mutex
	var got coordinator.ConnectParams
	coord := coordinator.New(coordinator.Options{
		Factory: func(ctx context.Context, platform chat.Platform, params coordinator.ConnectParams, c *coordinator.Coordinator) (coordinator.Bridge, error) {
			mu.Lock()
			got = params
			mu.Unlock()
			return &fakeBridge{platform: platform}, nil
		},
	})
	t.Cleanup(coord.Close)
	muxCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	handler := NewMux(muxCtx, coord, dbx)

	// No token material in the request, only the live chat id.
	rec := doJSON(t, handler, http.MethodPost, "/chat/connect", map[string]string{
		"platform": "youtube", "liveChatId": "live-1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /chat/connect = %d, body %s", rec.Code, rec.Body.String())
	}

	mu.Lock()
	defer mu.Unlock()
	if got.YouTube.AccessToken != "stored-access" || got.YouTube.RefreshToken != "stored-refresh" {
		t.Errorf("bridge params = (%q, %q), want stored tokens", got.YouTube.AccessToken, got.YouTube.RefreshToken)
	}
	if got.YouTube.LiveChatID != "live-1" {
		t.Errorf("LiveChatID = %q", got.YouTube.LiveChatID)
	}
	if got.YouTube.Expiry.IsZero() {
		t.Error("Expiry not populated from the stored token")
	}
}

func TestChatConnectRejectsUnknownPlatform(t *testing.T) {
	_, handler := newTestServer(t, coordinator.Options{})
	rec := doJSON(t, handler, http.MethodPost, "/chat/connect", map[string]string{"platform": "myspace"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestChatConnectSurfacesBridgeFailure(t *testing.T) {
	_, handler := newTestServer(t, coordinator.Options{
		Factory: func(ctx context.Context, platform chat.Platform, params coordinator.ConnectParams, c *coordinator.Coordinator) (coordinator.Bridge, error) {
			return nil, fmt.Errorf("credentials rejected")
		},
	})
	rec := doJSON(t, handler, http.MethodPost, "/chat/connect", map[string]string{"platform": "twitch", "channel": "x"})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "credentials rejected") {
		t.Errorf("body = %s, want bridge error surfaced", rec.Body.String())
	}
}

func TestChatDisconnect(t *testing.T) {
	coord, handler := newTestServer(t, coordinator.Options{})
	if err := coord.Connect(context.Background(), chat.PlatformDiscord, coordinator.ConnectParams{}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	rec := doJSON(t, handler, http.MethodPost, "/chat/disconnect", map[string]string{"platform": "discord"})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /chat/disconnect = %d", rec.Code)
	}
	for _, st := range coord.Status() {
		if st.Connected {
			t.Errorf("platform %s still connected", st.Platform)
		}
	}

	// Empty body disconnects everything.
	rec = doJSON(t, handler, http.MethodPost, "/chat/disconnect", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("POST /chat/disconnect without body = %d", rec.Code)
	}
}

func TestHideUnhideEndpoints(t *testing.T) {
	coord, handler := newTestServer(t, coordinator.Options{})

	rec := doJSON(t, handler, http.MethodPost, "/chat/hide", map[string]string{"messageId": "m1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /chat/hide = %d", rec.Code)
	}
	if !coord.IsHidden("m1") {
		t.Error("message not hidden after /chat/hide")
	}

	rec = doJSON(t, handler, http.MethodGet, "/chat/hidden", nil)
	var hidden struct {
		Hidden []string `json:"hidden"`
	}
	decodeBody(t, rec, &hidden)
	if len(hidden.Hidden) != 1 || hidden.Hidden[0] != "m1" {
		t.Errorf("hidden = %v, want [m1]", hidden.Hidden)
	}

	rec = doJSON(t, handler, http.MethodPost, "/chat/unhide", map[string]string{"messageId": "m1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /chat/unhide = %d", rec.Code)
	}
	if coord.IsHidden("m1") {
		t.Error("message still hidden after /chat/unhide")
	}

	rec = doJSON(t, handler, http.MethodPost, "/chat/hide", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("hide without messageId = %d, want 400", rec.Code)
	}
}

func TestChatDebugLifecycle(t *testing.T) {
	coord, handler := newTestServer(t, coordinator.Options{})

	rec := doJSON(t, handler, http.MethodPost, "/chat/debug", map[string]string{
		"platform": "youtube", "content": "ping", "author": "tester",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /chat/debug = %d, body %s", rec.Code, rec.Body.String())
	}
	var msg chat.ChatMessage
	decodeBody(t, rec, &msg)
	if !msg.IsDebug() {
		t.Errorf("debug message id %q missing marker", msg.ID)
	}
	if msg.Platform != chat.PlatformYouTube || msg.Content != "ping" {
		t.Errorf("debug message = %+v", msg)
	}
	if len(coord.Buffer()) != 1 {
		t.Fatalf("buffer = %d messages, want 1", len(coord.Buffer()))
	}

	rec = doJSON(t, handler, http.MethodDelete, "/chat/debug", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE /chat/debug = %d", rec.Code)
	}
	if len(coord.Buffer()) != 0 {
		t.Error("debug messages not flushed")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, handler := newTestServer(t, coordinator.Options{})
	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/chat/connect"},
		{http.MethodGet, "/chat/hide"},
		{http.MethodPost, "/chat/status"},
		{http.MethodPost, "/chat/hidden"},
		{http.MethodPost, "/chat/stream"},
		{http.MethodPut, "/chat/debug"},
	}
	for _, tc := range cases {
		rec := doJSON(t, handler, tc.method, tc.path, nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s = %d, want 405", tc.method, tc.path, rec.Code)
		}
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	_, handler := newTestServer(t, coordinator.Options{})

	rec := doJSON(t, handler, http.MethodGet, "/healthz", nil)
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing generated X-Correlation-ID")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if got := rec2.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("X-Correlation-ID = %q, want corr-123 echoed", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	_, handler := newTestServer(t, coordinator.Options{})
	req := httptest.NewRequest(http.MethodOptions, "/chat/status", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("OPTIONS = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("missing Access-Control-Allow-Origin")
	}
}

func TestRateLimiterAllow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{
		enabled:       true,
		requestsPerIP: 3,
		window:        time.Minute,
	})

	for i := 0; i < 3; i++ {
		if !limiter.allow("10.0.0.1") {
			t.Fatalf("request %d denied under the limit", i+1)
		}
	}
	if limiter.allow("10.0.0.1") {
		t.Error("request over the limit allowed")
	}
	if !limiter.allow("10.0.0.2") {
		t.Error("different IP affected by another IP's limit")
	}

	disabled := newIPRateLimiter(ctx, &rateLimiterConfig{enabled: false, requestsPerIP: 1, window: time.Minute})
	if !disabled.allow("10.0.0.1") || !disabled.allow("10.0.0.1") {
		t.Error("disabled limiter denied a request")
	}
}

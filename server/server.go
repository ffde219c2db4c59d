// Package server exposes the HTTP API: bridge lifecycle, the live event
// stream, moderation controls, health, and metrics. It includes permissive
// CORS for development and injects correlation IDs into request contexts
// for consistent logging.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/irasychan/streamdash/coordinator"
	"github.com/irasychan/streamdash/telemetry"
)

// controlEndpoints are the state-changing routes protected by the rate
// limiter. The stream and read-only routes stay unthrottled.
func isControlEndpoint(path string) bool {
	switch path {
	case "/chat/connect", "/chat/disconnect", "/chat/hide", "/chat/unhide", "/chat/debug":
		return true
	}
	return false
}

// NewMux returns the HTTP handler with all routes. The context bounds the
// rate limiter cleanup goroutine; db may be nil when the service runs
// without persistence.
func NewMux(ctx context.Context, coord *coordinator.Coordinator, db *sql.DB) http.Handler {
	rateLimiterCfg := loadRateLimiterConfig()
	corsCfg := loadCORSConfig()
	rateLimiter := newIPRateLimiter(ctx, rateLimiterCfg)

	handlers := NewHandlers(coord, db)

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)

	mux.HandleFunc("/chat/connect", handlers.HandleChatConnect)
	mux.HandleFunc("/chat/disconnect", handlers.HandleChatDisconnect)
	mux.HandleFunc("/chat/status", handlers.HandleChatStatus)
	mux.HandleFunc("/chat/stream", handlers.HandleChatStream)
	mux.HandleFunc("/chat/hide", handlers.HandleChatHide)
	mux.HandleFunc("/chat/unhide", handlers.HandleChatUnhide)
	mux.HandleFunc("/chat/hidden", handlers.HandleChatHidden)
	mux.HandleFunc("/chat/debug", handlers.HandleChatDebug)

	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isControlEndpoint(r.URL.Path) {
			rateLimitMiddleware(mux, rateLimiter).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	// Wrap with correlation ID injector and tracing middleware
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
		if wrappedWriter.statusCode >= 400 {
			telemetry.RecordError(span, fmt.Errorf("HTTP %d", wrappedWriter.statusCode))
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context
// cancellation. WriteTimeout stays unset so the SSE stream can live as long
// as the client does; slow non-stream handlers are bounded by their own
// work, not the connection.
func Start(ctx context.Context, coord *coordinator.Coordinator, db *sql.DB, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     NewMux(ctx, coord, db),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}

// writeJSON encodes a JSON response body with the right content type.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError returns a JSON error envelope so the frontend never has to
// sniff plain-text bodies.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

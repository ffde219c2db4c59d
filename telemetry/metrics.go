// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	DedupSkipped     prometheus.Counter
	Broadcasts       prometheus.Counter
	ControlEvents    prometheus.Counter
	SinkSendFailures prometheus.Counter
	Reconnects       *prometheus.CounterVec
	TokenRefreshes   prometheus.Counter

	// Gauges
	SubscriberGauge  prometheus.Gauge
	BufferDepthGauge prometheus.Gauge
	ConnectedGauge   *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_messages_received_total", Help: "Normalized chat messages received from bridges"}, []string{"platform"})
		MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_messages_dropped_total", Help: "Inbound items dropped before broadcast (malformed or invalid)"}, []string{"platform"})
		DedupSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_dedup_skipped_total", Help: "Broadcasts skipped because the message id was already seen"})
		Broadcasts = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_broadcasts_total", Help: "Messages fanned out to subscribers"})
		ControlEvents = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_control_events_total", Help: "Control events fanned out to subscribers"})
		SinkSendFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_sink_send_failures_total", Help: "Individual subscriber sends that returned an error"})
		Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_bridge_reconnects_total", Help: "Bridge reconnect attempts after unexpected closes"}, []string{"platform"})
		TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_token_refreshes_total", Help: "OAuth access token refreshes performed by the YouTube bridge"})
		SubscriberGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_subscribers", Help: "Currently attached subscriber sinks"})
		BufferDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_buffer_depth", Help: "Messages currently held in the replay buffer"})
		ConnectedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "chat_bridge_connected", Help: "Bridge connection state per platform (1=connected)"}, []string{"platform"})
	})
}

// CountReceived increments the per-platform ingest counter if metrics are initialized.
func CountReceived(platform string) {
	if MessagesReceived != nil {
		MessagesReceived.WithLabelValues(platform).Inc()
	}
}

// CountDropped increments the per-platform drop counter if metrics are initialized.
func CountDropped(platform string) {
	if MessagesDropped != nil {
		MessagesDropped.WithLabelValues(platform).Inc()
	}
}

// CountReconnect increments the per-platform reconnect counter if metrics are initialized.
func CountReconnect(platform string) {
	if Reconnects != nil {
		Reconnects.WithLabelValues(platform).Inc()
	}
}

// SetConnected records a bridge connection state transition.
func SetConnected(platform string, connected bool) {
	if ConnectedGauge == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1.0
	}
	ConnectedGauge.WithLabelValues(platform).Set(v)
}

// SetBufferDepth records the current replay buffer size.
func SetBufferDepth(n int) {
	if BufferDepthGauge != nil {
		BufferDepthGauge.Set(float64(n))
	}
}

// SetSubscribers records the current subscriber count.
func SetSubscribers(n int) {
	if SubscriberGauge != nil {
		SubscriberGauge.Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}

// Package metrics exposes Prometheus collectors for the chat transport and
// reconciliation engine. All collectors live on a dedicated registry so the
// client never pollutes the global default registry.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rmachat"

// Metrics holds the registry and collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connectionState   prometheus.Gauge
	reconnects        prometheus.Counter
	framesReceived    prometheus.Counter
	framesDropped     *prometheus.CounterVec
	publishes         *prometheus.CounterVec
	sendRejected      *prometheus.CounterVec
	rollbacks         prometheus.Counter
	duplicates        prometheus.Counter
	backfills         *prometheus.CounterVec
	backfillDuration  prometheus.Histogram
	unreadTotal       prometheus.Gauge
	storeSaveFailures prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connection_state",
			Help:      "Current transport state (0 disconnected, 1 connecting, 2 connected).",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Successful re-establishments after a transport loss.",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Frames delivered on the personal subscription.",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames discarded before merge, by reason.",
		}, []string{"reason"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "publishes_total",
			Help:      "Outbound publishes, by result.",
		}, []string{"result"}),
		sendRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "sends_rejected_total",
			Help:      "Sends rejected before publishing, by reason.",
		}, []string{"reason"}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "send_rollbacks_total",
			Help:      "Optimistic sends reverted after a publish failure.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "duplicate_messages_total",
			Help:      "Inbound messages already present in history.",
		}),
		backfills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "backfills_total",
			Help:      "History backfills, by result.",
		}, []string{"result"}),
		backfillDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "backfill_duration_seconds",
			Help:      "Latency of history backfill requests.",
			Buckets:   prometheus.DefBuckets,
		}),
		unreadTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "unread_messages",
			Help:      "Sum of unread counters across all peers.",
		}),
		storeSaveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "save_failures_total",
			Help:      "Conversation state saves that failed and were reverted.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connectionState,
		m.reconnects,
		m.framesReceived,
		m.framesDropped,
		m.publishes,
		m.sendRejected,
		m.rollbacks,
		m.duplicates,
		m.backfills,
		m.backfillDuration,
		m.unreadTotal,
		m.storeSaveFailures,
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetConnectionState records the numeric transport state.
func (m *Metrics) SetConnectionState(v int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(v))
}

// Reconnected counts a transport reconnect.
func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// FrameReceived counts an inbound frame.
func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

// FrameDropped counts an inbound frame discarded for reason.
func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

// Published counts a publish attempt; result is "ok", "error" or
// "not_connected".
func (m *Metrics) Published(result string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(result).Inc()
}

// SendRejected counts a send refused before publishing.
func (m *Metrics) SendRejected(reason string) {
	if m == nil {
		return
	}
	m.sendRejected.WithLabelValues(reason).Inc()
}

// Rollback counts an optimistic send that was undone.
func (m *Metrics) Rollback() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

// Duplicate counts an inbound message already in history.
func (m *Metrics) Duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

// Backfill records one backfill attempt and its latency.
func (m *Metrics) Backfill(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.backfills.WithLabelValues(result).Inc()
	m.backfillDuration.Observe(d.Seconds())
}

// SetUnread records the total of all unread counters.
func (m *Metrics) SetUnread(total int) {
	if m == nil {
		return
	}
	m.unreadTotal.Set(float64(total))
}

// SaveFailed counts a failed conversation state write.
func (m *Metrics) SaveFailed() {
	if m == nil {
		return
	}
	m.storeSaveFailures.Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve metrics: %w", err)
	}
}

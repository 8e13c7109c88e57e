// Package observability — metrics.go
//
// Prometheus metrics for scrop-capture.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: scrop_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - event_type/action/reason labels take a small closed set of values.
//   - Interface names are NOT used as labels (unbounded in principle);
//     per-interface counts are aggregated before recording.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for scrop-capture.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Transport (ring buffer -> channel) ──────────────────────────────

	// EventsProcessedTotal counts PacketEvent records decoded off the
	// ring buffer. Labels: event_type (xdp_pass, kfree_skb).
	EventsProcessedTotal *prometheus.CounterVec

	// EventsDroppedTotal counts events dropped before reaching the
	// correlator. Labels: reason (ringbuf_overflow, the only value the
	// transport reader records; malformed records are logged, not counted).
	EventsDroppedTotal *prometheus.CounterVec

	// TransportQueueDepth is the current depth of the bounded channel
	// between the ring-buffer reader and the correlator.
	TransportQueueDepth prometheus.Gauge

	// ─── Correlator ───────────────────────────────────────────────────────

	// CorrelatorPendingGauge is the current number of PendingPacket
	// entries held in the timing wheel awaiting a match.
	CorrelatorPendingGauge prometheus.Gauge

	// CorrelatorMatchedTotal counts successful XDP<->kfree_skb matches.
	CorrelatorMatchedTotal prometheus.Counter

	// CorrelatorExpiredTotal counts pending packets drained unmatched
	// after the correlation horizon elapsed.
	CorrelatorExpiredTotal prometheus.Counter

	// CorrelatorMatchLatency records the wall-clock delay between an
	// XDP event's registration and its matching kfree_skb event, in
	// seconds.
	CorrelatorMatchLatency prometheus.Histogram

	// ─── Output batch ─────────────────────────────────────────────────────

	// BatchSizeHistogram records the size (packet count) of each
	// flushed batch.
	BatchSizeHistogram prometheus.Histogram

	// BatchFlushesTotal counts batch flushes, by trigger
	// (size, interval, shutdown).
	BatchFlushesTotal *prometheus.CounterVec

	// BroadcastSubscribersGauge is the current number of active batch
	// subscribers.
	BroadcastSubscribersGauge prometheus.Gauge

	// BroadcastLaggedTotal counts subscriber lag events (a subscriber
	// fell behind and had buffered envelopes dropped).
	BroadcastLaggedTotal prometheus.Counter

	// ─── Loader / lifecycle ───────────────────────────────────────────────

	// AttachTotal counts XDP attach attempts, by outcome
	// (success, interface_not_found, error; a re-attach counts as success)
	// and mode
	// (drv, skb, default, n/a).
	AttachTotal *prometheus.CounterVec

	// DetachTotal counts detach attempts, by outcome.
	DetachTotal *prometheus.CounterVec

	// AttachedInterfaces is the current number of attached interfaces.
	AttachedInterfaces prometheus.Gauge

	// ─── Agent ────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the daemon started.
	UptimeSeconds prometheus.Gauge

	// startTime records when the daemon started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all scrop-capture Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		EventsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrop",
			Subsystem: "transport",
			Name:      "events_processed_total",
			Help:      "Total PacketEvent records decoded off the ring buffer, by action.",
		}, []string{"event_type"}),

		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrop",
			Subsystem: "transport",
			Name:      "events_dropped_total",
			Help:      "Total events dropped before reaching the correlator, by reason.",
		}, []string{"reason"}),

		TransportQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scrop",
			Subsystem: "transport",
			Name:      "queue_depth",
			Help:      "Current depth of the reader-to-correlator channel.",
		}),

		CorrelatorPendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scrop",
			Subsystem: "correlator",
			Name:      "pending",
			Help:      "Current number of pending packets held in the timing wheel.",
		}),

		CorrelatorMatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrop",
			Subsystem: "correlator",
			Name:      "matched_total",
			Help:      "Total XDP<->kfree_skb matches found.",
		}),

		CorrelatorExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrop",
			Subsystem: "correlator",
			Name:      "expired_total",
			Help:      "Total pending packets drained unmatched after the correlation horizon.",
		}),

		CorrelatorMatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scrop",
			Subsystem: "correlator",
			Name:      "match_latency_seconds",
			Help:      "Delay between XDP registration and kfree_skb match, in seconds.",
			Buckets:   []float64{.0005, .001, .002, .005, .01, .02, .03, .05},
		}),

		BatchSizeHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scrop",
			Subsystem: "batch",
			Name:      "size",
			Help:      "Distribution of flushed batch sizes (packet count).",
			Buckets:   []float64{1, 4, 16, 64, 128, 256, 512, 1024},
		}),

		BatchFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrop",
			Subsystem: "batch",
			Name:      "flushes_total",
			Help:      "Total batch flushes, by trigger.",
		}, []string{"trigger"}),

		BroadcastSubscribersGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scrop",
			Subsystem: "batch",
			Name:      "broadcast_subscribers",
			Help:      "Current number of active batch subscribers.",
		}),

		BroadcastLaggedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scrop",
			Subsystem: "batch",
			Name:      "broadcast_lagged_total",
			Help:      "Total subscriber-lagged events (buffered envelopes dropped).",
		}),

		AttachTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrop",
			Subsystem: "loader",
			Name:      "attach_total",
			Help:      "Total XDP attach attempts, by outcome and mode.",
		}, []string{"outcome", "mode"}),

		DetachTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scrop",
			Subsystem: "loader",
			Name:      "detach_total",
			Help:      "Total XDP detach attempts, by outcome.",
		}, []string{"outcome"}),

		AttachedInterfaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scrop",
			Subsystem: "loader",
			Name:      "attached_interfaces",
			Help:      "Current number of interfaces with an attached XDP program.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scrop",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.EventsProcessedTotal,
		m.EventsDroppedTotal,
		m.TransportQueueDepth,
		m.CorrelatorPendingGauge,
		m.CorrelatorMatchedTotal,
		m.CorrelatorExpiredTotal,
		m.CorrelatorMatchLatency,
		m.BatchSizeHistogram,
		m.BatchFlushesTotal,
		m.BroadcastSubscribersGauge,
		m.BroadcastLaggedTotal,
		m.AttachTotal,
		m.DetachTotal,
		m.AttachedInterfaces,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
// Returns an error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}

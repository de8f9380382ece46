// Package observability — metrics.go
//
// Prometheus metrics for the Myco node.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: myco_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process. Grounded directly on
// internal/observability/metrics.go's shape (dedicated registry,
// CounterVec/Gauge/Histogram fields, ServeMetrics + /healthz mux, graceful
// shutdown) — retargeted from the agent's event/anomaly/escalation/budget
// subsystems to spec.md §7/§8's protocol error taxonomy and CRDT/gossip/WAL
// counters.
//
// Cardinality control:
//   - Peer/service names are NOT used as labels (unbounded cardinality).
//   - The reconciler status label on ServiceStatus is the only label
//     dimension, a small fixed enum.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for a Myco node.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Frame / protocol (spec.md §7's error taxonomy) ──────────────────────

	// ProtocolErrorsTotal counts dropped frames with a bad magic, length, or
	// unknown msg_type.
	ProtocolErrorsTotal prometheus.Gauge

	// CryptoErrorsTotal counts AEAD tag failures and epoch mismatches.
	CryptoErrorsTotal prometheus.Gauge

	// ReplayDropsTotal counts frames rejected by the anti-replay window.
	ReplayDropsTotal prometheus.Gauge

	// UnknownSendersTotal counts frames from a pubkey not in the peer book.
	UnknownSendersTotal prometheus.Gauge

	// FramesSentTotal and FramesReceivedTotal count wire frames by direction.
	FramesSentTotal     prometheus.Gauge
	FramesReceivedTotal prometheus.Gauge

	// ─── Gossip (spec.md §4.8) ────────────────────────────────────────────────

	// GossipRoundsTotal counts completed tick-loop gossip rounds.
	GossipRoundsTotal prometheus.Gauge

	// ─── WAL (spec.md §4.7) ───────────────────────────────────────────────────

	// WALFlushesTotal counts deadline-triggered WAL syncs (PeerAdd entries;
	// Upsert/Tombstone fsync synchronously inside Append and are not counted
	// here).
	WALFlushesTotal prometheus.Gauge

	// WALSizeBytes is the current WAL file size, used to decide when a
	// compaction is due.
	WALSizeBytes prometheus.Gauge

	// ─── Catalog / CRDT merge (spec.md §4.6) ─────────────────────────────────

	// CatalogServices is the current number of tracked service names.
	CatalogServices prometheus.Gauge

	// DivergenceEventsTotal counts ties on (version, hlc) with differing
	// payloads — the "impossible under honest writers" case.
	DivergenceEventsTotal prometheus.Gauge

	// ─── Peer book (spec.md §4.4) ─────────────────────────────────────────────

	// PeerCount is the current number of known peers.
	PeerCount prometheus.Gauge

	// ─── Reconciler (spec.md §4.10) ──────────────────────────────────────────

	// ServiceStatus counts services currently in each reconciler status.
	// Labels: status (PENDING, RUNNING, STOPPED, FAILED, BACKOFF)
	ServiceStatus *prometheus.GaugeVec

	// ─── Node ─────────────────────────────────────────────────────────────────

	// NodeUptimeSeconds is the number of seconds since the node started.
	NodeUptimeSeconds prometheus.Gauge

	// startTime records when the node started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all Myco Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		ProtocolErrorsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "myco", Subsystem: "frame", Name: "protocol_errors_total",
			Help: "Total frames dropped for bad magic, length, or unknown msg_type.",
		}),
		CryptoErrorsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "myco", Subsystem: "frame", Name: "crypto_errors_total",
			Help: "Total frames dropped for AEAD tag failure or epoch mismatch.",
		}),
		ReplayDropsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "myco", Subsystem: "frame", Name: "replay_drops_total",
			Help: "Total frames rejected by the per-peer anti-replay window.",
		}),
		UnknownSendersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "myco", Subsystem: "frame", Name: "unknown_senders_total",
			Help: "Total frames received from a pubkey absent from the peer book.",
		}),
		FramesSentTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "myco", Subsystem: "frame", Name: "sent_total",
			Help: "Total wire frames sent.",
		}),
		FramesReceivedTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "myco", Subsystem: "frame", Name: "received_total",
			Help: "Total wire frames received.",
		}),
		GossipRoundsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "myco", Subsystem: "gossip", Name: "rounds_total",
			Help: "Total completed tick-loop gossip rounds.",
		}),
		WALFlushesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "myco", Subsystem: "wal", Name: "flushes_total",
			Help: "Total deadline-triggered WAL fsyncs.",
		}),
		WALSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "myco", Subsystem: "wal", Name: "size_bytes",
			Help: "Current WAL file size in bytes.",
		}),
		CatalogServices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "myco", Subsystem: "catalog", Name: "services",
			Help: "Current number of tracked service names (tombstones included).",
		}),
		DivergenceEventsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "myco", Subsystem: "catalog", Name: "divergence_events_total",
			Help: "Total merge ties on (version, hlc) with differing payloads.",
		}),
		PeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "myco", Subsystem: "peerbook", Name: "peers",
			Help: "Current number of known peers.",
		}),
		ServiceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "myco", Subsystem: "reconcile", Name: "service_status",
			Help: "Number of services currently in each reconciler status.",
		}, []string{"status"}),
		NodeUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "myco", Subsystem: "node", Name: "uptime_seconds",
			Help: "Number of seconds since the node started.",
		}),
	}

	reg.MustRegister(
		m.ProtocolErrorsTotal,
		m.CryptoErrorsTotal,
		m.ReplayDropsTotal,
		m.UnknownSendersTotal,
		m.FramesSentTotal,
		m.FramesReceivedTotal,
		m.GossipRoundsTotal,
		m.WALFlushesTotal,
		m.WALSizeBytes,
		m.CatalogServices,
		m.DivergenceEventsTotal,
		m.PeerCount,
		m.ServiceStatus,
		m.NodeUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
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

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.NodeUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}

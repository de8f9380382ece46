// Package observability — collect.go
//
// Collect mirrors live node state into the Prometheus gauges declared in
// metrics.go. The scheduler's own counters are plain atomics (so
// internal/scheduler has no prometheus dependency); this package is the
// one place that bridges them into the registry, following the same
// "gauge mirrors an externally-owned counter" technique
// internal/observability/metrics.go's updateUptime already uses for
// NodeUptimeSeconds.
package observability

import (
	"context"
	"time"

	"github.com/mycomesh/myco/internal/catalog"
	"github.com/mycomesh/myco/internal/peerbook"
	"github.com/mycomesh/myco/internal/reconcile"
	"github.com/mycomesh/myco/internal/scheduler"
	"github.com/mycomesh/myco/internal/wal"
)

// Collect reads the current state of sched, cat, book, and journal into
// this Metrics' gauges. Called once per CollectLoop tick; cheap enough to
// also call directly from tests.
func (m *Metrics) Collect(sched *scheduler.Scheduler, cat *catalog.Catalog, book *peerbook.Book, recon *reconcile.Reconciler, journal *wal.WAL) {
	c := &sched.Counters
	m.ProtocolErrorsTotal.Set(float64(c.ProtocolErrors.Load()))
	m.CryptoErrorsTotal.Set(float64(c.CryptoErrors.Load()))
	m.ReplayDropsTotal.Set(float64(c.ReplayDrops.Load()))
	m.UnknownSendersTotal.Set(float64(c.UnknownSenders.Load()))
	m.FramesSentTotal.Set(float64(c.FramesSent.Load()))
	m.FramesReceivedTotal.Set(float64(c.FramesReceived.Load()))
	m.GossipRoundsTotal.Set(float64(c.GossipRounds.Load()))
	m.WALFlushesTotal.Set(float64(c.WALFlushes.Load()))

	m.WALSizeBytes.Set(float64(journal.Size()))
	m.CatalogServices.Set(float64(cat.Len()))
	m.DivergenceEventsTotal.Set(float64(cat.Guard.DivergenceEvents()))
	m.PeerCount.Set(float64(book.Len()))

	counts := map[reconcile.Status]int{}
	for _, name := range cat.Names() {
		counts[recon.State(name).Current()]++
	}
	for _, status := range []reconcile.Status{
		reconcile.StatusPending, reconcile.StatusRunning, reconcile.StatusStopped,
		reconcile.StatusFailed, reconcile.StatusBackoff,
	} {
		m.ServiceStatus.WithLabelValues(status.String()).Set(float64(counts[status]))
	}
}

// CollectLoop calls Collect on interval until ctx is cancelled, for
// cmd/myco to run alongside ServeMetrics.
func (m *Metrics) CollectLoop(ctx context.Context, interval time.Duration, sched *scheduler.Scheduler, cat *catalog.Catalog, book *peerbook.Book, recon *reconcile.Reconciler, journal *wal.WAL) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Collect(sched, cat, book, recon, journal)
		case <-ctx.Done():
			return
		}
	}
}

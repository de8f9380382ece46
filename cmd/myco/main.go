// Package main — cmd/myco/main.go
//
// Myco node entrypoint.
//
// Startup sequence:
//  1. Load and validate config (file + environment overrides).
//  2. Initialise structured logger (zap).
//  3. Load/generate node identity (${STATE_DIR}/node.key).
//  4. Open the write-ahead log and replay it into a fresh catalog — the WAL
//     is the only source of truth for service state (spec.md §4.7).
//  5. Load the peer book (${STATE_DIR}/peers.txt); a missing file means an
//     empty, fresh book, not an error.
//  6. Open the read-cache BoltDB and snapshot it periodically from then on.
//  7. Construct the HLC, gossip engine, reconciler (backed by the "shell"
//     executor plugin), and scheduler.
//  8. Start the UDP socket, Prometheus metrics server, metrics collection
//     loop, and admin Unix socket server (if enabled).
//  9. Register SIGHUP for config hot-reload.
// 10. Run the scheduler's tick loop until SIGINT/SIGTERM.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to every goroutine).
//  2. Wait for the tick loop to observe cancellation (bounded drain).
//  3. Close the WAL, the read cache, and the admin socket.
//  4. Flush the logger.
//  5. Exit 0.
//
// On config/identity/WAL load failure: exit 1 immediately (no partial
// state).
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mycomesh/myco/contrib"
	"github.com/mycomesh/myco/internal/admin"
	"github.com/mycomesh/myco/internal/catalog"
	"github.com/mycomesh/myco/internal/config"
	_ "github.com/mycomesh/myco/internal/executor" // registers the "shell" executor
	"github.com/mycomesh/myco/internal/gossip"
	"github.com/mycomesh/myco/internal/hlc"
	"github.com/mycomesh/myco/internal/identity"
	"github.com/mycomesh/myco/internal/observability"
	"github.com/mycomesh/myco/internal/peerbook"
	"github.com/mycomesh/myco/internal/reconcile"
	"github.com/mycomesh/myco/internal/scheduler"
	"github.com/mycomesh/myco/internal/storage"
	"github.com/mycomesh/myco/internal/wal"
)

func main() {
	configPath := flag.String("config", "/etc/myco/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	executorName := flag.String("executor", "shell", "Name of the registered reconcile executor to use")
	flag.Parse()

	if *version {
		fmt.Printf("myco %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("myco starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("config", *configPath),
		zap.String("state_dir", cfg.StateDir),
	)

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		log.Fatal("state dir create failed", zap.String("path", cfg.StateDir), zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := identity.Load(cfg.StateDir)
	if err != nil {
		log.Fatal("identity load failed", zap.Error(err))
	}
	if !id.Persisted {
		log.Warn("running with an ephemeral identity — state dir is not writable, node identity will not survive a restart")
	}
	log.Info("identity loaded", zap.String("node_id", id.NodeID().String()), zap.Bool("persisted", id.Persisted))

	walPath := filepath.Join(cfg.StateDir, "node.wal")
	journal, entries, err := wal.Open(walPath, id.NodeID())
	if err != nil {
		log.Fatal("wal open failed", zap.String("path", walPath), zap.Error(err))
	}
	defer journal.Close() //nolint:errcheck

	cat := catalog.New(nil)
	replayed := 0
	for _, e := range entries {
		switch e.Type {
		case wal.Upsert, wal.TombstoneOp:
			if _, err := cat.Merge(e.Service); err != nil {
				log.Warn("wal replay: rejected record", zap.String("name", e.Service.Name), zap.Error(err))
				continue
			}
			replayed++
		case wal.Checkpoint:
			for _, r := range e.Snapshot {
				if _, err := cat.Merge(r); err != nil {
					log.Warn("wal replay: rejected checkpoint record", zap.String("name", r.Name), zap.Error(err))
					continue
				}
				replayed++
			}
		case wal.PeerAdd:
			// The peer book file is authoritative for peer membership
			// (spec.md §4.4); PeerAdd entries are a durability trail for
			// the admin command, not replayed into any store here.
		}
	}
	log.Info("wal replayed", zap.Int("records", replayed), zap.Int64("size_bytes", journal.Size()))

	peersPath := filepath.Join(cfg.StateDir, "peers.txt")
	book, err := peerbook.Load(peersPath)
	if err != nil {
		log.Fatal("peer book load failed", zap.String("path", peersPath), zap.Error(err))
	}
	log.Info("peer book loaded", zap.String("path", peersPath), zap.Int("peers", book.Len()))

	cachePath := filepath.Join(cfg.StateDir, storage.DefaultDBPath)
	cache, err := storage.Open(cachePath)
	if err != nil {
		log.Fatal("read cache open failed", zap.String("path", cachePath), zap.Error(err))
	}
	defer cache.Close() //nolint:errcheck

	hlcClock := hlc.New(id.NodeID(), nil)
	gossipEngine := gossip.NewEngine(clock.New())

	executor, err := contrib.GetExecutor(*executorName)
	if err != nil {
		log.Fatal("executor lookup failed", zap.Error(err))
	}
	recon := reconcile.New(executor, rand.New(rand.NewSource(time.Now().UnixNano())))

	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		log.Fatal("udp listen failed", zap.Int("port", cfg.Port), zap.Error(err))
	}
	defer conn.Close() //nolint:errcheck

	schedCfg := scheduler.Config{
		RXBatch:           cfg.Scheduler.RXBatch,
		TickInterval:      cfg.Scheduler.TickInterval,
		GossipInterval:    cfg.Scheduler.GossipInterval,
		HeartbeatInterval: cfg.Scheduler.HeartbeatInterval,
		WALFlushDeadline:  cfg.Scheduler.WALFlushDeadline,
		KeyEpoch:          cfg.KeyEpoch,
		PSK:               []byte(cfg.PSK),
		AllowCompression:  true,
	}
	sched := scheduler.New(schedCfg, clock.New(), conn, id, hlcClock, cat, book, gossipEngine, recon, journal, rand.New(rand.NewSource(time.Now().UnixNano()+1)), log)

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	go metrics.CollectLoop(ctx, cfg.Scheduler.TickInterval*10, sched, cat, book, recon, journal)

	if cfg.Admin.Enabled {
		node := admin.NewNode(id.NodeID(), cat, book, recon, journal, sched)
		adminSrv := admin.NewServer(cfg.Admin.SocketPath, sched, node, log)
		go func() {
			if err := adminSrv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
				log.Error("admin server error", zap.Error(err))
			}
		}()
		log.Info("admin socket started", zap.String("path", cfg.Admin.SocketPath))
	} else {
		log.Info("admin socket disabled")
	}

	go compactionLoop(ctx, journal, cache, cat, book, cfg.WAL, log)

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			if newCfg.StateDir != cfg.StateDir || newCfg.Port != cfg.Port ||
				newCfg.PSK != cfg.PSK || newCfg.KeyEpoch != cfg.KeyEpoch {
				log.Warn("state_dir/port/psk/key_epoch changed — restart required for these to take effect")
			}
			log.Info("config hot-reload successful",
				zap.Duration("gossip_interval", newCfg.Scheduler.GossipInterval),
				zap.String("log_level", newCfg.Observability.LogLevel))
			cfg = newCfg
		}
	}()

	sched.Freeze()

	runDone := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(runDone)
	}()
	log.Info("scheduler running", zap.Int("port", cfg.Port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	select {
	case <-runDone:
	case <-shutdownTimer.C:
		log.Warn("scheduler did not stop within 5s, exiting anyway")
	}

	log.Info("myco shutdown complete")
}

// compactionLoop periodically snapshots the read cache and, once the WAL
// exceeds the configured threshold, rewrites it as a single checkpoint
// record (spec.md §4.7's "periodic checkpoint rewrites a compact snapshot
// and truncates prior records").
func compactionLoop(ctx context.Context, journal *wal.WAL, cache *storage.DB, cat *catalog.Catalog, book *peerbook.Book, cfg config.WALConfig, log *zap.Logger) {
	ticker := time.NewTicker(cfg.CompactionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cache.Snapshot(cat, book, journal.Size()); err != nil {
				log.Warn("read cache snapshot failed", zap.Error(err))
			}
			if journal.Size() < cfg.CompactionThresholdBytes {
				continue
			}
			snapshot := cat.Snapshot()
			if err := journal.Compact(snapshot); err != nil {
				log.Error("wal compaction failed", zap.Error(err))
				continue
			}
			log.Info("wal compacted", zap.Int("services", len(snapshot)), zap.Int64("new_size_bytes", journal.Size()))
		}
	}
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}

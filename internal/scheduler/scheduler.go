// Package scheduler — scheduler.go
//
// Single-threaded cooperative tick loop (spec.md §4.9, §5). One Scheduler
// owns every piece of per-node state — socket, HLC, catalog, peer book, WAL,
// gossip engine, reconciler — and the six-step Tick is the only place any of
// it mutates. Adapted from internal/kernel/events.go's goroutine-plus-channel
// shape, but retargeted from "read a ring buffer, fan out to workers" to
// "read a socket, drive one cooperative state machine": there is exactly one
// goroutine here, not a worker pool, because spec.md §5 requires a single
// logical thread of mutation.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/mycomesh/myco/internal/catalog"
	"github.com/mycomesh/myco/internal/gossip"
	"github.com/mycomesh/myco/internal/hlc"
	"github.com/mycomesh/myco/internal/identity"
	"github.com/mycomesh/myco/internal/noalloc"
	"github.com/mycomesh/myco/internal/peerbook"
	"github.com/mycomesh/myco/internal/reconcile"
	"github.com/mycomesh/myco/internal/secure"
	"github.com/mycomesh/myco/internal/wal"
	"github.com/mycomesh/myco/internal/wire"
)

// frameBuf is one fixed 1024-byte wire buffer, pooled so the tick's hot
// path (drainRX, sendFrame) never grows the heap once frozen (spec.md
// §4.11).
type frameBuf [wire.FrameSize]byte

// Conn is the narrow socket surface the scheduler needs — satisfied by
// net.PacketConn in production and by an in-memory transport in
// cmd/myco-sim.
type Conn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	SetReadDeadline(t time.Time) error
}

// Config bounds the tick's timing and crypto parameters (spec.md §4.9, §6).
type Config struct {
	RXBatch           int
	TickInterval      time.Duration
	GossipInterval    time.Duration
	HeartbeatInterval time.Duration
	WALFlushDeadline  time.Duration
	KeyEpoch          uint32
	PSK               []byte
	AllowCompression  bool
	// AllowPlaintext permits NegotiateMode to accept a peer that doesn't
	// advertise AEAD support; never set outside development builds
	// (spec.md §4.2, §9).
	AllowPlaintext bool
}

// DefaultConfig returns conservative defaults suitable for a small mesh.
func DefaultConfig() Config {
	return Config{
		RXBatch:           32,
		TickInterval:      50 * time.Millisecond,
		GossipInterval:    time.Second,
		HeartbeatInterval: 5 * time.Second,
		WALFlushDeadline:  200 * time.Millisecond,
		KeyEpoch:          1,
		AllowCompression:  true,
	}
}

// Counters tracks the protocol-error taxonomy of spec.md §7. Exported as
// plain atomics rather than prometheus types directly so this package has
// no hard dependency on internal/observability; cmd/myco wires these into
// *observability.Metrics at startup.
type Counters struct {
	ProtocolErrors  atomic.Uint64
	CryptoErrors    atomic.Uint64
	ReplayDrops     atomic.Uint64
	UnknownSenders  atomic.Uint64
	FramesSent      atomic.Uint64
	FramesReceived  atomic.Uint64
	GossipRounds    atomic.Uint64
	WALFlushes      atomic.Uint64
}

// Scheduler is the single-threaded node driver (C9).
type Scheduler struct {
	cfg  Config
	clk  clock.Clock
	conn Conn
	log  *zap.Logger
	rng  *rand.Rand

	id      *identity.Identity
	hlc     *hlc.Clock
	cat     *catalog.Catalog
	book    *peerbook.Book
	gossip  *gossip.Engine
	recon   *reconcile.Reconciler
	journal *wal.WAL

	mu       sync.Mutex
	channels map[[32]byte]*secure.Channel

	handshakeMu sync.Mutex
	verified    map[[32]byte]bool

	commands chan Command

	lastGossip    time.Time
	lastHeartbeat time.Time
	walDirtySince time.Time
	walPending    bool

	allocGuard *noalloc.Guard
	bufs       *noalloc.Pool[frameBuf]

	Counters Counters
}

// New constructs a Scheduler. All collaborators must already be
// initialized (identity loaded, WAL recovered and replayed into cat, peer
// book loaded) — the scheduler only drives the tick, it does not own
// startup sequencing (that is cmd/myco's job).
func New(cfg Config, clk clock.Clock, conn Conn, id *identity.Identity, hlcClock *hlc.Clock,
	cat *catalog.Catalog, book *peerbook.Book, gossipEngine *gossip.Engine,
	recon *reconcile.Reconciler, walLog *wal.WAL, rng *rand.Rand, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	guard := noalloc.NewGuard(false, log)
	bufCapacity := cfg.RXBatch + 4
	return &Scheduler{
		cfg:        cfg,
		clk:        clk,
		conn:       conn,
		log:        log,
		rng:        rng,
		id:         id,
		hlc:        hlcClock,
		cat:        cat,
		book:       book,
		gossip:     gossipEngine,
		recon:      recon,
		journal:    walLog,
		channels:   make(map[[32]byte]*secure.Channel),
		verified:   make(map[[32]byte]bool),
		commands:   make(chan Command, 256),
		allocGuard: guard,
		bufs:       noalloc.NewPool[frameBuf]("scheduler.frameBuf", bufCapacity, guard, func() *frameBuf { return new(frameBuf) }),
	}
}

// Freeze forbids further growth of the scheduler's fixed-capacity frame
// buffer pool (spec.md §4.11). Call once steady-state operation begins,
// after any warmup sends/receives that legitimately grew the pool past its
// initial capacity.
func (s *Scheduler) Freeze() {
	s.allocGuard.Freeze()
}

// AllocViolations returns the count of post-freeze pool growths observed
// (always 0 unless the guard was constructed in non-strict/production mode
// and a bug grew a pool anyway).
func (s *Scheduler) AllocViolations() uint64 {
	return s.allocGuard.Violations()
}

// ErrQueueFull is returned by Enqueue when the command queue is saturated.
var ErrQueueFull = fmt.Errorf("scheduler: command queue full")

// Enqueue submits a local command (deploy, peer add/remove) for processing
// on the next tick's step 2. Safe to call from any goroutine (e.g. the
// admin socket handler, C12).
func (s *Scheduler) Enqueue(cmd Command) error {
	select {
	case s.commands <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run drives Tick from s.clk's ticker until ctx is cancelled (spec.md
// §4.9's "invoked from a real timer in production and from a virtual
// clock in the simulation harness").
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clk.Ticker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case t := <-ticker.C:
			s.Tick(ctx, t)
		}
	}
}

// shutdown flushes any pending WAL writes before the node exits (spec.md
// §5's cancellation/timeout contract).
func (s *Scheduler) shutdown() {
	if s.walPending {
		if err := s.journal.Sync(); err != nil {
			s.log.Warn("wal sync on shutdown failed", zap.Error(err))
		}
	}
}

// Tick executes the six-step cooperative loop of spec.md §4.9. now is
// either wall-clock time (production, via a real ticker) or virtual time
// (cmd/myco-sim, via clock.Mock) — the steps below never call time.Now()
// directly so behavior is identical either way.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.drainRX(now)
	s.drainCommands(ctx, now)

	// Step 3 MUST run even if step 1 drained nothing — this is the
	// cold-start convergence property (spec.md §4.9, §8).
	if s.lastGossip.IsZero() || now.Sub(s.lastGossip) >= s.cfg.GossipInterval {
		s.emitGossip(now)
		s.lastGossip = now
		s.Counters.GossipRounds.Add(1)
	}

	if s.lastHeartbeat.IsZero() || now.Sub(s.lastHeartbeat) >= s.cfg.HeartbeatInterval {
		s.emitHeartbeat(now)
		s.lastHeartbeat = now
	}

	s.reconcileDirty(ctx, now)

	if s.walPending && now.Sub(s.walDirtySince) >= s.cfg.WALFlushDeadline {
		if err := s.journal.Sync(); err != nil {
			s.log.Warn("wal flush deadline sync failed", zap.Error(err))
		} else {
			s.walPending = false
			s.Counters.WALFlushes.Add(1)
		}
	}
}

func (s *Scheduler) reconcileDirty(ctx context.Context, now time.Time) {
	names := s.cat.DirtySince()
	if len(names) == 0 {
		return
	}
	recs := make([]catalog.Record, 0, len(names))
	for _, name := range names {
		if rec, ok := s.cat.Get(name); ok {
			recs = append(recs, rec)
		}
	}
	s.recon.ReconcileDirty(ctx, recs, now)
}

// drainRX pulls up to cfg.RXBatch datagrams off the socket (spec.md §4.9
// step 1). Socket reads use a short real-time deadline independent of the
// tick's (possibly virtual) now, since the deadline governs an actual
// blocking syscall, not simulated event time.
func (s *Scheduler) drainRX(now time.Time) {
	rxBuf := s.bufs.Get()
	defer s.bufs.Put(rxBuf)
	for i := 0; i < s.cfg.RXBatch; i++ {
		if err := s.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return
		}
		n, addr, err := s.conn.ReadFrom(rxBuf[:])
		if err != nil {
			return // timeout or transient read error: stop draining this tick
		}
		if n != wire.FrameSize {
			s.Counters.ProtocolErrors.Add(1)
			continue
		}
		s.Counters.FramesReceived.Add(1)
		s.handleFrame(rxBuf[:n], addr, now)
	}
}

func (s *Scheduler) drainCommands(ctx context.Context, now time.Time) {
	for {
		select {
		case cmd := <-s.commands:
			s.applyCommand(ctx, cmd, now)
		default:
			return
		}
	}
}

// selfPubKey returns the node's own public key as a plain [32]byte, the
// form secure.DeriveKey and wire.Frame.SenderID both expect.
func (s *Scheduler) selfPubKey() [32]byte {
	return [32]byte(s.id.NodeID())
}

func findPeerByPubKey(book *peerbook.Book, pubkey [32]byte) (peerbook.Peer, bool) {
	for _, p := range book.Iter() {
		if p.PubKey == pubkey {
			return p, true
		}
	}
	return peerbook.Peer{}, false
}

// channelFor resolves (lazily deriving if absent) the AEAD channel for a
// peer identified by pubkey, and the peer book entry it belongs to.
func (s *Scheduler) channelFor(pubkey [32]byte) (*secure.Channel, peerbook.Peer, bool) {
	peer, ok := findPeerByPubKey(s.book, pubkey)
	if !ok {
		return nil, peerbook.Peer{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[pubkey]
	if ok {
		return ch, peer, true
	}
	key := secure.DeriveKey(s.selfPubKey(), pubkey, s.cfg.PSK, s.cfg.KeyEpoch)
	ch, err := secure.NewChannel(key, s.cfg.KeyEpoch)
	if err != nil {
		s.log.Error("secure.NewChannel failed", zap.Error(err))
		return nil, peer, false
	}
	s.channels[pubkey] = ch
	return ch, peer, true
}

// sendFrame seals records into one frame of msgType and writes it to
// peer's address.
func (s *Scheduler) sendFrame(peer peerbook.Peer, msgType wire.MsgType, records [][]byte) error {
	ch, _, ok := s.channelFor(peer.PubKey)
	if !ok {
		return fmt.Errorf("scheduler: no channel for peer %q", peer.Alias)
	}
	payload, compressed, err := wire.PackPayload(records, s.cfg.AllowCompression)
	if err != nil {
		return fmt.Errorf("scheduler: pack payload: %w", err)
	}
	f := &wire.Frame{
		Version:  wire.ProtocolVersion,
		MsgType:  msgType,
		SenderID: s.selfPubKey(),
	}
	if compressed {
		f.Flags |= wire.FlagCompressed
	}
	if err := ch.Seal(f, payload); err != nil {
		return fmt.Errorf("scheduler: seal: %w", err)
	}
	txBuf := s.bufs.Get()
	defer s.bufs.Put(txBuf)
	if err := wire.Encode(f, txBuf[:]); err != nil {
		return fmt.Errorf("scheduler: encode: %w", err)
	}
	addr, err := net.ResolveUDPAddr("udp", peer.Address)
	if err != nil {
		return fmt.Errorf("scheduler: resolve %q: %w", peer.Address, err)
	}
	if _, err := s.conn.WriteTo(txBuf[:], addr); err != nil {
		return fmt.Errorf("scheduler: write: %w", err)
	}
	s.Counters.FramesSent.Add(1)
	return nil
}

// versionLookup adapts the catalog for gossip.VersionLookup.
func (s *Scheduler) versionLookup(name string) (uint64, bool) {
	rec, ok := s.cat.Get(name)
	if !ok {
		return 0, false
	}
	return rec.Version, true
}

func (s *Scheduler) emitGossip(now time.Time) {
	names := s.cat.Names()
	if len(names) == 0 {
		return
	}
	summary := s.gossip.BuildSummary(names, s.versionLookup)
	if len(summary) == 0 {
		return
	}
	peers := s.book.Iter()
	k := gossip.FanoutSize(len(peers))
	if k == 0 {
		return
	}
	targets := gossip.SelectFanout(peers, k, s.rng)
	records := make([][]byte, 0, len(summary))
	for _, e := range summary {
		records = append(records, gossip.EncodeSummaryEntry(e))
	}
	for _, peer := range targets {
		s.ensureHandshake(peer)
		if err := s.sendFrame(peer, wire.MsgGossipSummary, records); err != nil {
			s.log.Debug("gossip summary send failed", zap.String("peer", peer.Alias), zap.Error(err))
		}
	}
	_ = now
}

func (s *Scheduler) emitHeartbeat(now time.Time) {
	for _, peer := range s.book.Iter() {
		s.ensureHandshake(peer)
		if err := s.sendFrame(peer, wire.MsgHeartbeat, nil); err != nil {
			s.log.Debug("heartbeat send failed", zap.String("peer", peer.Alias), zap.Error(err))
		}
	}
	_ = now
}

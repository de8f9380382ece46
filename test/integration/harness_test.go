// Package integration — harness_test.go
//
// End-to-end scenarios for the full gossip/CRDT/reconcile pipeline
// (spec.md §8 "End-to-end scenarios"), built on a fake packet network so
// the whole thing runs in-process without real sockets. The lossy/ordered
// in-memory Conn is grounded on internal/scheduler/scheduler_test.go's
// memNetwork/memConn, generalized with a drop probability the same way
// cmd/myco-sim's lossyNetwork is.
package integration

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mycomesh/myco/internal/catalog"
	"github.com/mycomesh/myco/internal/gossip"
	"github.com/mycomesh/myco/internal/hlc"
	"github.com/mycomesh/myco/internal/identity"
	"github.com/mycomesh/myco/internal/peerbook"
	"github.com/mycomesh/myco/internal/reconcile"
	"github.com/mycomesh/myco/internal/scheduler"
	"github.com/mycomesh/myco/internal/wal"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

type packet struct {
	data []byte
	from string
}

// fakeNetwork wires a set of named in-memory conns together and, per
// WriteTo call, independently decides whether to drop the packet — the
// same fault model scenario 4 (loss tolerance) needs, and a no-op (loss=0)
// for the scenarios that require every packet to land.
type fakeNetwork struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
	rng   *rand.Rand
	loss  float64
	cut   map[[2]string]bool // cut[{a,b}] == true blocks a->b (partition simulation)
}

func newFakeNetwork(loss float64, rng *rand.Rand) *fakeNetwork {
	return &fakeNetwork{conns: make(map[string]*fakeConn), rng: rng, loss: loss, cut: make(map[[2]string]bool)}
}

func (n *fakeNetwork) newConn(addr string) *fakeConn {
	c := &fakeConn{net: n, self: addr, inbox: make(chan packet, 4096)}
	n.mu.Lock()
	n.conns[addr] = c
	n.mu.Unlock()
	return c
}

// partition blocks delivery in both directions between a and b until healed.
func (n *fakeNetwork) partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[[2]string{a, b}] = true
	n.cut[[2]string{b, a}] = true
}

func (n *fakeNetwork) heal(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, [2]string{a, b})
	delete(n.cut, [2]string{b, a})
}

type fakeConn struct {
	net   *fakeNetwork
	self  string
	inbox chan packet
}

func (c *fakeConn) SetReadDeadline(t time.Time) error { return nil }

func (c *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case pkt := <-c.inbox:
		return copy(p, pkt.data), fakeAddr(pkt.from), nil
	default:
		return 0, nil, fmt.Errorf("fakeconn: no packet pending")
	}
}

func (c *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	n := c.net
	n.mu.Lock()
	target, ok := n.conns[addr.String()]
	cut := n.cut[[2]string{c.self, addr.String()}]
	drop := !cut && n.rng.Float64() < n.loss
	n.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("fakeconn: no such peer %s", addr.String())
	}
	if cut || drop {
		return len(p), nil
	}
	data := make([]byte, len(p))
	copy(data, p)
	select {
	case target.inbox <- packet{data: data, from: c.self}:
	default:
	}
	return len(p), nil
}

type recordingExecutor struct {
	mu     sync.Mutex
	applied map[string]int
	removed map[string]int
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{applied: make(map[string]int), removed: make(map[string]int)}
}

func (e *recordingExecutor) Apply(ctx context.Context, svc catalog.Record) reconcile.Result {
	e.mu.Lock()
	e.applied[svc.Name]++
	e.mu.Unlock()
	return reconcile.Result{}
}

func (e *recordingExecutor) Remove(ctx context.Context, name string) reconcile.Result {
	e.mu.Lock()
	e.removed[name]++
	e.mu.Unlock()
	return reconcile.Result{}
}

func (e *recordingExecutor) Status(ctx context.Context, name string) (reconcile.ExecStatus, string, error) {
	return reconcile.ExecRunning, "", nil
}

func (e *recordingExecutor) appliedCount(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applied[name]
}

// harnessNode bundles one simulated node's full stack.
type harnessNode struct {
	addr     string
	id       *identity.Identity
	sched    *scheduler.Scheduler
	cat      *catalog.Catalog
	book     *peerbook.Book
	wal      *wal.WAL
	exec     *recordingExecutor
	walPath  string
}

// harness runs a small mesh of nodes sharing one mock clock and one fake
// network, ticking them on demand — the same shape as cmd/myco-sim but
// scoped down for table-driven scenario tests instead of a CLI sweep.
type harness struct {
	nodes   []*harnessNode
	mclk    *clock.Mock
	net     *fakeNetwork
	tick    time.Duration
	gossip  time.Duration
}

func newHarness(t testingT, n int, loss float64, tickInterval, gossipInterval time.Duration) *harness {
	mclk := clock.NewMock()
	fn := newFakeNetwork(loss, rand.New(rand.NewSource(1)))
	h := &harness{mclk: mclk, net: fn, tick: tickInterval, gossip: gossipInterval}

	type built struct {
		node *harnessNode
		book *peerbook.Book
	}
	all := make([]built, 0, n)

	for i := 0; i < n; i++ {
		addr := fmt.Sprintf("node-%d", i)
		id, err := identity.FromDeterministicSeed(uint64(i+1), true)
		if err != nil {
			t.Fatalf("identity seed %d: %v", i, err)
		}
		dir := t.TempDir()
		walPath := dir + "/node.wal"
		w, _, err := wal.Open(walPath, id.NodeID())
		if err != nil {
			t.Fatalf("wal open %d: %v", i, err)
		}
		cat := catalog.New(nil)
		book := peerbook.New(dir + "/peers.txt")
		exec := newRecordingExecutor()
		recon := reconcile.New(exec, rand.New(rand.NewSource(int64(i)+1)))
		hlcClock := hlc.New(id.NodeID(), mclk)
		conn := fn.newConn(addr)

		cfg := scheduler.DefaultConfig()
		cfg.TickInterval = tickInterval
		cfg.GossipInterval = gossipInterval
		cfg.HeartbeatInterval = gossipInterval * 5

		sched := scheduler.New(cfg, mclk, conn, id, hlcClock, cat, book, gossip.NewEngine(mclk), recon, w, rand.New(rand.NewSource(int64(i)+1000)), nil)
		node := &harnessNode{addr: addr, id: id, sched: sched, cat: cat, book: book, wal: w, exec: exec, walPath: walPath}
		all = append(all, built{node: node, book: book})
	}

	for i, a := range all {
		for j, b := range all {
			if i == j {
				continue
			}
			pub := [32]byte(b.node.id.NodeID())
			if err := a.book.Add(b.node.addr, b.node.addr, pub); err != nil {
				t.Fatalf("peer add %s->%s: %v", a.node.addr, b.node.addr, err)
			}
		}
		h.nodes = append(h.nodes, a.node)
	}
	return h
}

// deploy enqueues a deploy command on node i and runs one tick to apply it
// locally (the real scheduler.Command/Enqueue/Tick path, not a direct
// catalog.Merge — so WAL append and HLC issuance happen exactly as they
// would on a live node).
func (h *harness) deploy(t testingT, i int, name, flakeURI string, version uint64) {
	result := make(chan error, 1)
	cmd := scheduler.Command{
		Kind:   scheduler.CmdDeploy,
		Deploy: scheduler.DeploySpec{Name: name, FlakeURI: flakeURI, ExecName: "true", Version: version},
		Result: result,
	}
	if err := h.nodes[i].sched.Enqueue(cmd); err != nil {
		t.Fatalf("enqueue deploy %s on node %d: %v", name, i, err)
	}
	h.nodes[i].sched.Tick(context.Background(), h.mclk.Now())
	if err := <-result; err != nil {
		t.Fatalf("deploy %s on node %d: %v", name, i, err)
	}
}

// run advances the mock clock by `steps` ticks, ticking every node once per
// step in a fixed round-robin order.
func (h *harness) run(steps int) {
	for s := 0; s < steps; s++ {
		h.mclk.Add(h.tick)
		now := h.mclk.Now()
		for _, node := range h.nodes {
			node.sched.Tick(context.Background(), now)
		}
	}
}

func (h *harness) close() {
	for _, n := range h.nodes {
		_ = n.wal.Close()
	}
}

// testingT is the subset of *testing.T this harness needs, so it can be
// used from both Test functions and (if ever needed) benchmarks.
type testingT interface {
	Fatalf(format string, args ...interface{})
	TempDir() string
}

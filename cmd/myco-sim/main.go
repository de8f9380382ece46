// Package main — cmd/myco-sim/main.go
//
// Myco convergence simulator.
//
// Purpose: validate spec.md §8 scenario 4 (loss tolerance) and the
// cold-start-convergence property (§4.9 step 3, §9) before release, the
// same "run the real state machine under a virtual clock and a lossy
// transport, then check a pass/fail condition" shape as a dominance
// simulator retargeted from an attacker mutation-rate model to multi-node
// gossip convergence.
//
// Model: N in-process Schedulers share one clock.Mock and exchange frames
// over an in-memory transport that drops outbound packets with probability
// loss. Node 0 deploys a fixed number of services at step 0; every
// subsequent step advances the shared clock by tick_interval and ticks
// every node once, in a random order (so no node enjoys a structural
// first-mover advantage across steps).
//
// Convergence condition: the fraction of (node, service) pairs holding the
// latest version of every service reaches >= convergence_threshold (default
// 0.99) within steps ticks.
//
// Output: per-step CSV to stdout (step, convergence_fraction).
// Summary: pass/fail verdict to stderr; nonzero exit on fail.
//
// Usage:
//
//	myco-sim [flags]
//	myco-sim -nodes 10 -services 5 -loss 0.2 -steps 500
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
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

func main() {
	nodes := flag.Int("nodes", 8, "Number of simulated nodes")
	services := flag.Int("services", 4, "Number of services deployed by node 0 at step 0")
	steps := flag.Int("steps", 300, "Number of simulation steps")
	loss := flag.Float64("loss", 0.1, "Probability a given outbound packet is dropped, in [0,1]")
	threshold := flag.Float64("convergence-threshold", 0.99, "Fraction of (node,service) pairs that must hold the latest version to pass")
	tickInterval := flag.Duration("tick-interval", 50*time.Millisecond, "Simulated tick interval")
	gossipInterval := flag.Duration("gossip-interval", time.Second, "Simulated gossip interval")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	if *nodes < 2 {
		fmt.Fprintln(os.Stderr, "ERROR: nodes must be >= 2")
		os.Exit(1)
	}
	if *loss < 0 || *loss > 1 {
		fmt.Fprintln(os.Stderr, "ERROR: loss must be in [0, 1]")
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(*seed))

	sim, err := newSimulator(*nodes, *services, *loss, *tickInterval, *gossipInterval, rng)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	defer sim.close()

	results := sim.run(*steps)

	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"step", "convergence_fraction"})
	for _, r := range results {
		_ = w.Write([]string{strconv.Itoa(r.Step), strconv.FormatFloat(r.Convergence, 'f', 6, 64)})
	}
	w.Flush()

	final := results[len(results)-1].Convergence
	passed := final >= *threshold

	fmt.Fprintf(os.Stderr, "\n=== CONVERGENCE RESULT ===\n")
	fmt.Fprintf(os.Stderr, "Nodes:                %d\n", *nodes)
	fmt.Fprintf(os.Stderr, "Services:             %d\n", *services)
	fmt.Fprintf(os.Stderr, "Loss probability:     %.2f\n", *loss)
	fmt.Fprintf(os.Stderr, "Final convergence:    %.4f\n", final)
	fmt.Fprintf(os.Stderr, "Threshold:            %.4f\n", *threshold)

	if passed {
		fmt.Fprintf(os.Stderr, "RESULT: PASS — mesh converged\n")
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "RESULT: FAIL — convergence threshold not reached within %d steps\n", *steps)
	fmt.Fprintf(os.Stderr, "  Try more steps, a lower loss rate, or a shorter gossip_interval.\n")
	os.Exit(2)
}

// StepResult holds one step's convergence measurement.
type StepResult struct {
	Step        int
	Convergence float64
}

// --- in-memory lossy transport ---

type simAddr string

func (a simAddr) Network() string { return "sim" }
func (a simAddr) String() string  { return string(a) }

type simPacket struct {
	data []byte
	from string
}

// lossyNetwork is newTestNode/memNetwork's pattern from
// internal/scheduler's test suite, generalized with packet loss so this
// simulator can drive spec.md §8 scenario 4 without a real socket.
type lossyNetwork struct {
	mu    sync.Mutex
	nodes map[string]*lossyConn
	rng   *rand.Rand
	loss  float64
}

func newLossyNetwork(rng *rand.Rand, loss float64) *lossyNetwork {
	return &lossyNetwork{nodes: make(map[string]*lossyConn), rng: rng, loss: loss}
}

func (n *lossyNetwork) newConn(addr string) *lossyConn {
	c := &lossyConn{net: n, selfAddr: addr, inbox: make(chan simPacket, 1024)}
	n.mu.Lock()
	n.nodes[addr] = c
	n.mu.Unlock()
	return c
}

type lossyConn struct {
	net      *lossyNetwork
	selfAddr string
	inbox    chan simPacket

	mu       sync.Mutex
	deadline time.Time
}

func (c *lossyConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *lossyConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case pkt := <-c.inbox:
		n := copy(p, pkt.data)
		return n, simAddr(pkt.from), nil
	default:
		return 0, nil, fmt.Errorf("lossyconn: no packet pending")
	}
}

func (c *lossyConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.net.mu.Lock()
	target, ok := c.net.nodes[addr.String()]
	drop := c.net.rng.Float64() < c.net.loss
	c.net.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("lossyconn: no such node %s", addr.String())
	}
	if drop {
		return len(p), nil
	}
	data := make([]byte, len(p))
	copy(data, p)
	select {
	case target.inbox <- simPacket{data: data, from: c.selfAddr}:
	default:
	}
	return len(p), nil
}

// --- fixed-outcome executor: the simulator only cares about catalog
// convergence, not process supervision ---

type noopExecutor struct{}

func (noopExecutor) Apply(ctx context.Context, svc catalog.Record) reconcile.Result {
	return reconcile.Result{}
}
func (noopExecutor) Remove(ctx context.Context, name string) reconcile.Result {
	return reconcile.Result{}
}
func (noopExecutor) Status(ctx context.Context, name string) (reconcile.ExecStatus, string, error) {
	return reconcile.ExecRunning, "", nil
}

// --- simulated node and simulator ---

type simNode struct {
	sched *scheduler.Scheduler
	cat   *catalog.Catalog
	addr  string
}

type simulator struct {
	nodes []*simNode
	mclk  *clock.Mock
	tick  time.Duration
	dirs  []string
}

func newSimulator(n, services int, loss float64, tickInterval, gossipInterval time.Duration, rng *rand.Rand) (*simulator, error) {
	mclk := clock.NewMock()
	transport := newLossyNetwork(rng, loss)

	sim := &simulator{mclk: mclk, tick: tickInterval}

	type built struct {
		node *simNode
		book *peerbook.Book
		id   *identity.Identity
	}
	all := make([]built, 0, n)

	for i := 0; i < n; i++ {
		addr := fmt.Sprintf("sim-node-%d", i)
		id, err := identity.FromDeterministicSeed(uint64(i+1), true)
		if err != nil {
			return nil, fmt.Errorf("node %d identity: %w", i, err)
		}
		dir, err := os.MkdirTemp("", "myco-sim-")
		if err != nil {
			return nil, fmt.Errorf("node %d tempdir: %w", i, err)
		}
		sim.dirs = append(sim.dirs, dir)

		w, _, err := wal.Open(filepath.Join(dir, "node.wal"), id.NodeID())
		if err != nil {
			return nil, fmt.Errorf("node %d wal: %w", i, err)
		}
		cat := catalog.New(nil)
		book := peerbook.New(filepath.Join(dir, "peers.txt"))
		gossipEngine := gossip.NewEngine(mclk)
		recon := reconcile.New(noopExecutor{}, rand.New(rand.NewSource(int64(i)+1)))
		hlcClock := hlc.New(id.NodeID(), mclk)
		conn := transport.newConn(addr)

		cfg := scheduler.DefaultConfig()
		cfg.TickInterval = tickInterval
		cfg.GossipInterval = gossipInterval
		cfg.HeartbeatInterval = gossipInterval * 5

		sched := scheduler.New(cfg, mclk, conn, id, hlcClock, cat, book, gossipEngine, recon, w, rand.New(rand.NewSource(int64(i)+1000)), nil)

		all = append(all, built{node: &simNode{sched: sched, cat: cat, addr: addr}, book: book, id: id})
	}

	// Full mesh: every node knows every other node.
	for i, a := range all {
		for j, b := range all {
			if i == j {
				continue
			}
			pub := [32]byte(b.id.NodeID())
			if err := a.book.Add(b.node.addr, b.node.addr, pub); err != nil {
				return nil, fmt.Errorf("peer add %s->%s: %w", a.node.addr, b.node.addr, err)
			}
		}
		sim.nodes = append(sim.nodes, a.node)
	}

	// Node 0 deploys `services` distinct services at version 1.
	for s := 0; s < services; s++ {
		name := fmt.Sprintf("svc-%d", s)
		result := make(chan error, 1)
		cmd := scheduler.Command{
			Kind:   scheduler.CmdDeploy,
			Deploy: scheduler.DeploySpec{Name: name, FlakeURI: "github:example/" + name, ExecName: "true", Version: 1},
			Result: result,
		}
		if err := sim.nodes[0].sched.Enqueue(cmd); err != nil {
			return nil, fmt.Errorf("enqueue deploy %s: %w", name, err)
		}
		sim.nodes[0].sched.Tick(context.Background(), mclk.Now())
		if err := <-result; err != nil {
			return nil, fmt.Errorf("deploy %s: %w", name, err)
		}
	}

	return sim, nil
}

func (sim *simulator) close() {
	for _, d := range sim.dirs {
		_ = os.RemoveAll(d)
	}
}

// run advances the simulation by `steps` ticks, returning the convergence
// fraction observed after each one.
func (sim *simulator) run(steps int) []StepResult {
	results := make([]StepResult, steps)
	order := make([]int, len(sim.nodes))
	for i := range order {
		order[i] = i
	}
	shuffleRng := rand.New(rand.NewSource(42))

	for t := 0; t < steps; t++ {
		sim.mclk.Add(sim.tick)
		shuffleRng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		now := sim.mclk.Now()
		for _, idx := range order {
			sim.nodes[idx].sched.Tick(context.Background(), now)
		}
		results[t] = StepResult{Step: t, Convergence: sim.convergence()}
	}
	return results
}

// convergence returns the fraction of (node, service) pairs holding the
// latest known version of that service, where "latest" is the maximum
// version observed across all nodes' catalogs.
func (sim *simulator) convergence() float64 {
	latest := make(map[string]uint64)
	for _, n := range sim.nodes {
		for _, r := range n.cat.Snapshot() {
			if r.Version > latest[r.Name] {
				latest[r.Name] = r.Version
			}
		}
	}
	if len(latest) == 0 {
		return 1.0
	}

	total := len(latest) * len(sim.nodes)
	matched := 0
	for _, n := range sim.nodes {
		have := make(map[string]uint64)
		for _, r := range n.cat.Snapshot() {
			have[r.Name] = r.Version
		}
		for name, want := range latest {
			if have[name] == want {
				matched++
			}
		}
	}
	return float64(matched) / float64(total)
}

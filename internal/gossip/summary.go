// Package gossip — summary.go
//
// Bounded round-robin summary generation and remote-summary compare
// (spec.md §4.8). The round-robin cursor and the "bounded, prunable,
// concurrent-safe accounting structure" discipline are grounded on
// internal/gossip/quorum.go's Quorum type, retargeted from per-process
// anomaly observations to per-peer pull-recall bookkeeping; the fanout loop
// shape follows other_examples' gossiper.go and node.go broadcast pattern.
package gossip

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mycomesh/myco/internal/peerbook"
	"github.com/mycomesh/myco/internal/wire"
)

// MaxGossipSummary bounds the number of (name, version) pairs advertised in
// one GossipSummary frame (spec.md §3), but is only an upper bound: at
// worst-case name length (64B) 32 entries would encode to roughly 2400B,
// well past PayloadCapacity (942B). BuildSummary is the actual backstop —
// it accumulates the wire-encoded size of each candidate entry and stops
// the cursor before adding one would cross PayloadCapacity (spec.md §4.8,
// §8's "summary exactly fills payload but does not exceed it").
const MaxGossipSummary = 32

// MaxFanout bounds the number of peers gossiped to per tick, independent of
// sqrt(N) (spec.md §4.8: "K (default √N bounded by a constant)").
const MaxFanout = 8

// MaxPeerExchange bounds the number of peer records carried in one
// PeerExchange frame (spec.md §4.8).
const MaxPeerExchange = 8

// pullRecallWindow is how long a requested-but-not-yet-answered name is
// suppressed from re-request, avoiding duplicate PullRequest storms across
// consecutive ticks before a response arrives.
const pullRecallWindow = 5 * time.Second

// SummaryEntry is one advertised (name, version) pair.
type SummaryEntry struct {
	Name    string
	Version uint64
}

// VersionLookup resolves a service name to its locally known version.
type VersionLookup func(name string) (version uint64, ok bool)

// Engine holds the per-node gossip protocol state: the summary cursor and
// the bounded pull-recall cache. It has no network or catalog ownership —
// the scheduler (C9) drives it with read-only views and applies its
// decisions.
type Engine struct {
	clock clock.Clock

	cursor int
	// recentPulls tracks "peerAlias|name" -> last-requested-at, bounded to
	// MaxPeers * MaxGossipSummary entries so a churning peer set cannot
	// grow it without limit.
	recentPulls *lru.Cache[string, time.Time]
}

// NewEngine constructs an Engine. clk is injected so the simulation harness
// can drive the recall window from a virtual clock (spec.md §4.9).
func NewEngine(clk clock.Clock) *Engine {
	cache, err := lru.New[string, time.Time](peerbook.MaxPeers * MaxGossipSummary)
	if err != nil {
		// Only returns an error for a non-positive size, which MaxPeers *
		// MaxGossipSummary never is.
		panic(fmt.Sprintf("gossip: lru.New: %v", err))
	}
	return &Engine{clock: clk, recentPulls: cache}
}

// BuildSummary advances the round-robin cursor over names (which must be in
// a stable iteration order, as catalog.Names() guarantees) and returns up to
// MaxGossipSummary entries starting from the cursor, wrapping around so
// every service is eventually advertised even under sustained churn. It
// stops before the entries' encoded wire.PackPayload size would exceed
// wire.PayloadCapacity, leaving the cursor on the entry that didn't fit so
// the next call resumes there instead of skipping it.
func (e *Engine) BuildSummary(names []string, lookup VersionLookup) []SummaryEntry {
	n := len(names)
	if n == 0 {
		return nil
	}
	if e.cursor >= n {
		e.cursor = 0
	}

	out := make([]SummaryEntry, 0, MaxGossipSummary)
	start := e.cursor
	visited := 0
	size := 0
	for visited < n && len(out) < MaxGossipSummary {
		idx := (start + visited) % n
		name := names[idx]
		version, ok := lookup(name)
		if !ok {
			visited++
			continue
		}
		entry := SummaryEntry{Name: name, Version: version}
		entrySize := summaryEntryWireSize(entry)
		if size+entrySize > wire.PayloadCapacity {
			break
		}
		size += entrySize
		out = append(out, entry)
		visited++
	}
	e.cursor = (start + visited) % n
	return out
}

// summaryEntryWireSize is the number of bytes EncodeSummaryEntry(e) adds to
// the record stream once it goes through wire.EncodeRecords' varint length
// prefix: 2-byte string length + name bytes + 8-byte version, plus the
// varint encoding of that length.
func summaryEntryWireSize(e SummaryEntry) int {
	raw := 2 + len(e.Name) + 8
	return varintLen(uint64(raw)) + raw
}

func varintLen(v uint64) int {
	var buf [binary.MaxVarintLen64]byte
	return binary.PutUvarint(buf[:], v)
}

// Compare returns the names the local node should pull from peerAlias: those
// where remote's version is newer than local, or the name is unknown
// locally — deduplicated against an in-flight recall window so repeated
// ticks before a PullResponse arrives don't re-request the same name.
func (e *Engine) Compare(peerAlias string, remote []SummaryEntry, lookup VersionLookup) []string {
	now := e.clock.Now()
	var needed []string
	for _, entry := range remote {
		if localVersion, ok := lookup(entry.Name); ok && localVersion >= entry.Version {
			continue
		}
		key := peerAlias + "|" + entry.Name
		if last, found := e.recentPulls.Get(key); found && now.Sub(last) < pullRecallWindow {
			continue
		}
		e.recentPulls.Add(key, now)
		needed = append(needed, entry.Name)
	}
	return needed
}

// ForgetPull clears the recall-window entry for (peerAlias, name), called
// once a PullResponse for it has actually been applied, so a genuinely new
// write to the same name is not held back by a stale recall entry.
func (e *Engine) ForgetPull(peerAlias, name string) {
	e.recentPulls.Remove(peerAlias + "|" + name)
}

// FanoutSize computes K = min(MaxFanout, max(1, floor(sqrt(n)))) for a peer
// book of size n (spec.md §4.8).
func FanoutSize(n int) int {
	if n <= 0 {
		return 0
	}
	k := int(math.Sqrt(float64(n)))
	if k < 1 {
		k = 1
	}
	if k > MaxFanout {
		k = MaxFanout
	}
	if k > n {
		k = n
	}
	return k
}

// SelectFanout picks k peers uniformly at random without replacement from
// peers, using rng (the scheduler supplies a seeded *rand.Rand so
// cmd/myco-sim's convergence runs are reproducible).
func SelectFanout(peers []peerbook.Peer, k int, rng *rand.Rand) []peerbook.Peer {
	if k >= len(peers) {
		out := make([]peerbook.Peer, len(peers))
		copy(out, peers)
		return out
	}
	perm := rng.Perm(len(peers))
	out := make([]peerbook.Peer, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, peers[perm[i]])
	}
	return out
}

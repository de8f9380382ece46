// Package admin — node.go
//
// Node adapts a Scheduler's collaborators (catalog, peer book, reconciler,
// WAL, identity) into the StatusSource a Status request reads. Kept
// separate from Scheduler itself so internal/scheduler has no dependency
// on JSON-shaped admin types (spec.md §6 is a presentation concern, not a
// tick-loop concern).
package admin

import (
	"encoding/hex"

	"github.com/mycomesh/myco/internal/catalog"
	"github.com/mycomesh/myco/internal/hlc"
	"github.com/mycomesh/myco/internal/peerbook"
	"github.com/mycomesh/myco/internal/reconcile"
	"github.com/mycomesh/myco/internal/scheduler"
	"github.com/mycomesh/myco/internal/wal"
)

// Node implements StatusSource against live node collaborators.
type Node struct {
	nodeID  hlc.NodeID
	cat     *catalog.Catalog
	book    *peerbook.Book
	recon   *reconcile.Reconciler
	journal *wal.WAL
	sched   *scheduler.Scheduler
}

// NewNode constructs a Node view for the admin server.
func NewNode(nodeID hlc.NodeID, cat *catalog.Catalog, book *peerbook.Book, recon *reconcile.Reconciler, journal *wal.WAL, sched *scheduler.Scheduler) *Node {
	return &Node{nodeID: nodeID, cat: cat, book: book, recon: recon, journal: journal, sched: sched}
}

// NodeID returns the node's public key, hex-encoded.
func (n *Node) NodeID() string {
	return hex.EncodeToString(n.nodeID[:])
}

// Peers returns the peer book as a JSON-friendly summary.
func (n *Node) Peers() []PeerSummary {
	peers := n.book.Iter()
	out := make([]PeerSummary, 0, len(peers))
	for _, p := range peers {
		out = append(out, PeerSummary{
			Alias:   p.Alias,
			Address: p.Address,
			PubKey:  hex.EncodeToString(p.PubKey[:]),
		})
	}
	return out
}

// Services returns the catalog snapshot, annotated with each service's
// reconciler status (spec.md §6's Status response, enriched past the bare
// catalog record with the live executor-facing state from §4.10).
func (n *Node) Services() []ServiceSummary {
	records := n.cat.Snapshot()
	out := make([]ServiceSummary, 0, len(records))
	for _, r := range records {
		out = append(out, ServiceSummary{
			Name:      r.Name,
			Version:   r.Version,
			ExecName:  r.ExecName,
			FlakeURI:  r.FlakeURI,
			Tombstone: r.Tombstone,
			Status:    n.recon.State(r.Name).Current().String(),
		})
	}
	return out
}

// WALPos returns the WAL's current size in bytes, standing in for
// spec.md §6's wal_pos (there is no separate logical offset concept --
// the append-only file's length is the position).
func (n *Node) WALPos() int64 {
	return n.journal.Size()
}

// Counters adapts the scheduler's atomic counters into the JSON shape.
func (n *Node) Counters() Counters {
	c := &n.sched.Counters
	return Counters{
		ProtocolErrors: c.ProtocolErrors.Load(),
		CryptoErrors:   c.CryptoErrors.Load(),
		ReplayDrops:    c.ReplayDrops.Load(),
		UnknownSenders: c.UnknownSenders.Load(),
		FramesSent:     c.FramesSent.Load(),
		FramesReceived: c.FramesReceived.Load(),
		GossipRounds:   c.GossipRounds.Load(),
		WALFlushes:     c.WALFlushes.Load(),
	}
}

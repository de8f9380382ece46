// Package scheduler — dispatch.go
//
// Per-message-type handling for received frames (spec.md §4.1, §4.8,
// §4.9 step 1). Split from scheduler.go to keep the tick loop's own shape
// readable, separate from the per-message-type handlers it dispatches to.
package scheduler

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/mycomesh/myco/internal/catalog"
	"github.com/mycomesh/myco/internal/gossip"
	"github.com/mycomesh/myco/internal/peerbook"
	"github.com/mycomesh/myco/internal/secure"
	"github.com/mycomesh/myco/internal/wal"
	"github.com/mycomesh/myco/internal/wire"
)

// handleFrame opens and dispatches one received datagram. Every failure
// path here is drop-and-count, never fatal (spec.md §7's protocol/crypto
// error taxonomy).
func (s *Scheduler) handleFrame(raw []byte, from net.Addr, now time.Time) {
	f, err := wire.Decode(raw)
	if err != nil {
		s.Counters.ProtocolErrors.Add(1)
		return
	}

	// A sender must already be in this node's peer book by pubkey for its
	// channel to be derivable at all (spec.md §8 scenario 1's convergence
	// claim — "B's peer book knows A" — implicitly assumes the reverse
	// holds too, since A has to know B to decrypt anything B sends it).
	// Bootstrapping a new mesh therefore needs peer books seeded on both
	// sides, or an initial out-of-band PeerExchange; an address alone
	// (learned below once a peer IS known) is not enough to discover an
	// unknown pubkey.
	ch, peer, ok := s.channelFor(f.SenderID)
	if !ok {
		s.Counters.UnknownSenders.Add(1)
		return
	}

	plain, err := ch.Open(f)
	if err != nil {
		if err == secure.ErrReplay {
			s.Counters.ReplayDrops.Add(1)
		} else {
			s.Counters.CryptoErrors.Add(1)
		}
		return
	}

	// The AEAD tag just verified above proves this datagram came from the
	// peer holding SenderID's private key, so its source address is safe
	// to trust — keep the book current across NAT rebinds or restarts on
	// a new port.
	if addr := from.String(); addr != "" && addr != peer.Address {
		if err := s.book.UpdateAddress(peer.Alias, addr); err != nil {
			s.log.Debug("peer address update failed", zap.String("peer", peer.Alias), zap.Error(err))
		} else {
			peer.Address = addr
			if err := s.book.Save(); err != nil {
				s.log.Warn("peer book save after address update failed", zap.Error(err))
			}
		}
	}

	recs, err := wire.UnpackPayload(plain, f.Flags&wire.FlagCompressed != 0)
	if err != nil {
		s.Counters.ProtocolErrors.Add(1)
		return
	}

	switch f.MsgType {
	case wire.MsgHello:
		s.handleHello(peer, f.SenderID, recs, false)
	case wire.MsgHelloAck:
		s.handleHello(peer, f.SenderID, recs, true)
	case wire.MsgGossipSummary:
		if s.requireVerified(peer, f.SenderID) {
			s.handleGossipSummary(peer, recs, now)
		}
	case wire.MsgPullRequest:
		if s.requireVerified(peer, f.SenderID) {
			s.handlePullRequest(peer, recs)
		}
	case wire.MsgPullResponse:
		if s.requireVerified(peer, f.SenderID) {
			s.handlePullResponse(peer, recs, now)
		}
	case wire.MsgPeerExchange:
		if s.requireVerified(peer, f.SenderID) {
			s.handlePeerExchange(recs)
		}
	case wire.MsgHeartbeat:
		// No catalog-affecting payload; receipt alone is the liveness
		// signal, already counted above. Allowed ahead of a completed
		// handshake since it can't mutate anything.
	default:
		s.Counters.ProtocolErrors.Add(1)
	}
}

// handleGossipSummary compares a peer's advertised (name, version) pairs
// against the local catalog and issues PullRequests for anything newer or
// unknown (spec.md §4.8).
func (s *Scheduler) handleGossipSummary(peer peerbook.Peer, recs [][]byte, now time.Time) {
	entries := make([]gossip.SummaryEntry, 0, len(recs))
	for _, rec := range recs {
		e, err := gossip.DecodeSummaryEntry(rec)
		if err != nil {
			s.Counters.ProtocolErrors.Add(1)
			continue
		}
		entries = append(entries, e)
	}
	needed := s.gossip.Compare(peer.Alias, entries, s.versionLookup)
	if len(needed) == 0 {
		return
	}
	records := make([][]byte, 0, len(needed))
	for _, name := range needed {
		records = append(records, gossip.EncodePullRequest(name))
	}
	if err := s.sendFrame(peer, wire.MsgPullRequest, records); err != nil {
		s.log.Debug("pull request send failed", zap.String("peer", peer.Alias), zap.Error(err))
	}
	_ = now
}

// handlePullRequest answers each requested name with the current record,
// or a not-found marker if this node doesn't have it either (spec.md §4.8).
func (s *Scheduler) handlePullRequest(peer peerbook.Peer, recs [][]byte) {
	records := make([][]byte, 0, len(recs))
	for _, rec := range recs {
		name, err := gossip.DecodePullRequest(rec)
		if err != nil {
			s.Counters.ProtocolErrors.Add(1)
			continue
		}
		if svc, ok := s.cat.Get(name); ok {
			records = append(records, gossip.EncodePullResponse(name, &svc))
		} else {
			records = append(records, gossip.EncodePullResponse(name, nil))
		}
	}
	if len(records) == 0 {
		return
	}
	if err := s.sendFrame(peer, wire.MsgPullResponse, records); err != nil {
		s.log.Debug("pull response send failed", zap.String("peer", peer.Alias), zap.Error(err))
	}
}

// handlePullResponse merges each returned record into the catalog via the
// normal LWW path and journals accepted outcomes before they are exposed
// further (spec.md §4.6's closing sentence, §4.8).
func (s *Scheduler) handlePullResponse(peer peerbook.Peer, recs [][]byte, now time.Time) {
	for _, rec := range recs {
		name, svc, err := gossip.DecodePullResponse(rec)
		if err != nil {
			s.Counters.ProtocolErrors.Add(1)
			continue
		}
		s.gossip.ForgetPull(peer.Alias, name)
		if svc == nil {
			continue // peer doesn't have it either; nothing to merge
		}
		outcome, err := s.cat.Merge(*svc)
		if err != nil || outcome != catalog.Accepted {
			continue
		}
		entry := wal.Entry{Type: wal.Upsert, Service: *svc}
		if svc.Tombstone {
			entry.Type = wal.TombstoneOp
		}
		if err := s.journal.Append(entry); err != nil {
			s.log.Warn("wal append for pulled record failed", zap.String("name", name), zap.Error(err))
			continue
		}
		// Upsert/Tombstone entries are fsynced by Append itself.
	}
}

// handlePeerExchange validates and merges offered peers into the local
// peer book (spec.md §4.8), persisting on any change.
func (s *Scheduler) handlePeerExchange(recs [][]byte) {
	ads := make([]gossip.PeerAd, 0, len(recs))
	for _, rec := range recs {
		ad, err := gossip.DecodePeerAd(rec)
		if err != nil {
			s.Counters.ProtocolErrors.Add(1)
			continue
		}
		ads = append(ads, ad)
	}
	if len(ads) == 0 {
		return
	}
	added := gossip.ApplyPeerExchange(s.book, s.selfPubKey(), ads)
	if added > 0 {
		if err := s.book.Save(); err != nil {
			s.log.Warn("peer book save after peer exchange failed", zap.Error(err))
		}
	}
}

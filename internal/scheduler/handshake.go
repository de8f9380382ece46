// Package scheduler — handshake.go
//
// Hello/HelloAck exchange (spec.md §4.2, §4.3). A peer's AEAD channel key
// is derivable by anyone who knows its public key and the shared PSK, so
// successfully opening a frame only proves the sender used the right key
// material — it does not prove the sender actually holds the private key
// behind sender_id. Hello closes that gap: each side signs its own
// sender_id and advertises whether it supports AEAD, the receiver checks
// the signature and negotiates mode before trusting anything else from
// that peer.
package scheduler

import (
	"crypto/ed25519"

	"go.uber.org/zap"

	"github.com/mycomesh/myco/internal/gossip"
	"github.com/mycomesh/myco/internal/identity"
	"github.com/mycomesh/myco/internal/peerbook"
	"github.com/mycomesh/myco/internal/secure"
	"github.com/mycomesh/myco/internal/wire"
)

// isVerified reports whether pubkey has completed the Hello handshake.
func (s *Scheduler) isVerified(pubkey [32]byte) bool {
	s.handshakeMu.Lock()
	defer s.handshakeMu.Unlock()
	return s.verified[pubkey]
}

func (s *Scheduler) markVerified(pubkey [32]byte) {
	s.handshakeMu.Lock()
	s.verified[pubkey] = true
	s.handshakeMu.Unlock()
}

// requireVerified gates a catalog-affecting message type on a completed
// handshake: if pubkey hasn't verified yet, it kicks off Hello and tells
// the caller to drop this frame rather than act on an unproven sender.
func (s *Scheduler) requireVerified(peer peerbook.Peer, pubkey [32]byte) bool {
	if s.isVerified(pubkey) {
		return true
	}
	s.ensureHandshake(peer)
	return false
}

// ensureHandshake sends this node's Hello to peer if the handshake with it
// hasn't completed yet. Called from every gossip and heartbeat round, so a
// Hello lost to the same packet loss the rest of the protocol tolerates
// gets retried on the next round instead of stalling the peer forever;
// once verified it's a cheap no-op.
func (s *Scheduler) ensureHandshake(peer peerbook.Peer) {
	if s.isVerified(peer.PubKey) {
		return
	}

	self := s.selfPubKey()
	rec := gossip.EncodeHello(true, s.id.Sign(self[:]))
	if err := s.sendFrame(peer, wire.MsgHello, [][]byte{rec}); err != nil {
		s.log.Debug("hello send failed", zap.String("peer", peer.Alias), zap.Error(err))
	}
}

// handleHello verifies a Hello or HelloAck's proof of key possession,
// negotiates AEAD mode, and — for a Hello (not already an Ack) — answers
// with this node's own HelloAck to complete the exchange symmetrically.
func (s *Scheduler) handleHello(peer peerbook.Peer, senderID [32]byte, recs [][]byte, isAck bool) {
	if len(recs) != 1 {
		s.Counters.ProtocolErrors.Add(1)
		return
	}
	wantsAEAD, sig, err := gossip.DecodeHello(recs[0])
	if err != nil {
		s.Counters.ProtocolErrors.Add(1)
		return
	}
	if !identity.Verify(ed25519.PublicKey(senderID[:]), senderID[:], sig) {
		s.Counters.CryptoErrors.Add(1)
		s.log.Warn("hello signature verification failed", zap.String("peer", peer.Alias))
		return
	}
	if err := secure.NegotiateMode(true, wantsAEAD, s.cfg.AllowPlaintext); err != nil {
		s.log.Warn("AEAD mode negotiation refused", zap.String("peer", peer.Alias), zap.Error(err))
		return
	}
	s.markVerified(senderID)
	if isAck {
		return
	}
	self := s.selfPubKey()
	rec := gossip.EncodeHello(true, s.id.Sign(self[:]))
	if err := s.sendFrame(peer, wire.MsgHelloAck, [][]byte{rec}); err != nil {
		s.log.Debug("hello ack send failed", zap.String("peer", peer.Alias), zap.Error(err))
	}
}

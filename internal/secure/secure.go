// Package secure — secure.go
//
// AEAD secure channel for Myco wire frames (spec.md §4.2). Key derivation,
// per-frame seal/open, nonce construction, and the per-source anti-replay
// window. Grounded on internal/gossip/server.go's "refuse insecure
// negotiation" discipline, retargeted from mTLS handshake refusal to
// AEAD-mode negotiation over raw UDP.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/mycomesh/myco/internal/wire"
)

// ReplayWindowSize is the number of recent sequence numbers tracked per
// source (spec.md §4.2).
const ReplayWindowSize = 1024

// ErrTagFailure is returned by Open when AEAD verification fails.
var ErrTagFailure = fmt.Errorf("secure: AEAD tag verification failed")

// ErrReplay is returned by Open when seq has already been accepted, or is
// below the sliding window floor.
var ErrReplay = fmt.Errorf("secure: replayed or stale sequence number")

// ErrEpochMismatch is returned when the frame's epoch does not match the
// channel's configured epoch.
var ErrEpochMismatch = fmt.Errorf("secure: key epoch mismatch")

// ErrPlaintextRefused is returned during negotiation when either side
// requests plaintext outside a development build.
var ErrPlaintextRefused = fmt.Errorf("secure: plaintext mode refused (production build)")

// DeriveKey computes the shared AES-256 key for a pair of nodes:
// k = SHA256(sorted(pubA, pubB) || psk || epoch), per spec.md §4.2.
func DeriveKey(pubA, pubB [32]byte, psk []byte, epoch uint32) [32]byte {
	first, second := pubA, pubB
	if bytesGreater(first[:], second[:]) {
		first, second = second, first
	}
	h := sha256.New()
	h.Write(first[:])
	h.Write(second[:])
	h.Write(psk)
	var epochBuf [4]byte
	binary.LittleEndian.PutUint32(epochBuf[:], epoch)
	h.Write(epochBuf[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func bytesGreater(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

// Channel seals and opens frames for one neighbor relationship, tracking
// the monotone outbound sequence and the inbound replay window.
type Channel struct {
	key   [32]byte
	epoch uint32
	aead  cipher.AEAD

	mu       sync.Mutex
	sendSeq  uint64
	floor    uint64 // lowest in-window seq
	window   *bitset.BitSet
	macFailures  uint64
	replayDrops  uint64
}

// NewChannel constructs a Channel from a derived key and epoch.
func NewChannel(key [32]byte, epoch uint32) (*Channel, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("secure: aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secure: cipher.NewGCM: %w", err)
	}
	return &Channel{
		key:    key,
		epoch:  epoch,
		aead:   gcm,
		window: bitset.New(ReplayWindowSize),
	}, nil
}

// nonce builds the 12-byte AEAD nonce: sender_id_prefix(4) || seq(8).
func nonce(senderID [32]byte, seq uint64) [12]byte {
	var n [12]byte
	copy(n[:4], senderID[:4])
	binary.BigEndian.PutUint64(n[4:], seq)
	return n
}

// Seal encrypts plaintext into f.Sealed and advances the channel's
// outbound sequence counter. The caller sets f's SenderID, MsgType and
// Flags; Seal fills Epoch, Seq, Nonce, PayloadLen and Sealed.
func (c *Channel) Seal(f *wire.Frame, plaintext []byte) error {
	c.mu.Lock()
	c.sendSeq++
	seq := c.sendSeq
	c.mu.Unlock()

	f.Epoch = c.epoch
	f.Seq = seq
	f.Nonce = nonce(f.SenderID, seq)
	f.PayloadLen = uint16(len(plaintext))

	var ad [64]byte
	f.Header64(&ad)

	sealed := c.aead.Seal(nil, f.Nonce[:], plaintext, ad[:])
	if len(sealed) > len(f.Sealed) {
		return fmt.Errorf("secure: sealed length %d exceeds frame capacity %d", len(sealed), len(f.Sealed))
	}
	copy(f.Sealed[:], sealed)
	return nil
}

// Open verifies and decrypts f, enforcing epoch match and the anti-replay
// window. On tag failure, mac_failures is incremented and the replay
// window is NOT advanced (spec.md §4.2 failure semantics). On replay,
// replay_drops is incremented.
func (c *Channel) Open(f *wire.Frame) ([]byte, error) {
	if f.Epoch != c.epoch {
		return nil, ErrEpochMismatch
	}

	c.mu.Lock()
	if !c.checkReplayLocked(f.Seq) {
		c.replayDrops++
		c.mu.Unlock()
		return nil, ErrReplay
	}
	c.mu.Unlock()

	var ad [64]byte
	f.Header64(&ad)
	sealedLen := int(f.PayloadLen) + 16
	if sealedLen > len(f.Sealed) {
		return nil, fmt.Errorf("secure: payload_len %d implies sealed length beyond frame capacity", f.PayloadLen)
	}

	plain, err := c.aead.Open(nil, f.Nonce[:], f.Sealed[:sealedLen], ad[:])
	if err != nil {
		c.mu.Lock()
		c.macFailures++
		c.mu.Unlock()
		return nil, ErrTagFailure
	}

	c.mu.Lock()
	c.acceptReplayLocked(f.Seq)
	c.mu.Unlock()
	return plain, nil
}

// checkReplayLocked reports whether seq is acceptable under the sliding
// window, without marking it accepted. Must be called with c.mu held.
func (c *Channel) checkReplayLocked(seq uint64) bool {
	if seq < c.floor {
		return false // below the window floor
	}
	idx := seq % ReplayWindowSize
	if seq-c.floor < ReplayWindowSize && c.window.Test(uint(idx)) {
		return false // bit already set within the current window
	}
	return true
}

// acceptReplayLocked marks seq as seen and slides the window forward if
// seq extends past the current high edge. Must be called with c.mu held,
// and only after tag verification succeeds.
func (c *Channel) acceptReplayLocked(seq uint64) {
	if seq >= c.floor+ReplayWindowSize {
		// Slide the window: clear bits that fall out of range.
		newFloor := seq - ReplayWindowSize + 1
		for s := c.floor; s < newFloor; s++ {
			c.window.Clear(uint(s % ReplayWindowSize))
		}
		c.floor = newFloor
	}
	c.window.Set(uint(seq % ReplayWindowSize))
}

// MacFailures returns the lifetime tag-verification failure count.
func (c *Channel) MacFailures() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.macFailures
}

// ReplayDrops returns the lifetime replay-drop count.
func (c *Channel) ReplayDrops() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replayDrops
}

// NegotiateMode enforces spec.md §4.2/§9's strict plaintext refusal: if
// either side requests plaintext, the connection is refused unless
// allowPlaintext (a build-time/dev-only flag, never set in production) is
// true.
func NegotiateMode(localWantsAEAD, remoteWantsAEAD, allowPlaintext bool) error {
	if localWantsAEAD && remoteWantsAEAD {
		return nil
	}
	if allowPlaintext {
		return nil
	}
	return ErrPlaintextRefused
}

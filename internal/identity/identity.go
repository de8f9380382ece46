// Package identity — identity.go
//
// Per-node Ed25519 identity for Myco.
//
// The private seed is persisted at ${STATE_DIR}/node.key (32 raw bytes,
// mode 0600) and written atomically via temp-file-then-rename. If the path is
// absent, a key is generated from OS entropy; if the path is unwritable,
// an ephemeral key is used for this process and the condition is logged
// by the caller (this package only reports the fact via Persisted).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"os"
	"path/filepath"

	"github.com/mycomesh/myco/internal/hlc"
)

const seedSize = ed25519.SeedSize // 32

// Identity holds a node's Ed25519 keypair and derived NodeID.
type Identity struct {
	Public     ed25519.PublicKey
	private    ed25519.PrivateKey
	Persisted  bool
}

// NodeID returns the 32-byte public key as an hlc.NodeID.
func (id *Identity) NodeID() hlc.NodeID {
	var n hlc.NodeID
	copy(n[:], id.Public)
	return n
}

// Sign signs msg with the node's private key. Used only during the Hello
// handshake to prove possession of the key behind sender_id.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.private, msg)
}

// Verify checks sig over msg against a claimed sender public key.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Load loads the identity from stateDir/node.key, generating and
// persisting a new one if absent. If the directory is not writable, an
// ephemeral in-memory identity is returned with Persisted = false.
func Load(stateDir string) (*Identity, error) {
	path := filepath.Join(stateDir, "node.key")

	seed, err := os.ReadFile(path)
	if err == nil {
		if len(seed) != seedSize {
			return nil, fmt.Errorf("identity: %q has %d bytes, want %d", path, len(seed), seedSize)
		}
		return fromSeed(seed, true), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("identity: read %q: %w", path, err)
	}

	seed = make([]byte, seedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("identity: generate seed: %w", err)
	}

	if err := persistSeed(path, seed); err != nil {
		// Unwritable state dir: run with an ephemeral identity for this
		// process. The caller logs this condition; it is not fatal.
		return fromSeed(seed, false), nil
	}
	return fromSeed(seed, true), nil
}

// FromDeterministicSeed builds an Identity from a 64-bit seed, producing
// the same keypair every time for a given input. This path exists only for
// the simulation harness (cmd/myco-sim) and tests; production code MUST
// call Load instead. allowInsecure gates the constructor so it cannot be
// reached from a production build by accident.
func FromDeterministicSeed(seed64 uint64, allowInsecure bool) (*Identity, error) {
	if !allowInsecure {
		return nil, fmt.Errorf("identity: deterministic seed is disabled outside simulation/test builds")
	}
	rng := mrand.New(mrand.NewSource(int64(seed64))) //nolint:gosec // simulation-only, not security-sensitive
	seed := make([]byte, seedSize)
	if _, err := rng.Read(seed); err != nil {
		return nil, fmt.Errorf("identity: deterministic seed fill: %w", err)
	}
	return fromSeed(seed, false), nil
}

func fromSeed(seed []byte, persisted bool) *Identity {
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{
		Public:    priv.Public().(ed25519.PublicKey),
		private:   priv,
		Persisted: persisted,
	}
}

func persistSeed(path string, seed []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("identity: mkdir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "node.key.tmp-*")
	if err != nil {
		return fmt.Errorf("identity: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck

	if _, err := tmp.Write(seed); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("identity: write temp: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("identity: chmod temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("identity: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("identity: rename into place: %w", err)
	}
	return nil
}

// seedToUint64 reads the first 8 bytes of seed as a little-endian uint64.
// Nothing in this module calls it.
func seedToUint64(seed []byte) uint64 {
	return binary.LittleEndian.Uint64(seed[:8])
}

package peerbook

import (
	"path/filepath"
	"testing"
)

func TestAddResolveRemove(t *testing.T) {
	b := New(filepath.Join(t.TempDir(), "peers.txt"))
	var pk [32]byte
	pk[0] = 0xAB
	if err := b.Add("node-a", "10.0.0.1:7777", pk); err != nil {
		t.Fatalf("Add: %v", err)
	}
	addr, err := b.Resolve("node-a")
	if err != nil || addr != "10.0.0.1:7777" {
		t.Fatalf("Resolve: addr=%q err=%v", addr, err)
	}
	if err := b.Remove("node-a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := b.Resolve("node-a"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestAddDuplicateAliasRejected(t *testing.T) {
	b := New(filepath.Join(t.TempDir(), "peers.txt"))
	var pk [32]byte
	if err := b.Add("node-a", "10.0.0.1:7777", pk); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := b.Add("node-a", "10.0.0.2:7777", pk); err != ErrExists {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestAddAtCapacity(t *testing.T) {
	b := New(filepath.Join(t.TempDir(), "peers.txt"))
	for i := 0; i < MaxPeers; i++ {
		var pk [32]byte
		pk[0] = byte(i)
		if err := b.Add(aliasFor(i), "addr", pk); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	var pk [32]byte
	if err := b.Add("one-too-many", "addr", pk); err != ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func aliasFor(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return string([]byte{letters[i%26], letters[(i/26)%26], letters[(i/676)%26]})
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.txt")
	b := New(path)
	var pk1, pk2 [32]byte
	pk1[0] = 1
	pk2[0] = 2
	if err := b.Add("node-a", "10.0.0.1:7777", pk1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := b.Add("node-b", "10.0.0.2:7777", pk2); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := b.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Len() != 2 {
		t.Fatalf("expected 2 peers after reload, got %d", loaded.Len())
	}
	addr, err := loaded.Resolve("node-a")
	if err != nil || addr != "10.0.0.1:7777" {
		t.Fatalf("Resolve after reload: addr=%q err=%v", addr, err)
	}
}

func TestLoadMissingFileIsEmptyBook(t *testing.T) {
	b, err := Load(filepath.Join(t.TempDir(), "does-not-exist.txt"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b.Len() != 0 {
		t.Fatalf("expected empty book, got %d peers", b.Len())
	}
}

func TestHasPubKeyDuplicateDetection(t *testing.T) {
	b := New(filepath.Join(t.TempDir(), "peers.txt"))
	var pk [32]byte
	pk[0] = 9
	if err := b.Add("node-a", "addr", pk); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !b.HasPubKey(pk) {
		t.Fatalf("expected HasPubKey to find the registered key")
	}
	var other [32]byte
	other[0] = 10
	if b.HasPubKey(other) {
		t.Fatalf("expected HasPubKey to reject an unregistered key")
	}
}

package storage

import (
	"path/filepath"
	"testing"

	"github.com/mycomesh/myco/internal/catalog"
	"github.com/mycomesh/myco/internal/peerbook"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSnapshotRoundTripsServicesAndPeers(t *testing.T) {
	db := openTestDB(t)

	cat := catalog.New(nil)
	if _, err := cat.Merge(catalog.Record{Name: "redis", Version: 1, FlakeURI: "github:example/redis"}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	book := peerbook.New(filepath.Join(t.TempDir(), "peers.txt"))
	var pub [32]byte
	pub[0] = 0x42
	if err := book.Add("node-b", "10.0.0.2:7777", pub); err != nil {
		t.Fatalf("book.Add: %v", err)
	}

	if err := db.Snapshot(cat, book, 4096); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	services, err := db.Services()
	if err != nil {
		t.Fatalf("Services: %v", err)
	}
	if len(services) != 1 || services[0].Name != "redis" {
		t.Fatalf("expected one redis service, got %+v", services)
	}

	peers, err := db.Peers()
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	if len(peers) != 1 || peers[0].Alias != "node-b" {
		t.Fatalf("expected one node-b peer, got %+v", peers)
	}

	pos, err := db.WALPos()
	if err != nil {
		t.Fatalf("WALPos: %v", err)
	}
	if pos != 4096 {
		t.Fatalf("expected wal_pos 4096, got %d", pos)
	}
}

func TestSnapshotReplacesPriorContents(t *testing.T) {
	db := openTestDB(t)
	cat := catalog.New(nil)
	book := peerbook.New(filepath.Join(t.TempDir(), "peers.txt"))

	if _, err := cat.Merge(catalog.Record{Name: "a", Version: 1}); err != nil {
		t.Fatalf("merge a: %v", err)
	}
	if err := db.Snapshot(cat, book, 0); err != nil {
		t.Fatalf("first snapshot: %v", err)
	}

	cat2 := catalog.New(nil)
	if _, err := cat2.Merge(catalog.Record{Name: "b", Version: 1}); err != nil {
		t.Fatalf("merge b: %v", err)
	}
	if err := db.Snapshot(cat2, book, 128); err != nil {
		t.Fatalf("second snapshot: %v", err)
	}

	services, err := db.Services()
	if err != nil {
		t.Fatalf("Services: %v", err)
	}
	if len(services) != 1 || services[0].Name != "b" {
		t.Fatalf("expected only service b after replacement snapshot, got %+v", services)
	}
}

func TestOpenIsReentrantAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen should succeed against an existing schema-compatible file: %v", err)
	}
	if err := db2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

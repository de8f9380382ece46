// Package storage — bolt.go
//
// BoltDB-backed read cache for a Myco node.
//
// The write-ahead log (internal/wal) is the only source of truth (spec.md
// §4.7) — a node rebuilds its catalog and peer book by replaying the WAL
// on startup regardless of what this package contains. This package exists
// so that an operator inspecting a node with a read-only tool does not need
// to hold the scheduler's single-writer tick goroutine hostage for a
// point-in-time snapshot: cmd/myco's compaction loop periodically writes a
// consistent snapshot here, and everything in this package is pure
// read-path — nothing in internal/scheduler depends on it to make progress.
//
// Schema (BoltDB bucket layout):
//
//	/services
//	    key:   service name
//	    value: JSON-encoded ServiceRecord
//
//	/peers
//	    key:   peer alias
//	    value: JSON-encoded PeerRecord
//
//	/meta
//	    key:   "schema_version" -> "1"
//	    key:   "wal_pos"        -> decimal string, WAL byte size at snapshot time
//
// Consistency model:
//   - Single-process, single-writer (bbolt does not support concurrent
//     writers; only the snapshot goroutine driven by cmd/myco ever calls
//     Snapshot).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Failure modes:
//   - Corrupt file: bbolt detects via CRC and returns an error on Open().
//     The node logs and refuses to start with a stale/corrupt cache; since
//     this is only a cache, the fix is to delete the file and let the next
//     snapshot rebuild it — never restore from the WAL's own backup path.
//   - Disk full: bbolt.Update() returns an error. The node logs the error
//     and keeps running off in-memory state; a failed snapshot does not
//     affect correctness, only the freshness of the next cold read.
package storage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mycomesh/myco/internal/catalog"
	"github.com/mycomesh/myco/internal/peerbook"
)

const (
	// DefaultDBPath is the default BoltDB file location, relative to a
	// node's state_dir.
	DefaultDBPath = "cache.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketServices = "services"
	bucketPeers    = "peers"
	bucketMeta     = "meta"
)

// ServiceRecord is the persisted form of catalog.Record.
type ServiceRecord struct {
	Name      string `json:"name"`
	Version   uint64 `json:"version"`
	WallMS    uint64 `json:"wall_ms"`
	Logical   uint32 `json:"logical"`
	FlakeURI  string `json:"flake_uri"`
	ExecName  string `json:"exec_name"`
	Tombstone bool   `json:"tombstone"`
}

// PeerRecord is the persisted form of peerbook.Peer.
type PeerRecord struct {
	Alias   string `json:"alias"`
	Address string `json:"address"`
	PubKey  string `json:"pubkey"`
}

// DB wraps a BoltDB instance with typed accessors for a Myco node's
// read-cache.
type DB struct {
	db *bolt.DB
}

// Open opens (or creates) the BoltDB database at path and initializes all
// required buckets. Returns an error if the database is corrupt or the
// schema is incompatible.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketServices, bucketPeers, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("cache initialization failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"cache schema mismatch: database has %q, node requires %q; delete the cache file and let it rebuild",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// Snapshot writes a consistent point-in-time view of cat, book, and the
// current WAL size, replacing whatever was there before. cmd/myco's
// compaction loop calls it periodically, alongside its WAL compaction
// checks, never concurrently with itself.
func (d *DB) Snapshot(cat *catalog.Catalog, book *peerbook.Book, walPos int64) error {
	services := cat.Snapshot()
	peers := book.Iter()

	return d.db.Update(func(tx *bolt.Tx) error {
		if err := clearBucket(tx, bucketServices); err != nil {
			return err
		}
		if err := clearBucket(tx, bucketPeers); err != nil {
			return err
		}
		sb := tx.Bucket([]byte(bucketServices))
		for _, rec := range services {
			data, err := json.Marshal(toServiceRecord(rec))
			if err != nil {
				return fmt.Errorf("marshal service %q: %w", rec.Name, err)
			}
			if err := sb.Put([]byte(rec.Name), data); err != nil {
				return fmt.Errorf("put service %q: %w", rec.Name, err)
			}
		}

		pb := tx.Bucket([]byte(bucketPeers))
		for _, p := range peers {
			data, err := json.Marshal(PeerRecord{Alias: p.Alias, Address: p.Address, PubKey: hex.EncodeToString(p.PubKey[:])})
			if err != nil {
				return fmt.Errorf("marshal peer %q: %w", p.Alias, err)
			}
			if err := pb.Put([]byte(p.Alias), data); err != nil {
				return fmt.Errorf("put peer %q: %w", p.Alias, err)
			}
		}

		meta := tx.Bucket([]byte(bucketMeta))
		return meta.Put([]byte("wal_pos"), []byte(fmt.Sprintf("%d", walPos)))
	})
}

func clearBucket(tx *bolt.Tx, name string) error {
	if err := tx.DeleteBucket([]byte(name)); err != nil {
		return fmt.Errorf("DeleteBucket(%q): %w", name, err)
	}
	_, err := tx.CreateBucket([]byte(name))
	return err
}

func toServiceRecord(r catalog.Record) ServiceRecord {
	return ServiceRecord{
		Name:      r.Name,
		Version:   r.Version,
		WallMS:    r.HLC.WallMS,
		Logical:   r.HLC.Logical,
		FlakeURI:  r.FlakeURI,
		ExecName:  r.ExecName,
		Tombstone: r.Tombstone,
	}
}

// Services returns every cached service record, in no particular order.
// For operational inspection only — never on the scheduler's hot path.
func (d *DB) Services() ([]ServiceRecord, error) {
	var out []ServiceRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketServices))
		return b.ForEach(func(_, v []byte) error {
			var rec ServiceRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Peers returns every cached peer record, in no particular order.
func (d *DB) Peers() ([]PeerRecord, error) {
	var out []PeerRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPeers))
		return b.ForEach(func(_, v []byte) error {
			var rec PeerRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// WALPos returns the WAL size recorded at the last Snapshot.
func (d *DB) WALPos() (int64, error) {
	var pos int64
	err := d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("wal_pos"))
		if v == nil {
			return nil
		}
		_, err := fmt.Sscanf(string(v), "%d", &pos)
		return err
	})
	return pos, err
}

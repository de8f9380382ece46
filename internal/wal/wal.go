// Package wal — wal.go
//
// Append-only write-ahead log backing catalog durability (spec.md §3, §4.7).
// Record framing follows other_examples' ClusterCockpit metricstore
// walCheckpoint.go: a magic-stamped file header, then a sequence of
// length-prefixed, CRC32-checked records; a CRC mismatch on the trailing
// record is treated as an expected torn write from a crash, not corruption,
// and recovery truncates there. Advisory single-writer locking reuses this
// module's existing golang.org/x/sys dependency (flock via unix.Flock)
// rather than a third-party file-locking library.
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mycomesh/myco/internal/catalog"
	"github.com/mycomesh/myco/internal/hlc"
	"github.com/mycomesh/myco/internal/peerbook"
)

// fileMagic stamps the start of every WAL file: "MYCOWAL\x01".
var fileMagic = [8]byte{'M', 'Y', 'C', 'O', 'W', 'A', 'L', 0x01}

const fileHeaderLen = 8 + 32 // magic + node id

// maxRecordPayload is a sanity bound on a single record's payload, well
// above one serialized catalog.Record (which must itself fit in one wire
// frame) and above a full MaxServices checkpoint snapshot (512 records of
// at most 411 bytes each, about 206 KiB).
const maxRecordPayload = 1 << 20

// RecordType tags the union stored in each WAL entry (spec.md §3).
type RecordType uint8

const (
	Upsert RecordType = iota + 1
	TombstoneOp
	PeerAdd
	Checkpoint
)

func (t RecordType) String() string {
	switch t {
	case Upsert:
		return "Upsert"
	case TombstoneOp:
		return "Tombstone"
	case PeerAdd:
		return "PeerAdd"
	case Checkpoint:
		return "Checkpoint"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// Entry is one WAL record. Exactly one of the payload fields is meaningful,
// selected by Type.
type Entry struct {
	Type RecordType

	Service catalog.Record // Upsert, Tombstone

	Peer peerbook.Peer // PeerAdd

	Snapshot []catalog.Record // Checkpoint
}

// WAL is an append-only, fsync-backed log file with advisory single-writer
// locking. The zero value is not usable; construct with Open.
type WAL struct {
	mu   sync.Mutex
	f    *os.File
	path string
	node hlc.NodeID
	size int64
}

// Open opens (creating if absent) the WAL file at path, takes an exclusive
// advisory lock, and replays valid records for recovery. Any trailing
// partial record — the expected signature of a crash mid-write — is
// discarded and the file is truncated to the last good record boundary.
func Open(path string, node hlc.NodeID) (*WAL, []Entry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("wal: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("wal: open %q: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return nil, nil, fmt.Errorf("wal: %q is locked by another process: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close() //nolint:errcheck
		return nil, nil, fmt.Errorf("wal: stat: %w", err)
	}

	w := &WAL{f: f, path: path, node: node}

	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			f.Close() //nolint:errcheck
			return nil, nil, err
		}
		return w, nil, nil
	}

	entries, validSize, err := recover_(f, node)
	if err != nil {
		f.Close() //nolint:errcheck
		return nil, nil, err
	}
	if validSize < info.Size() {
		if err := f.Truncate(validSize); err != nil {
			f.Close() //nolint:errcheck
			return nil, nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close() //nolint:errcheck
		return nil, nil, fmt.Errorf("wal: seek end: %w", err)
	}
	w.size = validSize
	return w, entries, nil
}

func (w *WAL) writeHeader() error {
	var hdr [fileHeaderLen]byte
	copy(hdr[:8], fileMagic[:])
	copy(hdr[8:], w.node[:])
	if _, err := w.f.Write(hdr[:]); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("wal: sync header: %w", err)
	}
	w.size = fileHeaderLen
	return nil
}

// recover_ scans a non-empty WAL file from the start, verifying the header
// and then each record's CRC. It returns the entries that replay cleanly
// and the byte offset through the last good record; callers truncate the
// file to that offset to drop any torn trailing write.
func recover_(f *os.File, expectNode hlc.NodeID) ([]Entry, int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, 0, fmt.Errorf("wal: seek start: %w", err)
	}
	br := bufio.NewReader(f)

	var hdr [fileHeaderLen]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, 0, fmt.Errorf("wal: read header: %w", err)
	}
	if string(hdr[:8]) != string(fileMagic[:]) {
		return nil, 0, fmt.Errorf("wal: bad file magic")
	}
	var fileNode hlc.NodeID
	copy(fileNode[:], hdr[8:])
	if fileNode != expectNode {
		return nil, 0, fmt.Errorf("wal: file belongs to node %x, not %x", fileNode, expectNode)
	}

	offset := int64(fileHeaderLen)
	var entries []Entry
	for {
		payload, n, err := readRecord(br)
		if err != nil {
			// Truncated trailing record: expected after a crash. Stop
			// replaying, keep everything validated so far.
			break
		}
		if payload == nil {
			break // clean EOF
		}
		e, err := decodeEntry(payload)
		if err != nil {
			// A fully-CRC-valid but undecodable record is real corruption,
			// not a torn write; still stop here rather than propagate a
			// fatal error, since older history remains usable.
			break
		}
		entries = append(entries, e)
		offset += n
	}
	return entries, offset, nil
}

// readRecord reads one len|crc32|payload record. Returns (nil, 0, nil) on
// clean EOF (no bytes read). Returns an error on a torn or malformed
// record, including CRC mismatch.
func readRecord(r *bufio.Reader) ([]byte, int64, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("wal: torn length prefix: %w", err)
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length == 0 || length > maxRecordPayload {
		return nil, 0, fmt.Errorf("wal: implausible record length %d", length)
	}

	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, 0, fmt.Errorf("wal: torn crc field: %w", err)
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf[:])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, fmt.Errorf("wal: torn payload: %w", err)
	}
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, 0, fmt.Errorf("wal: crc mismatch (torn write or corruption)")
	}
	return payload, int64(4 + 4 + length), nil
}

// Append serializes e, writes it framed as len|crc32|payload, and — per
// spec.md §4.7's durability contract — fsyncs before returning for Upsert
// and Tombstone records, the two kinds a caller acknowledges as durable.
// PeerAdd and Checkpoint records are written but not force-synced; callers
// that need synchronous durability for those can call Sync explicitly.
func (w *WAL) Append(e Entry) error {
	payload, err := encodeEntry(e)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var frame [8]byte
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.f.Write(frame[:]); err != nil {
		return fmt.Errorf("wal: write frame header: %w", err)
	}
	if _, err := w.f.Write(payload); err != nil {
		return fmt.Errorf("wal: write payload: %w", err)
	}
	w.size += int64(len(frame) + len(payload))

	if e.Type == Upsert || e.Type == TombstoneOp {
		if err := w.f.Sync(); err != nil {
			return fmt.Errorf("wal: fsync: %w", err)
		}
	}
	return nil
}

// Sync forces any buffered writes to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Sync()
}

// Size returns the current WAL file size in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Close releases the advisory lock and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Compact rewrites the log as a single Checkpoint record holding snapshot,
// atomically replacing the prior file (spec.md §4.7). The caller supplies
// the full live catalog; prior Upsert/Tombstone/PeerAdd history is
// discarded once folded into the snapshot.
func (w *WAL) Compact(snapshot []catalog.Record) error {
	tmpPath := w.path + ".compact.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("wal: create compaction temp file: %w", err)
	}

	var hdr [fileHeaderLen]byte
	copy(hdr[:8], fileMagic[:])
	copy(hdr[8:], w.node[:])
	if _, err := tmp.Write(hdr[:]); err != nil {
		tmp.Close() //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("wal: write compaction header: %w", err)
	}

	payload, err := encodeEntry(Entry{Type: Checkpoint, Snapshot: snapshot})
	if err != nil {
		tmp.Close() //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
		return err
	}
	var frame [8]byte
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	if _, err := tmp.Write(frame[:]); err != nil {
		tmp.Close() //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("wal: write compaction record header: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close() //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("wal: write compaction payload: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("wal: sync compaction file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return fmt.Errorf("wal: close compaction file: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := unix.Flock(int(w.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("wal: unlock for compaction swap: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("wal: close old log: %w", err)
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return fmt.Errorf("wal: rename compaction file into place: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("wal: reopen after compaction: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("wal: re-lock after compaction: %w", err)
	}
	w.f = f
	w.size = int64(fileHeaderLen + 8 + len(payload))
	return nil
}

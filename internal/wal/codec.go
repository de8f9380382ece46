package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/mycomesh/myco/internal/catalog"
	"github.com/mycomesh/myco/internal/hlc"
	"github.com/mycomesh/myco/internal/peerbook"
)

// Entry payloads are a minimal flat binary encoding — there is no reason to
// carry a general-purpose serialization library's framing overhead for a
// handful of fixed, known-shape structs, and every field here already has a
// bounded maximum length enforced by the catalog/peerbook packages that
// produce it.

func encodeEntry(e Entry) ([]byte, error) {
	buf := []byte{byte(e.Type)}
	switch e.Type {
	case Upsert, TombstoneOp:
		buf = appendRecord(buf, e.Service)
	case PeerAdd:
		buf = appendPeer(buf, e.Peer)
	case Checkpoint:
		if len(e.Snapshot) > catalog.MaxServices {
			return nil, fmt.Errorf("wal: checkpoint snapshot exceeds MaxServices")
		}
		var countBuf [4]byte
		binary.LittleEndian.PutUint32(countBuf[:], uint32(len(e.Snapshot)))
		buf = append(buf, countBuf[:]...)
		for _, r := range e.Snapshot {
			buf = appendRecord(buf, r)
		}
	default:
		return nil, fmt.Errorf("wal: unknown record type %d", e.Type)
	}
	return buf, nil
}

func decodeEntry(b []byte) (Entry, error) {
	if len(b) < 1 {
		return Entry{}, fmt.Errorf("wal: empty entry payload")
	}
	t := RecordType(b[0])
	rest := b[1:]
	switch t {
	case Upsert, TombstoneOp:
		r, _, err := readRecord_(rest)
		if err != nil {
			return Entry{}, err
		}
		return Entry{Type: t, Service: r}, nil
	case PeerAdd:
		p, _, err := readPeer(rest)
		if err != nil {
			return Entry{}, err
		}
		return Entry{Type: PeerAdd, Peer: p}, nil
	case Checkpoint:
		if len(rest) < 4 {
			return Entry{}, fmt.Errorf("wal: truncated checkpoint count")
		}
		count := binary.LittleEndian.Uint32(rest[:4])
		rest = rest[4:]
		if count > catalog.MaxServices {
			return Entry{}, fmt.Errorf("wal: checkpoint count %d exceeds MaxServices", count)
		}
		snapshot := make([]catalog.Record, 0, count)
		for i := uint32(0); i < count; i++ {
			r, n, err := readRecord_(rest)
			if err != nil {
				return Entry{}, err
			}
			snapshot = append(snapshot, r)
			rest = rest[n:]
		}
		return Entry{Type: Checkpoint, Snapshot: snapshot}, nil
	default:
		return Entry{}, fmt.Errorf("wal: unknown record type %d", t)
	}
}

func appendString(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("wal: truncated string length")
	}
	l := int(binary.LittleEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < l {
		return "", nil, fmt.Errorf("wal: truncated string data")
	}
	return string(b[:l]), b[l:], nil
}

func appendHLC(buf []byte, ts hlc.Timestamp) []byte {
	var wallBuf [8]byte
	binary.LittleEndian.PutUint64(wallBuf[:], ts.WallMS)
	buf = append(buf, wallBuf[:]...)
	var logicalBuf [4]byte
	binary.LittleEndian.PutUint32(logicalBuf[:], ts.Logical)
	buf = append(buf, logicalBuf[:]...)
	return append(buf, ts.Node[:]...)
}

func readHLC(b []byte) (hlc.Timestamp, []byte, error) {
	if len(b) < 8+4+32 {
		return hlc.Timestamp{}, nil, fmt.Errorf("wal: truncated hlc timestamp")
	}
	ts := hlc.Timestamp{
		WallMS:  binary.LittleEndian.Uint64(b[:8]),
		Logical: binary.LittleEndian.Uint32(b[8:12]),
	}
	copy(ts.Node[:], b[12:44])
	return ts, b[44:], nil
}

func appendRecord(buf []byte, r catalog.Record) []byte {
	buf = appendString(buf, r.Name)
	var versionBuf [8]byte
	binary.LittleEndian.PutUint64(versionBuf[:], r.Version)
	buf = append(buf, versionBuf[:]...)
	buf = appendHLC(buf, r.HLC)
	buf = appendString(buf, r.FlakeURI)
	buf = appendString(buf, r.ExecName)
	if r.Tombstone {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func readRecord_(b []byte) (catalog.Record, int, error) {
	start := len(b)
	name, b, err := readString(b)
	if err != nil {
		return catalog.Record{}, 0, err
	}
	if len(b) < 8 {
		return catalog.Record{}, 0, fmt.Errorf("wal: truncated record version")
	}
	version := binary.LittleEndian.Uint64(b[:8])
	b = b[8:]
	ts, b, err := readHLC(b)
	if err != nil {
		return catalog.Record{}, 0, err
	}
	flakeURI, b, err := readString(b)
	if err != nil {
		return catalog.Record{}, 0, err
	}
	execName, b, err := readString(b)
	if err != nil {
		return catalog.Record{}, 0, err
	}
	if len(b) < 1 {
		return catalog.Record{}, 0, fmt.Errorf("wal: truncated record tombstone flag")
	}
	tombstone := b[0] != 0
	b = b[1:]

	r := catalog.Record{
		Name:      name,
		Version:   version,
		HLC:       ts,
		FlakeURI:  flakeURI,
		ExecName:  execName,
		Tombstone: tombstone,
	}
	return r, start - len(b), nil
}

func appendPeer(buf []byte, p peerbook.Peer) []byte {
	buf = appendString(buf, p.Alias)
	buf = appendString(buf, p.Address)
	return append(buf, p.PubKey[:]...)
}

func readPeer(b []byte) (peerbook.Peer, int, error) {
	start := len(b)
	alias, b, err := readString(b)
	if err != nil {
		return peerbook.Peer{}, 0, err
	}
	address, b, err := readString(b)
	if err != nil {
		return peerbook.Peer{}, 0, err
	}
	if len(b) < 32 {
		return peerbook.Peer{}, 0, fmt.Errorf("wal: truncated peer pubkey")
	}
	var pk [32]byte
	copy(pk[:], b[:32])
	b = b[32:]
	p := peerbook.Peer{Alias: alias, Address: address, PubKey: pk}
	return p, start - len(b), nil
}

// Package gossip — codec.go
//
// Per-message-kind record encoding carried inside a wire.Frame's payload
// (spec.md §4.1, §4.8). Each encoded value here becomes one "record" in the
// sense of internal/wire's varint-framed record sequence; a frame of
// MsgGossipSummary carries one record per SummaryEntry, a frame of
// MsgPullRequest one record per requested name, and so on.
package gossip

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/mycomesh/myco/internal/catalog"
	"github.com/mycomesh/myco/internal/hlc"
)

// EncodeSummaryEntry encodes one (name, version) pair as a wire record.
func EncodeSummaryEntry(e SummaryEntry) []byte {
	buf := appendString(nil, e.Name)
	var v [8]byte
	binary.LittleEndian.PutUint64(v[:], e.Version)
	return append(buf, v[:]...)
}

// DecodeSummaryEntry reverses EncodeSummaryEntry.
func DecodeSummaryEntry(b []byte) (SummaryEntry, error) {
	name, rest, err := readString(b)
	if err != nil {
		return SummaryEntry{}, err
	}
	if len(rest) < 8 {
		return SummaryEntry{}, fmt.Errorf("gossip: truncated summary entry version")
	}
	return SummaryEntry{Name: name, Version: binary.LittleEndian.Uint64(rest[:8])}, nil
}

// EncodePullRequest encodes a requested service name as a wire record.
func EncodePullRequest(name string) []byte {
	return appendString(nil, name)
}

// DecodePullRequest reverses EncodePullRequest.
func DecodePullRequest(b []byte) (string, error) {
	name, _, err := readString(b)
	return name, err
}

// EncodePullResponse encodes a PullResponse record: a found-flag byte, the
// requested name, and — if found — the full catalog.Record. rec == nil
// encodes a not-found response.
func EncodePullResponse(name string, rec *catalog.Record) []byte {
	buf := appendString(nil, name)
	if rec == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return appendCatalogRecord(buf, *rec)
}

// DecodePullResponse reverses EncodePullResponse. A nil *catalog.Record
// return means the peer reported the name as not found.
func DecodePullResponse(b []byte) (name string, rec *catalog.Record, err error) {
	name, rest, err := readString(b)
	if err != nil {
		return "", nil, err
	}
	if len(rest) < 1 {
		return "", nil, fmt.Errorf("gossip: truncated pull response found-flag")
	}
	found := rest[0] != 0
	rest = rest[1:]
	if !found {
		return name, nil, nil
	}
	r, _, err := readCatalogRecord(rest)
	if err != nil {
		return "", nil, err
	}
	return name, &r, nil
}

// EncodeHello encodes the single record carried by a MsgHello or MsgHelloAck
// frame: the sender's AEAD-mode preference and its Ed25519 signature over
// the frame's own sender_id, proving possession of the matching private key
// (spec.md §4.2, §4.3).
func EncodeHello(wantsAEAD bool, sig []byte) []byte {
	buf := make([]byte, 0, 1+len(sig))
	if wantsAEAD {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return append(buf, sig...)
}

// DecodeHello reverses EncodeHello.
func DecodeHello(b []byte) (wantsAEAD bool, sig []byte, err error) {
	if len(b) < 1+ed25519.SignatureSize {
		return false, nil, fmt.Errorf("gossip: truncated hello record")
	}
	return b[0] != 0, b[1 : 1+ed25519.SignatureSize], nil
}

// PeerAd is the wire representation of one peer offered via PeerExchange.
type PeerAd struct {
	Alias   string
	Address string
	PubKey  [32]byte
}

// EncodePeerAd encodes one PeerExchange entry as a wire record.
func EncodePeerAd(ad PeerAd) []byte {
	buf := appendString(nil, ad.Alias)
	buf = appendString(buf, ad.Address)
	return append(buf, ad.PubKey[:]...)
}

// DecodePeerAd reverses EncodePeerAd.
func DecodePeerAd(b []byte) (PeerAd, error) {
	alias, rest, err := readString(b)
	if err != nil {
		return PeerAd{}, err
	}
	address, rest, err := readString(rest)
	if err != nil {
		return PeerAd{}, err
	}
	if len(rest) < 32 {
		return PeerAd{}, fmt.Errorf("gossip: truncated peer ad pubkey")
	}
	var pk [32]byte
	copy(pk[:], rest[:32])
	return PeerAd{Alias: alias, Address: address, PubKey: pk}, nil
}

func appendString(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func readString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, fmt.Errorf("gossip: truncated string length")
	}
	l := int(binary.LittleEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) < l {
		return "", nil, fmt.Errorf("gossip: truncated string data")
	}
	return string(b[:l]), b[l:], nil
}

func appendCatalogRecord(buf []byte, r catalog.Record) []byte {
	buf = appendString(buf, r.Name)
	var versionBuf [8]byte
	binary.LittleEndian.PutUint64(versionBuf[:], r.Version)
	buf = append(buf, versionBuf[:]...)
	var wallBuf [8]byte
	binary.LittleEndian.PutUint64(wallBuf[:], r.HLC.WallMS)
	buf = append(buf, wallBuf[:]...)
	var logicalBuf [4]byte
	binary.LittleEndian.PutUint32(logicalBuf[:], r.HLC.Logical)
	buf = append(buf, logicalBuf[:]...)
	buf = append(buf, r.HLC.Node[:]...)
	buf = appendString(buf, r.FlakeURI)
	buf = appendString(buf, r.ExecName)
	if r.Tombstone {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func readCatalogRecord(b []byte) (catalog.Record, []byte, error) {
	name, b, err := readString(b)
	if err != nil {
		return catalog.Record{}, nil, err
	}
	if len(b) < 8+8+4+32 {
		return catalog.Record{}, nil, fmt.Errorf("gossip: truncated record fixed fields")
	}
	version := binary.LittleEndian.Uint64(b[:8])
	b = b[8:]
	ts := hlc.Timestamp{
		WallMS:  binary.LittleEndian.Uint64(b[:8]),
		Logical: binary.LittleEndian.Uint32(b[8:12]),
	}
	copy(ts.Node[:], b[12:44])
	b = b[44:]
	flakeURI, b, err := readString(b)
	if err != nil {
		return catalog.Record{}, nil, err
	}
	execName, b, err := readString(b)
	if err != nil {
		return catalog.Record{}, nil, err
	}
	if len(b) < 1 {
		return catalog.Record{}, nil, fmt.Errorf("gossip: truncated record tombstone flag")
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
	return r, b, nil
}

// Package wire — frame.go
//
// Fixed 1024-byte wire frame codec for Myco gossip datagrams.
//
// Layout (SPEC_FULL.md / spec.md §4.1), all integers little-endian:
//
//	offset  field         size  notes
//	0       magic         4     constant FrameMagic
//	4       version       1     protocol revision
//	5       msg_type      1     MsgType enum
//	6       flags         2     bit0 compressed, bit1 last-in-series
//	8       sender_id     32    NodeID
//	40      epoch         4     key epoch
//	44      nonce         12    AEAD nonce
//	56      seq           8     per (sender,receiver) monotone sequence
//	64      payload_len   2     <= PayloadCapacity
//	66      payload       958   ciphertext (PayloadCapacity, 942) + AEAD tag
//	1024-16 tag           16    AEAD authentication tag (last 16 bytes, within payload above)
//
// internal/secure is responsible for what goes into and comes out of the
// payload/tag region; this package only knows about the fixed byte layout
// and the header fields, keeping wire framing and cryptography as two
// separate concerns.
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// FrameSize is the invariant on-wire size of every Myco datagram.
	FrameSize = 1024

	// FrameMagic identifies a Myco frame.
	FrameMagic uint32 = 0x4d59434f // "MYCO"

	// ProtocolVersion is the current wire protocol revision.
	ProtocolVersion uint8 = 1

	offMagic      = 0
	offVersion    = 4
	offMsgType    = 5
	offFlags      = 6
	offSenderID   = 8
	offEpoch      = 40
	offNonce      = 44
	offSeq        = 56
	offPayloadLen = 64
	offPayload    = 66

	tagSize = 16
	// PayloadCapacity is the number of bytes available to the sealed
	// payload: FrameSize - header (66) - AEAD tag (16).
	PayloadCapacity = FrameSize - offPayload - tagSize

	// FlagCompressed marks the payload as zstd-compressed prior to sealing.
	FlagCompressed uint16 = 1 << 0
	// FlagLastInSeries marks the final frame of a fragmented series.
	FlagLastInSeries uint16 = 1 << 1
)

// MsgType enumerates the datagram kinds exchanged by the gossip engine.
type MsgType uint8

const (
	MsgHello MsgType = iota
	MsgHelloAck
	MsgGossipSummary
	MsgPullRequest
	MsgPullResponse
	MsgHeartbeat
	MsgPeerExchange
)

func (t MsgType) String() string {
	switch t {
	case MsgHello:
		return "Hello"
	case MsgHelloAck:
		return "HelloAck"
	case MsgGossipSummary:
		return "GossipSummary"
	case MsgPullRequest:
		return "PullRequest"
	case MsgPullResponse:
		return "PullResponse"
	case MsgHeartbeat:
		return "Heartbeat"
	case MsgPeerExchange:
		return "PeerExchange"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

// Frame is the decoded, not-yet-opened form of a wire datagram: the header
// fields are parsed, but Sealed holds the opaque ciphertext+tag exactly as
// received so internal/secure can verify and open it without a copy.
type Frame struct {
	Version    uint8
	MsgType    MsgType
	Flags      uint16
	SenderID   [32]byte
	Epoch      uint32
	Nonce      [12]byte
	Seq        uint64
	PayloadLen uint16
	// Sealed is the ciphertext + 16-byte tag, i.e. raw[offPayload:FrameSize].
	Sealed [PayloadCapacity + tagSize]byte
}

// Header64 returns bytes [0:64) of the wire encoding of f — the
// associated-data region used by internal/secure's AEAD seal/open.
func (f *Frame) Header64(out *[64]byte) {
	binary.LittleEndian.PutUint32(out[offMagic:], FrameMagic)
	out[offVersion] = f.Version
	out[offMsgType] = byte(f.MsgType)
	binary.LittleEndian.PutUint16(out[offFlags:], f.Flags)
	copy(out[offSenderID:offSenderID+32], f.SenderID[:])
	binary.LittleEndian.PutUint32(out[offEpoch:], f.Epoch)
	copy(out[offNonce:offNonce+12], f.Nonce[:])
	binary.LittleEndian.PutUint64(out[offSeq:], f.Seq)
	binary.LittleEndian.PutUint16(out[offPayloadLen:], f.PayloadLen)
}

// Encode serializes f into a caller-supplied 1024-byte buffer. Returns an
// error if dst is not exactly FrameSize bytes or PayloadLen is out of
// bounds — the frame-size invariant (spec.md §8 property 1) is enforced at
// this single choke point.
func Encode(f *Frame, dst []byte) error {
	if len(dst) != FrameSize {
		return fmt.Errorf("wire: Encode: dst length %d != %d", len(dst), FrameSize)
	}
	if int(f.PayloadLen) > PayloadCapacity {
		return fmt.Errorf("wire: Encode: payload_len %d exceeds capacity %d", f.PayloadLen, PayloadCapacity)
	}

	var hdr [64]byte
	f.Header64(&hdr)
	copy(dst[0:64], hdr[:])
	copy(dst[offPayload:FrameSize], f.Sealed[:])
	return nil
}

// Decode parses a 1024-byte datagram into a Frame without verifying the
// AEAD tag (that is internal/secure's job). Returns an error for wrong
// size, bad magic, unsupported version, or payload_len overflow — the
// protocol-error taxonomy of spec.md §7, all drop-and-count, never fatal.
func Decode(raw []byte) (*Frame, error) {
	if len(raw) != FrameSize {
		return nil, fmt.Errorf("wire: Decode: datagram length %d != %d", len(raw), FrameSize)
	}
	magic := binary.LittleEndian.Uint32(raw[offMagic:])
	if magic != FrameMagic {
		return nil, fmt.Errorf("wire: Decode: bad magic %#x", magic)
	}
	version := raw[offVersion]
	if version != ProtocolVersion {
		return nil, fmt.Errorf("wire: Decode: unsupported version %d", version)
	}
	payloadLen := binary.LittleEndian.Uint16(raw[offPayloadLen:])
	if int(payloadLen) > PayloadCapacity {
		return nil, fmt.Errorf("wire: Decode: payload_len %d exceeds capacity %d", payloadLen, PayloadCapacity)
	}

	f := &Frame{
		Version:    version,
		MsgType:    MsgType(raw[offMsgType]),
		Flags:      binary.LittleEndian.Uint16(raw[offFlags:]),
		Epoch:      binary.LittleEndian.Uint32(raw[offEpoch:]),
		Seq:        binary.LittleEndian.Uint64(raw[offSeq:]),
		PayloadLen: payloadLen,
	}
	copy(f.SenderID[:], raw[offSenderID:offSenderID+32])
	copy(f.Nonce[:], raw[offNonce:offNonce+12])
	copy(f.Sealed[:], raw[offPayload:FrameSize])
	return f, nil
}

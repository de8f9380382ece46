package wire

import (
	"bytes"
	"testing"
)

func sampleFrame() *Frame {
	f := &Frame{
		Version:    ProtocolVersion,
		MsgType:    MsgGossipSummary,
		Flags:      FlagCompressed,
		Epoch:      1,
		Seq:        42,
		PayloadLen: 8,
	}
	for i := range f.SenderID {
		f.SenderID[i] = byte(i)
	}
	for i := range f.Nonce {
		f.Nonce[i] = byte(i + 1)
	}
	copy(f.Sealed[:8], []byte("abcdefgh"))
	return f
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := sampleFrame()
	buf := make([]byte, FrameSize)
	if err := Encode(f, buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(buf) != FrameSize {
		t.Fatalf("encoded frame must be exactly %d bytes, got %d", FrameSize, len(buf))
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Version != f.Version || got.MsgType != f.MsgType || got.Flags != f.Flags ||
		got.Epoch != f.Epoch || got.Seq != f.Seq || got.PayloadLen != f.PayloadLen {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, f)
	}
	if !bytes.Equal(got.SenderID[:], f.SenderID[:]) {
		t.Fatalf("sender id mismatch")
	}
	if !bytes.Equal(got.Nonce[:], f.Nonce[:]) {
		t.Fatalf("nonce mismatch")
	}
	if !bytes.Equal(got.Sealed[:], f.Sealed[:]) {
		t.Fatalf("sealed payload mismatch")
	}
}

func TestEncodeRejectsWrongBufferSize(t *testing.T) {
	f := sampleFrame()
	if err := Encode(f, make([]byte, FrameSize-1)); err == nil {
		t.Fatalf("expected error for undersized buffer")
	}
	if err := Encode(f, make([]byte, FrameSize+1)); err == nil {
		t.Fatalf("expected error for oversized buffer")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := make([]byte, FrameSize)
	if _, err := Decode(buf); err == nil {
		t.Fatalf("expected error for zeroed buffer with bad magic")
	}
}

func TestDecodeRejectsWrongSize(t *testing.T) {
	if _, err := Decode(make([]byte, 100)); err == nil {
		t.Fatalf("expected error for non-1024-byte datagram")
	}
}

func TestDecodeRejectsUnsupportedVersion(t *testing.T) {
	f := sampleFrame()
	f.Version = 99
	buf := make([]byte, FrameSize)
	if err := Encode(f, buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(buf); err == nil {
		t.Fatalf("expected error for unsupported version")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	recs := [][]byte{[]byte("redis"), []byte(""), []byte("a-much-longer-record-value-here")}
	encoded, err := EncodeRecords(recs)
	if err != nil {
		t.Fatalf("EncodeRecords: %v", err)
	}
	decoded, err := DecodeRecords(encoded)
	if err != nil {
		t.Fatalf("DecodeRecords: %v", err)
	}
	if len(decoded) != len(recs) {
		t.Fatalf("expected %d records, got %d", len(recs), len(decoded))
	}
	for i := range recs {
		if !bytes.Equal(decoded[i], recs[i]) {
			t.Fatalf("record %d mismatch: got %q want %q", i, decoded[i], recs[i])
		}
	}
}

func TestPackUnpackPayloadRoundTrip(t *testing.T) {
	recs := [][]byte{bytes.Repeat([]byte("x"), 2000)}
	payload, compressed, err := PackPayload(recs, true)
	if err != nil {
		t.Fatalf("PackPayload: %v", err)
	}
	if len(payload) > PayloadCapacity {
		t.Fatalf("packed payload %d exceeds capacity %d", len(payload), PayloadCapacity)
	}
	if !compressed {
		t.Fatalf("expected highly repetitive payload to compress")
	}

	got, err := UnpackPayload(payload, compressed)
	if err != nil {
		t.Fatalf("UnpackPayload: %v", err)
	}
	if len(got) != 1 || !bytes.Equal(got[0], recs[0]) {
		t.Fatalf("unpacked payload mismatch")
	}
}

func TestPackPayloadRejectsOversizedUncompressible(t *testing.T) {
	big := make([]byte, PayloadCapacity*4)
	x := uint32(1)
	for i := range big {
		x = x*1664525 + 1013904223 // LCG output: incompressible-ish pattern
		big[i] = byte(x >> 24)
	}
	if _, _, err := PackPayload([][]byte{big}, true); err == nil {
		t.Fatalf("expected error when even compressed payload exceeds capacity")
	}
}

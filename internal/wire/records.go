// Package wire — records.go
//
// Varint-framed record sequence carried inside a Frame's plaintext
// payload (prior to sealing / after opening), plus optional zstd
// compression when FlagCompressed is set — spec.md §4.1's "length-prefixed
// sequence of records using varints ... zlib/zstd-compressed".
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// EncodeRecords length-prefixes (varint) each record in recs and
// concatenates them. It does not check the result against
// PayloadCapacity (PackPayload does) and currently never returns an error.
func EncodeRecords(recs [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	var lenBuf [binary.MaxVarintLen64]byte
	for _, r := range recs {
		n := binary.PutUvarint(lenBuf[:], uint64(len(r)))
		buf.Write(lenBuf[:n])
		buf.Write(r)
	}
	return buf.Bytes(), nil
}

// DecodeRecords splits a concatenated varint-length-prefixed byte stream
// back into individual records.
func DecodeRecords(data []byte) ([][]byte, error) {
	var recs [][]byte
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("wire: DecodeRecords: bad varint length: %w", err)
		}
		rec := make([]byte, n)
		if _, err := io.ReadFull(r, rec); err != nil {
			return nil, fmt.Errorf("wire: DecodeRecords: short record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

var (
	zstdEncoderPool *zstd.Encoder
	zstdDecoderPool *zstd.Decoder
)

func init() {
	// A single shared encoder/decoder pair, matching zstd's own
	// recommendation for repeated small-payload use; EncodeAll/DecodeAll
	// are goroutine-safe.
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("wire: zstd encoder init: %v", err))
	}
	zstdEncoderPool = enc

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(16*FrameSize)))
	if err != nil {
		panic(fmt.Sprintf("wire: zstd decoder init: %v", err))
	}
	zstdDecoderPool = dec
}

// Compress zstd-compresses a plaintext record stream.
func Compress(plain []byte) []byte {
	return zstdEncoderPool.EncodeAll(plain, make([]byte, 0, len(plain)))
}

// Decompress reverses Compress, bounding the output at 16 * FrameSize (the
// shared decoder's memory limit) to avoid a decompression-bomb from a
// malicious peer inflating a tiny frame into unbounded memory.
func Decompress(compressed []byte) ([]byte, error) {
	const maxExpansion = 16 * FrameSize
	out, err := zstdDecoderPool.DecodeAll(compressed, make([]byte, 0, len(compressed)*4))
	if err != nil {
		return nil, fmt.Errorf("wire: Decompress: %w", err)
	}
	if len(out) > maxExpansion {
		return nil, fmt.Errorf("wire: Decompress: expanded payload %d exceeds bound %d", len(out), maxExpansion)
	}
	return out, nil
}

// PackPayload builds the plaintext bytes that go into Frame.Sealed before
// sealing: the record stream, compressed if it is smaller that way and the
// caller opts in. Returns the bytes plus whether FlagCompressed should be
// set, and an error if the result still does not fit PayloadCapacity.
func PackPayload(recs [][]byte, allowCompression bool) (payload []byte, compressed bool, err error) {
	raw, err := EncodeRecords(recs)
	if err != nil {
		return nil, false, err
	}
	if !allowCompression {
		if len(raw) > PayloadCapacity {
			return nil, false, fmt.Errorf("wire: PackPayload: payload %d bytes exceeds capacity %d", len(raw), PayloadCapacity)
		}
		return raw, false, nil
	}
	packed := Compress(raw)
	if len(raw) <= PayloadCapacity && len(packed) >= len(raw) {
		// Compression didn't help; keep the plain form for cheaper CPU.
		return raw, false, nil
	}
	if len(packed) > PayloadCapacity {
		return nil, false, fmt.Errorf("wire: PackPayload: payload %d bytes exceeds capacity %d even compressed", len(packed), PayloadCapacity)
	}
	return packed, true, nil
}

// UnpackPayload reverses PackPayload given the compressed flag carried in
// the frame header.
func UnpackPayload(payload []byte, compressed bool) ([][]byte, error) {
	raw := payload
	if compressed {
		var err error
		raw, err = Decompress(payload)
		if err != nil {
			return nil, err
		}
	}
	return DecodeRecords(raw)
}

package secure

import (
	"bytes"
	"testing"

	"github.com/mycomesh/myco/internal/wire"
)

func mkFrame(sender [32]byte) *wire.Frame {
	return &wire.Frame{
		Version:  wire.ProtocolVersion,
		MsgType:  wire.MsgGossipSummary,
		SenderID: sender,
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	var a, b [32]byte
	a[0] = 1
	b[0] = 2
	key := DeriveKey(a, b, []byte("psk"), 1)

	sender, err := NewChannel(key, 1)
	if err != nil {
		t.Fatalf("NewChannel sender: %v", err)
	}
	receiver, err := NewChannel(key, 1)
	if err != nil {
		t.Fatalf("NewChannel receiver: %v", err)
	}

	f := mkFrame(a)
	plaintext := []byte("hello-myco-frame")
	if err := sender.Seal(f, plaintext); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := receiver.Open(f)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	var a, b, c [32]byte
	a[0], b[0], c[0] = 1, 2, 3
	key1 := DeriveKey(a, b, []byte("psk"), 1)
	key2 := DeriveKey(a, c, []byte("psk"), 1)

	sender, _ := NewChannel(key1, 1)
	wrongReceiver, _ := NewChannel(key2, 1)

	f := mkFrame(a)
	if err := sender.Seal(f, []byte("payload")); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := wrongReceiver.Open(f); err != ErrTagFailure {
		t.Fatalf("expected ErrTagFailure, got %v", err)
	}
	if wrongReceiver.MacFailures() != 1 {
		t.Fatalf("expected mac_failures=1, got %d", wrongReceiver.MacFailures())
	}
}

func TestTamperedFrameFailsVerification(t *testing.T) {
	var a, b [32]byte
	a[0], b[0] = 1, 2
	key := DeriveKey(a, b, nil, 1)
	sender, _ := NewChannel(key, 1)
	receiver, _ := NewChannel(key, 1)

	f := mkFrame(a)
	if err := sender.Seal(f, []byte("tamper-me")); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	f.Sealed[0] ^= 0xFF // flip a byte in the ciphertext

	if _, err := receiver.Open(f); err != ErrTagFailure {
		t.Fatalf("expected ErrTagFailure for tampered frame, got %v", err)
	}
	if receiver.ReplayDrops() != 0 {
		t.Fatalf("tamper should not count as a replay")
	}
}

func TestReplayRejected(t *testing.T) {
	var a, b [32]byte
	a[0], b[0] = 1, 2
	key := DeriveKey(a, b, nil, 1)
	sender, _ := NewChannel(key, 1)
	receiver, _ := NewChannel(key, 1)

	f := mkFrame(a)
	if err := sender.Seal(f, []byte("once")); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := receiver.Open(f); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := receiver.Open(f); err != ErrReplay {
		t.Fatalf("expected ErrReplay on second delivery of the same frame, got %v", err)
	}
	if receiver.ReplayDrops() != 1 {
		t.Fatalf("expected replay_drops=1, got %d", receiver.ReplayDrops())
	}
}

func TestEpochMismatchRejected(t *testing.T) {
	var a, b [32]byte
	a[0], b[0] = 1, 2
	key := DeriveKey(a, b, nil, 1)
	sender, _ := NewChannel(key, 1)
	receiver, _ := NewChannel(key, 2)

	f := mkFrame(a)
	if err := sender.Seal(f, []byte("x")); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := receiver.Open(f); err != ErrEpochMismatch {
		t.Fatalf("expected ErrEpochMismatch, got %v", err)
	}
}

func TestDeriveKeyOrderIndependent(t *testing.T) {
	var a, b [32]byte
	a[0], b[0] = 1, 2
	k1 := DeriveKey(a, b, []byte("psk"), 7)
	k2 := DeriveKey(b, a, []byte("psk"), 7)
	if k1 != k2 {
		t.Fatalf("DeriveKey must be symmetric in (pubA, pubB) ordering")
	}
}

func TestNegotiateModeRefusesPlaintextInProduction(t *testing.T) {
	if err := NegotiateMode(true, false, false); err != ErrPlaintextRefused {
		t.Fatalf("expected refusal when remote doesn't want AEAD, got %v", err)
	}
	if err := NegotiateMode(true, true, false); err != nil {
		t.Fatalf("expected success when both sides want AEAD, got %v", err)
	}
	if err := NegotiateMode(false, false, true); err != nil {
		t.Fatalf("expected dev-mode plaintext to be allowed when flagged, got %v", err)
	}
}

func TestSequenceAdvancesMonotonically(t *testing.T) {
	var a, b [32]byte
	a[0], b[0] = 1, 2
	key := DeriveKey(a, b, nil, 1)
	sender, _ := NewChannel(key, 1)

	f1 := mkFrame(a)
	f2 := mkFrame(a)
	if err := sender.Seal(f1, []byte("m1")); err != nil {
		t.Fatalf("Seal f1: %v", err)
	}
	if err := sender.Seal(f2, []byte("m2")); err != nil {
		t.Fatalf("Seal f2: %v", err)
	}
	if f2.Seq <= f1.Seq {
		t.Fatalf("expected strictly increasing seq, got f1=%d f2=%d", f1.Seq, f2.Seq)
	}
}

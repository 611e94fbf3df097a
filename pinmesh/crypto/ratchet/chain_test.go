package ratchet

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestChainRoundTrip(t *testing.T) {
	sender, err := NewChain(testKey())
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	receiver, err := NewReceiver(testKey(), 0)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}

	messages := [][]byte{
		[]byte("message 0"),
		[]byte("message 1"),
		[]byte("message 2"),
	}
	for i, m := range messages {
		sealed, err := sender.Seal(m, []byte("ad"))
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		pt, err := receiver.Open(sealed, []byte("ad"))
		if err != nil {
			t.Fatalf("Open %d: %v", i, err)
		}
		if !bytes.Equal(pt, m) {
			t.Fatalf("message %d mismatch", i)
		}
	}
	if sender.Generation() != 3 {
		t.Fatalf("generation %d, want 3", sender.Generation())
	}
}

func TestChainOutOfOrder(t *testing.T) {
	sender, _ := NewChain(testKey())
	receiver, _ := NewReceiver(testKey(), 10)

	m0, _ := sender.Seal([]byte("m0"), nil)
	m1, _ := sender.Seal([]byte("m1"), nil)
	m2, _ := sender.Seal([]byte("m2"), nil)

	for _, c := range []struct {
		msg  []byte
		want string
	}{{m2, "m2"}, {m0, "m0"}, {m1, "m1"}} {
		pt, err := receiver.Open(c.msg, nil)
		if err != nil {
			t.Fatalf("Open %s: %v", c.want, err)
		}
		if string(pt) != c.want {
			t.Fatalf("got %q, want %q", pt, c.want)
		}
	}

	if _, err := receiver.Open(m1, nil); err != ErrInvalidGeneration {
		t.Fatalf("replay accepted: %v", err)
	}
}

func TestReceiverMaxSkip(t *testing.T) {
	sender, _ := NewChain(testKey())
	receiver, _ := NewReceiver(testKey(), 0)

	_, _ = sender.Seal([]byte("lost"), nil)
	m1, _ := sender.Seal([]byte("m1"), nil)
	if _, err := receiver.Open(m1, nil); err != ErrInvalidGeneration {
		t.Fatalf("expected ErrInvalidGeneration, got %v", err)
	}
}

func TestReceiverTamperLeavesStateIntact(t *testing.T) {
	sender, _ := NewChain(testKey())
	receiver, _ := NewReceiver(testKey(), 0)

	m0, _ := sender.Seal([]byte("m0"), nil)
	bad := append([]byte(nil), m0...)
	bad[len(bad)-1] ^= 0x01
	if _, err := receiver.Open(bad, nil); err != ErrOpenFailed {
		t.Fatalf("expected ErrOpenFailed, got %v", err)
	}
	pt, err := receiver.Open(m0, nil)
	if err != nil || string(pt) != "m0" {
		t.Fatalf("genuine message rejected after tamper: %v", err)
	}
}

func TestShortMessage(t *testing.T) {
	receiver, _ := NewReceiver(testKey(), 0)
	if _, err := receiver.Open(make([]byte, Overhead-1), nil); err != ErrMessageTooShort {
		t.Fatalf("expected ErrMessageTooShort, got %v", err)
	}
}

func TestWipe(t *testing.T) {
	sender, _ := NewChain(testKey())
	receiver, _ := NewReceiver(testKey(), 0)
	m0, _ := sender.Seal([]byte("m0"), nil)

	sender.Wipe()
	receiver.Wipe()
	if _, err := sender.Seal([]byte("x"), nil); err != ErrWiped {
		t.Fatalf("expected ErrWiped, got %v", err)
	}
	if _, err := receiver.Open(m0, nil); err != ErrWiped {
		t.Fatalf("expected ErrWiped, got %v", err)
	}
}

func TestBadKeyLength(t *testing.T) {
	if _, err := NewChain(make([]byte, 16)); err == nil {
		t.Fatalf("expected error for short key")
	}
	if _, err := NewReceiver(make([]byte, 16), 0); err == nil {
		t.Fatalf("expected error for short key")
	}
}

package protocol

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/pinmesh/pinmesh/identity"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf, 0)
	r := NewFrameReader(&buf, 0)

	for _, p := range [][]byte{[]byte("ok"), bytes.Repeat([]byte{1}, 4096)} {
		if err := w.WriteFrame(p); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	for _, want := range [][]byte{[]byte("ok"), bytes.Repeat([]byte{1}, 4096)} {
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("payload mismatch")
		}
	}
	if _, err := r.ReadFrame(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestFrameBounds(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf, 8)
	if err := w.WriteFrame(make([]byte, 9)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if err := w.WriteFrame(nil); !errors.Is(err, ErrFrameTooSmall) {
		t.Fatalf("expected ErrFrameTooSmall, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("rejected frames must not be written")
	}

	big := NewFrameWriter(&buf, 64)
	if err := big.WriteFrame(make([]byte, 32)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	small := NewFrameReader(&buf, 16)
	if _, err := small.ReadFrame(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	_ = NewFrameWriter(&buf, 0).WriteFrame([]byte("hello"))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-1])
	if _, err := NewFrameReader(truncated, 0).ReadFrame(); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestMessageTypes(t *testing.T) {
	payload, err := Encode(MessageTypePing, &Ping{Seq: 7, SentAt: 42})
	require.NoError(t, err)

	var ping Ping
	require.NoError(t, DecodeAs(payload, MessageTypePing, &ping))
	assert.Equal(t, uint64(7), ping.Seq)

	var pong Pong
	assert.ErrorIs(t, DecodeAs(payload, MessageTypePong, &pong), ErrUnexpectedType)

	_, _, err = Decode([]byte{0})
	assert.ErrorIs(t, err, ErrMalformedMessage)
	_, err = Encode(0, &Ping{})
	assert.ErrorIs(t, err, ErrInvalidType)
}

func newHello(t *testing.T, id *identity.Identity) *Hello {
	t.Helper()
	agreement := id.AgreementPublicKey()
	return &Hello{
		Version:      HelloVersion,
		Chain:        [][]byte{bytes.Repeat([]byte{0xAA}, 177)},
		Ephemeral:    bytes.Repeat([]byte{0x01}, 32),
		Agreement:    agreement[:],
		Capabilities: map[string]string{"services": "echo", "max_frame": "1048576"},
	}
}

func TestHelloSignVerify(t *testing.T) {
	id, err := identity.CreateIdentity()
	require.NoError(t, err)
	exporter := []byte("exported keying material")

	h := newHello(t, id)
	require.NoError(t, h.Sign(id, RoleInitiator, exporter))

	payload, err := EncodeHello(h)
	require.NoError(t, err)
	got, err := DecodeHello(payload)
	require.NoError(t, err)
	require.NoError(t, got.Verify(id.SigningPublicKey(), RoleInitiator, exporter))

	assert.ErrorIs(t, got.Verify(id.SigningPublicKey(), RoleResponder, exporter), ErrHelloBadSignature)
	assert.ErrorIs(t, got.Verify(id.SigningPublicKey(), RoleInitiator, []byte("other connection")), ErrHelloBadSignature)

	other, _ := identity.CreateIdentity()
	assert.ErrorIs(t, got.Verify(other.SigningPublicKey(), RoleInitiator, exporter), ErrHelloBadSignature)

	got.Capabilities["services"] = "echo,admin"
	assert.ErrorIs(t, got.Verify(id.SigningPublicKey(), RoleInitiator, exporter), ErrHelloBadSignature)
}

func TestHelloRejectsMissingKeys(t *testing.T) {
	id, err := identity.CreateIdentity()
	require.NoError(t, err)
	h := newHello(t, id)
	h.Ephemeral = nil
	assert.ErrorIs(t, h.Sign(id, RoleResponder, nil), ErrHelloMissingKey)

	h = newHello(t, id)
	h.Version = 9
	assert.ErrorIs(t, h.Verify(ed25519.PublicKey(make([]byte, 32)), RoleResponder, nil), ErrHelloVersion)
}

package envelope

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheusHen/pinmesh/pinmesh/identity"
)

func identities(t *testing.T, n int) []*identity.Identity {
	t.Helper()
	out := make([]*identity.Identity, n)
	for i := range out {
		id, err := identity.CreateIdentity()
		require.NoError(t, err)
		out[i] = id
	}
	return out
}

func TestEncryptDecryptAllRecipients(t *testing.T) {
	ids := identities(t, 4)
	sender, recipients := ids[0], ids[1:]
	var rs []Recipient
	for _, r := range recipients {
		rs = append(rs, RecipientOf(r))
	}

	msg := []byte("meet at the usual place")
	env, err := Encrypt(sender, rs, msg)
	require.NoError(t, err)
	require.Len(t, env.Entries, len(rs))

	wire := env.Marshal()
	for _, r := range recipients {
		pt, err := Decrypt(r, env)
		require.NoError(t, err)
		assert.Equal(t, msg, pt)

		pt, err = DecryptBytes(r, wire)
		require.NoError(t, err)
		assert.Equal(t, msg, pt)
	}
}

func TestNonRecipientFails(t *testing.T) {
	ids := identities(t, 3)
	env, err := Encrypt(ids[0], []Recipient{RecipientOf(ids[1])}, []byte("secret"))
	require.NoError(t, err)

	pt, err := Decrypt(ids[2], env)
	assert.ErrorIs(t, err, ErrDecryptionFailure)
	assert.Nil(t, pt)

	// The sender is not a recipient of its own envelope either.
	pt, err = Decrypt(ids[0], env)
	assert.ErrorIs(t, err, ErrDecryptionFailure)
	assert.Nil(t, pt)
}

func TestStolenEntryFails(t *testing.T) {
	ids := identities(t, 3)
	env, err := Encrypt(ids[0], []Recipient{RecipientOf(ids[1])}, []byte("secret"))
	require.NoError(t, err)

	// Relabel the entry for another node: its agreement differs, so unwrap fails.
	env.Entries[0].NodeID = ids[2].NodeID()
	pt, err := Decrypt(ids[2], env)
	assert.ErrorIs(t, err, ErrDecryptionFailure)
	assert.Nil(t, pt)
}

func TestTamperedEnvelopeFails(t *testing.T) {
	ids := identities(t, 2)
	env, err := Encrypt(ids[0], []Recipient{RecipientOf(ids[1])}, []byte("integrity matters"))
	require.NoError(t, err)
	wire := env.Marshal()

	for i := range wire {
		bad := append([]byte(nil), wire...)
		bad[i] ^= 0x01
		pt, err := DecryptBytes(ids[1], bad)
		require.ErrorIs(t, err, ErrDecryptionFailure, "byte %d", i)
		require.Nil(t, pt)
	}

	pt, err := DecryptBytes(ids[1], wire[:len(wire)-1])
	assert.ErrorIs(t, err, ErrDecryptionFailure)
	assert.Nil(t, pt)
}

func TestCompression(t *testing.T) {
	ids := identities(t, 2)
	msg := bytes.Repeat([]byte("compressible payload "), 500)

	plain, err := Encrypt(ids[0], []Recipient{RecipientOf(ids[1])}, msg)
	require.NoError(t, err)
	packed, err := Encrypt(ids[0], []Recipient{RecipientOf(ids[1])}, msg, WithCompression(CompressionBest))
	require.NoError(t, err)
	assert.Less(t, len(packed.Ciphertext), len(plain.Ciphertext))

	pt, err := Decrypt(ids[1], packed)
	require.NoError(t, err)
	assert.Equal(t, msg, pt)
}

func TestEncryptValidation(t *testing.T) {
	ids := identities(t, 1)
	_, err := Encrypt(ids[0], nil, []byte("x"))
	assert.ErrorIs(t, err, ErrNoRecipients)

	_, err = Unmarshal([]byte("short"))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestEmptyPlaintext(t *testing.T) {
	ids := identities(t, 2)
	env, err := Encrypt(ids[0], []Recipient{RecipientOf(ids[1])}, nil)
	require.NoError(t, err)
	pt, err := DecryptBytes(ids[1], env.Marshal())
	require.NoError(t, err)
	assert.Empty(t, pt)
}

func BenchmarkEncrypt(b *testing.B) {
	sender, _ := identity.CreateIdentity()
	recipient, _ := identity.CreateIdentity()
	rs := []Recipient{RecipientOf(recipient)}
	msg := make([]byte, 4096)
	b.SetBytes(int64(len(msg)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Encrypt(sender, rs, msg)
	}
}

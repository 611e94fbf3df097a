package keystore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Cheap parameters keep the argon2id tests fast.
var testParams = KDFParams{Time: 1, MemoryKB: 1024, Threads: 1}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	f, err := NewFile(t.TempDir(), "correct horse", WithKDFParams(testParams))
	require.NoError(t, err)
	return map[string]Store{"memory": NewMemory(), "file": f}
}

func TestStoreLoadDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(ctx, "node")
			assert.ErrorIs(t, err, ErrNotFound)

			secret := []byte("0123456789abcdef0123456789abcdef")
			require.NoError(t, s.Store(ctx, "node", secret))
			got, err := s.Load(ctx, "node")
			require.NoError(t, err)
			assert.Equal(t, secret, got)

			require.NoError(t, s.Delete(ctx, "node"))
			_, err = s.Load(ctx, "node")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.NoError(t, s.Delete(ctx, "node"))

			assert.ErrorIs(t, s.Store(ctx, "../escape", secret), ErrInvalidName)
		})
	}
}

func TestIdentityPersistence(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			id, created, err := LoadOrCreateIdentity(ctx, s, "node")
			require.NoError(t, err)
			assert.True(t, created)

			again, created, err := LoadOrCreateIdentity(ctx, s, "node")
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, id.NodeID(), again.NodeID(), "NodeID survives a restart")
		})
	}
}

func TestFileWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, err := NewFile(dir, "right", WithKDFParams(testParams))
	require.NoError(t, err)
	require.NoError(t, f.Store(ctx, "node", make([]byte, 32)))

	wrong, err := NewFile(dir, "wrong", WithKDFParams(testParams))
	require.NoError(t, err)
	_, err = wrong.Load(ctx, "node")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestFileTampered(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, err := NewFile(dir, "pass", WithKDFParams(testParams))
	require.NoError(t, err)
	require.NoError(t, f.Store(ctx, "node", make([]byte, 32)))

	path := filepath.Join(dir, "node.key")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0x01
	require.NoError(t, os.WriteFile(path, data, 0o600))
	_, err = f.Load(ctx, "node")
	assert.ErrorIs(t, err, ErrAuthFailed)

	require.NoError(t, os.WriteFile(path, []byte("plaintext"), 0o600))
	_, err = f.Load(ctx, "node")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestFileBoundToName(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, err := NewFile(dir, "pass", WithKDFParams(testParams))
	require.NoError(t, err)
	require.NoError(t, f.Store(ctx, "a", make([]byte, 32)))
	require.NoError(t, os.Rename(filepath.Join(dir, "a.key"), filepath.Join(dir, "b.key")))

	_, err = f.Load(ctx, "b")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestFileRejectsExcessiveKDFCost(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f, err := NewFile(dir, "pass", WithKDFParams(testParams))
	require.NoError(t, err)
	require.NoError(t, f.Store(ctx, "node", make([]byte, 32)))

	path := filepath.Join(dir, "node.key")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var sf sealedFile
	require.NoError(t, cbor.Unmarshal(data[len(fileMagic):], &sf))

	for name, p := range map[string]KDFParams{
		"memory":  {Time: 1, MemoryKB: 1 << 30, Threads: 1},
		"time":    {Time: 1 << 20, MemoryKB: 1024, Threads: 1},
		"threads": {Time: 1, MemoryKB: 1024, Threads: 0},
	} {
		t.Run(name, func(t *testing.T) {
			sf.Params = p
			raw, err := cbor.Marshal(sf)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, append([]byte(fileMagic), raw...), 0o600))

			_, err = f.Load(ctx, "node")
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	_, err = NewFile(dir, "pass", WithKDFParams(KDFParams{Time: 1, MemoryKB: 1 << 30, Threads: 1}))
	assert.ErrorIs(t, err, ErrInvalid)
}

package keystore

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	pmcrypto "github.com/TheusHen/pinmesh/pinmesh/crypto"
)

const (
	fileVersion = 1
	fileMagic   = "PMKEY1\n"
	fileSuffix  = ".key"
	saltSize    = 16
	kdfArgon2id = "argon2id"

	// Upper bounds on argon2id costs. Load refuses files asking for more, so a
	// planted file cannot make a start stall or exhaust memory.
	maxKDFTime     = 16
	maxKDFMemoryKB = 1 << 20
	maxKDFThreads  = 16
)

// KDFParams are the argon2id cost parameters written with every file.
type KDFParams struct {
	Time     uint32
	MemoryKB uint32
	Threads  uint8
}

func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 2, MemoryKB: 64 * 1024, Threads: 1}
}

func (p KDFParams) validate() error {
	switch {
	case p.Time == 0 || p.Time > maxKDFTime:
		return fmt.Errorf("%w: argon2id time %d", ErrInvalid, p.Time)
	case p.Threads == 0 || p.Threads > maxKDFThreads:
		return fmt.Errorf("%w: argon2id threads %d", ErrInvalid, p.Threads)
	case p.MemoryKB < 8*uint32(p.Threads) || p.MemoryKB > maxKDFMemoryKB:
		return fmt.Errorf("%w: argon2id memory %d KiB", ErrInvalid, p.MemoryKB)
	}
	return nil
}

type sealedFile struct {
	Version    uint32    `cbor:"1,keyasint"`
	KDF        string    `cbor:"2,keyasint"`
	Params     KDFParams `cbor:"3,keyasint"`
	Salt       []byte    `cbor:"4,keyasint"`
	Nonce      []byte    `cbor:"5,keyasint"`
	Ciphertext []byte    `cbor:"6,keyasint"`
}

// File stores each secret in <dir>/<name>.key, sealed with
// XChaCha20-Poly1305 under an argon2id key derived from a passphrase.
type File struct {
	dir        string
	passphrase []byte
	params     KDFParams
}

var _ Store = (*File)(nil)

type FileOption func(*File)

func WithKDFParams(p KDFParams) FileOption {
	return func(f *File) { f.params = p }
}

func NewFile(dir, passphrase string, opts ...FileOption) (*File, error) {
	if dir == "" || passphrase == "" {
		return nil, errors.New("keystore: directory and passphrase are required")
	}
	f := &File{dir: dir, passphrase: []byte(passphrase), params: DefaultKDFParams()}
	for _, o := range opts {
		o(f)
	}
	if err := f.params.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) path(name string) string {
	return filepath.Join(f.dir, name+fileSuffix)
}

func (f *File) deriveKey(salt []byte, p KDFParams) []byte {
	return argon2.IDKey(f.passphrase, salt, p.Time, p.MemoryKB, p.Threads, chacha20poly1305.KeySize)
}

func (f *File) Store(_ context.Context, name string, secret []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	key := f.deriveKey(salt, f.params)
	defer pmcrypto.Zero(key)
	ct, err := pmcrypto.SealX(key, nonce, secret, []byte(name))
	if err != nil {
		return err
	}

	raw, err := cbor.Marshal(sealedFile{
		Version:    fileVersion,
		KDF:        kdfArgon2id,
		Params:     f.params,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: ct,
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, "."+name+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append([]byte(fileMagic), raw...)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path(name))
}

func (f *File) Load(_ context.Context, name string) ([]byte, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(data, []byte(fileMagic)) {
		return nil, ErrInvalid
	}
	var sf sealedFile
	if err := cbor.Unmarshal(data[len(fileMagic):], &sf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if sf.Version != fileVersion || sf.KDF != kdfArgon2id || len(sf.Salt) != saltSize {
		return nil, ErrInvalid
	}
	if err := sf.Params.validate(); err != nil {
		return nil, err
	}
	key := f.deriveKey(sf.Salt, sf.Params)
	defer pmcrypto.Zero(key)
	secret, err := pmcrypto.OpenX(key, sf.Nonce, sf.Ciphertext, []byte(name))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return secret, nil
}

func (f *File) Delete(_ context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	err := os.Remove(f.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

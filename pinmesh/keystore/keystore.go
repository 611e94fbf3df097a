// Package keystore persists node root secrets. Platform key stores plug in
// through Store; Memory and File cover tests, demos and headless nodes.
package keystore

import (
	"context"
	"errors"
	"regexp"

	pmcrypto "github.com/TheusHen/pinmesh/pinmesh/crypto"
	"github.com/TheusHen/pinmesh/pinmesh/identity"
)

var (
	ErrNotFound    = errors.New("keystore: secret not found")
	ErrAuthFailed  = errors.New("keystore: authentication failed")
	ErrInvalid     = errors.New("keystore: stored secret is invalid")
	ErrInvalidName = errors.New("keystore: invalid secret name")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// Store loads and stores named secrets.
type Store interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Store(ctx context.Context, name string, secret []byte) error
	Delete(ctx context.Context, name string) error
}

func validName(name string) error {
	if !namePattern.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

// SaveIdentity writes the root secret of id under name.
func SaveIdentity(ctx context.Context, s Store, name string, id *identity.Identity) error {
	return id.UseSecret(func(secret []byte) error {
		return s.Store(ctx, name, secret)
	})
}

// LoadIdentity rebuilds the identity stored under name.
func LoadIdentity(ctx context.Context, s Store, name string, opts ...identity.Option) (*identity.Identity, error) {
	secret, err := s.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	defer pmcrypto.Zero(secret)
	return identity.FromSeed(secret, opts...)
}

// LoadOrCreateIdentity loads name, creating and storing a fresh identity when
// nothing is stored yet.
func LoadOrCreateIdentity(ctx context.Context, s Store, name string, opts ...identity.Option) (*identity.Identity, bool, error) {
	id, err := LoadIdentity(ctx, s, name, opts...)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	id, err = identity.CreateIdentity(opts...)
	if err != nil {
		return nil, false, err
	}
	if err := SaveIdentity(ctx, s, name, id); err != nil {
		id.Release()
		return nil, false, err
	}
	return id, true, nil
}

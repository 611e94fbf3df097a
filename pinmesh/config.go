package pinmesh

import (
	"context"
	"fmt"

	"github.com/TheusHen/pinmesh/pinmesh/config"
	"github.com/TheusHen/pinmesh/pinmesh/identity"
	"github.com/TheusHen/pinmesh/pinmesh/keystore"
)

// NewNodeFromConfig loads the identity named in cfg from store, creating and
// storing a fresh one on first start, and builds a node from cfg. The node
// owns the identity and releases it on Close. opts apply after cfg.
func NewNodeFromConfig(ctx context.Context, cfg *config.Config, store keystore.Store, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scheme, err := cfg.Identity.Scheme.Scheme()
	if err != nil {
		return nil, err
	}
	id, created, err := keystore.LoadOrCreateIdentity(ctx, store, cfg.Identity.Name, identity.WithScheme(scheme))
	if err != nil {
		return nil, fmt.Errorf("identity %q: %w", cfg.Identity.Name, err)
	}

	ts, err := cfg.TrustStore()
	if err != nil {
		id.Release()
		return nil, err
	}
	v, err := cfg.Verifier()
	if err != nil {
		id.Release()
		return nil, err
	}

	base := []Option{
		WithSessionConfig(cfg.SessionConfig(ts, v)),
		WithRetry(cfg.RetryConfig()),
		WithQUICConfig(cfg.TransportConfig()),
		WithCertificateValidity(cfg.Certificate.Validity),
		WithRateLimit(cfg.RateLimit.HandshakesPerSecond, cfg.RateLimit.Burst),
	}
	n, err := NewNode(id, append(base, opts...)...)
	if err != nil {
		id.Release()
		return nil, err
	}
	n.ownsID = true
	n.log.Info("identity ready", "created", created, "scheme", scheme.Signing.String())
	return n, nil
}

// OpenKeyStore returns the key store described by cfg: a passphrase-sealed
// directory when identity.keystore_dir is set, memory otherwise.
func OpenKeyStore(cfg *config.Config, passphrase string) (keystore.Store, error) {
	if cfg.Identity.KeyStoreDir == "" {
		return keystore.NewMemory(), nil
	}
	return keystore.NewFile(cfg.Identity.KeyStoreDir, passphrase)
}

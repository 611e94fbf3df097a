// Package config loads node configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TheusHen/pinmesh/pinmesh/certauth"
	"github.com/TheusHen/pinmesh/pinmesh/identity"
	"github.com/TheusHen/pinmesh/pinmesh/protocol"
	"github.com/TheusHen/pinmesh/pinmesh/registry"
	"github.com/TheusHen/pinmesh/pinmesh/session"
	"github.com/TheusHen/pinmesh/pinmesh/transport/quic"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	Listen      string            `yaml:"listen"`
	Identity    IdentityConfig    `yaml:"identity"`
	Certificate CertificateConfig `yaml:"certificate"`
	Handshake   HandshakeConfig   `yaml:"handshake"`
	KeepAlive   KeepAliveConfig   `yaml:"keepalive"`
	Frames      FrameConfig       `yaml:"frames"`
	QUIC        QUICConfig        `yaml:"quic"`
	Dial        DialConfig        `yaml:"dial"`
	Trust       TrustConfig       `yaml:"trust"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	// Capabilities are advertised in the HELLO.
	Capabilities map[string]string `yaml:"capabilities,omitempty"`
}

type IdentityConfig struct {
	// KeyStoreDir holds the passphrase-sealed root secret. Empty keeps the
	// identity in memory only.
	KeyStoreDir string       `yaml:"keystore_dir,omitempty"`
	Name        string       `yaml:"name"`
	Scheme      SchemeConfig `yaml:"scheme"`
}

type SchemeConfig struct {
	Signing   string `yaml:"signing"`
	Agreement string `yaml:"agreement"`
	Service   string `yaml:"service"`
}

type CertificateConfig struct {
	Validity time.Duration `yaml:"validity"`
}

type HandshakeConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type KeepAliveConfig struct {
	Disabled       bool          `yaml:"disabled,omitempty"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	MaxMissedPongs int           `yaml:"max_missed_pongs"`
}

type FrameConfig struct {
	MaxSize int `yaml:"max_size"`
}

// QUICConfig tunes the transport. Zero values keep quic-go defaults.
type QUICConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout,omitempty"`
	MaxStreams    int64         `yaml:"max_streams,omitempty"`
	MaxUniStreams int64         `yaml:"max_uni_streams,omitempty"`
}

type DialConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

type TrustConfig struct {
	AllowUnknown  bool        `yaml:"allow_unknown"`
	MaxChainDepth int         `yaml:"max_chain_depth"`
	CacheSize     int         `yaml:"cache_size"`
	Pins          []PinConfig `yaml:"pins,omitempty"`
	// Expect lists NodeIDs trusted on first use.
	Expect []string `yaml:"expect,omitempty"`
}

// PinConfig pins a NodeID to a hex Ed25519 public key.
type PinConfig struct {
	NodeID    string `yaml:"node_id"`
	PublicKey string `yaml:"public_key"`
}

type RateLimitConfig struct {
	HandshakesPerSecond float64 `yaml:"handshakes_per_second"`
	Burst               int     `yaml:"burst"`
}

func Default() *Config {
	ka := session.DefaultKeepAliveConfig()
	retry := registry.DefaultRetryConfig()
	return &Config{
		Listen: "0.0.0.0:4433",
		Identity: IdentityConfig{
			Name:   "node",
			Scheme: SchemeConfig{Signing: "m/0", Agreement: "m/1", Service: "m/2"},
		},
		Certificate: CertificateConfig{Validity: certauth.DefaultValidity},
		Handshake:   HandshakeConfig{Timeout: session.DefaultHandshakeTimeout},
		KeepAlive: KeepAliveConfig{
			PingInterval:   ka.PingInterval,
			PongTimeout:    ka.PongTimeout,
			MaxMissedPongs: ka.MaxMissedPongs,
		},
		Frames: FrameConfig{MaxSize: protocol.DefaultMaxFrameSize},
		Dial: DialConfig{
			MaxAttempts: retry.MaxAttempts,
			BaseDelay:   retry.BaseDelay,
			MaxDelay:    retry.MaxDelay,
			Jitter:      retry.Jitter,
		},
		Trust: TrustConfig{
			MaxChainDepth: certauth.MaxChainDepth,
			CacheSize:     certauth.DefaultCacheSize,
		},
		RateLimit: RateLimitConfig{HandshakesPerSecond: 20, Burst: 40},
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if _, err := c.Identity.Scheme.Scheme(); err != nil {
		return invalid("identity.scheme: %v", err)
	}
	if c.Certificate.Validity <= 0 {
		return invalid("certificate.validity must be positive")
	}
	if c.Handshake.Timeout <= 0 {
		return invalid("handshake.timeout must be positive")
	}
	if !c.KeepAlive.Disabled {
		if c.KeepAlive.PingInterval <= 0 || c.KeepAlive.PongTimeout <= 0 || c.KeepAlive.MaxMissedPongs <= 0 {
			return invalid("keepalive values must be positive")
		}
		if c.KeepAlive.PongTimeout > c.KeepAlive.PingInterval {
			return invalid("keepalive.pong_timeout exceeds ping_interval")
		}
	}
	if c.Frames.MaxSize < protocol.MinFrameSize || c.Frames.MaxSize > 16<<20 {
		return invalid("frames.max_size out of range: %d", c.Frames.MaxSize)
	}
	if c.QUIC.IdleTimeout < 0 || c.QUIC.MaxStreams < 0 || c.QUIC.MaxUniStreams < 0 {
		return invalid("quic values must not be negative")
	}
	if c.QUIC.IdleTimeout > 0 && !c.KeepAlive.Disabled && c.QUIC.IdleTimeout <= c.KeepAlive.PingInterval {
		return invalid("quic.idle_timeout must exceed keepalive.ping_interval")
	}
	if c.Dial.MaxAttempts < 1 {
		return invalid("dial.max_attempts must be at least 1")
	}
	if c.Dial.Jitter < 0 || c.Dial.Jitter > 1 {
		return invalid("dial.jitter must be within [0,1]")
	}
	if c.Trust.MaxChainDepth < 1 {
		return invalid("trust.max_chain_depth must be at least 1")
	}
	for i, p := range c.Trust.Pins {
		if _, _, err := p.Parse(); err != nil {
			return invalid("trust.pins[%d]: %v", i, err)
		}
	}
	for i, s := range c.Trust.Expect {
		if _, err := identity.ParseNodeID(s); err != nil {
			return invalid("trust.expect[%d]: %v", i, err)
		}
	}
	if c.RateLimit.HandshakesPerSecond < 0 || c.RateLimit.Burst < 0 {
		return invalid("rate_limit values must not be negative")
	}
	return nil
}

// Scheme converts the configured paths.
func (s SchemeConfig) Scheme() (identity.Scheme, error) {
	var (
		out identity.Scheme
		err error
	)
	if out.Signing, err = identity.ParsePath(s.Signing); err != nil {
		return out, err
	}
	if out.Agreement, err = identity.ParsePath(s.Agreement); err != nil {
		return out, err
	}
	if out.Service, err = identity.ParsePath(s.Service); err != nil {
		return out, err
	}
	return out, out.Validate()
}

// SessionConfig builds the handshake and session settings. ts and v are
// owned by the caller.
func (c *Config) SessionConfig(ts *certauth.TrustStore, v *certauth.Verifier) session.Config {
	return session.Config{
		HandshakeTimeout: c.Handshake.Timeout,
		MaxFrameSize:     c.Frames.MaxSize,
		KeepAlive: session.KeepAliveConfig{
			Disabled:       c.KeepAlive.Disabled,
			PingInterval:   c.KeepAlive.PingInterval,
			PongTimeout:    c.KeepAlive.PongTimeout,
			MaxMissedPongs: c.KeepAlive.MaxMissedPongs,
		},
		Capabilities: c.Capabilities,
		TrustStore:   ts,
		Verifier:     v,
	}
}

// TransportConfig maps the quic section. The handshake idle timeout follows
// handshake.timeout so QUIC never gives up before the node handshake does.
func (c *Config) TransportConfig() quic.Config {
	return quic.Config{
		HandshakeIdleTimeout:  c.Handshake.Timeout,
		MaxIdleTimeout:        c.QUIC.IdleTimeout,
		MaxIncomingStreams:    c.QUIC.MaxStreams,
		MaxIncomingUniStreams: c.QUIC.MaxUniStreams,
	}
}

func (c *Config) RetryConfig() registry.RetryConfig {
	return registry.RetryConfig{
		MaxAttempts: c.Dial.MaxAttempts,
		BaseDelay:   c.Dial.BaseDelay,
		MaxDelay:    c.Dial.MaxDelay,
		Jitter:      c.Dial.Jitter,
	}
}

// TrustStore builds a trust store holding the configured pins.
func (c *Config) TrustStore() (*certauth.TrustStore, error) {
	ts := certauth.NewTrustStore(certauth.WithAllowUnknown(c.Trust.AllowUnknown))
	for _, p := range c.Trust.Pins {
		id, pub, err := p.Parse()
		if err != nil {
			return nil, err
		}
		if err := ts.Pin(id, pub); err != nil {
			return nil, fmt.Errorf("pin %s: %w", p.NodeID, err)
		}
	}
	for _, s := range c.Trust.Expect {
		id, err := identity.ParseNodeID(s)
		if err != nil {
			return nil, err
		}
		ts.Expect(id)
	}
	return ts, nil
}

func (c *Config) Verifier() (*certauth.Verifier, error) {
	return certauth.NewVerifier(
		certauth.WithMaxDepth(c.Trust.MaxChainDepth),
		certauth.WithCacheSize(c.Trust.CacheSize),
	)
}

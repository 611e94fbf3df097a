package identity

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	pmcrypto "github.com/TheusHen/pinmesh/pinmesh/crypto"
)

var ErrInvalidPath = errors.New("identity: invalid derivation path")

const (
	// MaxPathDepth bounds the number of segments in a derivation path.
	MaxPathDepth = 8

	hardenedOffset = 1 << 31
	masterKeyLabel = "pinmesh seed"
)

// Path is a parsed derivation path. Every segment is hardened.
type Path []uint32

// ParsePath parses "m/<i>/<j>/...". A trailing ' or h on a segment is
// accepted and ignored since all segments are hardened.
func ParsePath(s string) (Path, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) < 2 || parts[0] != "m" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, s)
	}
	if len(parts)-1 > MaxPathDepth {
		return nil, fmt.Errorf("%w: %q deeper than %d", ErrInvalidPath, s, MaxPathDepth)
	}
	p := make(Path, 0, len(parts)-1)
	for _, seg := range parts[1:] {
		seg = strings.TrimRight(seg, "'h")
		n, err := strconv.ParseUint(seg, 10, 32)
		if err != nil || n >= hardenedOffset {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, s)
		}
		p = append(p, uint32(n))
	}
	return p, nil
}

func (p Path) String() string {
	var b strings.Builder
	b.WriteString("m")
	for _, seg := range p {
		b.WriteByte('/')
		b.WriteString(strconv.FormatUint(uint64(seg), 10))
	}
	return b.String()
}

// Equal reports whether p and o address the same key.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// Scheme maps purpose aliases to derivation paths.
type Scheme struct {
	Signing   Path
	Agreement Path
	// Service is the prefix under which "service:<n>" keys live.
	Service Path
}

// DefaultScheme returns signing=m/0, agreement=m/1, service:<n>=m/2/<n>.
func DefaultScheme() Scheme {
	return Scheme{
		Signing:   Path{0},
		Agreement: Path{1},
		Service:   Path{2},
	}
}

// Validate checks that the scheme's paths are usable and distinct.
func (s Scheme) Validate() error {
	if len(s.Signing) == 0 || len(s.Agreement) == 0 || len(s.Service) == 0 {
		return fmt.Errorf("%w: scheme has an empty path", ErrInvalidPath)
	}
	if len(s.Signing) > MaxPathDepth || len(s.Agreement) > MaxPathDepth || len(s.Service) >= MaxPathDepth {
		return fmt.Errorf("%w: scheme path too deep", ErrInvalidPath)
	}
	if s.Signing.Equal(s.Agreement) {
		return fmt.Errorf("%w: signing and agreement paths coincide", ErrInvalidPath)
	}
	// Service keys live at Service/<n>; that subtree must not reach the node keys.
	for _, node := range []Path{s.Signing, s.Agreement} {
		if s.Service.hasPrefix(node) || node.hasPrefix(s.Service) {
			return fmt.Errorf("%w: service prefix %s overlaps %s", ErrInvalidPath, s.Service, node)
		}
	}
	return nil
}

func (p Path) hasPrefix(prefix Path) bool {
	return len(prefix) <= len(p) && p[:len(prefix)].Equal(prefix)
}

// Resolve turns an alias or a literal "m/..." path into a Path.
func (s Scheme) Resolve(name string) (Path, error) {
	switch {
	case name == "signing":
		return s.Signing, nil
	case name == "agreement":
		return s.Agreement, nil
	case strings.HasPrefix(name, "service:"):
		n, err := strconv.ParseUint(strings.TrimPrefix(name, "service:"), 10, 32)
		if err != nil || n >= hardenedOffset {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, name)
		}
		if len(s.Service)+1 > MaxPathDepth {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, name)
		}
		p := make(Path, len(s.Service), len(s.Service)+1)
		copy(p, s.Service)
		return append(p, uint32(n)), nil
	default:
		return ParsePath(name)
	}
}

// DeriveKey derives the 32-byte node key at path from seed. path may be an
// alias of the default scheme or a literal path. The result depends only on
// seed and path.
func DeriveKey(seed []byte, path string) ([32]byte, error) {
	p, err := DefaultScheme().Resolve(path)
	if err != nil {
		return [32]byte{}, err
	}
	return derivePath(seed, p)
}

// derivePath walks the hardened HMAC-SHA512 chain: the master node comes from
// HMAC(label, seed), each child from HMAC(chainCode, 0x00 || key || index).
func derivePath(seed []byte, p Path) ([32]byte, error) {
	var out [32]byte
	if len(seed) == 0 {
		return out, ErrInvalidSeed
	}
	if len(p) == 0 || len(p) > MaxPathDepth {
		return out, ErrInvalidPath
	}

	mac := hmac.New(sha512.New, []byte(masterKeyLabel))
	mac.Write(seed)
	node := mac.Sum(nil)
	defer pmcrypto.Zero(node)

	data := make([]byte, 1+32+4)
	defer pmcrypto.Zero(data)
	for _, seg := range p {
		copy(data[1:33], node[:32])
		binary.BigEndian.PutUint32(data[33:], seg|hardenedOffset)

		mac = hmac.New(sha512.New, node[32:])
		mac.Write(data)
		next := mac.Sum(nil)
		copy(node, next)
		pmcrypto.Zero(next)
	}
	copy(out[:], node[:32])
	return out, nil
}

package identity

import (
	"errors"
	"strings"

	"github.com/tyler-smith/go-bip39"

	pmcrypto "github.com/TheusHen/pinmesh/pinmesh/crypto"
)

var ErrInvalidMnemonic = errors.New("identity: invalid mnemonic")

// Mnemonic encodes the root secret as 24 BIP-39 words for offline backup.
func (id *Identity) Mnemonic() (string, error) {
	var words string
	err := id.secret.Use(func(secret []byte) error {
		var err error
		words, err = bip39.NewMnemonic(secret)
		return err
	})
	return words, err
}

// FromMnemonic restores an identity from words produced by Mnemonic.
func FromMnemonic(words string, opts ...Option) (*Identity, error) {
	words = strings.Join(strings.Fields(words), " ")
	if !bip39.IsMnemonicValid(words) {
		return nil, ErrInvalidMnemonic
	}
	entropy, err := bip39.EntropyFromMnemonic(words)
	if err != nil {
		return nil, ErrInvalidMnemonic
	}
	defer pmcrypto.Zero(entropy)
	if len(entropy) != SecretSize {
		return nil, ErrInvalidMnemonic
	}
	return FromSeed(entropy, opts...)
}

package keystore

import (
	"context"
	"sync"

	pmcrypto "github.com/TheusHen/pinmesh/pinmesh/crypto"
)

// Memory keeps secrets in process memory.
type Memory struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{secrets: map[string][]byte{}}
}

func (m *Memory) Load(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.secrets[name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) Store(_ context.Context, name string, secret []byte) error {
	if err := validName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.secrets[name]; ok {
		pmcrypto.Zero(old)
	}
	m.secrets[name] = append([]byte(nil), secret...)
	return nil
}

func (m *Memory) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.secrets[name]; ok {
		pmcrypto.Zero(old)
		delete(m.secrets, name)
	}
	return nil
}

package transform

import (
	"context"
	"sync"
)

// MemoryKeyProvider is a KeyProvider backed by an in-memory map, used by
// tests and as the default when no credential store supplies key
// material. Not persisted across process restarts.
type MemoryKeyProvider struct {
	mu      sync.RWMutex
	keys    map[uint32][32]byte
	current uint32
}

// NewMemoryKeyProvider builds a provider seeded with a single key at
// version 1.
func NewMemoryKeyProvider(initial [32]byte) *MemoryKeyProvider {
	return &MemoryKeyProvider{
		keys:    map[uint32][32]byte{1: initial},
		current: 1,
	}
}

func (p *MemoryKeyProvider) Key(_ context.Context, version uint32) ([32]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	key, ok := p.keys[version]
	if !ok {
		return [32]byte{}, ErrNoKey
	}
	return key, nil
}

func (p *MemoryKeyProvider) CurrentVersion(_ context.Context) (uint32, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == 0 {
		return 0, ErrNoKey
	}
	return p.current, nil
}

// Rotate installs key as the new current version, incrementing the
// version counter. Old versions remain resolvable so records already
// downloaded under them can still be re-decrypted for local reads.
func (p *MemoryKeyProvider) Rotate(key [32]byte) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current++
	p.keys[p.current] = key
	return p.current
}

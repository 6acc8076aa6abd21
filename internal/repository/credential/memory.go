package credential

import (
	"bytes"
	"context"
	"sync"
)

type memoryItem struct {
	value  []byte
	policy AccessPolicy
}

// Memory is a process-local Store.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]memoryItem)}
}

func (m *Memory) Store(ctx context.Context, key string, value []byte, policy AccessPolicy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memoryItem{value: bytes.Clone(value), policy: policy}
	return nil
}

func (m *Memory) Retrieve(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[key]
	if !ok {
		return nil, notFound(key)
	}
	return bytes.Clone(it.value), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Policy reports the access policy a key was stored with.
func (m *Memory) Policy(key string) (AccessPolicy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[key]
	return it.policy, ok
}

// Len is the number of stored credentials.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process KV used for development and tests.
type Memory struct {
	mu        sync.Mutex
	data      map[string][]byte
	available bool
}

// NewMemory creates an empty, reachable store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte), available: true}
}

// SetAvailable simulates losing or regaining the connection to the backend.
func (m *Memory) SetAvailable(ok bool) {
	m.mu.Lock()
	m.available = ok
	m.mu.Unlock()
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return nil, ErrUnavailable
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return ErrUnavailable
	}
	m.data[key] = clone(value)
	return nil
}

func (m *Memory) Transact(ctx context.Context, key string, fn TxFunc) (TxResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return TxResult{}, ErrUnavailable
	}
	cur, exists := m.data[key]
	next, commit := fn(clone(cur), exists)
	if !commit {
		return TxResult{Value: clone(cur), Exists: exists}, nil
	}
	m.data[key] = clone(next)
	return TxResult{Committed: true, Value: clone(next), Exists: true}, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return ErrUnavailable
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// Keys lists stored keys with the given prefix, sorted.
func (m *Memory) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

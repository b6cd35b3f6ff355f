// ABOUTME: In-memory Store implementation used by tests and the memory driver
// ABOUTME: Can simulate an outage so callers' degraded paths are testable

package store

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// MemoryStore is a map-backed Store. Values are copied on the way in and out.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string][]byte
	sets        map[string]map[string]struct{}
	unavailable bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]byte),
		sets:    make(map[string]map[string]struct{}),
	}
}

// SetUnavailable makes every subsequent call fail with ErrUnavailable
// until it is called again with false.
func (m *MemoryStore) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
}

func (m *MemoryStore) check(op string) error {
	if m.unavailable {
		return unavailable(op, errOutage)
	}
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check("get " + key); err != nil {
		return nil, err
	}
	v, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

// Put implements Store.
func (m *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("put " + key); err != nil {
		return err
	}
	m.records[key] = slices.Clone(value)
	return nil
}

// PutIfAbsent implements Store.
func (m *MemoryStore) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("put-if-absent " + key); err != nil {
		return false, err
	}
	if _, exists := m.records[key]; exists {
		return false, nil
	}
	m.records[key] = slices.Clone(value)
	return true, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("delete " + key); err != nil {
		return err
	}
	delete(m.records, key)
	return nil
}

// AddMember implements Store.
func (m *MemoryStore) AddMember(ctx context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("add member to " + set); err != nil {
		return err
	}
	s, ok := m.sets[set]
	if !ok {
		s = make(map[string]struct{})
		m.sets[set] = s
	}
	s[member] = struct{}{}
	return nil
}

// RemoveMember implements Store.
func (m *MemoryStore) RemoveMember(ctx context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("remove member from " + set); err != nil {
		return err
	}
	delete(m.sets[set], member)
	return nil
}

// Members implements Store.
func (m *MemoryStore) Members(ctx context.Context, set string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.check("members of " + set); err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(m.sets[set])), nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check("ping")
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

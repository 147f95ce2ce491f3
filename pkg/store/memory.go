package store

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store on an in-process map. It backs tests and
// ephemeral single-process deployments; nothing survives a restart.
type MemoryStore struct {
	mu    sync.Mutex
	nodes map[string][]byte // doc + sep + joined subscripts
	locks map[string]chan struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string][]byte),
		locks: make(map[string]chan struct{}),
	}
}

func memKey(loc Locator) string {
	return loc.Document + sep + strings.Join(loc.Subscripts, sep)
}

func (m *MemoryStore) Get(loc Locator) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.nodes[memKey(loc)]
	if !ok || data == nil {
		return nil, false, nil
	}
	return data, true, nil
}

func (m *MemoryStore) Set(loc Locator, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Materialise intermediate nodes, mirroring the SQLite driver.
	for i := 1; i < len(loc.Subscripts); i++ {
		key := memKey(Locator{Document: loc.Document, Subscripts: loc.Subscripts[:i]})
		if _, ok := m.nodes[key]; !ok {
			m.nodes[key] = nil
		}
	}
	m.nodes[memKey(loc)] = data
	return nil
}

func (m *MemoryStore) Kill(loc Locator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(loc)
	prefix := key + sep
	for k := range m.nodes {
		if k == key || strings.HasPrefix(k, prefix) {
			delete(m.nodes, k)
		}
	}
	return nil
}

func (m *MemoryStore) childSubs(loc Locator) []string {
	prefix := memKey(loc) + sep
	seen := map[string]bool{}
	for k := range m.nodes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		sub, _, _ := strings.Cut(rest, sep)
		seen[sub] = true
	}
	subs := make([]string, 0, len(seen))
	for sub := range seen {
		subs = append(subs, sub)
	}
	sort.Strings(subs)
	return subs
}

func (m *MemoryStore) Order(loc Locator, from string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.childSubs(loc) {
		if sub > from {
			return sub, nil
		}
	}
	return "", nil
}

func (m *MemoryStore) Children(loc Locator, fn func(sub string, data []byte) bool) error {
	m.mu.Lock()
	subs := m.childSubs(loc)
	values := make([][]byte, len(subs))
	for i, sub := range subs {
		values[i] = m.nodes[memKey(loc.Child(sub))]
	}
	m.mu.Unlock()

	for i, sub := range subs {
		if !fn(sub, values[i]) {
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) Lock(loc Locator, timeout time.Duration) error {
	key := memKey(loc)
	deadline := time.Now().Add(timeout)

	for {
		m.mu.Lock()
		ch, held := m.locks[key]
		if !held {
			m.locks[key] = make(chan struct{})
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrLockTimeout
		}
		select {
		case <-ch:
		case <-time.After(remaining):
			return ErrLockTimeout
		}
	}
}

func (m *MemoryStore) Unlock(loc Locator) error {
	key := memKey(loc)
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, held := m.locks[key]; held {
		delete(m.locks, key)
		close(ch)
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// Compile-time verification
var _ Store = (*MemoryStore)(nil)

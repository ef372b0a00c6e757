// Package keylock serializes work per key without a process-wide lock.
// Entries are reference counted and released when the last holder unlocks,
// so the map only holds keys that are currently contended.
package keylock

import (
	"sort"
	"strings"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Map {
	return &Map{locks: make(map[string]*entry)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// PairKey returns the same key for (a, b) and (b, a).
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

func (m *Map) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

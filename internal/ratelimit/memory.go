package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count int
	start time.Time
	ttl   time.Duration
}

func (w window) expired(now time.Time) bool {
	return !now.Before(w.start.Add(w.ttl))
}

// MemoryStore keeps windows in a process-local map.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]window
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]window)}
}

func (m *MemoryStore) Take(_ context.Context, key string, now time.Time, ttl time.Duration, max int) (int, bool, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || w.expired(now) {
		w = window{start: now, ttl: ttl}
	}
	resetAt := w.start.Add(w.ttl)
	if w.count >= max {
		m.windows[key] = w
		return w.count, false, resetAt, nil
	}
	w.count++
	m.windows[key] = w
	return w.count, true, resetAt, nil
}

func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, w := range m.windows {
		if w.expired(now) {
			delete(m.windows, key)
			removed++
		}
	}
	return removed
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

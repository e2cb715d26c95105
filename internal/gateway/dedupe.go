package gateway

import (
	"sync"
	"time"
)

// DedupeStore remembers inbound message keys.
type DedupeStore interface {
	// Seen records key and reports whether it was already present.
	Seen(key string) bool
	// Forget drops key so a redelivery of a message that failed to
	// ingest is accepted again.
	Forget(key string)
}

// DedupeKey is the store key for an inbound message.
func DedupeKey(endpointID, externalID string) string {
	return endpointID + "|" + externalID
}

// MemoryDedupe is a TTL map. Expired keys are swept lazily.
type MemoryDedupe struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
	writes  int
}

// NewMemoryDedupe returns a store that forgets keys after ttl.
func NewMemoryDedupe(ttl time.Duration) *MemoryDedupe {
	return &MemoryDedupe{ttl: ttl, entries: make(map[string]time.Time), now: time.Now}
}

const sweepEvery = 1024

// Seen implements DedupeStore.
func (m *MemoryDedupe) Seen(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.entries[key]; ok && now.Before(exp) {
		return true
	}
	m.entries[key] = now.Add(m.ttl)
	m.writes++
	if m.writes%sweepEvery == 0 {
		for k, exp := range m.entries {
			if !now.Before(exp) {
				delete(m.entries, k)
			}
		}
	}
	return false
}

// Forget implements DedupeStore.
func (m *MemoryDedupe) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Len returns the number of remembered keys, including expired ones not yet swept.
func (m *MemoryDedupe) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

package cache

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Cache is the fast fingerprint-lookup surface used by deduplication.
// Implementations never need durability; the database remains the
// fallback source of truth.
type Cache interface {
	Exists(ctx context.Context, key string) (bool, error)
	SetWithTTL(ctx context.Context, key string, ttl time.Duration) error
}

// Memory is an in-process Cache with per-key expiry. It backs deployments
// without Redis and all of the tests.
type Memory struct {
	clk clock.Clock

	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemory creates a Memory cache on the real clock.
func NewMemory() *Memory {
	return NewMemoryWithClock(clock.New())
}

// NewMemoryWithClock creates a Memory cache on the given clock.
func NewMemoryWithClock(clk clock.Clock) *Memory {
	return &Memory{
		clk:     clk,
		entries: make(map[string]time.Time),
	}
}

// Exists reports whether the key is present and unexpired. Expired keys
// are removed on lookup.
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if m.clk.Now().After(expiry) {
		delete(m.entries, key)
		return false, nil
	}
	return true, nil
}

// SetWithTTL marks the key present until ttl elapses.
func (m *Memory) SetWithTTL(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = m.clk.Now().Add(ttl)

	// Opportunistic sweep keeps the map from growing unbounded on a
	// long-running process.
	if len(m.entries) > 4096 {
		now := m.clk.Now()
		for k, exp := range m.entries {
			if now.After(exp) {
				delete(m.entries, k)
			}
		}
	}
	return nil
}

// Len returns the number of stored keys, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

package cache

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultMemoryEntries = 1024
	DefaultMemoryMaxTTL  = 10 * time.Minute
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Cache used when no Redis URL is configured. It
// holds at most maxEntries keys, least recently used first out. Each entry
// expires after its own ttl as seen by clock, and never outlives maxTTL.
type Memory struct {
	lru   *expirable.LRU[string, memoryEntry]
	clock clockwork.Clock
}

func NewMemory(clock clockwork.Clock) *Memory {
	return NewMemoryWithLimits(clock, DefaultMemoryEntries, DefaultMemoryMaxTTL)
}

func NewMemoryWithLimits(clock clockwork.Clock, maxEntries int, maxTTL time.Duration) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}
	return &Memory{
		lru:   expirable.NewLRU[string, memoryEntry](maxEntries, nil, maxTTL),
		clock: clock,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !m.clock.Now().Before(entry.expiresAt) {
		m.lru.Remove(key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = m.clock.Now().Add(ttl)
	}
	m.lru.Add(key, entry)
	return nil
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) error {
	for _, key := range m.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			m.lru.Remove(key)
		}
	}
	return nil
}

// Len reports how many entries are held, expired ones included until they
// are read or swept.
func (m *Memory) Len() int {
	return m.lru.Len()
}

// Package session caches expensive per-tenant login objects (for example
// AT protocol sessions) for as long as the credential is valid.
package session

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"crosspost/internal/crosspost"
)

// Key identifies one tenant's session on one channel.
type Key struct {
	Tenant  string
	Channel crosspost.Channel
}

func (k Key) String() string { return "crosspost:session:" + k.Tenant + ":" + string(k.Channel) }

// Cache stores JSON-encodable values with a per-entry TTL.
type Cache interface {
	// Get decodes the entry into out. It reports false on a miss.
	Get(ctx context.Context, k Key, out any) (bool, error)
	Put(ctx context.Context, k Key, v any, ttl time.Duration) error
	Delete(ctx context.Context, k Key) error
}

const defaultMaxEntries = 4096

type entry struct {
	raw     []byte
	expires time.Time
}

// Memory is an in-process Cache bounded to MaxEntries.
type Memory struct {
	mu         sync.Mutex
	entries    map[Key]entry
	maxEntries int
	now        func() time.Time
}

func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Memory{entries: map[Key]entry{}, maxEntries: maxEntries, now: time.Now}
}

func (m *Memory) Get(_ context.Context, k Key, out any) (bool, error) {
	m.mu.Lock()
	e, ok := m.entries[k]
	if ok && !m.now().Before(e.expires) {
		delete(m.entries, k)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(e.raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memory) Put(_ context.Context, k Key, v any, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.entries[k] = entry{raw: raw, expires: now.Add(ttl)}
	if len(m.entries) > m.maxEntries {
		m.cleanupLocked(now)
	}
	for len(m.entries) > m.maxEntries {
		m.pruneLocked()
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, k Key) error {
	m.mu.Lock()
	delete(m.entries, k)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) cleanupLocked(now time.Time) {
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
}

// pruneLocked evicts the entries closest to expiry until one slot is free.
func (m *Memory) pruneLocked() {
	keys := make([]Key, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return m.entries[keys[i]].expires.Before(m.entries[keys[j]].expires)
	})
	for _, k := range keys[:len(keys)-m.maxEntries] {
		delete(m.entries, k)
	}
}

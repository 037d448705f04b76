package faststore

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"

	corerrors "github.com/atelierhq/pulse/internal/core/errors"
)

// MemoryStore is an in-memory implementation of Store.
// Backs tests and single-process dev deployments; TTL expiry is evaluated
// lazily against an injectable clock.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry

	// Now is the clock used for TTL checks and may be overridden in tests.
	Now func() time.Time
}

type memoryEntry struct {
	value     string
	list      []string
	zset      map[string]float64
	expiresAt time.Time // zero = no expiry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		Now:     time.Now,
	}
}

func (m *MemoryStore) expired(e *memoryEntry) bool {
	return !e.expiresAt.IsZero() && !m.Now().Before(e.expiresAt)
}

// live returns the entry at key if present and unexpired.
// Caller must hold at least the read lock.
func (m *MemoryStore) live(key string) (*memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok || m.expired(e) {
		return nil, false
	}
	return e, true
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.live(key)
	if !ok {
		return "", corerrors.ErrNotFound
	}
	return e.value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.Now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(key); ok {
		return false, nil
	}

	e := &memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.Now().Add(ttl)
	}
	m.entries[key] = e
	return true, nil
}

func (m *MemoryStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

func (m *MemoryStore) DelPattern(ctx context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for key, e := range m.entries {
		if m.expired(e) {
			delete(m.entries, key)
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			delete(m.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key, e := range m.entries {
		if m.expired(e) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (m *MemoryStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		e = &memoryEntry{value: "0"}
		m.entries[key] = e
	}

	current, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, corerrors.Transient("fast", "incrby", err)
	}

	current += delta
	e.value = strconv.FormatInt(current, 10)
	return current, nil
}

func (m *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.live(key); ok {
		e.expiresAt = m.Now().Add(ttl)
	}
	return nil
}

func (m *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		e = &memoryEntry{zset: make(map[string]float64)}
		m.entries[key] = e
	}
	if e.zset == nil {
		e.zset = make(map[string]float64)
	}
	e.zset[member] = score
	return nil
}

func (m *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return nil
	}
	for member, score := range e.zset {
		if score >= min && score <= max {
			delete(e.zset, member)
		}
	}
	return nil
}

func (m *MemoryStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.live(key)
	if !ok {
		return 0, nil
	}

	var count int64
	for _, score := range e.zset {
		if score >= min && score <= max {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) RPush(ctx context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		e = &memoryEntry{}
		m.entries[key] = e
	}
	e.list = append(e.list, values...)
	return nil
}

func (m *MemoryStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return nil
	}

	n := int64(len(e.list))
	if start < 0 {
		start += n
		if start < 0 {
			start = 0
		}
	}
	if stop < 0 {
		stop += n
	}
	if start > stop || start >= n {
		e.list = nil
		return nil
	}
	if stop >= n {
		stop = n - 1
	}
	e.list = e.list[start : stop+1]
	return nil
}

func (m *MemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.live(key)
	if !ok {
		return nil, nil
	}

	n := int64(len(e.list))
	if start < 0 {
		start += n
		if start < 0 {
			start = 0
		}
	}
	if stop < 0 {
		stop += n
	}
	if start > stop || start >= n {
		return nil, nil
	}
	if stop >= n {
		stop = n - 1
	}

	out := make([]string, stop-start+1)
	copy(out, e.list[start:stop+1])
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// Package cache provides a small stale-while-revalidate cache for idempotent
// reads, with a persisted variant that survives process restarts.
//
// An entry is marked stale once its age exceeds 80% of its TTL but is still
// returned (the caller gets data immediately while a background refresh
// runs); past its TTL the entry is treated as absent and evicted.
package cache

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// staleFraction of the TTL after which an entry is served stale.
const staleFraction = 0.8

// Entry is a cached value with its freshness metadata.
type Entry[T any] struct {
	Data       T     `json:"data"`
	StoredAtMs int64 `json:"storedAtMs"`
	TTLMs      int64 `json:"ttlMs"`
	Stale      bool  `json:"stale"`
}

// Key builds the canonical cache key for an operation call. Params are
// sorted by key so equivalent calls collide.
func Key(operation string, params map[string]string) string {
	if len(params) == 0 {
		return operation
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(operation)
	b.WriteByte('?')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// FetchFunc loads a fresh value for a key.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Memory is an in-memory SWR cache with a bounded capacity. When full, the
// single oldest entry by store time is evicted before inserting a new one.
type Memory[T any] struct {
	mu         sync.Mutex
	entries    map[string]*Entry[T]
	capacity   int
	defaultTTL time.Duration
	now        func() time.Time
	log        *logrus.Logger
}

// MemoryOption configures a Memory cache.
type MemoryOption[T any] func(*Memory[T])

// WithClock overrides the time source (tests).
func WithClock[T any](now func() time.Time) MemoryOption[T] {
	return func(m *Memory[T]) { m.now = now }
}

// WithLogger overrides the default logger.
func WithLogger[T any](l *logrus.Logger) MemoryOption[T] {
	return func(m *Memory[T]) { m.log = l }
}

// NewMemory creates a memory cache holding at most capacity entries.
func NewMemory[T any](capacity int, defaultTTL time.Duration, opts ...MemoryOption[T]) *Memory[T] {
	m := &Memory[T]{
		entries:    make(map[string]*Entry[T]),
		capacity:   capacity,
		defaultTTL: defaultTTL,
		now:        time.Now,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lookup returns a copy of the stored entry if present and not expired,
// marking it stale in place once past 80% of its TTL.
func (m *Memory[T]) Lookup(key string) (Entry[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return Entry[T]{}, false
	}

	ageMs := m.now().UnixMilli() - e.StoredAtMs
	if ageMs > e.TTLMs {
		delete(m.entries, key)
		return Entry[T]{}, false
	}
	if float64(ageMs) > float64(e.TTLMs)*staleFraction {
		e.Stale = true
	}
	return *e, true
}

// Get returns the stored value if present and not expired.
func (m *Memory[T]) Get(key string) (T, bool) {
	e, ok := m.Lookup(key)
	return e.Data, ok
}

// Set stores a value with the default TTL.
func (m *Memory[T]) Set(key string, value T) {
	m.SetTTL(key, value, m.defaultTTL)
}

// SetTTL stores a value with a per-call TTL override, evicting the oldest
// entry first if the cache is at capacity.
func (m *Memory[T]) SetTTL(key string, value T, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && m.capacity > 0 && len(m.entries) >= m.capacity {
		m.evictOldestLocked()
	}
	m.entries[key] = &Entry[T]{
		Data:       value,
		StoredAtMs: m.now().UnixMilli(),
		TTLMs:      ttl.Milliseconds(),
	}
}

// evictOldestLocked removes the single oldest entry by store time.
func (m *Memory[T]) evictOldestLocked() {
	var oldestKey string
	var oldestAt int64
	for k, e := range m.entries {
		if oldestKey == "" || e.StoredAtMs < oldestAt {
			oldestKey = k
			oldestAt = e.StoredAtMs
		}
	}
	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}

// Delete removes an entry.
func (m *Memory[T]) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Len returns the number of stored entries.
func (m *Memory[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// GetOrFetch is the stale-while-revalidate read path. A fresh hit is
// returned as-is. A stale hit is returned immediately while fetch runs in
// the background; a successful refresh replaces the entry and refresh
// failures are swallowed (logged only), since a value was already returned.
// A miss fetches synchronously.
func (m *Memory[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc[T]) (T, error) {
	if e, ok := m.Lookup(key); ok {
		if e.Stale {
			go func() {
				value, err := fetch(context.WithoutCancel(ctx))
				if err != nil {
					m.log.WithError(err).WithField("key", key).Warn("background cache refresh failed")
					return
				}
				m.SetTTL(key, value, ttl)
			}()
		}
		return e.Data, nil
	}

	value, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	m.SetTTL(key, value, ttl)
	return value, nil
}

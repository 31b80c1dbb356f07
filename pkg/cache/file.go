package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// FileStore is the persisted cache variant: entries are written through to
// one JSON file per key so the cache survives process restarts. Corrupt or
// unparsable persisted entries are deleted rather than surfaced as errors.
type FileStore[T any] struct {
	dir string
	mem *Memory[T]
	log *logrus.Logger
}

// NewFileStore creates a persisted cache rooted at dir, loading any
// surviving entries into memory.
func NewFileStore[T any](dir string, capacity int, defaultTTL time.Duration, opts ...MemoryOption[T]) (*FileStore[T], error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	fs := &FileStore[T]{
		dir: dir,
		mem: NewMemory[T](capacity, defaultTTL, opts...),
		log: logrus.StandardLogger(),
	}
	fs.loadAll()
	return fs, nil
}

// persisted pairs the entry with its original key, which the hashed filename
// cannot recover.
type persisted[T any] struct {
	Key   string   `json:"key"`
	Entry Entry[T] `json:"entry"`
}

func (f *FileStore[T]) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:16])+".json")
}

// loadAll restores persisted entries, dropping anything expired or corrupt.
func (f *FileStore[T]) loadAll() {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		f.log.WithError(err).Warn("cache dir scan failed")
		return
	}

	restored, dropped := 0, 0
	nowMs := time.Now().UnixMilli()
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		path := filepath.Join(f.dir, de.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var p persisted[T]
		if err := json.Unmarshal(raw, &p); err != nil || p.Key == "" {
			// Corrupt entry: delete, never surface.
			os.Remove(path)
			dropped++
			continue
		}
		if nowMs-p.Entry.StoredAtMs > p.Entry.TTLMs {
			os.Remove(path)
			dropped++
			continue
		}
		f.mem.mu.Lock()
		e := p.Entry
		f.mem.entries[p.Key] = &e
		f.mem.mu.Unlock()
		restored++
	}
	if restored > 0 || dropped > 0 {
		f.log.WithFields(logrus.Fields{"restored": restored, "dropped": dropped}).
			Info("persisted cache loaded")
	}
}

// Lookup behaves like Memory.Lookup, removing the backing file when an
// expired entry is dropped.
func (f *FileStore[T]) Lookup(key string) (Entry[T], bool) {
	e, ok := f.mem.Lookup(key)
	if !ok {
		os.Remove(f.path(key))
	}
	return e, ok
}

// Get returns the stored value if present and not expired.
func (f *FileStore[T]) Get(key string) (T, bool) {
	e, ok := f.Lookup(key)
	return e.Data, ok
}

// Set stores a value with the default TTL, writing it through to disk.
func (f *FileStore[T]) Set(key string, value T) {
	f.SetTTL(key, value, f.mem.defaultTTL)
}

// SetTTL stores a value with a per-call TTL, writing it through to disk. A
// failed disk write degrades to memory-only caching.
func (f *FileStore[T]) SetTTL(key string, value T, ttl time.Duration) {
	f.mem.SetTTL(key, value, ttl)

	e, ok := f.mem.Lookup(key)
	if !ok {
		return
	}
	raw, err := json.Marshal(persisted[T]{Key: key, Entry: e})
	if err != nil {
		f.log.WithError(err).WithField("key", key).Warn("cache entry not persistable")
		return
	}
	if err := os.WriteFile(f.path(key), raw, 0o644); err != nil {
		f.log.WithError(err).WithField("key", key).Warn("cache persist failed")
	}
}

// Delete removes an entry and its backing file.
func (f *FileStore[T]) Delete(key string) {
	f.mem.Delete(key)
	os.Remove(f.path(key))
}

// Len returns the number of in-memory entries.
func (f *FileStore[T]) Len() int { return f.mem.Len() }

// Package cache provides a flat file-backed key/value store with optional
// per-item expiry. It holds the small durable objects (sync queue, tokens,
// timestamps, gateway responses) and has no indexing; compound lookups scan
// by key prefix. Storage faults degrade gracefully: the best-effort API
// logs and swallows them, and only the checked Put used on the
// durability-critical queue path reports them.
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

// Cache is a persistent expiring key/value store. The zero value is not
// usable; construct with Open.
type Cache struct {
	filePath string

	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time // overridable in tests
}

// Open loads the cache file at dir, starting empty when the file is absent
// or unreadable. A corrupt file is treated as a full miss, not an error.
func Open(dir string) *Cache {
	c := &Cache{
		filePath: filepath.Join(dir, "cache.json"),
		entries:  make(map[string]entry),
		now:      time.Now,
	}

	data, err := os.ReadFile(c.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("cache file unreadable, starting empty", "path", c.filePath, "error", err)
		}
		return c
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		slog.Warn("cache file corrupt, starting empty", "path", c.filePath, "error", err)
		c.entries = make(map[string]entry)
	}
	return c
}

// Put stores value under key with an optional ttl (ttl <= 0 means no
// expiry), overwriting any existing value, and reports persistence
// failures. The sync queue depends on this result; everything else can use
// Save.
func (c *Cache) Put(key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry{Data: data, Timestamp: c.now()}
	if ttl > 0 {
		exp := c.now().Add(ttl)
		e.ExpiresAt = &exp
	}
	c.entries[key] = e
	return c.persistLocked()
}

// Save is the best-effort variant of Put: faults are logged, never
// surfaced, so cache unavailability can't crash a caller.
func (c *Cache) Save(key string, value any, ttl time.Duration) {
	if err := c.Put(key, value, ttl); err != nil {
		slog.Warn("cache write failed", "key", key, "error", err)
	}
}

// Get unmarshals the value at key into dest and reports whether a live
// value was found. An elapsed expiry evicts the key; a value that no
// longer deserializes counts as a miss and is evicted too.
func (c *Cache) Get(key string, dest any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if e.ExpiresAt != nil && c.now().After(*e.ExpiresAt) {
		delete(c.entries, key)
		if err := c.persistLocked(); err != nil {
			slog.Warn("cache eviction not persisted", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(e.Data, dest); err != nil {
		slog.Warn("cache entry corrupt, evicting", "key", key, "error", err)
		delete(c.entries, key)
		if err := c.persistLocked(); err != nil {
			slog.Warn("cache eviction not persisted", "key", key, "error", err)
		}
		return false
	}
	return true
}

// Has reports whether key holds a live, readable value.
func (c *Cache) Has(key string) bool {
	var raw json.RawMessage
	return c.Get(key, &raw)
}

// Delete removes a key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	if err := c.persistLocked(); err != nil {
		slog.Warn("cache delete not persisted", "key", key, "error", err)
	}
}

// Key builds the composite "prefix:id" key used by the namespaced helpers.
func Key(prefix, id string) string {
	return prefix + ":" + id
}

// SaveNamespaced stores value under "prefix:id".
func (c *Cache) SaveNamespaced(prefix, id string, value any, ttl time.Duration) {
	c.Save(Key(prefix, id), value, ttl)
}

// GetNamespaced reads the value stored under "prefix:id".
func (c *Cache) GetNamespaced(prefix, id string, dest any) bool {
	return c.Get(Key(prefix, id), dest)
}

// AllByPrefix returns the live raw values for every key under prefix,
// keyed by the id part.
func (c *Cache) AllByPrefix(prefix string) map[string]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]json.RawMessage)
	for key, e := range c.entries {
		if !strings.HasPrefix(key, prefix+":") {
			continue
		}
		if e.ExpiresAt != nil && c.now().After(*e.ExpiresAt) {
			continue
		}
		out[strings.TrimPrefix(key, prefix+":")] = e.Data
	}
	return out
}

// ClearByPrefix removes every key under prefix and returns how many went.
func (c *Cache) ClearByPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix+":") {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		if err := c.persistLocked(); err != nil {
			slog.Warn("cache clear not persisted", "prefix", prefix, "error", err)
		}
	}
	return removed
}

// ClearExpired evicts every entry whose expiry has elapsed.
func (c *Cache) ClearExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if e.ExpiresAt != nil && c.now().After(*e.ExpiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		if err := c.persistLocked(); err != nil {
			slog.Warn("cache cleanup not persisted", "error", err)
		}
	}
	return removed
}

// ClearAll wipes the cache entirely.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
	if err := c.persistLocked(); err != nil {
		slog.Warn("cache wipe not persisted", "error", err)
	}
}

// Len returns the number of entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// persistLocked writes the whole map to disk. Callers hold c.mu. The write
// goes through a temp file so a crash never leaves a half-written cache.
func (c *Cache) persistLocked() error {
	data, err := json.Marshal(c.entries)
	if err != nil {
		return err
	}
	tmp := c.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, c.filePath)
}

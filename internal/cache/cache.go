// Package cache implements the namespaced TTL cache used by the ingest
// pipeline: three fixed namespaces, deterministic canonical-JSON key
// derivation, and a pluggable backend. The default backend is an in-process
// map with last-write-wins semantics; get/set/delete are atomic per key.
package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"posnorm/internal/contracts"
	"posnorm/internal/logging"
)

// Fixed namespace names.
const (
	NamespaceItemMapping  = "item_mapping_cache"
	NamespaceNoteMods     = "note_mods_cache"
	NamespaceGroupPattern = "group_pattern_cache"
)

var defaultTTLs = map[string]time.Duration{
	NamespaceItemMapping:  3600 * time.Second,
	NamespaceNoteMods:     3600 * time.Second,
	NamespaceGroupPattern: 1800 * time.Second,
}

var requiredFields = map[string][]string{
	NamespaceItemMapping:  {"name_raw", "menu_catalog_version"},
	NamespaceNoteMods:     {"note_raw", "allowed_mods_version"},
	NamespaceGroupPattern: {"group_pattern", "menu_catalog_version", "allowed_mods_version"},
}

// Entry is a stored cache value. Confidence is clamped to [0,1] on write.
// A nil ExpiresAt means the entry never expires.
type Entry struct {
	Value      any
	Confidence float64
	Meta       contracts.Metadata
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// Expired reports whether the entry has passed its expiry at time now.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Backend is the storage interface behind a Cache. Implementations must make
// Get/Set/Delete atomic per key and document their write-conflict semantics.
type Backend interface {
	Get(key string) (Entry, bool)
	Set(key string, entry Entry)
	Delete(key string)
}

type memoryBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{entries: make(map[string]Entry)}
}

func (b *memoryBackend) Get(key string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries[key]
	return entry, ok
}

func (b *memoryBackend) Set(key string, entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = entry
}

func (b *memoryBackend) Delete(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// Cache is a namespaced TTL cache. TTL overrides apply per namespace; a TTL
// of zero or below disables expiry for that namespace.
type Cache struct {
	backend Backend
	ttls    map[string]time.Duration
	group   singleflight.Group
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithBackend replaces the in-memory backend.
func WithBackend(b Backend) Option {
	return func(c *Cache) { c.backend = b }
}

// WithClock replaces the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache with optional per-namespace TTL overrides. Overrides
// for unknown namespaces are rejected.
func New(ttlOverrides map[string]time.Duration, opts ...Option) (*Cache, error) {
	var unknown []string
	for ns := range ttlOverrides {
		if _, ok := defaultTTLs[ns]; !ok {
			unknown = append(unknown, ns)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unsupported TTL namespace(s): %s", strings.Join(unknown, ", "))
	}

	ttls := make(map[string]time.Duration, len(defaultTTLs))
	for ns, ttl := range defaultTTLs {
		ttls[ns] = ttl
	}
	for ns, ttl := range ttlOverrides {
		ttls[ns] = ttl
	}

	c := &Cache{
		backend: newMemoryBackend(),
		ttls:    ttls,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the cached entry for (namespace, payload), or nil on miss.
// Expired entries are deleted on the way out.
func (c *Cache) Get(namespace string, payload map[string]any) (*Entry, error) {
	key, err := MakeKey(namespace, payload)
	if err != nil {
		return nil, err
	}
	entry, ok := c.backend.Get(key)
	if !ok {
		logging.CacheDebug("miss %s", key)
		return nil, nil
	}
	if entry.Expired(c.now()) {
		c.backend.Delete(key)
		logging.CacheDebug("expired %s", key)
		return nil, nil
	}
	logging.CacheDebug("hit %s", key)
	return &entry, nil
}

// Set stores value under (namespace, payload) and returns the derived key.
// Confidence is clamped to [0,1].
func (c *Cache) Set(namespace string, payload map[string]any, value any, confidence float64, meta contracts.Metadata) (string, error) {
	key, err := MakeKey(namespace, payload)
	if err != nil {
		return "", err
	}
	now := c.now()
	entry := Entry{
		Value:      value,
		Confidence: clamp01(confidence),
		Meta:       contracts.CloneMetadata(meta),
		CreatedAt:  now,
	}
	if ttl := c.ttls[namespace]; ttl > 0 {
		expires := now.Add(ttl)
		entry.ExpiresAt = &expires
	}
	c.backend.Set(key, entry)
	return key, nil
}

// Invalidate removes the entry for (namespace, payload) when present.
func (c *Cache) Invalidate(namespace string, payload map[string]any) error {
	key, err := MakeKey(namespace, payload)
	if err != nil {
		return err
	}
	c.backend.Delete(key)
	return nil
}

// ComputeFunc produces a value to be cached. Returned confidence is clamped
// like Set's.
type ComputeFunc func() (value any, confidence float64, meta contracts.Metadata, err error)

// GetOrCompute returns the cached entry or computes and stores it. Concurrent
// callers with the same canonical key share a single compute via
// singleflight; compute errors are not cached.
func (c *Cache) GetOrCompute(namespace string, payload map[string]any, compute ComputeFunc) (*Entry, error) {
	key, err := MakeKey(namespace, payload)
	if err != nil {
		return nil, err
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		if entry, ok := c.backend.Get(key); ok && !entry.Expired(c.now()) {
			return entry, nil
		}
		value, confidence, meta, err := compute()
		if err != nil {
			return Entry{}, err
		}
		if _, err := c.Set(namespace, payload, value, confidence, meta); err != nil {
			return Entry{}, err
		}
		entry, _ := c.backend.Get(key)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	entry := result.(Entry)
	return &entry, nil
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Default process-wide cache, mirroring the package-level helpers most
// callers use.
var (
	defaultCache *Cache
	defaultOnce  sync.Once
)

// Default returns the shared process-wide cache.
func Default() *Cache {
	defaultOnce.Do(func() {
		defaultCache, _ = New(nil)
	})
	return defaultCache
}

// Get reads from the default cache.
func Get(namespace string, payload map[string]any) (*Entry, error) {
	return Default().Get(namespace, payload)
}

// Set writes to the default cache.
func Set(namespace string, payload map[string]any, value any, confidence float64, meta contracts.Metadata) (string, error) {
	return Default().Set(namespace, payload, value, confidence, meta)
}

// Invalidate removes from the default cache.
func Invalidate(namespace string, payload map[string]any) error {
	return Default().Invalidate(namespace, payload)
}

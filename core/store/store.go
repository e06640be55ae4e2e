// Package store provides the three key/value scopes reachable from a call
// context: request (one call context), cache (process-wide, bounded) and app
// (process-wide application settings).
package store

import (
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the shared cache when no size is configured.
const DefaultCacheSize = 1024

// Request-store keys used to hand extra data back to the host.
const (
	ProcessCommandsKey = "__process_commands"
	OtherReturnDataKey = "__other_return_data"
)

// Store is a key/value scope. Setting a nil value deletes the key.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

// RequestStore is exclusive to one call context and is not safe for
// concurrent use.
type RequestStore struct {
	values map[string]any
}

// NewRequestStore creates a request store. When external is non-nil the store
// reads and writes it directly, so the host sees every change.
func NewRequestStore(external map[string]any) *RequestStore {
	if external == nil {
		external = make(map[string]any)
	}
	return &RequestStore{values: external}
}

func (r *RequestStore) Get(key string) (any, bool) {
	v, ok := r.values[key]
	return v, ok
}

func (r *RequestStore) Set(key string, value any) {
	if value == nil {
		delete(r.values, key)
		return
	}
	r.values[key] = value
}

// Values exposes the underlying map.
func (r *RequestStore) Values() map[string]any { return r.values }

// Reset drops every key.
func (r *RequestStore) Reset() {
	for k := range r.values {
		delete(r.values, k)
	}
}

// AddReturnCommand appends command to the '|' separated list stored under
// ProcessCommandsKey.
func (r *RequestStore) AddReturnCommand(command string) {
	existing, ok := r.values[ProcessCommandsKey].(string)
	if !ok || existing == "" {
		r.values[ProcessCommandsKey] = command
		return
	}
	r.values[ProcessCommandsKey] = existing + "|" + command
}

// ReturnCommands splits the stored command list.
func (r *RequestStore) ReturnCommands() []string {
	existing, ok := r.values[ProcessCommandsKey].(string)
	if !ok || existing == "" {
		return nil
	}
	return strings.Split(existing, "|")
}

// SetReturn records key/value in the map stored under OtherReturnDataKey.
func (r *RequestStore) SetReturn(key string, value any) {
	m, ok := r.values[OtherReturnDataKey].(map[string]any)
	if !ok {
		m = make(map[string]any)
		r.values[OtherReturnDataKey] = m
	}
	m[key] = value
}

// CacheStore is a bounded, concurrency-safe LRU shared by all call contexts.
type CacheStore struct {
	cache *lru.Cache[string, any]
}

// NewCacheStore creates a cache holding at most size entries.
func NewCacheStore(size int) (*CacheStore, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, any](size)
	if err != nil {
		return nil, fmt.Errorf("create cache store: %w", err)
	}
	return &CacheStore{cache: c}, nil
}

func (c *CacheStore) Get(key string) (any, bool) {
	return c.cache.Get(key)
}

func (c *CacheStore) Set(key string, value any) {
	if value == nil {
		c.cache.Remove(key)
		return
	}
	c.cache.Add(key, value)
}

// Len returns the number of cached entries.
func (c *CacheStore) Len() int { return c.cache.Len() }

// Purge empties the cache.
func (c *CacheStore) Purge() { c.cache.Purge() }

// AppStore holds application-scoped settings shared by all call contexts.
type AppStore struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewAppStore creates an app store seeded with a copy of initial.
func NewAppStore(initial map[string]any) *AppStore {
	a := &AppStore{values: make(map[string]any, len(initial))}
	for k, v := range initial {
		a.values[k] = v
	}
	return a
}

func (a *AppStore) Get(key string) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.values[key]
	return v, ok
}

func (a *AppStore) Set(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if value == nil {
		delete(a.values, key)
		return
	}
	a.values[key] = value
}

// Replace swaps the whole content for a copy of values.
func (a *AppStore) Replace(values map[string]any) {
	next := make(map[string]any, len(values))
	for k, v := range values {
		next[k] = v
	}
	a.mu.Lock()
	a.values = next
	a.mu.Unlock()
}

// Len returns the number of stored keys.
func (a *AppStore) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.values)
}

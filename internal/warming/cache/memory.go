// Package cache provides the key-value stores warm entries are written to:
// in-memory for tests, Redis for production.
package cache

import (
	"context"
	"sync"
	"time"

	errs "foresight/pkg/errors"
)

// ErrNotFound is returned for missing or expired keys.
var ErrNotFound = errs.New(errs.CodeNotFound, "cache key not found")

type memoryEntry struct {
	value  any
	expiry time.Time
}

// Memory is an in-process cache with per-key expiry.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

// MemoryOption configures a Memory cache.
type MemoryOption func(*Memory)

func WithClock(clock func() time.Time) MemoryOption {
	return func(c *Memory) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	c := &Memory{
		entries: make(map[string]memoryEntry),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Memory) Set(_ context.Context, key string, payload any, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: payload, expiry: c.clock().Add(ttl)}
	return nil
}

// Get returns the stored payload, or ErrNotFound for missing or expired keys.
func (c *Memory) Get(_ context.Context, key string) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || c.clock().After(entry.expiry) {
		return nil, ErrNotFound
	}
	return entry.value, nil
}

// TTL returns the remaining lifetime of a key, or ErrNotFound.
func (c *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return 0, ErrNotFound
	}
	remaining := entry.expiry.Sub(c.clock())
	if remaining <= 0 {
		return 0, ErrNotFound
	}
	return remaining, nil
}

// Len reports the number of stored keys, expired ones included.
func (c *Memory) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

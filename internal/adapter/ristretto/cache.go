// Package ristretto is the in-process L1 of the granted-credits cache.
//
// Entries are tiny (a project key and a decimal string), so the cache is
// budgeted by bytes of key plus value and ristretto's per-item overhead is
// left out of the cost. Otherwise the overhead would dominate and evict
// grants long before the byte budget is reached.
package ristretto

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Strob0t/CreditForge/internal/config"
)

const (
	minBudget = 1 << 10
	// avgEntryBytes estimates one grant entry for sizing the admission
	// counters, which ristretto wants at about ten per expected entry.
	avgEntryBytes = 64
)

// Cache holds granted-credit lookups in process memory.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates a cache holding up to budget bytes of keys and values.
// Budgets below 1 KiB are raised to 1 KiB.
func New(budget int64) (*Cache, error) {
	budget = max(budget, minBudget)
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        10 * (budget / avgEntryBytes),
		MaxCost:            budget,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// NewFromConfig sizes the cache from cache.l1_max_size_mb.
func NewFromConfig(cfg config.Cache) (*Cache, error) {
	return New(cfg.L1MaxSizeMB << 20)
}

// Get returns a copy of the cached value, so callers may keep or modify it.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return bytes.Clone(val), true, nil
}

// Set stores value until ttl passes. A ttl of zero or less keeps the entry
// until it is evicted. Writes are buffered; call Wait to observe them. The
// admission policy may drop a write, which only costs a later miss.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	cost := int64(len(key) + len(value))
	if !c.c.SetWithTTL(key, bytes.Clone(value), cost, ttl) {
		slog.DebugContext(ctx, "l1 cache dropped write", "key", key)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Wait blocks until buffered writes are applied.
func (c *Cache) Wait() { c.c.Wait() }

// Close stops ristretto's background goroutines.
func (c *Cache) Close() { c.c.Close() }

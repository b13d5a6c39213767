// Package lookupcache memoizes address-to-account resolution in front of
// the relay policy checks, so a burst of RCPT commands for the same
// mailbox costs one database round trip.
package lookupcache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/relatemail/ferry/consts"
	"github.com/relatemail/ferry/logger"
	"github.com/relatemail/ferry/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// Resolver resolves a mailbox address to its account ID. Absent
// addresses are reported as consts.ErrUserNotFound.
type Resolver interface {
	AccountIDByAddress(ctx context.Context, address string) (int64, error)
}

type entry struct {
	accountID int64
	negative  bool
	expiresAt time.Time
}

// Cache wraps a Resolver with a TTL cache. Hits for existing addresses
// live for the positive TTL; consts.ErrUserNotFound is cached for the
// shorter negative TTL, so a freshly created account becomes reachable
// without a restart. Transient resolver failures are never cached.
type Cache struct {
	inner       Resolver
	positiveTTL time.Duration
	negativeTTL time.Duration
	maxSize     int

	mu      sync.RWMutex
	entries map[string]*entry
	hits    uint64
	misses  uint64

	sfGroup singleflight.Group

	stopCleanup    chan struct{}
	cleanupStopped chan struct{}
}

func New(inner Resolver, positiveTTL, negativeTTL time.Duration, maxSize int) *Cache {
	if positiveTTL <= 0 {
		positiveTTL = 5 * time.Minute
	}
	if negativeTTL <= 0 {
		negativeTTL = time.Minute
	}
	if maxSize <= 0 {
		maxSize = 10000
	}

	c := &Cache{
		inner:          inner,
		positiveTTL:    positiveTTL,
		negativeTTL:    negativeTTL,
		maxSize:        maxSize,
		entries:        make(map[string]*entry),
		stopCleanup:    make(chan struct{}),
		cleanupStopped: make(chan struct{}),
	}

	go c.cleanupLoop()

	logger.Info("Lookup cache initialized", "positive_ttl", positiveTTL, "negative_ttl", negativeTTL, "max_size", maxSize)
	return c
}

// AccountIDByAddress implements Resolver. Concurrent misses for the same
// address are coalesced into a single resolver call.
func (c *Cache) AccountIDByAddress(ctx context.Context, address string) (int64, error) {
	// Keys share the store's normalization so case variants of an
	// address land on the same entry.
	key := strings.ToLower(strings.TrimSpace(address))
	now := time.Now()

	c.mu.RLock()
	e, exists := c.entries[key]
	c.mu.RUnlock()

	if exists && now.Before(e.expiresAt) {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		metrics.LookupCacheHitsTotal.Inc()
		if e.negative {
			return 0, consts.ErrUserNotFound
		}
		return e.accountID, nil
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	metrics.LookupCacheMissesTotal.Inc()

	v, err, _ := c.sfGroup.Do(key, func() (interface{}, error) {
		id, err := c.inner.AccountIDByAddress(ctx, address)
		if err != nil {
			if errors.Is(err, consts.ErrUserNotFound) {
				c.store(key, 0, true)
			}
			return nil, err
		}
		c.store(key, id, false)
		return id, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (c *Cache) store(key string, accountID int64, negative bool) {
	ttl := c.positiveTTL
	if negative {
		ttl = c.negativeTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[key] = &entry{
		accountID: accountID,
		negative:  negative,
		expiresAt: time.Now().Add(ttl),
	}
	metrics.LookupCacheEntriesTotal.Set(float64(len(c.entries)))
}

// evictOldest removes the entry closest to expiry. Caller must hold the
// write lock.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, e := range c.entries {
		if first || e.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.expiresAt
			first = false
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Invalidate drops the entry for one address, e.g. after the account
// behind it was created or deleted.
func (c *Cache) Invalidate(address string) {
	key := strings.ToLower(strings.TrimSpace(address))

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	metrics.LookupCacheEntriesTotal.Set(float64(len(c.entries)))
}

// GetStats returns hit/miss counters and the current entry count.
func (c *Cache) GetStats() (hits, misses uint64, size int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, len(c.entries)
}

func (c *Cache) cleanupLoop() {
	defer close(c.cleanupStopped)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *Cache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}

	if removed > 0 {
		metrics.LookupCacheEntriesTotal.Set(float64(len(c.entries)))
		logger.Debug("Lookup cache removed expired entries", "removed", removed, "remaining", len(c.entries))
	}
}

// Stop halts the cleanup goroutine.
func (c *Cache) Stop(ctx context.Context) error {
	close(c.stopCleanup)

	select {
	case <-c.cleanupStopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

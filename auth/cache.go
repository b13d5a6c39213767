package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/relatemail/ferry/logger"
	"github.com/relatemail/ferry/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

type cacheEntry struct {
	credentialID int64
	accountID    int64
	address      string
	expiresAt    time.Time
}

// Cache is a short-lived cache of successful credential verifications.
// Keys are HMAC-SHA256 digests computed with a per-process secret, so no
// raw credential material is ever held. Failures are never cached.
//
// A nil *Cache is valid and disables caching.
type Cache struct {
	secret          []byte
	ttl             time.Duration
	maxSize         int
	cleanupInterval time.Duration

	mu      sync.RWMutex
	entries map[string]*cacheEntry
	hits    uint64
	misses  uint64

	sfGroup singleflight.Group

	stopCleanup    chan struct{}
	cleanupStopped chan struct{}
}

func NewCache(ttl time.Duration, maxSize int) (*Cache, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 10000
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate cache secret: %w", err)
	}

	c := &Cache{
		secret:          secret,
		ttl:             ttl,
		maxSize:         maxSize,
		cleanupInterval: time.Minute,
		entries:         make(map[string]*cacheEntry),
		stopCleanup:     make(chan struct{}),
		cleanupStopped:  make(chan struct{}),
	}

	go c.cleanupLoop()

	logger.Info("Credential cache initialized", "ttl", ttl, "max_size", maxSize)
	return c, nil
}

// Verify returns the cached success for the presented credentials, or runs
// verify once, coalescing concurrent verifications of the same pair. Only
// successful outcomes enter the cache. The required scope participates in
// the cache key, so a hit never bypasses a scope check.
func (c *Cache) Verify(identifier, secret string, required Scope, verify func() (Result, error)) (Result, error) {
	if c == nil {
		return verify()
	}

	key := c.key(identifier, secret, required)
	now := time.Now()

	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if exists && now.Before(entry.expiresAt) {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		metrics.CredentialCacheHitsTotal.Inc()
		return Result{
			Code:         CodeSuccess,
			AccountID:    entry.accountID,
			Address:      entry.address,
			credentialID: entry.credentialID,
		}, nil
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	metrics.CredentialCacheMissesTotal.Inc()

	v, err, shared := c.sfGroup.Do(key, func() (interface{}, error) {
		result, err := verify()
		if err != nil {
			return nil, err
		}
		if result.Code == CodeSuccess {
			c.store(key, result)
		}
		return result, nil
	})
	if err != nil {
		return Result{}, err
	}
	if shared {
		metrics.CredentialCacheSharedFetchesTotal.Inc()
	}

	return v.(Result), nil
}

func (c *Cache) key(identifier, secret string, required Scope) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(identifier))
	mac.Write([]byte{0})
	mac.Write([]byte(secret))
	mac.Write([]byte{0, byte(required)})
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Cache) store(key string, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[key] = &cacheEntry{
		credentialID: result.credentialID,
		accountID:    result.AccountID,
		address:      result.Address,
		expiresAt:    time.Now().Add(c.ttl),
	}
	metrics.CredentialCacheEntriesTotal.Set(float64(len(c.entries)))
}

// evictOldest removes the entry closest to expiry. Caller must hold the
// write lock.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, entry := range c.entries {
		if first || entry.expiresAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.expiresAt
			first = false
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Clear drops every entry, e.g. after a credential revocation.
func (c *Cache) Clear() {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry)
	metrics.CredentialCacheEntriesTotal.Set(0)
}

// GetStats returns hit/miss counters and the current entry count.
func (c *Cache) GetStats() (hits, misses uint64, size int) {
	if c == nil {
		return 0, 0, 0
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses, len(c.entries)
}

func (c *Cache) cleanupLoop() {
	defer close(c.cleanupStopped)

	ticker := time.NewTicker(c.cleanupInterval)
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
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}

	if removed > 0 {
		metrics.CredentialCacheEntriesTotal.Set(float64(len(c.entries)))
		logger.Debug("Credential cache removed expired entries", "removed", removed, "remaining", len(c.entries))
	}
}

// Stop halts the cleanup goroutine.
func (c *Cache) Stop(ctx context.Context) error {
	if c == nil {
		return nil
	}

	close(c.stopCleanup)

	select {
	case <-c.cleanupStopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

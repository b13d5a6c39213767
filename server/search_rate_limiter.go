package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relatemail/ferry/logger"
	"github.com/relatemail/ferry/pkg/metrics"
)

// SearchRateLimiter caps how many SEARCH commands one account may run
// inside a sliding window. A search walks the whole mailbox view, so an
// unthrottled client can pin the server with cheap requests.
//
// A nil *SearchRateLimiter is valid and disables the check.
type SearchRateLimiter struct {
	protocol string
	max      int
	window   time.Duration

	mu       sync.Mutex
	accounts map[int64]*searchTracker

	cleanupInterval time.Duration
	idleAfter       time.Duration
}

type searchTracker struct {
	searches     []time.Time
	lastActivity time.Time
}

// NewSearchRateLimiter returns nil when max is zero or negative, which
// disables search throttling entirely.
func NewSearchRateLimiter(protocol string, max int, window time.Duration) *SearchRateLimiter {
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}

	logger.Info("Search rate limiter initialized", "protocol", protocol, "max_per_window", max, "window", window)

	return &SearchRateLimiter{
		protocol:        protocol,
		max:             max,
		window:          window,
		accounts:        make(map[int64]*searchTracker),
		cleanupInterval: 5 * time.Minute,
		idleAfter:       30 * time.Minute,
	}
}

// CanSearch records a search attempt for the account and reports whether
// it is within the window budget. Rejected attempts are not recorded, so
// a throttled client does not push its own retry time further out.
func (srl *SearchRateLimiter) CanSearch(accountID int64) error {
	if srl == nil {
		return nil
	}

	srl.mu.Lock()
	defer srl.mu.Unlock()

	tracker, exists := srl.accounts[accountID]
	if !exists {
		tracker = &searchTracker{searches: make([]time.Time, 0, srl.max)}
		srl.accounts[accountID] = tracker
	}

	now := time.Now()
	tracker.lastActivity = now
	cutoff := now.Add(-srl.window)

	live := tracker.searches[:0]
	for _, t := range tracker.searches {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	tracker.searches = live

	if len(tracker.searches) >= srl.max {
		metrics.SearchRateLimitedTotal.WithLabelValues(srl.protocol).Inc()
		retryAfter := tracker.searches[0].Add(srl.window).Sub(now)
		return fmt.Errorf("search rate limit exceeded (%d in %v), retry in %v",
			len(tracker.searches), srl.window, retryAfter.Round(time.Second))
	}

	tracker.searches = append(tracker.searches, now)
	return nil
}

// TrackedAccounts returns the number of accounts currently tracked.
func (srl *SearchRateLimiter) TrackedAccounts() int {
	if srl == nil {
		return 0
	}

	srl.mu.Lock()
	defer srl.mu.Unlock()
	return len(srl.accounts)
}

// StartCleanup periodically drops trackers for accounts that stopped
// searching, bounding map growth over long uptimes.
func (srl *SearchRateLimiter) StartCleanup(ctx context.Context) {
	if srl == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(srl.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				srl.cleanup()
			}
		}
	}()
}

func (srl *SearchRateLimiter) cleanup() {
	srl.mu.Lock()
	defer srl.mu.Unlock()

	now := time.Now()
	removed := 0
	for accountID, tracker := range srl.accounts {
		if now.Sub(tracker.lastActivity) > srl.idleAfter {
			delete(srl.accounts, accountID)
			removed++
		}
	}

	if removed > 0 {
		logger.Debug("Search rate limiter dropped idle trackers", "protocol", srl.protocol, "removed", removed, "remaining", len(srl.accounts))
	}
}

package auth

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/relatemail/ferry/logger"
	"github.com/relatemail/ferry/pkg/metrics"
)

// LockoutError reports a rejected attempt and how long the client should
// wait before trying again.
type LockoutError struct {
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("too many failed authentication attempts, retry after %s", e.RetryAfter.Round(time.Second))
}

// RateLimiterConfig carries resolved limiter parameters.
type RateLimiterConfig struct {
	// MaxFailedAttempts is the failure count at which a key is locked
	// out. Zero or negative disables the limiter.
	MaxFailedAttempts int
	// LockoutWindow bounds both the failure-counting window and the
	// lockout duration after the last failure.
	LockoutWindow time.Duration
	// BaseDelay is the backoff unit below the lockout threshold.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// CleanupInterval is how often expired entries are swept.
	CleanupInterval time.Duration
}

type limitKey struct {
	ip       string
	protocol string
}

type failureInfo struct {
	count        int
	firstFailure time.Time
	lastFailure  time.Time
}

// RateLimiter tracks authentication failures per (client IP, protocol).
// One instance serves every listener in the process. A nil *RateLimiter is
// valid and disables limiting.
type RateLimiter struct {
	maxFailed       int
	window          time.Duration
	baseDelay       time.Duration
	maxDelay        time.Duration
	cleanupInterval time.Duration

	mu       sync.RWMutex
	failures map[limitKey]*failureInfo

	stopCleanup chan struct{}
}

func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.MaxFailedAttempts <= 0 {
		return nil
	}
	if cfg.LockoutWindow <= 0 {
		cfg.LockoutWindow = 15 * time.Minute
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	logger.Info("Auth rate limiter initialized", "max_failed", cfg.MaxFailedAttempts, "window", cfg.LockoutWindow, "base_delay", cfg.BaseDelay, "max_delay", cfg.MaxDelay)

	return &RateLimiter{
		maxFailed:       cfg.MaxFailedAttempts,
		window:          cfg.LockoutWindow,
		baseDelay:       cfg.BaseDelay,
		maxDelay:        cfg.MaxDelay,
		cleanupInterval: cfg.CleanupInterval,
		failures:        make(map[limitKey]*failureInfo),
		stopCleanup:     make(chan struct{}),
	}
}

// CanAttempt checks whether the client may attempt authentication. It
// returns a *LockoutError once the failure count has reached the
// threshold within the window.
func (rl *RateLimiter) CanAttempt(remoteAddr net.Addr, protocol string) error {
	if rl == nil {
		return nil
	}

	key := limitKey{ip: ipFromAddr(remoteAddr), protocol: protocol}
	now := time.Now()

	rl.mu.RLock()
	info, exists := rl.failures[key]
	rl.mu.RUnlock()

	if !exists || rl.expired(info, now) {
		return nil
	}

	if info.count >= rl.maxFailed {
		retryAfter := info.lastFailure.Add(rl.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return &LockoutError{RetryAfter: retryAfter}
	}

	return nil
}

// Delay returns the backoff the caller must wait before processing this
// attempt: baseDelay doubled per prior failure, capped at maxDelay. Zero
// when the client has no recent failures.
func (rl *RateLimiter) Delay(remoteAddr net.Addr, protocol string) time.Duration {
	if rl == nil {
		return 0
	}

	key := limitKey{ip: ipFromAddr(remoteAddr), protocol: protocol}

	rl.mu.RLock()
	defer rl.mu.RUnlock()

	info, exists := rl.failures[key]
	if !exists || info.count == 0 || rl.expired(info, time.Now()) {
		return 0
	}

	delay := rl.baseDelay << uint(info.count-1)
	if delay > rl.maxDelay || delay <= 0 {
		delay = rl.maxDelay
	}
	return delay
}

// RecordAttempt registers the outcome of an authentication attempt. A
// success clears the client's failure entry entirely.
func (rl *RateLimiter) RecordAttempt(remoteAddr net.Addr, protocol string, success bool) {
	if rl == nil {
		return
	}

	key := limitKey{ip: ipFromAddr(remoteAddr), protocol: protocol}
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if success {
		delete(rl.failures, key)
		return
	}

	info, exists := rl.failures[key]
	if !exists || rl.expired(info, now) {
		info = &failureInfo{firstFailure: now}
		rl.failures[key] = info
	}
	info.count++
	info.lastFailure = now

	if info.count == rl.maxFailed {
		metrics.AuthenticationLockouts.WithLabelValues(protocol).Inc()
		logger.Warn("Auth rate limiter locked out client", "ip", key.ip, "protocol", protocol, "failures", info.count, "window", rl.window)
	}
}

// StartCleanup sweeps expired entries until ctx is cancelled or Stop is
// called.
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	if rl == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(rl.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-rl.stopCleanup:
				return
			case <-ticker.C:
				rl.cleanup()
			}
		}
	}()
}

func (rl *RateLimiter) Stop() {
	if rl == nil {
		return
	}
	close(rl.stopCleanup)
}

// TrackedClients returns the number of clients with recent failures.
func (rl *RateLimiter) TrackedClients() int {
	if rl == nil {
		return 0
	}
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.failures)
}

func (rl *RateLimiter) cleanup() {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, info := range rl.failures {
		if rl.expired(info, now) {
			delete(rl.failures, key)
			removed++
		}
	}

	if removed > 0 {
		logger.Debug("Auth rate limiter cleaned up expired entries", "removed", removed, "remaining", len(rl.failures))
	}
}

func (rl *RateLimiter) expired(info *failureInfo, now time.Time) bool {
	return now.Sub(info.lastFailure) > rl.window
}

func ipFromAddr(remoteAddr net.Addr) string {
	ip, _, err := net.SplitHostPort(remoteAddr.String())
	if err != nil {
		return remoteAddr.String()
	}
	return ip
}

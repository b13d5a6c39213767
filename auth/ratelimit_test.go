package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

func testAddr(ip string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 12345}
}

// TestRateLimiterLockoutAfterThreshold tests that a client is locked out
// once its failure count reaches the configured threshold.
func TestRateLimiterLockoutAfterThreshold(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		MaxFailedAttempts: 3,
		LockoutWindow:     15 * time.Minute,
	})
	defer rl.Stop()

	addr := testAddr("192.168.1.100")

	// Two failures: below the threshold, still allowed.
	rl.RecordAttempt(addr, "imap", false)
	rl.RecordAttempt(addr, "imap", false)

	if err := rl.CanAttempt(addr, "imap"); err != nil {
		t.Errorf("should not lock out after 2 failures (threshold 3): %v", err)
	}

	// Third failure triggers the lockout.
	rl.RecordAttempt(addr, "imap", false)

	err := rl.CanAttempt(addr, "imap")
	if err == nil {
		t.Fatal("should lock out after 3 failures (threshold 3)")
	}

	var lockout *LockoutError
	if !errors.As(err, &lockout) {
		t.Fatalf("expected *LockoutError, got %T: %v", err, err)
	}
	if lockout.RetryAfter <= 0 {
		t.Errorf("lockout should carry a positive RetryAfter, got %v", lockout.RetryAfter)
	}
	if lockout.RetryAfter > 15*time.Minute {
		t.Errorf("RetryAfter should not exceed the window, got %v", lockout.RetryAfter)
	}

	// A different IP is unaffected.
	if err := rl.CanAttempt(testAddr("192.168.1.101"), "imap"); err != nil {
		t.Errorf("different IP should not be locked out: %v", err)
	}
}

// TestRateLimiterProgressiveDelay tests that the delay doubles with each
// failure starting from the base delay.
func TestRateLimiterProgressiveDelay(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		MaxFailedAttempts: 10,
		LockoutWindow:     15 * time.Minute,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          1 * time.Second,
	})
	defer rl.Stop()

	addr := testAddr("192.168.1.200")

	if d := rl.Delay(addr, "imap"); d != 0 {
		t.Errorf("no failures should mean no delay, got %v", d)
	}

	rl.RecordAttempt(addr, "imap", false)
	if d := rl.Delay(addr, "imap"); d != 100*time.Millisecond {
		t.Errorf("after 1 failure want 100ms delay, got %v", d)
	}

	rl.RecordAttempt(addr, "imap", false)
	if d := rl.Delay(addr, "imap"); d != 200*time.Millisecond {
		t.Errorf("after 2 failures want 200ms delay, got %v", d)
	}

	rl.RecordAttempt(addr, "imap", false)
	if d := rl.Delay(addr, "imap"); d != 400*time.Millisecond {
		t.Errorf("after 3 failures want 400ms delay, got %v", d)
	}
}

// TestRateLimiterDelayCapped tests that the exponential delay never
// exceeds the configured maximum.
func TestRateLimiterDelayCapped(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		MaxFailedAttempts: 100,
		LockoutWindow:     15 * time.Minute,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          300 * time.Millisecond,
	})
	defer rl.Stop()

	addr := testAddr("192.168.1.100")

	rl.RecordAttempt(addr, "imap", false)
	rl.RecordAttempt(addr, "imap", false)
	rl.RecordAttempt(addr, "imap", false)

	// Would be 400ms uncapped.
	if d := rl.Delay(addr, "imap"); d != 300*time.Millisecond {
		t.Errorf("after 3 failures delay should cap at 300ms, got %v", d)
	}

	// Enough failures to overflow the shift entirely; the cap must hold.
	for i := 0; i < 70; i++ {
		rl.RecordAttempt(addr, "imap", false)
	}
	if d := rl.Delay(addr, "imap"); d != 300*time.Millisecond {
		t.Errorf("delay should stay capped at 300ms after many failures, got %v", d)
	}
}

// TestRateLimiterSuccessResetsFailures tests that a successful attempt
// clears the accumulated failure state.
func TestRateLimiterSuccessResetsFailures(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		MaxFailedAttempts: 3,
		LockoutWindow:     15 * time.Minute,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          1 * time.Second,
	})
	defer rl.Stop()

	addr := testAddr("192.168.1.100")

	rl.RecordAttempt(addr, "imap", false)
	rl.RecordAttempt(addr, "imap", false)
	rl.RecordAttempt(addr, "imap", true)

	if err := rl.CanAttempt(addr, "imap"); err != nil {
		t.Errorf("should not be locked out after success: %v", err)
	}
	if d := rl.Delay(addr, "imap"); d != 0 {
		t.Errorf("delay should reset to zero after success, got %v", d)
	}
	if n := rl.TrackedClients(); n != 0 {
		t.Errorf("success should remove the tracking entry, still tracking %d", n)
	}
}

// TestRateLimiterWindowExpiry tests that failures outside the lockout
// window no longer count.
func TestRateLimiterWindowExpiry(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		MaxFailedAttempts: 2,
		LockoutWindow:     100 * time.Millisecond,
		BaseDelay:         10 * time.Millisecond,
		MaxDelay:          100 * time.Millisecond,
	})
	defer rl.Stop()

	addr := testAddr("192.168.1.100")

	rl.RecordAttempt(addr, "imap", false)
	rl.RecordAttempt(addr, "imap", false)

	if err := rl.CanAttempt(addr, "imap"); err == nil {
		t.Fatal("should be locked out after 2 failures (threshold 2)")
	}

	time.Sleep(150 * time.Millisecond)

	if err := rl.CanAttempt(addr, "imap"); err != nil {
		t.Errorf("lockout should lift once the window expires: %v", err)
	}
	if d := rl.Delay(addr, "imap"); d != 0 {
		t.Errorf("expired failures should not produce a delay, got %v", d)
	}

	// A failure after expiry starts a fresh count rather than resuming
	// the stale one.
	rl.RecordAttempt(addr, "imap", false)
	if err := rl.CanAttempt(addr, "imap"); err != nil {
		t.Errorf("single fresh failure should not lock out: %v", err)
	}
}

// TestRateLimiterDisabled tests that a zero threshold disables limiting
// entirely and that the nil limiter is safe to call.
func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{MaxFailedAttempts: 0})
	if rl != nil {
		t.Fatal("zero threshold should produce a nil (disabled) limiter")
	}

	addr := testAddr("192.168.1.100")

	// All methods must be no-ops on the nil receiver.
	for i := 0; i < 10; i++ {
		rl.RecordAttempt(addr, "imap", false)
	}
	if err := rl.CanAttempt(addr, "imap"); err != nil {
		t.Errorf("disabled limiter should allow all attempts: %v", err)
	}
	if d := rl.Delay(addr, "imap"); d != 0 {
		t.Errorf("disabled limiter should never delay, got %v", d)
	}
	rl.StartCleanup(context.Background())
	rl.Stop()
}

// TestRateLimiterProtocolIsolation tests that failures are tracked per
// protocol, not per IP alone.
func TestRateLimiterProtocolIsolation(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		MaxFailedAttempts: 2,
		LockoutWindow:     15 * time.Minute,
	})
	defer rl.Stop()

	addr := testAddr("192.168.1.100")

	rl.RecordAttempt(addr, "imap", false)
	rl.RecordAttempt(addr, "imap", false)

	if err := rl.CanAttempt(addr, "imap"); err == nil {
		t.Error("IMAP should be locked out for this IP")
	}
	if err := rl.CanAttempt(addr, "pop3"); err != nil {
		t.Errorf("POP3 failures are tracked separately, should be allowed: %v", err)
	}
}

// TestRateLimiterCleanupRemovesExpired tests that the background sweep
// drops entries once their window has passed.
func TestRateLimiterCleanupRemovesExpired(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		MaxFailedAttempts: 3,
		LockoutWindow:     50 * time.Millisecond,
		CleanupInterval:   25 * time.Millisecond,
	})
	defer rl.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl.StartCleanup(ctx)

	for i := 0; i < 5; i++ {
		rl.RecordAttempt(testAddr(fmt.Sprintf("10.0.0.%d", i+1)), "imap", false)
	}

	if n := rl.TrackedClients(); n != 5 {
		t.Fatalf("expected 5 tracked clients before cleanup, got %d", n)
	}

	time.Sleep(150 * time.Millisecond)

	if n := rl.TrackedClients(); n != 0 {
		t.Errorf("expected 0 tracked clients after cleanup, got %d", n)
	}
}

// TestRateLimiterConcurrentAccess tests thread safety under concurrent
// recording and checking.
func TestRateLimiterConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		MaxFailedAttempts: 10,
		LockoutWindow:     15 * time.Minute,
	})
	defer rl.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			addr := testAddr(fmt.Sprintf("192.168.1.%d", 100+id))
			for j := 0; j < 20; j++ {
				rl.RecordAttempt(addr, "imap", j%3 == 0)
				rl.CanAttempt(addr, "imap")
				rl.Delay(addr, "imap")
			}
		}(i)
	}
	wg.Wait()

	if rl.TrackedClients() < 0 {
		t.Error("tracked client count should never be negative")
	}
}

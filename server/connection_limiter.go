package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relatemail/ferry/logger"
	"github.com/relatemail/ferry/pkg/metrics"
)

// ConnectionLimiter enforces a total and a per-IP connection cap for one
// protocol listener. A zero or negative cap disables that check.
type ConnectionLimiter struct {
	protocol        string
	maxConnections  int
	maxPerIP        int
	currentTotal    atomic.Int64
	mu              sync.RWMutex
	perIP           map[string]*atomic.Int64
	cleanupInterval time.Duration
}

func NewConnectionLimiter(protocol string, maxConnections, maxPerIP int) *ConnectionLimiter {
	return &ConnectionLimiter{
		protocol:        protocol,
		maxConnections:  maxConnections,
		maxPerIP:        maxPerIP,
		perIP:           make(map[string]*atomic.Int64),
		cleanupInterval: 5 * time.Minute,
	}
}

// CanAccept reports whether a new connection from remoteAddr would be
// admitted, without registering it.
func (cl *ConnectionLimiter) CanAccept(remoteAddr net.Addr) error {
	if cl.maxConnections > 0 {
		if current := cl.currentTotal.Load(); current >= int64(cl.maxConnections) {
			metrics.ConnectionsRejectedTotal.WithLabelValues(cl.protocol, "total_limit").Inc()
			return fmt.Errorf("maximum connections reached (%d/%d)", current, cl.maxConnections)
		}
	}

	if cl.maxPerIP > 0 {
		ip := ipFromAddr(remoteAddr)

		cl.mu.RLock()
		counter, exists := cl.perIP[ip]
		cl.mu.RUnlock()

		if exists {
			if current := counter.Load(); current >= int64(cl.maxPerIP) {
				metrics.ConnectionsRejectedTotal.WithLabelValues(cl.protocol, "per_ip_limit").Inc()
				return fmt.Errorf("maximum connections per IP reached for %s (%d/%d)", ip, current, cl.maxPerIP)
			}
		}
	}

	return nil
}

// Accept registers a new connection and returns a release function. The
// release function must be called exactly once when the connection closes.
func (cl *ConnectionLimiter) Accept(remoteAddr net.Addr) (func(), error) {
	if err := cl.CanAccept(remoteAddr); err != nil {
		return nil, err
	}

	ip := ipFromAddr(remoteAddr)
	total := cl.currentTotal.Add(1)

	var counter *atomic.Int64
	if cl.maxPerIP > 0 {
		cl.mu.Lock()
		var exists bool
		counter, exists = cl.perIP[ip]
		if !exists {
			counter = &atomic.Int64{}
			cl.perIP[ip] = counter
		}
		cl.mu.Unlock()

		perIP := counter.Add(1)
		logger.Debug("Connection limiter: connection accepted", "protocol", cl.protocol, "ip", ip, "total", total, "max_total", cl.maxConnections, "per_ip", perIP, "max_per_ip", cl.maxPerIP)
	} else {
		logger.Debug("Connection limiter: connection accepted", "protocol", cl.protocol, "ip", ip, "total", total, "max_total", cl.maxConnections)
	}

	return func() {
		cl.currentTotal.Add(-1)

		if counter != nil {
			if remaining := counter.Add(-1); remaining <= 0 {
				cl.mu.Lock()
				if counter.Load() <= 0 {
					delete(cl.perIP, ip)
				}
				cl.mu.Unlock()
			}
		}
	}, nil
}

// GetStats returns a snapshot of current connection counts.
func (cl *ConnectionLimiter) GetStats() ConnectionStats {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	stats := ConnectionStats{
		Protocol:         cl.protocol,
		TotalConnections: cl.currentTotal.Load(),
		MaxConnections:   int64(cl.maxConnections),
		MaxPerIP:         int64(cl.maxPerIP),
		IPConnections:    make(map[string]int64, len(cl.perIP)),
	}
	for ip, counter := range cl.perIP {
		stats.IPConnections[ip] = counter.Load()
	}

	return stats
}

// StartCleanup periodically drops per-IP entries that have reached zero,
// bounding map growth from one-shot clients.
func (cl *ConnectionLimiter) StartCleanup(ctx context.Context) {
	if cl.cleanupInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(cl.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cl.cleanup()
			}
		}
	}()
}

func (cl *ConnectionLimiter) cleanup() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cleaned := 0
	for ip, counter := range cl.perIP {
		if counter.Load() <= 0 {
			delete(cl.perIP, ip)
			cleaned++
		}
	}

	if cleaned > 0 {
		logger.Debug("Connection limiter: cleaned up stale IP entries", "protocol", cl.protocol, "count", cleaned)
	}
}

func ipFromAddr(remoteAddr net.Addr) string {
	ip, _, err := net.SplitHostPort(remoteAddr.String())
	if err != nil {
		return remoteAddr.String()
	}
	return ip
}

// ConnectionStats is a point-in-time view of a limiter's counters.
type ConnectionStats struct {
	Protocol         string
	TotalConnections int64
	MaxConnections   int64
	MaxPerIP         int64
	IPConnections    map[string]int64
}

package metrics

import (
	"context"
	"time"

	"github.com/relatemail/ferry/logger"
)

// ServerStats holds aggregate statistics returned by the database.
type ServerStats struct {
	TotalAccounts    int64
	TotalMessages    int64
	OutboundByStatus map[string]int64
}

// StatsProvider is an interface for retrieving server statistics.
type StatsProvider interface {
	GetServerStats(ctx context.Context) (*ServerStats, error)
}

// CacheStatsProvider is an interface for content cache statistics.
type CacheStatsProvider interface {
	GetStats() (objectCount int64, totalSize int64, err error)
}

// Collector periodically refreshes database-backed gauges.
type Collector struct {
	provider      StatsProvider
	cacheProvider CacheStatsProvider
	interval      time.Duration
	stopCh        chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second
	}

	return &Collector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// NewCollectorWithCache creates a new metrics collector that also polls
// content cache statistics.
func NewCollectorWithCache(provider StatsProvider, cacheProvider CacheStatsProvider, interval time.Duration) *Collector {
	c := NewCollector(provider, interval)
	c.cacheProvider = cacheProvider
	return c
}

// Start begins the metrics collection loop.
func (c *Collector) Start(ctx context.Context) {
	// Collect immediately on start
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping due to context cancellation")
			return
		case <-c.stopCh:
			logger.Info("MetricsCollector stopping due to stop signal")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// Stop signals the collector to stop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

// collect retrieves and updates all gauges.
func (c *Collector) collect(ctx context.Context) {
	stats, err := c.provider.GetServerStats(ctx)
	if err != nil {
		logger.Error("MetricsCollector: error collecting stats", "error", err)
		return
	}

	AccountsTotal.Set(float64(stats.TotalAccounts))
	MessagesTotal.Set(float64(stats.TotalMessages))
	for status, count := range stats.OutboundByStatus {
		OutboundQueueDepth.WithLabelValues(status).Set(float64(count))
	}

	if c.cacheProvider != nil {
		objectCount, totalSize, err := c.cacheProvider.GetStats()
		if err != nil {
			logger.Error("MetricsCollector: error collecting cache stats", "error", err)
		} else {
			CacheObjectsTotal.Set(float64(objectCount))
			CacheSizeBytes.Set(float64(totalSize))
		}
	}
}

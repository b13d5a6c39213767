// Package cleaner permanently removes expunged messages once their grace
// period has passed. Expunge only marks rows; this worker deletes them in
// batches and removes content objects that no row references any longer.
package cleaner

import (
	"context"
	"fmt"
	"time"

	"github.com/relatemail/ferry/logger"
)

// pruneBatchSize bounds a single prune transaction. A backlog is drained
// batch by batch within one wake.
const pruneBatchSize = 1000

// Store prunes expunged message rows and reports which content hashes
// the deletion orphaned. *db.Database implements it.
type Store interface {
	PruneExpunged(ctx context.Context, olderThan time.Time, limit int) (int64, []string, error)
}

// ObjectStore removes content objects by hash key.
type ObjectStore interface {
	Delete(key string) error
}

// ContentCache evicts locally cached content by hash.
type ContentCache interface {
	Delete(contentHash string) error
}

type Worker struct {
	store       Store
	objects     ObjectStore
	cache       ContentCache
	gracePeriod time.Duration
	interval    time.Duration
	stopCh      chan struct{}
}

func New(store Store, objects ObjectStore, cache ContentCache, gracePeriod, interval time.Duration) *Worker {
	return &Worker{
		store:       store,
		objects:     objects,
		cache:       cache,
		gracePeriod: gracePeriod,
		interval:    interval,
		stopCh:      make(chan struct{}),
	}
}

// Start runs the cleanup loop in its own goroutine until the context is
// cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	interval := w.interval

	const minAllowedInterval = time.Minute
	if interval < minAllowedInterval {
		logger.Warn("Cleaner: configured wake interval below minimum, using minimum",
			"configured", interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}

	logger.Info("Cleaner: worker started", "wake_interval", interval, "grace_period", w.gracePeriod)

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("Cleaner: worker stopped", "reason", "context cancelled")
				return
			case <-w.stopCh:
				logger.Info("Cleaner: worker stopped")
				return
			case <-ticker.C:
				if err := w.runOnce(ctx); err != nil {
					logger.Error("Cleaner: run failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the worker to exit.
func (w *Worker) Stop() {
	close(w.stopCh)
}

// runOnce prunes every message expunged before the grace cutoff and
// removes the content objects the pruning orphaned. Each batch is its
// own transaction, SKIP LOCKED keeps concurrent runs from colliding.
func (w *Worker) runOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-w.gracePeriod)
	var prunedRows, removedObjects int64

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pruned, orphaned, err := w.store.PruneExpunged(ctx, cutoff, pruneBatchSize)
		if err != nil {
			return fmt.Errorf("prune expunged messages: %w", err)
		}
		prunedRows += pruned
		removedObjects += w.removeObjects(ctx, orphaned)

		if pruned < pruneBatchSize {
			break
		}
	}

	if prunedRows > 0 {
		logger.Info("Cleaner: pruned expunged messages",
			"messages", prunedRows, "objects", removedObjects, "cutoff", cutoff)
	}
	return nil
}

// removeObjects deletes orphaned content from the object store and the
// local cache. A failed store delete leaves the object behind for the
// admin content scan to sweep; the database rows are already gone, so
// there is nothing to retry against.
func (w *Worker) removeObjects(ctx context.Context, hashes []string) int64 {
	var removed int64
	for _, hash := range hashes {
		select {
		case <-ctx.Done():
			return removed
		default:
		}

		if err := w.objects.Delete(hash); err != nil {
			logger.Warn("Cleaner: failed to delete content object", "hash", hash, "error", err)
		} else {
			removed++
		}

		// Cache entries are evicted regardless: the store stays
		// authoritative and a miss refetches.
		if err := w.cache.Delete(hash); err != nil {
			logger.Debug("Cleaner: failed to evict cached content", "hash", hash, "error", err)
		}
	}
	return removed
}

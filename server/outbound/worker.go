package outbound

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relatemail/ferry/db"
	"github.com/relatemail/ferry/logger"
	"github.com/relatemail/ferry/pkg/metrics"
)

// Queue is the part of the outbound store the worker polls.
// *db.Database satisfies it.
type Queue interface {
	FetchDueOutbound(ctx context.Context, limit int) ([]*db.OutboundMessage, error)
	CountOutboundByStatus(ctx context.Context) (map[string]int64, error)
}

// Handler processes one claimed outbound message through to a terminal
// or requeued state. *Engine satisfies it.
type Handler interface {
	Process(ctx context.Context, email *db.OutboundMessage) error
}

// Worker polls the outbound queue and hands due messages to a Handler
// with bounded concurrency. Start and Stop are idempotent.
type Worker struct {
	queue       Queue
	handler     Handler
	interval    time.Duration
	concurrency int
	notifyCh    chan struct{}
	stopCh      chan struct{}
	errCh       chan<- error
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

// NewWorker creates a worker. errCh may be nil; errors are then only
// logged.
func NewWorker(queue Queue, handler Handler, interval time.Duration, concurrency int, errCh chan<- error) *Worker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Worker{
		queue:       queue,
		handler:     handler,
		interval:    interval,
		concurrency: concurrency,
		notifyCh:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		errCh:       errCh,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	logger.Info("Outbound: worker started", "interval", w.interval, "concurrency", w.concurrency)
}

// Stop shuts the loop down and waits for in-flight deliveries to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()

	logger.Info("Outbound: worker stopped")
}

// NotifyQueued wakes the worker without waiting out the poll interval.
// Non-blocking; one pending wakeup is enough.
func (w *Worker) NotifyQueued() {
	select {
	case w.notifyCh <- struct{}{}:
	default:
	}
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.wg.Done()
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// First pass immediately so a restart does not sit out an interval.
	w.processBatch(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.processBatch(ctx)
		case <-w.notifyCh:
			w.processBatch(ctx)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	batch, err := w.queue.FetchDueOutbound(ctx, w.concurrency)
	if err != nil {
		w.reportError(fmt.Errorf("fetch due outbound: %w", err))
		return
	}

	if len(batch) > 0 {
		logger.Debug("Outbound: processing batch", "count", len(batch))

		sem := make(chan struct{}, w.concurrency)
		var wg sync.WaitGroup
		for _, email := range batch {
			select {
			case <-ctx.Done():
				wg.Wait()
				return
			case sem <- struct{}{}:
			}
			wg.Add(1)
			go func(email *db.OutboundMessage) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := w.handler.Process(ctx, email); err != nil {
					w.reportError(fmt.Errorf("deliver %s: %w", email.ID, err))
				}
			}(email)
		}
		wg.Wait()
	}

	w.refreshQueueDepth(ctx)
}

// refreshQueueDepth publishes the per-status gauges. Statuses absent
// from the counts reset to zero.
func (w *Worker) refreshQueueDepth(ctx context.Context) {
	counts, err := w.queue.CountOutboundByStatus(ctx)
	if err != nil {
		logger.Debug("Outbound: queue depth refresh failed", "error", err)
		return
	}
	for _, status := range []db.OutboundStatus{db.OutboundQueued, db.OutboundSending, db.OutboundSent, db.OutboundPartialFailure, db.OutboundFailed} {
		metrics.OutboundQueueDepth.WithLabelValues(string(status)).Set(float64(counts[string(status)]))
	}
}

func (w *Worker) reportError(err error) {
	if w.errCh == nil {
		logger.Error("Outbound: worker error", "error", err)
		return
	}
	select {
	case w.errCh <- err:
	default:
		logger.Error("Outbound: worker error", "error", err)
	}
}

// Package taskqueue provides a bounded in-process queue for deferred
// best-effort work, such as last-used timestamp updates that must not
// block an authentication path.
package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relatemail/ferry/logger"
	"github.com/relatemail/ferry/pkg/metrics"
)

const defaultTaskTimeout = 30 * time.Second

// Task is a deferred unit of background work. Tasks are best-effort: a
// failure is logged and the task discarded, never retried.
type Task struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Queue is a bounded FIFO drained by a single consumer goroutine. When the
// queue is full, the oldest pending task is dropped to admit the new one,
// so a slow consumer sheds the stalest work first.
type Queue struct {
	name     string
	capacity int

	mu     sync.Mutex
	tasks  []Task
	closed bool

	notify chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

func New(name string, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		name:     name,
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the consumer goroutine. Cancelling ctx aborts the
// consumer without draining; use Stop for a graceful drain.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		defer close(q.done)
		logger.Info("TaskQueue started", "queue", q.name, "capacity", q.capacity)

		for {
			if t, ok := q.pop(); ok {
				q.run(t)
				continue
			}

			select {
			case <-ctx.Done():
				logger.Info("TaskQueue aborted", "queue", q.name, "pending", q.Len())
				return
			case <-q.quit:
				// Intake is closed; whatever pop sees now is final.
				for {
					t, ok := q.pop()
					if !ok {
						logger.Info("TaskQueue drained", "queue", q.name)
						return
					}
					q.run(t)
				}
			case <-q.notify:
			}
		}
	}()
}

// Enqueue adds a task. It returns false once the queue has been stopped.
// When the queue is at capacity, the oldest pending task is dropped.
func (q *Queue) Enqueue(t Task) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.tasks) >= q.capacity {
		dropped := q.tasks[0]
		q.tasks[0] = Task{}
		q.tasks = q.tasks[1:]
		metrics.TaskQueueDroppedTotal.Inc()
		logger.Warn("TaskQueue full, dropping oldest task", "queue", q.name, "task", dropped.Name, "capacity", q.capacity)
	}
	q.tasks = append(q.tasks, t)
	depth := len(q.tasks)
	q.mu.Unlock()

	metrics.TaskQueueDepth.Set(float64(depth))

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Stop closes intake, waits for already-enqueued tasks to finish, and
// returns. ctx bounds the wait.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	alreadyClosed := q.closed
	q.closed = true
	q.mu.Unlock()

	if !alreadyClosed {
		close(q.quit)
	}

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return Task{}, false
	}
	t := q.tasks[0]
	q.tasks[0] = Task{}
	q.tasks = q.tasks[1:]
	return t, true
}

func (q *Queue) run(t Task) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), defaultTaskTimeout)
	err := q.invoke(ctx, t)
	cancel()

	if err != nil {
		metrics.TaskQueueTasksTotal.WithLabelValues("error").Inc()
		logger.Warn("TaskQueue task failed", "queue", q.name, "task", t.Name, "duration", time.Since(start), "error", err)
	} else {
		metrics.TaskQueueTasksTotal.WithLabelValues("success").Inc()
	}
	metrics.TaskQueueDepth.Set(float64(q.Len()))
}

func (q *Queue) invoke(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return t.Fn(ctx)
}

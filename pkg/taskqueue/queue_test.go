package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recorder collects executed task names in order.
type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) task(name string) Task {
	return Task{
		Name: name,
		Fn: func(ctx context.Context) error {
			r.mu.Lock()
			r.names = append(r.names, name)
			r.mu.Unlock()
			return nil
		},
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func TestQueueExecutesTasks(t *testing.T) {
	q := New("test", 10)
	rec := &recorder{}

	q.Start(context.Background())

	if !q.Enqueue(rec.task("a")) {
		t.Fatal("enqueue failed on open queue")
	}
	q.Enqueue(rec.task("b"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	got := rec.snapshot()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("expected [a b], got %v", got)
	}
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	q := New("test", 2)
	rec := &recorder{}

	// Fill before starting the consumer so occupancy is deterministic.
	q.Enqueue(rec.task("a"))
	q.Enqueue(rec.task("b"))
	q.Enqueue(rec.task("c")) // drops "a"

	if q.Len() != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", q.Len())
	}

	q.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	got := rec.snapshot()
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("expected oldest task dropped, executed %v", got)
	}
}

func TestQueueStopDrainsPending(t *testing.T) {
	q := New("test", 100)
	rec := &recorder{}

	for i := 0; i < 50; i++ {
		q.Enqueue(rec.task("t"))
	}

	q.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if got := len(rec.snapshot()); got != 50 {
		t.Errorf("expected all 50 tasks drained, got %d", got)
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue after drain, got %d", q.Len())
	}
}

func TestQueueRejectsAfterStop(t *testing.T) {
	q := New("test", 10)
	q.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if q.Enqueue(Task{Name: "late", Fn: func(ctx context.Context) error { return nil }}) {
		t.Error("expected enqueue to fail after stop")
	}
}

func TestQueueSurvivesFailingAndPanickingTasks(t *testing.T) {
	q := New("test", 10)
	rec := &recorder{}

	q.Start(context.Background())

	q.Enqueue(Task{Name: "fails", Fn: func(ctx context.Context) error {
		return errors.New("boom")
	}})
	q.Enqueue(Task{Name: "panics", Fn: func(ctx context.Context) error {
		panic("boom")
	}})
	q.Enqueue(rec.task("after"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	got := rec.snapshot()
	if len(got) != 1 || got[0] != "after" {
		t.Errorf("expected consumer to keep running after failures, executed %v", got)
	}
}

func TestQueueDoubleStop(t *testing.T) {
	q := New("test", 10)
	q.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("first stop failed: %v", err)
	}
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
}

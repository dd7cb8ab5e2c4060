// Package dispatcher contains tests for worker coordination.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/netzbureau/tariffscout/internal/pipeline"
	"github.com/netzbureau/tariffscout/internal/queue"
	qmemory "github.com/netzbureau/tariffscout/internal/queue/memory"
	"github.com/netzbureau/tariffscout/internal/store"
	"github.com/netzbureau/tariffscout/internal/worker"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	q := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(1, q, &countingRunner{}, zap.NewNop())
	dispatch := New(q, []*worker.Worker{w})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-q.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherDrainsQueueOnClose verifies queued jobs still run after
// intake closes and that Run returns once the pool drains.
func TestDispatcherDrainsQueueOnClose(t *testing.T) {
	t.Parallel()

	q := qmemory.NewQueue(4)
	runner := &countingRunner{}
	workers := []*worker.Worker{
		worker.New(1, q, runner, zap.NewNop()),
		worker.New(2, q, runner, zap.NewNop()),
	}
	dispatch := New(q, workers)

	ctx := context.Background()
	for _, id := range []string{"job-1", "job-2", "job-3"} {
		if err := dispatch.Enqueue(ctx, queue.Item{JobID: id}); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}
	q.Close()

	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not drain and stop after queue close")
	}
	if got := runner.count(); got != 3 {
		t.Fatalf("expected 3 jobs run, got %d", got)
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	q := &errorQueue{err: errors.New("boom")}
	dispatch := New(q, nil)

	err := dispatch.Enqueue(context.Background(), queue.Item{JobID: "job"})
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

type countingRunner struct {
	mu sync.Mutex
	n  int
}

func (r *countingRunner) Run(_ context.Context, _ string) (pipeline.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	return pipeline.Result{Status: store.JobCompleted}, nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ queue.Item) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (queue.Item, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return queue.Item{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

func (q *blockingQueue) Close() {}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, queue.Item) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (queue.Item, error) {
	return queue.Item{}, nil
}

func (q *errorQueue) Close() {}

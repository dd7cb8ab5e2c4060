// Package queue carries accepted crawl jobs from the API intake to the
// worker pool. Items are job references only; workers load all state
// from the store, so a lost item never loses job data.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned for operations against a queue that has shut
// down.
var ErrClosed = errors.New("queue closed")

// Item is one queued crawl job reference.
type Item struct {
	// JobID names the crawl job the worker will run.
	JobID string
	// Attempt counts submissions of this job, starting at 1.
	Attempt int
	// Submitted is when intake accepted the job.
	Submitted time.Time
}

// Queue is the handoff between intake and the worker pool.
type Queue interface {
	// Enqueue hands a job reference to the workers. A full queue blocks
	// until space frees or the context ends.
	Enqueue(ctx context.Context, item Item) error
	// Dequeue pops the next job reference, blocking until one arrives,
	// the context ends, or the queue closes.
	Dequeue(ctx context.Context) (Item, error)
	// Close stops intake. Items already queued drain before Dequeue
	// reports ErrClosed.
	Close()
}

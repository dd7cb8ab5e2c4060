// Package worker implements the crawl pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/netzbureau/tariffscout/internal/pipeline"
	"github.com/netzbureau/tariffscout/internal/queue"
	"github.com/netzbureau/tariffscout/internal/store"
	"github.com/netzbureau/tariffscout/internal/telemetry"
)

// Runner runs one crawl job to completion. Satisfied by
// pipeline.Runner.
type Runner interface {
	Run(ctx context.Context, jobID string) (pipeline.Result, error)
}

// Worker consumes queue items and executes the crawl pipeline.
type Worker struct {
	id     int
	queue  queue.Queue
	runner Runner
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, q queue.Queue, runner Runner, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		queue:  q,
		runner: runner,
		logger: logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the
// queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

// processJob drives one job through the pipeline. Job-level outcomes
// (failed verification, no document found) come back inside the Result;
// an error return means the run infrastructure itself broke.
func (w *Worker) processJob(ctx context.Context, item queue.Item) {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	start := time.Now()
	result, err := w.runner.Run(ctx, item.JobID)
	if err != nil {
		w.logger.Error("pipeline run failed",
			zap.String("job_id", item.JobID),
			zap.Error(err),
		)
		return
	}

	switch result.Status {
	case store.JobCompleted:
		w.logger.Info("job completed",
			zap.String("job_id", item.JobID),
			zap.Duration("dur", time.Since(start)),
		)
	case store.JobCancelled:
		w.logger.Info("job cancelled",
			zap.String("job_id", item.JobID),
		)
	default:
		w.logger.Warn("job did not complete",
			zap.String("job_id", item.JobID),
			zap.String("status", string(result.Status)),
			zap.String("reason", result.Message),
			zap.Duration("dur", time.Since(start)),
		)
	}
}

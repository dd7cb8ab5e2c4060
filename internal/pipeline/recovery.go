package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/netzbureau/tariffscout/internal/crawler"
	"github.com/netzbureau/tariffscout/internal/store"
)

// defaultStaleThreshold is how old a crawl lock must be before the sweep
// treats its holder as dead.
const defaultStaleThreshold = time.Hour

// recoveryPageSize bounds how many orphaned pending jobs one sweep round
// loads at a time.
const recoveryPageSize = 200

// Recovery repairs state left behind by ungraceful shutdowns: crawl locks
// whose holder died, the running jobs that held them, and pending jobs
// whose queue entry vanished with the process. It must run once at
// startup, before the API and the workers accept jobs.
type Recovery struct {
	store     store.Store
	clock     crawler.Clock
	threshold time.Duration
	logger    *zap.Logger
}

// NewRecovery builds a sweep with the given staleness threshold; zero or
// negative selects the default of one hour.
func NewRecovery(st store.Store, clock crawler.Clock, threshold time.Duration, logger *zap.Logger) *Recovery {
	if clock == nil {
		clock = systemClock{}
	}
	if threshold <= 0 {
		threshold = defaultStaleThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recovery{
		store:     st,
		clock:     clock,
		threshold: threshold,
		logger:    logger.Named("recovery"),
	}
}

// Sweep releases stale crawl locks and fails the jobs they orphaned. It
// returns how many targets were recovered. Locks younger than the
// threshold are left alone: their holder may still be alive.
func (r *Recovery) Sweep(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().UTC().Add(-r.threshold)
	stale, err := r.store.ListStaleLocks(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale locks: %w", err)
	}

	recovered := 0
	for _, target := range stale {
		if err := r.store.ReleaseLock(ctx, target.ID); err != nil {
			r.logger.Error("release stale lock",
				zap.String("target_id", target.ID),
				zap.Error(err),
			)
			continue
		}
		r.failOrphanedRunning(ctx, target.ID)
		recovered++
		r.logger.Warn("recovered stale crawl lock",
			zap.String("target_id", target.ID),
			zap.Timep("locked_at", target.LockedAt),
		)
	}

	r.failAbandonedPending(ctx)
	return recovered, nil
}

// failOrphanedRunning fails every job still marked running against the
// given target. Their step audit trail keeps whatever the dead process
// managed to record.
func (r *Recovery) failOrphanedRunning(ctx context.Context, targetID string) {
	running := store.JobRunning
	jobs, err := r.store.ListTargetJobs(ctx, targetID, &running)
	if err != nil {
		r.logger.Error("list orphaned running jobs",
			zap.String("target_id", targetID),
			zap.Error(err),
		)
		return
	}
	now := r.clock.Now().UTC()
	for _, job := range jobs {
		job.Status = store.JobFailed
		job.ErrorMessage = "crawl lock expired; job recovered at startup"
		job.CompletedAt = &now
		if err := r.store.SaveJob(ctx, job); err != nil {
			r.logger.Error("fail orphaned job",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
	}
}

// failAbandonedPending fails jobs still pending at startup. The queue is
// in-memory, so a pending job at this point has no worker coming for it.
func (r *Recovery) failAbandonedPending(ctx context.Context) {
	pending := store.JobPending
	for {
		jobs, err := r.store.ListJobs(ctx, &pending, recoveryPageSize, 0)
		if err != nil {
			r.logger.Error("list abandoned pending jobs", zap.Error(err))
			return
		}
		if len(jobs) == 0 {
			return
		}
		now := r.clock.Now().UTC()
		failed := 0
		for _, job := range jobs {
			job.Status = store.JobFailed
			job.ErrorMessage = "job was queued when the service stopped; submit it again"
			job.CompletedAt = &now
			if err := r.store.SaveJob(ctx, job); err != nil {
				r.logger.Error("fail abandoned job",
					zap.String("job_id", job.ID),
					zap.Error(err),
				)
				continue
			}
			failed++
		}
		r.logger.Warn("failed abandoned pending jobs", zap.Int("count", failed))
		if failed == 0 || len(jobs) < recoveryPageSize {
			return
		}
	}
}

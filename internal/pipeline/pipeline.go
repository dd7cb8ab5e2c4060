// Package pipeline runs crawl jobs as a fixed step sequence with
// write-through persistence, per-step audit records, and a per-target
// crawl lock held for the whole run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/netzbureau/tariffscout/internal/crawler"
	"github.com/netzbureau/tariffscout/internal/progress"
	"github.com/netzbureau/tariffscout/internal/store"
	"github.com/netzbureau/tariffscout/internal/telemetry"
)

// StepFunc does the work of one pipeline step. It communicates with later
// steps only through the job's context bag and returns a short outcome
// message for the audit record.
type StepFunc func(ctx context.Context, job *store.CrawlJob) (string, error)

// Step pairs a step label with its implementation.
type Step struct {
	Name string
	Run  StepFunc
}

// Result is the runner's verdict on one job, mirrored back to the queue.
type Result struct {
	Status  store.JobStatus
	Message string
}

// errCancelled signals that the persisted job flipped to cancelled while
// the run was between steps.
var errCancelled = errors.New("job cancelled")

// Runner executes jobs step by step. Job state is written through to the
// store at every transition: current step before execution, progress only
// after success, terminal status exactly once.
type Runner struct {
	store   store.Store
	steps   []Step
	emitter progress.Emitter
	clock   crawler.Clock
	logger  *zap.Logger
}

// NewRunner wires a runner over the given step sequence.
func NewRunner(st store.Store, steps []Step, emitter progress.Emitter, clock crawler.Clock, logger *zap.Logger) *Runner {
	if emitter == nil {
		emitter = progress.NopEmitter{}
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		store:   st,
		steps:   steps,
		emitter: emitter,
		clock:   clock,
		logger:  logger.Named("pipeline"),
	}
}

// Run drives one job to a terminal state. A non-nil error means the run
// could not be executed or recorded at all (load or persistence faults);
// handled job failures come back as a failed Result with a nil error.
func (r *Runner) Run(ctx context.Context, jobID string) (Result, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return Result{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		return Result{Status: job.Status, Message: "job already finished"}, nil
	}

	log := r.logger.With(
		zap.String("job_id", job.ID),
		zap.String("target_id", job.TargetID),
		zap.String("data_type", string(job.DataType)),
	)

	ctx, span := telemetry.StartJobSpan(ctx, job.ID, job.TargetID, string(job.DataType))
	defer span.End()

	if err := r.store.AcquireLock(ctx, job.TargetID, r.clock.Now().UTC()); err != nil {
		switch {
		case errors.Is(err, store.ErrLockHeld):
			return r.failJob(ctx, &job, log, fmt.Sprintf("target %s is locked by another crawl", job.TargetID))
		case errors.Is(err, store.ErrNotFound):
			return r.failJob(ctx, &job, log, fmt.Sprintf("target %s not found", job.TargetID))
		default:
			return Result{}, fmt.Errorf("acquire crawl lock for %s: %w", job.TargetID, err)
		}
	}
	// The lock must come off on every exit path, including shutdown
	// cancellation, hence the detached context.
	defer func() {
		if err := r.store.ReleaseLock(context.WithoutCancel(ctx), job.TargetID); err != nil {
			log.Error("release crawl lock", zap.Error(err))
		}
	}()

	started := r.clock.Now().UTC()
	job.Status = store.JobRunning
	job.StartedAt = &started
	if err := r.persistJob(ctx, &job); err != nil {
		if errors.Is(err, errCancelled) {
			return r.finishCancelled(ctx, &job, log, "cancelled before the first step"), nil
		}
		return Result{}, err
	}
	r.emit(&job, progress.StageJobStart, "", 0, "")
	log.Info("job started", zap.Int("steps", len(r.steps)))

	for i, step := range r.steps {
		// Cancellation is honored between steps only: a shutdown of the
		// process or an externally persisted cancel stops the run here.
		if ctx.Err() != nil {
			return r.finishCancelled(ctx, &job, log, "cancelled during shutdown"), nil
		}

		job.CurrentStep = step.Name
		if err := r.persistJob(ctx, &job); err != nil {
			if errors.Is(err, errCancelled) {
				return r.finishCancelled(ctx, &job, log, "cancelled by request"), nil
			}
			return Result{}, err
		}

		stepStarted := r.clock.Now().UTC()
		record, err := r.store.AppendStep(context.WithoutCancel(ctx), store.CrawlJobStep{
			JobID:     job.ID,
			StepName:  step.Name,
			Status:    store.StepRunning,
			StartedAt: stepStarted,
		})
		if err != nil {
			return Result{}, fmt.Errorf("append step record for %s: %w", step.Name, err)
		}
		r.emit(&job, progress.StageStepStart, step.Name, 0, "")

		snapshot := store.CloneContext(job.Context)
		stepCtx, stepSpan := telemetry.StartStepSpan(ctx, step.Name)
		message, stepErr := step.Run(stepCtx, &job)
		dur := r.clock.Now().UTC().Sub(stepStarted)
		telemetry.EndSpan(stepSpan, stepErr)
		if stepErr != nil {
			job.Context = snapshot
			return r.failStep(ctx, &job, log, record.ID, step.Name, dur, stepErr)
		}

		if err := r.completeStep(ctx, record.ID, store.StepDone, dur, message); err != nil {
			return Result{}, err
		}
		job.Progress = (i + 1) * 100 / len(r.steps)
		if err := r.persistJob(ctx, &job); err != nil {
			if errors.Is(err, errCancelled) {
				return r.finishCancelled(ctx, &job, log, "cancelled by request"), nil
			}
			return Result{}, err
		}
		r.emit(&job, progress.StageStepDone, step.Name, dur, message)
		log.Info("step done",
			zap.String("step", step.Name),
			zap.Int("progress", job.Progress),
			zap.Duration("dur", dur),
			zap.String("result", message),
		)
	}

	finished := r.clock.Now().UTC()
	job.Status = store.JobCompleted
	job.CompletedAt = &finished
	// A cancel racing the last step loses: every effect is already
	// committed, so completion is recorded unconditionally.
	if err := r.store.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		return Result{}, fmt.Errorf("save job %s: %w", job.ID, err)
	}
	total := finished.Sub(started)
	r.emit(&job, progress.StageJobDone, "", total, "")
	log.Info("job completed", zap.Duration("dur", total))
	return Result{Status: store.JobCompleted, Message: "crawl completed"}, nil
}

// Steps exposes the configured step labels in execution order.
func (r *Runner) Steps() []string {
	names := make([]string, len(r.steps))
	for i, s := range r.steps {
		names[i] = s.Name
	}
	return names
}

// persistJob writes the in-memory job through to the store. The persisted
// row is consulted first: a cancellation recorded there wins over any
// non-terminal in-memory state, which is what makes API cancellation take
// effect at every between-step write. Writes run on a detached context so
// completed work is still recorded during shutdown; the loop's own ctx
// check stops the run.
func (r *Runner) persistJob(ctx context.Context, job *store.CrawlJob) error {
	detached := context.WithoutCancel(ctx)
	stored, err := r.store.GetJob(detached, job.ID)
	if err != nil {
		return fmt.Errorf("reload job %s: %w", job.ID, err)
	}
	if stored.Status == store.JobCancelled && !job.Status.Terminal() {
		return errCancelled
	}
	if err := r.store.SaveJob(detached, *job); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// completeStep finalizes a step audit record through a detached context so
// the record survives mid-step shutdown.
func (r *Runner) completeStep(ctx context.Context, stepID int64, status store.StepStatus, dur time.Duration, details string) error {
	completed := r.clock.Now().UTC()
	if err := r.store.CompleteStep(context.WithoutCancel(ctx), stepID, status, completed, dur.Seconds(), details); err != nil {
		return fmt.Errorf("complete step record %d: %w", stepID, err)
	}
	return nil
}

// failStep records a step failure and the job's terminal failed state.
// Progress keeps the value of the last successful step.
func (r *Runner) failStep(ctx context.Context, job *store.CrawlJob, log *zap.Logger, stepID int64, stepName string, dur time.Duration, cause error) (Result, error) {
	if err := r.completeStep(ctx, stepID, store.StepFailed, dur, cause.Error()); err != nil {
		log.Error("persist failed step record", zap.Error(err))
	}

	now := r.clock.Now().UTC()
	job.Status = store.JobFailed
	job.ErrorMessage = fmt.Sprintf("Step '%s' failed: %v", stepName, cause)
	job.CompletedAt = &now
	if err := r.store.SaveJob(context.WithoutCancel(ctx), *job); err != nil {
		return Result{}, fmt.Errorf("save failed job %s: %w", job.ID, err)
	}

	r.emit(job, progress.StageStepFailed, stepName, dur, cause.Error())
	r.emit(job, progress.StageJobFailed, "", 0, job.ErrorMessage)
	log.Warn("job failed",
		zap.String("step", stepName),
		zap.Int("progress", job.Progress),
		zap.String("error", job.ErrorMessage),
	)
	return Result{Status: store.JobFailed, Message: job.ErrorMessage}, nil
}

// failJob marks a job failed before any step ran, e.g. when the target is
// missing or its lock is held.
func (r *Runner) failJob(ctx context.Context, job *store.CrawlJob, log *zap.Logger, message string) (Result, error) {
	now := r.clock.Now().UTC()
	job.Status = store.JobFailed
	job.ErrorMessage = message
	job.CompletedAt = &now
	if err := r.store.SaveJob(context.WithoutCancel(ctx), *job); err != nil {
		return Result{}, fmt.Errorf("save failed job %s: %w", job.ID, err)
	}
	r.emit(job, progress.StageJobFailed, "", 0, message)
	log.Warn("job rejected", zap.String("error", message))
	return Result{Status: store.JobFailed, Message: message}, nil
}

// finishCancelled records the cancelled terminal state through a detached
// context so shutdown still persists the outcome.
func (r *Runner) finishCancelled(ctx context.Context, job *store.CrawlJob, log *zap.Logger, note string) Result {
	now := r.clock.Now().UTC()
	job.Status = store.JobCancelled
	job.CompletedAt = &now
	if err := r.store.SaveJob(context.WithoutCancel(ctx), *job); err != nil {
		log.Error("persist cancelled job", zap.Error(err))
	}
	r.emit(job, progress.StageJobCancelled, "", 0, note)
	log.Info("job cancelled", zap.String("note", note), zap.Int("progress", job.Progress))
	return Result{Status: store.JobCancelled, Message: note}
}

func (r *Runner) emit(job *store.CrawlJob, stage progress.Stage, step string, dur time.Duration, note string) {
	r.emitter.Emit(progress.Event{
		JobID:    job.ID,
		TargetID: job.TargetID,
		DataType: string(job.DataType),
		TS:       r.clock.Now().UTC(),
		Stage:    stage,
		Step:     step,
		Progress: job.Progress,
		Dur:      dur,
		Note:     note,
	})
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/netzbureau/tariffscout/internal/crawler"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrLockHeld signals that another run already holds the target's
	// crawl lock.
	ErrLockHeld = errors.New("crawl lock already held")
	// ErrDuplicate signals an insert for an ID that already exists.
	ErrDuplicate = errors.New("record already exists")
)

// JobStatus mirrors the crawl_jobs status column.
type JobStatus string

// Job statuses persisted in crawl_jobs.status.
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status ends a job's lifecycle.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// StepStatus mirrors the crawl_job_steps status column.
type StepStatus string

// Step statuses persisted in crawl_job_steps.status.
const (
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
)

// CrawlState marks whether a target is currently being crawled. The
// "crawling" state doubles as the per-target lock.
type CrawlState string

// Target crawl states.
const (
	CrawlIdle   CrawlState = "idle"
	CrawlActive CrawlState = "crawling"
)

// Target is a network operator whose published tariff documents we track.
type Target struct {
	// ID is the operator slug used in config seeds and API requests.
	ID string
	// Name is the operator's display name.
	Name string
	// BaseURL is the crawl entry point, e.g. https://netz.example.de.
	BaseURL string
	// HintURLs are operator-supplied document locations checked before
	// any crawl.
	HintURLs []string
	// DataTypes restricts which tariff data sets this target publishes.
	// Empty means both.
	DataTypes []crawler.DataType
	// CrawlState is idle or crawling; crawling is the active lock.
	CrawlState CrawlState
	// LockedAt is set while CrawlState is crawling; the recovery sweep
	// compares it against the staleness threshold.
	LockedAt  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CrawlJob is one pipeline run against a target. The Context bag is the
// only channel through which steps communicate.
type CrawlJob struct {
	ID         string
	TargetID   string
	DataType   crawler.DataType
	TargetYear int
	Status     JobStatus
	// Progress is 0-100 and never decreases within a run.
	Progress int
	// CurrentStep labels the step the pipeline is on or stopped at.
	CurrentStep string
	// Context is an open key-value bag mutated by steps. Values must be
	// JSON-encodable; steps must not assume keys written by other steps
	// exist.
	Context      map[string]any
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// CrawlJobStep is the per-step audit record. One row per step execution,
// append-only.
type CrawlJobStep struct {
	ID              int64
	JobID           string
	StepName        string
	Status          StepStatus
	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationSeconds float64
	// Details holds the step's result message or failure cause.
	Details string
}

// Document records an archived tariff artifact produced by a completed
// job.
type Document struct {
	ID           string
	JobID        string
	TargetID     string
	DataType     crawler.DataType
	Year         int
	SourceURL    string
	FileType     crawler.FileType
	SHA256       string
	SizeBytes    int64
	ArchiveURI   string
	Confidence   float64
	DownloadedAt time.Time
}

// TargetStore persists operators and their crawl locks.
type TargetStore interface {
	// UpsertTarget inserts or refreshes a target, preserving its lock
	// state on update.
	UpsertTarget(ctx context.Context, target Target) error
	// GetTarget loads one target or returns ErrNotFound.
	GetTarget(ctx context.Context, id string) (Target, error)
	// ListTargets returns all targets ordered by ID.
	ListTargets(ctx context.Context) ([]Target, error)
	// AcquireLock atomically transitions the target to crawling. It
	// returns ErrLockHeld when another run holds the lock and
	// ErrNotFound for unknown targets.
	AcquireLock(ctx context.Context, targetID string, at time.Time) error
	// ReleaseLock transitions the target back to idle. Releasing an
	// unlocked target is not an error.
	ReleaseLock(ctx context.Context, targetID string) error
	// ListStaleLocks returns targets still marked crawling whose lock
	// timestamp is older than the cutoff.
	ListStaleLocks(ctx context.Context, olderThan time.Time) ([]Target, error)
}

// JobStore persists crawl jobs and their step audit trail.
type JobStore interface {
	// CreateJob inserts a new job; ErrDuplicate when the ID exists.
	CreateJob(ctx context.Context, job CrawlJob) error
	// GetJob loads one job or returns ErrNotFound.
	GetJob(ctx context.Context, id string) (CrawlJob, error)
	// SaveJob overwrites the persisted job with the given snapshot.
	SaveJob(ctx context.Context, job CrawlJob) error
	// ListJobs returns jobs newest-first, optionally filtered by status.
	ListJobs(ctx context.Context, status *JobStatus, limit, offset int) ([]CrawlJob, error)
	// ListTargetJobs returns one target's jobs newest-first, optionally
	// filtered by status.
	ListTargetJobs(ctx context.Context, targetID string, status *JobStatus) ([]CrawlJob, error)
	// AppendStep inserts a step audit record and returns it with its
	// assigned ID.
	AppendStep(ctx context.Context, step CrawlJobStep) (CrawlJobStep, error)
	// CompleteStep finalizes a step record created by AppendStep.
	CompleteStep(ctx context.Context, stepID int64, status StepStatus, completedAt time.Time, durationSeconds float64, details string) error
	// ListSteps returns a job's step records in execution order.
	ListSteps(ctx context.Context, jobID string) ([]CrawlJobStep, error)
}

// DocumentStore persists archived document records.
type DocumentStore interface {
	// SaveDocument inserts a document record.
	SaveDocument(ctx context.Context, doc Document) error
	// ListJobDocuments returns the documents a job produced.
	ListJobDocuments(ctx context.Context, jobID string) ([]Document, error)
}

// Store is the full persistence collaborator the pipeline runs against.
type Store interface {
	TargetStore
	JobStore
	DocumentStore
	// Close releases any underlying connections.
	Close()
}

// CloneContext deep-copies a job context bag so callers can snapshot it
// before a step runs and restore it if the step fails. Values are limited
// to what JSON can express: maps, slices, strings, numbers, booleans.
func CloneContext(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneContext(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case []int:
		return append([]int(nil), val...)
	default:
		return val
	}
}

// CloneJob returns a copy of the job whose context bag shares no memory
// with the original.
func CloneJob(job CrawlJob) CrawlJob {
	cp := job
	cp.Context = CloneContext(job.Context)
	if job.StartedAt != nil {
		t := *job.StartedAt
		cp.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

// Package progress defines the event structures emitted by running crawl jobs.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart     Stage = "JOB_START"
	StageStepStart    Stage = "STEP_START"
	StageStepDone     Stage = "STEP_DONE"
	StageStepFailed   Stage = "STEP_FAILED"
	StageJobDone      Stage = "JOB_DONE"
	StageJobFailed    Stage = "JOB_FAILED"
	StageJobCancelled Stage = "JOB_CANCELLED"
)

// Event captures a single milestone of a crawl job's lifecycle.
type Event struct {
	// JobID identifies the crawl job the milestone belongs to.
	JobID string
	// TargetID labels the network operator being crawled.
	TargetID string
	// DataType is the document class the job hunts (netzentgelte, hlzf).
	DataType string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// Step names the pipeline step for step-scoped stages.
	Step string
	// Progress is the job's percentage after this milestone, 0-100.
	Progress int
	// Dur captures execution latency for step and job completions.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobFailed, StageJobCancelled:
	case StageStepStart, StageStepDone, StageStepFailed:
		if e.Step == "" {
			return fmt.Errorf("%s requires a step name", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Progress < 0 || e.Progress > 100 {
		return errors.New("progress must be between 0 and 100")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends a job's lifecycle.
func (e Event) Terminal() bool {
	switch e.Stage {
	case StageJobDone, StageJobFailed, StageJobCancelled:
		return true
	}
	return false
}

// Package memory provides an in-memory store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/netzbureau/tariffscout/internal/crawler"
	"github.com/netzbureau/tariffscout/internal/store"
)

// Store keeps all records in maps guarded by one mutex. Reads return
// copies so callers can mutate their snapshots freely.
type Store struct {
	mu        sync.RWMutex
	targets   map[string]store.Target
	jobs      map[string]store.CrawlJob
	steps     map[string][]store.CrawlJobStep
	documents map[string][]store.Document
	stepSeq   int64
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		targets:   make(map[string]store.Target),
		jobs:      make(map[string]store.CrawlJob),
		steps:     make(map[string][]store.CrawlJobStep),
		documents: make(map[string][]store.Document),
	}
}

// UpsertTarget inserts or refreshes a target, preserving lock state on
// update.
func (s *Store) UpsertTarget(_ context.Context, target store.Target) error {
	if target.ID == "" {
		return fmt.Errorf("target id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.targets[target.ID]
	if ok {
		target.CrawlState = existing.CrawlState
		target.LockedAt = existing.LockedAt
		target.CreatedAt = existing.CreatedAt
	} else if target.CrawlState == "" {
		target.CrawlState = store.CrawlIdle
	}
	s.targets[target.ID] = target
	return nil
}

// GetTarget fetches a target by ID.
func (s *Store) GetTarget(_ context.Context, id string) (store.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.targets[id]
	if !ok {
		return store.Target{}, store.ErrNotFound
	}
	return cloneTarget(target), nil
}

// ListTargets returns all targets ordered by ID.
func (s *Store) ListTargets(_ context.Context) ([]store.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Target, 0, len(s.targets))
	for _, target := range s.targets {
		out = append(out, cloneTarget(target))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// AcquireLock transitions the target to crawling or reports ErrLockHeld.
func (s *Store) AcquireLock(_ context.Context, targetID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[targetID]
	if !ok {
		return store.ErrNotFound
	}
	if target.CrawlState == store.CrawlActive {
		return store.ErrLockHeld
	}
	target.CrawlState = store.CrawlActive
	target.LockedAt = &at
	s.targets[targetID] = target
	return nil
}

// ReleaseLock transitions the target back to idle.
func (s *Store) ReleaseLock(_ context.Context, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[targetID]
	if !ok {
		return store.ErrNotFound
	}
	target.CrawlState = store.CrawlIdle
	target.LockedAt = nil
	s.targets[targetID] = target
	return nil
}

// ListStaleLocks returns crawling targets locked before the cutoff.
func (s *Store) ListStaleLocks(_ context.Context, olderThan time.Time) ([]store.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Target
	for _, target := range s.targets {
		if target.CrawlState != store.CrawlActive || target.LockedAt == nil {
			continue
		}
		if target.LockedAt.Before(olderThan) {
			out = append(out, cloneTarget(target))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, job store.CrawlJob) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return store.ErrDuplicate
	}
	s.jobs[job.ID] = store.CloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, id string) (store.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return store.CrawlJob{}, store.ErrNotFound
	}
	return store.CloneJob(job), nil
}

// SaveJob overwrites the persisted job with the given snapshot.
func (s *Store) SaveJob(_ context.Context, job store.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return store.ErrNotFound
	}
	s.jobs[job.ID] = store.CloneJob(job)
	return nil
}

// ListJobs returns jobs newest-first, optionally filtered by status.
func (s *Store) ListJobs(_ context.Context, status *store.JobStatus, limit, offset int) ([]store.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []store.CrawlJob
	for _, job := range s.jobs {
		if status != nil && job.Status != *status {
			continue
		}
		all = append(all, store.CloneJob(job))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// ListTargetJobs returns one target's jobs newest-first.
func (s *Store) ListTargetJobs(_ context.Context, targetID string, status *store.JobStatus) ([]store.CrawlJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.CrawlJob
	for _, job := range s.jobs {
		if job.TargetID != targetID {
			continue
		}
		if status != nil && job.Status != *status {
			continue
		}
		out = append(out, store.CloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// AppendStep inserts a step audit record and assigns its ID.
func (s *Store) AppendStep(_ context.Context, step store.CrawlJobStep) (store.CrawlJobStep, error) {
	if step.JobID == "" {
		return store.CrawlJobStep{}, fmt.Errorf("step job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stepSeq++
	step.ID = s.stepSeq
	s.steps[step.JobID] = append(s.steps[step.JobID], step)
	return step, nil
}

// CompleteStep finalizes a step record created by AppendStep.
func (s *Store) CompleteStep(_ context.Context, stepID int64, status store.StepStatus, completedAt time.Time, durationSeconds float64, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jobID, steps := range s.steps {
		for i, step := range steps {
			if step.ID != stepID {
				continue
			}
			step.Status = status
			step.CompletedAt = &completedAt
			step.DurationSeconds = durationSeconds
			step.Details = details
			s.steps[jobID][i] = step
			return nil
		}
	}
	return store.ErrNotFound
}

// ListSteps returns a job's step records in execution order.
func (s *Store) ListSteps(_ context.Context, jobID string) ([]store.CrawlJobStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := s.steps[jobID]
	out := make([]store.CrawlJobStep, len(steps))
	copy(out, steps)
	return out, nil
}

// SaveDocument inserts an archived document record.
func (s *Store) SaveDocument(_ context.Context, doc store.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.documents[doc.JobID] = append(s.documents[doc.JobID], doc)
	return nil
}

// ListJobDocuments returns the documents a job produced.
func (s *Store) ListJobDocuments(_ context.Context, jobID string) ([]store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	docs := s.documents[jobID]
	out := make([]store.Document, len(docs))
	copy(out, docs)
	return out, nil
}

// Close implements store.Store; nothing to release.
func (s *Store) Close() {}

func cloneTarget(t store.Target) store.Target {
	cp := t
	cp.HintURLs = append([]string(nil), t.HintURLs...)
	cp.DataTypes = append([]crawler.DataType(nil), t.DataTypes...)
	if t.LockedAt != nil {
		ts := *t.LockedAt
		cp.LockedAt = &ts
	}
	return cp
}

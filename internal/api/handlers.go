package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/netzbureau/tariffscout/internal/crawler"
	"github.com/netzbureau/tariffscout/internal/queue"
	"github.com/netzbureau/tariffscout/internal/store"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
	enqueueTimeout  = 5 * time.Second
)

type submitJobRequest struct {
	TargetID      string   `json:"target_id"`
	DataType      string   `json:"data_type"`
	TargetYear    int      `json:"target_year"`
	SearchQueries []string `json:"search_queries"`
}

type submitJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.TargetID == "" {
		writeError(w, http.StatusBadRequest, "target_id required")
		return
	}
	dataType := crawler.DataType(req.DataType)
	if !dataType.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported data_type %q", req.DataType))
		return
	}
	year := req.TargetYear
	if year == 0 {
		year = s.clock.Now().UTC().Year()
	}
	if year < 2000 || year > 2100 {
		writeError(w, http.StatusBadRequest, "target_year out of range")
		return
	}

	if _, err := s.store.GetTarget(r.Context(), req.TargetID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "target not found")
			return
		}
		s.logger.Error("load target", zap.String("target_id", req.TargetID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load target")
		return
	}

	jobID, err := s.idGen.NewID()
	if err != nil {
		s.logger.Error("generate job id", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to generate job id")
		return
	}
	now := s.clock.Now().UTC()
	job := store.CrawlJob{
		ID:         jobID,
		TargetID:   req.TargetID,
		DataType:   dataType,
		TargetYear: year,
		Status:     store.JobPending,
		CreatedAt:  now,
	}
	if len(req.SearchQueries) > 0 {
		job.Context = map[string]any{"search_queries": req.SearchQueries}
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "job already exists")
			return
		}
		s.logger.Error("create job", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	item := queue.Item{JobID: jobID, Attempt: 1, Submitted: now}
	if err := s.dispatch.Enqueue(ctx, item); err != nil {
		s.logger.Error("enqueue job", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	writeJSON(w, http.StatusAccepted, submitJobResponse{JobID: jobID, Status: string(store.JobPending)})
}

type listJobsResponse struct {
	Jobs   []jobDTO `json:"jobs"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := s.store.ListJobs(r.Context(), status, limit, offset)
	if err != nil {
		s.logger.Error("list jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	out := listJobsResponse{Jobs: make([]jobDTO, 0, len(jobs)), Limit: limit, Offset: offset}
	for _, job := range jobs {
		out.Jobs = append(out.Jobs, toJobDTO(job))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(job))
}

func (s *Server) listJobSteps(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	steps, err := s.store.ListSteps(r.Context(), jobID)
	if err != nil {
		s.logger.Error("list steps", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list steps")
		return
	}
	out := make([]stepDTO, 0, len(steps))
	for _, st := range steps {
		out = append(out, toStepDTO(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "steps": out})
}

func (s *Server) listJobDocuments(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.store.GetJob(r.Context(), jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	docs, err := s.store.ListJobDocuments(r.Context(), jobID)
	if err != nil {
		s.logger.Error("list documents", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	out := make([]documentDTO, 0, len(docs))
	for _, doc := range docs {
		out = append(out, toDocumentDTO(doc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "documents": out})
}

// cancelJob flips the persisted status to cancelled. A running pipeline
// notices the stored status at its next step boundary and stops; a pending
// job is skipped when the worker eventually dequeues it.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if job.Status.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("job already %s", job.Status))
		return
	}

	now := s.clock.Now().UTC()
	job.Status = store.JobCancelled
	job.CompletedAt = &now
	if job.ErrorMessage == "" {
		job.ErrorMessage = "cancelled by operator"
	}
	if err := s.store.SaveJob(r.Context(), job); err != nil {
		s.logger.Error("save cancelled job", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	s.logger.Info("job cancelled via api", zap.String("job_id", jobID))
	writeJSON(w, http.StatusOK, submitJobResponse{JobID: jobID, Status: string(store.JobCancelled)})
}

func (s *Server) listTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.ListTargets(r.Context())
	if err != nil {
		s.logger.Error("list targets", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list targets")
		return
	}
	out := make([]targetDTO, 0, len(targets))
	for _, t := range targets {
		out = append(out, toTargetDTO(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": out})
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	target, err := s.store.GetTarget(r.Context(), targetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "target not found")
			return
		}
		s.logger.Error("get target", zap.String("target_id", targetID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load target")
		return
	}
	writeJSON(w, http.StatusOK, toTargetDTO(target))
}

func (s *Server) listTargetJobs(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	if _, err := s.store.GetTarget(r.Context(), targetID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "target not found")
			return
		}
		s.logger.Error("get target", zap.String("target_id", targetID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load target")
		return
	}
	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.store.ListTargetJobs(r.Context(), targetID, status)
	if err != nil {
		s.logger.Error("list target jobs", zap.String("target_id", targetID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	out := make([]jobDTO, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, toJobDTO(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"target_id": targetID, "jobs": out})
}

// --- query parsing ---

func parseStatus(raw string) (*store.JobStatus, error) {
	if raw == "" {
		return nil, nil
	}
	status := store.JobStatus(raw)
	switch status {
	case store.JobPending, store.JobRunning, store.JobCompleted, store.JobFailed, store.JobCancelled:
		return &status, nil
	}
	return nil, fmt.Errorf("unknown status %q", raw)
}

func parseLimitOffset(r *http.Request, def, max int) (int, int, error) {
	limit := def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, fmt.Errorf("limit must be a positive integer")
		}
		if v > max {
			v = max
		}
		limit = v
	}
	offset := 0
	if raw := r.URL.Query().Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
		offset = v
	}
	return limit, offset, nil
}

// --- DTO mapping ---

type jobDTO struct {
	ID           string         `json:"id"`
	TargetID     string         `json:"target_id"`
	DataType     string         `json:"data_type"`
	TargetYear   int            `json:"target_year"`
	Status       string         `json:"status"`
	Progress     int            `json:"progress"`
	CurrentStep  string         `json:"current_step,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    string         `json:"created_at"`
	StartedAt    *string        `json:"started_at,omitempty"`
	CompletedAt  *string        `json:"completed_at,omitempty"`
}

type stepDTO struct {
	ID              int64   `json:"id"`
	StepName        string  `json:"step_name"`
	Status          string  `json:"status"`
	StartedAt       string  `json:"started_at"`
	CompletedAt     *string `json:"completed_at,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	Details         string  `json:"details,omitempty"`
}

type documentDTO struct {
	ID           string  `json:"id"`
	JobID        string  `json:"job_id"`
	TargetID     string  `json:"target_id"`
	DataType     string  `json:"data_type"`
	Year         int     `json:"year"`
	SourceURL    string  `json:"source_url"`
	FileType     string  `json:"file_type"`
	SHA256       string  `json:"sha256"`
	SizeBytes    int64   `json:"size_bytes"`
	ArchiveURI   string  `json:"archive_uri"`
	Confidence   float64 `json:"confidence"`
	DownloadedAt string  `json:"downloaded_at"`
}

type targetDTO struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	BaseURL    string   `json:"base_url"`
	HintURLs   []string `json:"hint_urls,omitempty"`
	DataTypes  []string `json:"data_types,omitempty"`
	CrawlState string   `json:"crawl_state"`
	LockedAt   *string  `json:"locked_at,omitempty"`
}

func toJobDTO(job store.CrawlJob) jobDTO {
	return jobDTO{
		ID:           job.ID,
		TargetID:     job.TargetID,
		DataType:     string(job.DataType),
		TargetYear:   job.TargetYear,
		Status:       string(job.Status),
		Progress:     job.Progress,
		CurrentStep:  job.CurrentStep,
		Context:      job.Context,
		ErrorMessage: job.ErrorMessage,
		CreatedAt:    formatTime(job.CreatedAt),
		StartedAt:    formatTimePtr(job.StartedAt),
		CompletedAt:  formatTimePtr(job.CompletedAt),
	}
}

func toStepDTO(step store.CrawlJobStep) stepDTO {
	return stepDTO{
		ID:              step.ID,
		StepName:        step.StepName,
		Status:          string(step.Status),
		StartedAt:       formatTime(step.StartedAt),
		CompletedAt:     formatTimePtr(step.CompletedAt),
		DurationSeconds: step.DurationSeconds,
		Details:         step.Details,
	}
}

func toDocumentDTO(doc store.Document) documentDTO {
	return documentDTO{
		ID:           doc.ID,
		JobID:        doc.JobID,
		TargetID:     doc.TargetID,
		DataType:     string(doc.DataType),
		Year:         doc.Year,
		SourceURL:    doc.SourceURL,
		FileType:     string(doc.FileType),
		SHA256:       doc.SHA256,
		SizeBytes:    doc.SizeBytes,
		ArchiveURI:   doc.ArchiveURI,
		Confidence:   doc.Confidence,
		DownloadedAt: formatTime(doc.DownloadedAt),
	}
}

func toTargetDTO(t store.Target) targetDTO {
	types := make([]string, 0, len(t.DataTypes))
	for _, dt := range t.DataTypes {
		types = append(types, string(dt))
	}
	return targetDTO{
		ID:         t.ID,
		Name:       t.Name,
		BaseURL:    t.BaseURL,
		HintURLs:   t.HintURLs,
		DataTypes:  types,
		CrawlState: string(t.CrawlState),
		LockedAt:   formatTimePtr(t.LockedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

// Package postgres provides the Postgres-backed persistence implementation.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/netzbureau/tariffscout/internal/crawler"
	"github.com/netzbureau/tariffscout/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements store.Store on a pgx connection pool.
type Store struct {
	pool dbPool
}

// NewStore connects to Postgres using the provided config.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a Store from an existing pool (primarily for testing).
func NewStoreWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS targets (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		base_url TEXT NOT NULL,
		hint_urls TEXT[] NOT NULL DEFAULT '{}',
		data_types TEXT[] NOT NULL DEFAULT '{}',
		crawl_state TEXT NOT NULL DEFAULT 'idle',
		locked_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS crawl_jobs (
		id TEXT PRIMARY KEY,
		target_id TEXT NOT NULL REFERENCES targets (id),
		data_type TEXT NOT NULL,
		target_year INT NOT NULL,
		status TEXT NOT NULL,
		progress INT NOT NULL DEFAULT 0,
		current_step TEXT NOT NULL DEFAULT '',
		context JSONB NOT NULL DEFAULT '{}',
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_crawl_jobs_status ON crawl_jobs (status)`,
	`CREATE INDEX IF NOT EXISTS idx_crawl_jobs_target ON crawl_jobs (target_id)`,
	`CREATE TABLE IF NOT EXISTS crawl_job_steps (
		id BIGSERIAL PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES crawl_jobs (id),
		step_name TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		details TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_crawl_job_steps_job ON crawl_job_steps (job_id)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES crawl_jobs (id),
		target_id TEXT NOT NULL,
		data_type TEXT NOT NULL,
		year INT NOT NULL,
		source_url TEXT NOT NULL,
		file_type TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		archive_uri TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		downloaded_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_job ON documents (job_id)`,
}

// EnsureSchema creates the tables and indexes if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// UpsertTarget inserts or refreshes a target, preserving lock state on update.
func (s *Store) UpsertTarget(ctx context.Context, target store.Target) error {
	if target.ID == "" {
		return fmt.Errorf("target id is required")
	}
	query := `
		INSERT INTO targets (id, name, base_url, hint_urls, data_types, crawl_state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'idle', $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			base_url = EXCLUDED.base_url,
			hint_urls = EXCLUDED.hint_urls,
			data_types = EXCLUDED.data_types,
			updated_at = EXCLUDED.updated_at;
	`
	_, err := s.pool.Exec(ctx, query,
		target.ID,
		target.Name,
		target.BaseURL,
		target.HintURLs,
		dataTypeStrings(target.DataTypes),
		target.CreatedAt,
		target.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}
	return nil
}

const targetColumns = `id, name, base_url, hint_urls, data_types, crawl_state, locked_at, created_at, updated_at`

// GetTarget retrieves a single target by its ID.
func (s *Store) GetTarget(ctx context.Context, id string) (store.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets WHERE id = $1;`
	target, err := scanTarget(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Target{}, store.ErrNotFound
		}
		return store.Target{}, fmt.Errorf("get target: %w", err)
	}
	return target, nil
}

// ListTargets returns all targets ordered by ID.
func (s *Store) ListTargets(ctx context.Context) ([]store.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets ORDER BY id;`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var targets []store.Target
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target row: %w", err)
		}
		targets = append(targets, target)
	}
	return targets, rows.Err()
}

// AcquireLock transitions the target to crawling, or reports ErrLockHeld
// when another crawl already holds it. The guarded UPDATE makes the
// transition atomic across concurrent workers.
func (s *Store) AcquireLock(ctx context.Context, targetID string, at time.Time) error {
	query := `
		UPDATE targets
		SET crawl_state = 'crawling', locked_at = $2, updated_at = $2
		WHERE id = $1 AND crawl_state <> 'crawling';
	`
	res, err := s.pool.Exec(ctx, query, targetID, at)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if res.RowsAffected() > 0 {
		return nil
	}
	var one int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM targets WHERE id = $1;`, targetID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	return store.ErrLockHeld
}

// ReleaseLock transitions the target back to idle.
func (s *Store) ReleaseLock(ctx context.Context, targetID string) error {
	query := `UPDATE targets SET crawl_state = 'idle', locked_at = NULL WHERE id = $1;`
	res, err := s.pool.Exec(ctx, query, targetID)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListStaleLocks returns crawling targets locked before the cutoff.
func (s *Store) ListStaleLocks(ctx context.Context, olderThan time.Time) ([]store.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets
		WHERE crawl_state = 'crawling' AND locked_at < $1
		ORDER BY id;`
	rows, err := s.pool.Query(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stale locks: %w", err)
	}
	defer rows.Close()

	var targets []store.Target
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale lock row: %w", err)
		}
		targets = append(targets, target)
	}
	return targets, rows.Err()
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job store.CrawlJob) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	contextJSON, err := marshalContext(job.Context)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO crawl_jobs (id, target_id, data_type, target_year, status, progress,
			current_step, context, error_message, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
	`
	_, err = s.pool.Exec(ctx, query,
		job.ID,
		job.TargetID,
		string(job.DataType),
		job.TargetYear,
		string(job.Status),
		job.Progress,
		job.CurrentStep,
		contextJSON,
		job.ErrorMessage,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.ErrDuplicate
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, target_id, data_type, target_year, status, progress,
	current_step, context, error_message, created_at, started_at, completed_at`

// GetJob retrieves a single job by its ID.
func (s *Store) GetJob(ctx context.Context, id string) (store.CrawlJob, error) {
	query := `SELECT ` + jobColumns + ` FROM crawl_jobs WHERE id = $1;`
	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CrawlJob{}, store.ErrNotFound
		}
		return store.CrawlJob{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// SaveJob overwrites the mutable job fields with the given snapshot.
func (s *Store) SaveJob(ctx context.Context, job store.CrawlJob) error {
	contextJSON, err := marshalContext(job.Context)
	if err != nil {
		return err
	}
	query := `
		UPDATE crawl_jobs
		SET status = $2, progress = $3, current_step = $4, context = $5,
			error_message = $6, started_at = $7, completed_at = $8
		WHERE id = $1;
	`
	res, err := s.pool.Exec(ctx, query,
		job.ID,
		string(job.Status),
		job.Progress,
		job.CurrentStep,
		contextJSON,
		job.ErrorMessage,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListJobs retrieves jobs newest-first, with optional status filtering.
func (s *Store) ListJobs(ctx context.Context, status *store.JobStatus, limit, offset int) ([]store.CrawlJob, error) {
	query := `SELECT ` + jobColumns + ` FROM crawl_jobs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3;`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []store.CrawlJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListTargetJobs retrieves one target's jobs newest-first.
func (s *Store) ListTargetJobs(ctx context.Context, targetID string, status *store.JobStatus) ([]store.CrawlJob, error) {
	query := `SELECT ` + jobColumns + ` FROM crawl_jobs
		WHERE target_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC;`
	rows, err := s.pool.Query(ctx, query, targetID, status)
	if err != nil {
		return nil, fmt.Errorf("list target jobs: %w", err)
	}
	defer rows.Close()

	var jobs []store.CrawlJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// AppendStep inserts a step audit record and returns it with its assigned ID.
func (s *Store) AppendStep(ctx context.Context, step store.CrawlJobStep) (store.CrawlJobStep, error) {
	if step.JobID == "" {
		return store.CrawlJobStep{}, fmt.Errorf("step job id is required")
	}
	query := `
		INSERT INTO crawl_job_steps (job_id, step_name, status, started_at, completed_at, duration_seconds, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id;
	`
	err := s.pool.QueryRow(ctx, query,
		step.JobID,
		step.StepName,
		string(step.Status),
		step.StartedAt,
		step.CompletedAt,
		step.DurationSeconds,
		step.Details,
	).Scan(&step.ID)
	if err != nil {
		return store.CrawlJobStep{}, fmt.Errorf("insert step: %w", err)
	}
	return step, nil
}

// CompleteStep finalizes a step record created by AppendStep.
func (s *Store) CompleteStep(ctx context.Context, stepID int64, status store.StepStatus, completedAt time.Time, durationSeconds float64, details string) error {
	query := `
		UPDATE crawl_job_steps
		SET status = $2, completed_at = $3, duration_seconds = $4, details = $5
		WHERE id = $1;
	`
	res, err := s.pool.Exec(ctx, query, stepID, string(status), completedAt, durationSeconds, details)
	if err != nil {
		return fmt.Errorf("complete step: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ListSteps returns a job's step records in execution order.
func (s *Store) ListSteps(ctx context.Context, jobID string) ([]store.CrawlJobStep, error) {
	query := `
		SELECT id, job_id, step_name, status, started_at, completed_at, duration_seconds, details
		FROM crawl_job_steps
		WHERE job_id = $1
		ORDER BY id;
	`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []store.CrawlJobStep
	for rows.Next() {
		var step store.CrawlJobStep
		var status string
		err := rows.Scan(
			&step.ID,
			&step.JobID,
			&step.StepName,
			&status,
			&step.StartedAt,
			&step.CompletedAt,
			&step.DurationSeconds,
			&step.Details,
		)
		if err != nil {
			return nil, fmt.Errorf("scan step row: %w", err)
		}
		step.Status = store.StepStatus(status)
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// SaveDocument inserts an archived document record.
func (s *Store) SaveDocument(ctx context.Context, doc store.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	query := `
		INSERT INTO documents (id, job_id, target_id, data_type, year, source_url,
			file_type, sha256, size_bytes, archive_uri, confidence, downloaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
	`
	_, err := s.pool.Exec(ctx, query,
		doc.ID,
		doc.JobID,
		doc.TargetID,
		string(doc.DataType),
		doc.Year,
		doc.SourceURL,
		string(doc.FileType),
		doc.SHA256,
		doc.SizeBytes,
		doc.ArchiveURI,
		doc.Confidence,
		doc.DownloadedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// ListJobDocuments returns the documents a job produced.
func (s *Store) ListJobDocuments(ctx context.Context, jobID string) ([]store.Document, error) {
	query := `
		SELECT id, job_id, target_id, data_type, year, source_url,
			file_type, sha256, size_bytes, archive_uri, confidence, downloaded_at
		FROM documents
		WHERE job_id = $1
		ORDER BY downloaded_at;
	`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job documents: %w", err)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var doc store.Document
		var dataType, fileType string
		err := rows.Scan(
			&doc.ID,
			&doc.JobID,
			&doc.TargetID,
			&dataType,
			&doc.Year,
			&doc.SourceURL,
			&fileType,
			&doc.SHA256,
			&doc.SizeBytes,
			&doc.ArchiveURI,
			&doc.Confidence,
			&doc.DownloadedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		doc.DataType = crawler.DataType(dataType)
		doc.FileType = crawler.FileType(fileType)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func scanTarget(row pgx.Row) (store.Target, error) {
	var target store.Target
	var state string
	var dataTypes []string
	err := row.Scan(
		&target.ID,
		&target.Name,
		&target.BaseURL,
		&target.HintURLs,
		&dataTypes,
		&state,
		&target.LockedAt,
		&target.CreatedAt,
		&target.UpdatedAt,
	)
	if err != nil {
		return store.Target{}, err
	}
	target.CrawlState = store.CrawlState(state)
	target.DataTypes = make([]crawler.DataType, 0, len(dataTypes))
	for _, dt := range dataTypes {
		target.DataTypes = append(target.DataTypes, crawler.DataType(dt))
	}
	return target, nil
}

func scanJob(row pgx.Row) (store.CrawlJob, error) {
	var job store.CrawlJob
	var dataType, status string
	var contextJSON []byte
	err := row.Scan(
		&job.ID,
		&job.TargetID,
		&dataType,
		&job.TargetYear,
		&status,
		&job.Progress,
		&job.CurrentStep,
		&contextJSON,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return store.CrawlJob{}, err
	}
	job.DataType = crawler.DataType(dataType)
	job.Status = store.JobStatus(status)
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &job.Context); err != nil {
			return store.CrawlJob{}, fmt.Errorf("unmarshal job context: %w", err)
		}
	}
	return job, nil
}

func marshalContext(bag map[string]any) ([]byte, error) {
	if bag == nil {
		return []byte(`{}`), nil
	}
	data, err := json.Marshal(bag)
	if err != nil {
		return nil, fmt.Errorf("marshal job context: %w", err)
	}
	return data, nil
}

func dataTypeStrings(types []crawler.DataType) []string {
	out := make([]string, 0, len(types))
	for _, dt := range types {
		out = append(out, string(dt))
	}
	return out
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basel-ax/stickergen/internal/domain"
)

// ErrJobNotFound is returned when no job has the requested id.
var ErrJobNotFound = errors.New("sticker job not found")

// StickerJobRepository defines the interface for sticker job data access
type StickerJobRepository interface {
	EnsureSchema(ctx context.Context) error
	Enqueue(ctx context.Context, req domain.GenerationRequest) (int64, error)
	Get(ctx context.Context, id int64) (*domain.StickerJob, error)
	GetReadyToSubmit(ctx context.Context, limit int) ([]domain.StickerJob, error)
	GetReadyToCheck(ctx context.Context, limit int) ([]domain.StickerJob, error)
	MarkSubmitted(ctx context.Context, id int64, predictionID string) error
	MarkSucceeded(ctx context.Context, id int64, imageURL, filePath string) error
	MarkFailed(ctx context.Context, id int64, message string) error
}

// PostgresStickerJobRepository implements StickerJobRepository for PostgreSQL
type PostgresStickerJobRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStickerJobRepository creates a new PostgreSQL sticker job repository
func NewPostgresStickerJobRepository(db *sql.DB) *PostgresStickerJobRepository {
	return &PostgresStickerJobRepository{db: db, now: time.Now}
}

const schema = `
	CREATE TABLE IF NOT EXISTS sticker_jobs (
		id            BIGSERIAL PRIMARY KEY,
		prompt        TEXT NOT NULL,
		steps         INTEGER NOT NULL,
		size          INTEGER NOT NULL,
		status        TEXT NOT NULL DEFAULT 'queued',
		prediction_id TEXT NOT NULL DEFAULT '',
		image_url     TEXT NOT NULL DEFAULT '',
		file_path     TEXT NOT NULL DEFAULT '',
		error         TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS sticker_jobs_status_idx ON sticker_jobs (status, created_at);
`

// EnsureSchema creates the sticker_jobs table when missing
func (r *PostgresStickerJobRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Enqueue stores a validated request for the worker to pick up
func (r *PostgresStickerJobRepository) Enqueue(ctx context.Context, req domain.GenerationRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	query := `
		INSERT INTO sticker_jobs (prompt, steps, size, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING id
	`

	var id int64
	if err := r.db.QueryRowContext(ctx, query, req.Prompt, req.Steps, req.Width, string(domain.JobStatusQueued), r.now()).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to enqueue sticker job: %w", err)
	}
	return id, nil
}

const selectColumns = `id, prompt, steps, size, status, prediction_id, image_url, file_path, error, created_at, updated_at`

// Get retrieves a job by id
func (r *PostgresStickerJobRepository) Get(ctx context.Context, id int64) (*domain.StickerJob, error) {
	query := `SELECT ` + selectColumns + ` FROM sticker_jobs WHERE id = $1`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sticker job %d: %w", id, err)
	}
	return job, nil
}

// GetReadyToSubmit retrieves queued jobs, oldest first
func (r *PostgresStickerJobRepository) GetReadyToSubmit(ctx context.Context, limit int) ([]domain.StickerJob, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM sticker_jobs
		WHERE status = $1
		AND prompt != ''
		ORDER BY created_at ASC
		LIMIT $2
	`
	return r.list(ctx, query, string(domain.JobStatusQueued), limit)
}

// GetReadyToCheck retrieves submitted jobs that still wait for a terminal status
func (r *PostgresStickerJobRepository) GetReadyToCheck(ctx context.Context, limit int) ([]domain.StickerJob, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM sticker_jobs
		WHERE status = $1
		AND prediction_id != ''
		ORDER BY created_at ASC
		LIMIT $2
	`
	return r.list(ctx, query, string(domain.JobStatusPending), limit)
}

// MarkSubmitted records the prediction id and moves the job to pending
func (r *PostgresStickerJobRepository) MarkSubmitted(ctx context.Context, id int64, predictionID string) error {
	query := `
		UPDATE sticker_jobs
		SET status = $1, prediction_id = $2, updated_at = $3
		WHERE id = $4
	`
	return r.exec(ctx, query, string(domain.JobStatusPending), predictionID, r.now(), id)
}

// MarkSucceeded records where the sticker was downloaded to
func (r *PostgresStickerJobRepository) MarkSucceeded(ctx context.Context, id int64, imageURL, filePath string) error {
	query := `
		UPDATE sticker_jobs
		SET status = $1, image_url = $2, file_path = $3, error = '', updated_at = $4
		WHERE id = $5
	`
	return r.exec(ctx, query, string(domain.JobStatusSucceeded), imageURL, filePath, r.now(), id)
}

// MarkFailed records the failure message
func (r *PostgresStickerJobRepository) MarkFailed(ctx context.Context, id int64, message string) error {
	query := `
		UPDATE sticker_jobs
		SET status = $1, error = $2, updated_at = $3
		WHERE id = $4
	`
	return r.exec(ctx, query, string(domain.JobStatusFailed), message, r.now(), id)
}

func (r *PostgresStickerJobRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *PostgresStickerJobRepository) list(ctx context.Context, query string, status string, limit int) ([]domain.StickerJob, error) {
	rows, err := r.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sticker jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.StickerJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sticker job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.StickerJob, error) {
	var (
		job    domain.StickerJob
		status string
	)
	err := row.Scan(
		&job.ID,
		&job.Prompt,
		&job.Steps,
		&job.Size,
		&status,
		&job.PredictionID,
		&job.ImageURL,
		&job.FilePath,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	return &job, nil
}

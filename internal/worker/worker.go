package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basel-ax/stickergen/internal/domain"
	"github.com/basel-ax/stickergen/internal/repository"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultSubmitSchedule = "*/10 * * * * *"
	DefaultCheckSchedule  = "*/5 * * * * *"
	DefaultBatchSize      = 10
	DefaultJobTimeout     = 5 * time.Minute
)

// Generator is the part of the generation service the worker drives.
type Generator interface {
	Submit(ctx context.Context, req domain.GenerationRequest, cred domain.Credential) (*domain.JobHandle, error)
	CheckStatus(ctx context.Context, handle *domain.JobHandle, cred domain.Credential) (*domain.GenerationJob, error)
	FetchArtifact(ctx context.Context, url string) ([]byte, error)
}

// Config configures a Worker
type Config struct {
	OutputDir      string
	NegativePrompt string
	BatchSize      int
	SubmitSchedule string
	CheckSchedule  string
	// JobTimeout is how long a submitted job may stay pending before it is failed.
	JobTimeout time.Duration
}

// Worker moves queued sticker jobs through submission, status checks and download.
// The credential belongs to the operator that started this worker and is only held
// for its lifetime.
type Worker struct {
	repo repository.StickerJobRepository
	gen  Generator
	cred domain.Credential
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time

	mu sync.Mutex
}

// New creates a worker
func New(repo repository.StickerJobRepository, gen Generator, cred domain.Credential, cfg Config, log zerolog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.SubmitSchedule == "" {
		cfg.SubmitSchedule = DefaultSubmitSchedule
	}
	if cfg.CheckSchedule == "" {
		cfg.CheckSchedule = DefaultCheckSchedule
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "stickers"
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	return &Worker{repo: repo, gen: gen, cred: cred, cfg: cfg, log: log, now: time.Now}
}

// Run schedules both workflows and blocks until ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())

	if _, err := c.AddFunc(w.cfg.SubmitSchedule, func() {
		w.log.Debug().Msg("[CRON] running submit workflow")
		if err := w.SubmitQueued(ctx); err != nil {
			w.log.Error().Err(err).Msg("[CRON] submit workflow failed")
		}
	}); err != nil {
		return fmt.Errorf("error scheduling submit workflow: %w", err)
	}

	if _, err := c.AddFunc(w.cfg.CheckSchedule, func() {
		w.log.Debug().Msg("[CRON] running check workflow")
		if err := w.CheckPending(ctx); err != nil {
			w.log.Error().Err(err).Msg("[CRON] check workflow failed")
		}
	}); err != nil {
		return fmt.Errorf("error scheduling check workflow: %w", err)
	}

	c.Start()
	w.log.Info().
		Str("submit_schedule", w.cfg.SubmitSchedule).
		Str("check_schedule", w.cfg.CheckSchedule).
		Msg("cron scheduler started")

	<-ctx.Done()
	<-c.Stop().Done()
	w.log.Info().Msg("cron scheduler stopped")
	return nil
}

// RunOnce performs one pass of each workflow
func (w *Worker) RunOnce(ctx context.Context) error {
	if err := w.SubmitQueued(ctx); err != nil {
		return err
	}
	return w.CheckPending(ctx)
}

// SubmitQueued submits queued jobs and records their prediction ids
func (w *Worker) SubmitQueued(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	jobs, err := w.repo.GetReadyToSubmit(ctx, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("error getting queued jobs: %w", err)
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log := w.log.With().Int64("job", job.ID).Logger()

		req, err := job.Request(w.cfg.NegativePrompt)
		if err != nil {
			log.Warn().Err(err).Msg("stored request is invalid")
			w.markFailed(ctx, job.ID, err.Error())
			continue
		}

		handle, err := w.gen.Submit(ctx, req, w.cred)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrAuth):
			// every remaining job would be rejected the same way
			return fmt.Errorf("credential rejected: %w", err)
		case errors.Is(err, domain.ErrValidation):
			log.Warn().Err(err).Msg("request rejected")
			w.markFailed(ctx, job.ID, err.Error())
			continue
		default:
			log.Error().Err(err).Msg("error submitting job, will retry on next run")
			continue
		}

		if err := w.repo.MarkSubmitted(ctx, job.ID, handle.ID); err != nil {
			log.Error().Err(err).Str("prediction_id", handle.ID).Msg("error recording prediction id")
			continue
		}
		log.Info().Str("prediction_id", handle.ID).Msg("job submitted")
	}
	return nil
}

// CheckPending performs one status check per pending job and stores finished stickers.
// Jobs still pending after JobTimeout are failed so they stop taking batch slots.
func (w *Worker) CheckPending(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	jobs, err := w.repo.GetReadyToCheck(ctx, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("error getting pending jobs: %w", err)
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log := w.log.With().Int64("job", job.ID).Str("prediction_id", job.PredictionID).Logger()

		status, err := w.gen.CheckStatus(ctx, job.Handle(), w.cred)
		if err != nil {
			if errors.Is(err, domain.ErrAuth) {
				return fmt.Errorf("credential rejected: %w", err)
			}
			log.Error().Err(err).Msg("error getting status")
			w.expireIfStale(ctx, log, job)
			continue
		}

		switch status.Status {
		case domain.JobStatusSucceeded:
			w.store(ctx, log, job, status.ImageURL)
		case domain.JobStatusFailed:
			msg := status.Error
			if msg == "" {
				msg = "prediction failed"
			}
			log.Warn().Str("error", msg).Msg("generation failed")
			w.markFailed(ctx, job.ID, msg)
		default:
			log.Debug().Msg("generation still in progress")
			w.expireIfStale(ctx, log, job)
		}
	}
	return nil
}

func (w *Worker) expireIfStale(ctx context.Context, log zerolog.Logger, job domain.StickerJob) {
	since := job.UpdatedAt
	if since.IsZero() {
		since = job.CreatedAt
	}
	if since.IsZero() {
		return
	}
	if age := w.now().Sub(since); age > w.cfg.JobTimeout {
		err := domain.NewTimeoutError("check pending", fmt.Sprintf("job %s still pending after %s", job.PredictionID, age.Round(time.Second)))
		log.Warn().Err(err).Msg("giving up on job")
		w.markFailed(ctx, job.ID, err.Error())
	}
}

func (w *Worker) store(ctx context.Context, log zerolog.Logger, job domain.StickerJob, imageURL string) {
	if imageURL == "" {
		w.markFailed(ctx, job.ID, "prediction succeeded without output")
		return
	}

	data, err := w.gen.FetchArtifact(ctx, imageURL)
	if err != nil {
		if errors.Is(err, domain.ErrArtifactFetch) {
			log.Warn().Err(err).Msg("artifact unavailable")
			w.markFailed(ctx, job.ID, err.Error())
			return
		}
		log.Error().Err(err).Msg("error downloading sticker, will retry on next run")
		return
	}

	path, err := w.save(job, data)
	if err != nil {
		log.Error().Err(err).Msg("error saving sticker")
		return
	}

	if err := w.repo.MarkSucceeded(ctx, job.ID, imageURL, path); err != nil {
		log.Error().Err(err).Msg("error marking job succeeded")
		return
	}
	log.Info().Str("path", path).Int("bytes", len(data)).Msg("sticker saved")
}

func (w *Worker) save(job domain.StickerJob, data []byte) (string, error) {
	if err := os.MkdirAll(w.cfg.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(w.cfg.OutputDir, fmt.Sprintf("sticker_%d_%s.png", job.ID, job.PredictionID))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write sticker: %w", err)
	}
	return path, nil
}

func (w *Worker) markFailed(ctx context.Context, id int64, msg string) {
	if err := w.repo.MarkFailed(ctx, id, msg); err != nil {
		w.log.Error().Err(err).Int64("job", id).Msg("error marking job failed")
	}
}

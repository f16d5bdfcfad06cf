package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basel-ax/stickergen/internal/config"
	"github.com/basel-ax/stickergen/internal/domain"
	"github.com/basel-ax/stickergen/internal/infrastructure/replicate"
	"github.com/rs/zerolog"
)

// AwaitOptions bounds the status poll loop. Zero fields fall back to the service defaults.
type AwaitOptions struct {
	Interval    time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

// DefaultAwaitOptions polls once a second for at most five minutes.
var DefaultAwaitOptions = AwaitOptions{
	Interval:    time.Second,
	MaxAttempts: 300,
	Timeout:     5 * time.Minute,
}

// Options configures a StickerGenerationService
type Options struct {
	Await AwaitOptions
	Retry RetryPolicy
}

// StickerGenerationService drives a generation job from submission to a downloaded sticker
type StickerGenerationService struct {
	client domain.GenerationClient
	await  AwaitOptions
	retry  RetryPolicy
	log    zerolog.Logger
}

// NewStickerGenerationService creates a service backed by the Replicate client described by cfg
func NewStickerGenerationService(cfg *config.Config, log zerolog.Logger) *StickerGenerationService {
	client := replicate.NewClient(replicate.Options{
		BaseURL:      cfg.ReplicateBaseURL,
		ModelVersion: cfg.ModelVersion,
		Timeout:      cfg.HTTPTimeout,
	})
	return NewWithClient(client, Options{
		Await: AwaitOptions{
			Interval:    cfg.CheckInterval,
			MaxAttempts: cfg.MaxAttempts,
			Timeout:     cfg.GenerationTimeout,
		},
		Retry: RetryPolicy{
			MaxRetries:      cfg.Retry.MaxRetries,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		},
	}, log)
}

// NewWithClient creates a service over an arbitrary transport
func NewWithClient(client domain.GenerationClient, opts Options, log zerolog.Logger) *StickerGenerationService {
	return &StickerGenerationService{
		client: client,
		await:  opts.Await.withDefaults(DefaultAwaitOptions),
		retry:  opts.Retry,
		log:    log,
	}
}

func (o AwaitOptions) withDefaults(d AwaitOptions) AwaitOptions {
	if o.Interval <= 0 {
		o.Interval = d.Interval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	return o
}

// Submit validates the request and starts a generation job. No request is sent when
// validation fails.
func (s *StickerGenerationService) Submit(ctx context.Context, req domain.GenerationRequest, cred domain.Credential) (*domain.JobHandle, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := cred.Check(); err != nil {
		return nil, err
	}

	var job *domain.GenerationJob
	err := s.withRetry(ctx, "submit", func() error {
		var err error
		job, err = s.client.CreatePrediction(ctx, req, cred)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit generation: %w", err)
	}

	s.log.Info().
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Int("steps", req.Steps).
		Int("size", req.Width).
		Msg("generation submitted")

	return &domain.JobHandle{ID: job.ID, Status: job.Status}, nil
}

// CheckStatus performs a single status request for the job
func (s *StickerGenerationService) CheckStatus(ctx context.Context, handle *domain.JobHandle, cred domain.Credential) (*domain.GenerationJob, error) {
	if handle == nil || strings.TrimSpace(handle.ID) == "" {
		return nil, domain.NewValidationError("check status", "job handle has no id")
	}
	if err := cred.Check(); err != nil {
		return nil, err
	}

	var job *domain.GenerationJob
	err := s.withRetry(ctx, "poll", func() error {
		var err error
		job, err = s.client.GetPrediction(ctx, handle.ID, cred)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check generation status: %w", err)
	}
	return job, nil
}

// AwaitResult polls the job until it succeeds or fails. It gives up with a timeout error
// after opts.MaxAttempts status checks or once opts.Timeout has elapsed.
func (s *StickerGenerationService) AwaitResult(ctx context.Context, handle *domain.JobHandle, cred domain.Credential, opts AwaitOptions) (*domain.GenerationResult, error) {
	const op = "await result"

	if handle == nil || strings.TrimSpace(handle.ID) == "" {
		return nil, domain.NewValidationError(op, "job handle has no id")
	}
	if err := cred.Check(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults(s.await)

	pollCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	stopped := func(attempt int) error {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s %s: %w", op, handle.ID, err)
		}
		return domain.NewTimeoutError(op, fmt.Sprintf("job %s still pending after %s (%d status checks)", handle.ID, opts.Timeout, attempt))
	}

	for attempt := 1; ; attempt++ {
		job, err := s.CheckStatus(pollCtx, handle, cred)
		if err != nil {
			if pollCtx.Err() != nil {
				return nil, stopped(attempt)
			}
			return nil, err
		}

		s.log.Debug().
			Str("job_id", handle.ID).
			Int("attempt", attempt).
			Str("status", string(job.Status)).
			Msg("generation status")

		switch job.Status {
		case domain.JobStatusSucceeded:
			if job.ImageURL == "" {
				return nil, domain.NewGenerationError(op, "prediction succeeded without output")
			}
			s.log.Info().Str("job_id", handle.ID).Int("attempts", attempt).Msg("generation succeeded")
			return &domain.GenerationResult{
				JobID:    handle.ID,
				Status:   domain.JobStatusSucceeded,
				ImageURL: job.ImageURL,
			}, nil
		case domain.JobStatusFailed:
			detail := job.Error
			if detail == "" {
				detail = "prediction failed"
			}
			s.log.Warn().Str("job_id", handle.ID).Str("error", detail).Msg("generation failed")
			return nil, domain.NewGenerationError(op, detail)
		}

		if attempt >= opts.MaxAttempts {
			return nil, domain.NewTimeoutError(op, fmt.Sprintf("job %s still pending after %d status checks", handle.ID, attempt))
		}

		timer := time.NewTimer(opts.Interval)
		select {
		case <-pollCtx.Done():
			timer.Stop()
			return nil, stopped(attempt)
		case <-timer.C:
		}
	}
}

// FetchArtifact downloads the image behind a resolved URL
func (s *StickerGenerationService) FetchArtifact(ctx context.Context, url string) ([]byte, error) {
	data, _, err := s.fetch(ctx, url)
	return data, err
}

func (s *StickerGenerationService) fetch(ctx context.Context, url string) ([]byte, string, error) {
	if strings.TrimSpace(url) == "" {
		return nil, "", domain.NewArtifactFetchError("fetch artifact", 0, "artifact url is empty")
	}

	var (
		data        []byte
		contentType string
	)
	err := s.withRetry(ctx, "fetch", func() error {
		var err error
		data, contentType, err = s.client.Download(ctx, url)
		return err
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch artifact: %w", err)
	}

	if contentType != "" && !strings.HasPrefix(contentType, "image/png") {
		s.log.Warn().Str("content_type", contentType).Msg("artifact is not a PNG")
	}
	return data, contentType, nil
}

// Generate submits the request, waits for the job and downloads the resulting sticker
func (s *StickerGenerationService) Generate(ctx context.Context, req domain.GenerationRequest, cred domain.Credential) (*domain.Sticker, error) {
	handle, err := s.Submit(ctx, req, cred)
	if err != nil {
		return nil, err
	}

	result, err := s.AwaitResult(ctx, handle, cred, s.await)
	if err != nil {
		return nil, err
	}

	data, contentType, err := s.fetch(ctx, result.ImageURL)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "image/png"
	}

	return &domain.Sticker{
		JobID:       result.JobID,
		ImageURL:    result.ImageURL,
		ContentType: contentType,
		Data:        data,
	}, nil
}

package service

import (
	"context"
	"errors"
	"time"

	"github.com/basel-ax/stickergen/internal/domain"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy retries transport failures with exponential backoff.
// The zero value performs no retries.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

// withRetry runs fn, retrying only errors of the transport kind.
func (s *StickerGenerationService) withRetry(ctx context.Context, stage string, fn func() error) error {
	if s.retry.MaxRetries <= 0 {
		return fn()
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrTransport) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.log.Warn().
			Err(err).
			Str("stage", stage).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("transport failure, retrying")
	}

	return backoff.RetryNotify(operation, s.retry.backOff(ctx), notify)
}

// Package orchestrator retries whole harvest runs with capped exponential
// backoff and triggers them on a quarterly calendar.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrExhausted is returned when every attempt failed.
var ErrExhausted = errors.New("all attempts failed")

// Backoff computes min(Base * 2^(attempt-1), Max).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// RetryConfig bounds the retry loop.
type RetryConfig struct {
	MaxAttempts int
	Backoff     Backoff
}

// Runner executes a unit of work with retries.
type Runner struct {
	cfg    RetryConfig
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRunner constructs a Runner. MaxAttempts below one is treated as one.
func NewRunner(cfg RetryConfig, logger *zap.Logger) *Runner {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, logger: logger, sleep: sleepContext}
}

// Run calls fn until it succeeds, the attempts run out, or ctx ends. The
// full backoff is always waited between attempts, however fast fn failed.
func (r *Runner) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				r.logger.Info("run succeeded after retry", zap.Int("attempt", attempt))
			}
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("run canceled: %w", ctx.Err())
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}
		delay := r.cfg.Backoff.Delay(attempt)
		r.logger.Warn("run failed, backing off",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.cfg.MaxAttempts),
			zap.Duration("backoff", delay),
			zap.Error(lastErr),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return fmt.Errorf("run canceled during backoff: %w", err)
		}
	}
	r.logger.Error("all attempts failed", zap.Int("attempts", r.cfg.MaxAttempts), zap.Error(lastErr))
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, r.cfg.MaxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package providers implements the model backends the orchestrator streams
// from.
package providers

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
)

// base carries the retry behavior shared by providers.
type base struct {
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

func newBase(logger *slog.Logger, component string) base {
	if logger == nil {
		logger = slog.Default()
	}
	return base{
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		logger:     logger.With("component", component),
	}
}

// withRetry runs fn with exponential backoff on retryable errors.
func (b *base) withRetry(ctx context.Context, fn func() error, retryable func(error) bool) error {
	var err error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			delay := b.retryDelay * time.Duration(1<<uint(attempt-1))
			b.logger.Warn("retrying request", "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

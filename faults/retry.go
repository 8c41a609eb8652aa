package faults

import (
	"context"
	"log/slog"
	"time"
)

// Default retry policy values
const (
	DefaultMaxRetries   = 3
	DefaultInitialDelay = 1 * time.Second
	DefaultMaxDelay     = 30 * time.Second
)

// Policy bounds a retry loop. The delay doubles after every failed attempt
// and is capped at MaxDelay.
type Policy struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Logger for per-attempt diagnostics (optional, uses default if not provided)
	Logger *slog.Logger
}

// withDefaults fills zero fields with the package defaults.
func (p Policy) withDefaults() Policy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}

// Do runs op, classifying any failure. Non-retryable classifications stop
// the loop immediately; retryable ones wait with exponential backoff and
// try again up to MaxRetries times. The last error is returned unchanged
// so callers can inspect the final classification.
func Do(ctx context.Context, p Policy, name string, op func(context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	delay := p.InitialDelay

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			p.Logger.Debug("Retrying operation",
				"operation", name,
				"attempt", attempt,
				"delay", delay)

			select {
			case <-ctx.Done():
				return Classify(ctx.Err())
			case <-time.After(delay):
			}

			delay *= 2
			if delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		classified := Classify(err)
		lastErr = classified
		if !classified.Retryable {
			return classified
		}

		p.Logger.Warn("Operation failed, will retry",
			"operation", name,
			"attempt", attempt,
			"category", classified.Category,
			"error", classified.Message)
	}

	p.Logger.Warn("Operation exhausted retries",
		"operation", name,
		"max_retries", p.MaxRetries)
	return lastErr
}

// Fallback runs op and returns its result, substituting fallback when it
// fails. Only for non-critical reads; mutating operations must surface
// their errors.
func Fallback[T any](ctx context.Context, logger *slog.Logger, name string, op func(context.Context) (T, error), fallback T) T {
	if logger == nil {
		logger = slog.Default()
	}

	v, err := op(ctx)
	if err != nil {
		classified := Classify(err)
		logger.Warn("Degrading gracefully after non-critical failure",
			"operation", name,
			"category", classified.Category,
			"error", classified.Message)
		return fallback
	}
	return v
}

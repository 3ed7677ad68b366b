package retry

import (
	"context"
	"math"
	"time"

	"github.com/position-indexer/internal/logging"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int           // Maximum number of attempts
	InitialDelay time.Duration // Initial delay before first retry
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Multiplier for exponential backoff
	// ShouldRetry decides whether an error is worth another attempt.
	// Nil retries every error.
	ShouldRetry func(error) bool
}

// DefaultRetryConfig returns a default retry configuration
// Pattern: 1s, 2s, 4s, 8s, 16s, max 60s
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

// WithExponentialBackoff executes a function with exponential backoff retry logic
func WithExponentialBackoff(ctx context.Context, config *RetryConfig, fn RetryFunc) *RetryResult {
	logger := logging.FromContext(ctx)
	startTime := time.Now()

	result := &RetryResult{}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		err := fn(ctx, attempt)
		if err == nil {
			result.Success = true
			result.LastError = nil
			result.TotalDuration = time.Since(startTime)

			if attempt > 1 {
				logger.WithFields(map[string]interface{}{
					"attempts":      attempt,
					"totalDuration": result.TotalDuration,
				}).Info("Operation succeeded after retry")
			}
			return result
		}

		result.LastError = err

		if config.ShouldRetry != nil && !config.ShouldRetry(err) {
			logger.WithError(err).Debug("Operation failed with non-retryable error")
			break
		}

		if attempt >= config.MaxAttempts {
			logger.WithFields(map[string]interface{}{
				"attempts":      attempt,
				"totalDuration": time.Since(startTime),
			}).WithError(err).Error("Operation failed after max retry attempts")
			break
		}

		if ctx.Err() != nil {
			logger.WithError(ctx.Err()).Warn("Retry cancelled due to context cancellation")
			result.LastError = ctx.Err()
			break
		}

		delay := calculateDelay(config.InitialDelay, config.MaxDelay, config.Multiplier, attempt)

		logger.WithFields(map[string]interface{}{
			"attempt":     attempt,
			"maxAttempts": config.MaxAttempts,
			"delay":       delay,
		}).WithError(err).Warn("Operation failed, retrying with exponential backoff")

		if err := Sleep(ctx, delay); err != nil {
			logger.WithError(err).Warn("Retry cancelled during backoff")
			result.LastError = err
			break
		}
	}

	result.TotalDuration = time.Since(startTime)
	return result
}

// PollConfig configures an unbounded poll
type PollConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultPollConfig polls at 1s, 2s, 4s, ... capped at 60s
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the wait that follows the given attempt (1-based)
func (c PollConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return calculateDelay(c.InitialDelay, c.MaxDelay, c.Multiplier, attempt)
}

// PollFunc reports whether the awaited condition holds.
// An error is logged and counts as "not yet".
type PollFunc func(ctx context.Context, attempt int) (bool, error)

// Poll calls fn until it reports done, backing off between attempts.
// It never gives up on its own: only ctx ends the wait, returning ctx.Err().
func Poll(ctx context.Context, config PollConfig, fn PollFunc) error {
	logger := logging.FromContext(ctx)

	for attempt := 1; ; attempt++ {
		done, err := fn(ctx, attempt)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.WithField("attempt", attempt).WithError(err).Warn("Poll attempt failed")
		} else if done {
			return nil
		}

		if err := Sleep(ctx, config.Delay(attempt)); err != nil {
			return err
		}
	}
}

// calculateDelay calculates the delay for the next attempt:
// initialDelay * multiplier^(attempt-1), capped at maxDelay
func calculateDelay(initialDelay, maxDelay time.Duration, multiplier float64, attempt int) time.Duration {
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(initialDelay) * math.Pow(multiplier, float64(attempt-1))

	if delay > float64(maxDelay) || math.IsInf(delay, 0) {
		delay = float64(maxDelay)
	}

	return time.Duration(delay)
}

// Sleep waits for d or until ctx is done, whichever comes first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

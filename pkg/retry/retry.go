package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Config holds retry configuration
type Config struct {
	Enabled      bool
	MaxAttempts  int // retries after the first call; 0 retries until ctx ends
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool

	// NonRetryableErrors stop the loop immediately (matched with errors.Is).
	NonRetryableErrors []error
	// OnRetry, if set, observes every failed attempt before the wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// ReconnectConfig is used by agents that keep redialing the relay.
func ReconnectConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  0,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retry executes fn with exponential backoff
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult executes fn with exponential backoff and returns its result
func RetryWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T

	if !cfg.Enabled {
		return fn()
	}

	var lastErr error
	for attempt := 0; cfg.MaxAttempts == 0 || attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if isNonRetryable(err, cfg.NonRetryableErrors) {
			return zero, fmt.Errorf("non-retryable error: %w", err)
		}
		if cfg.MaxAttempts > 0 && attempt == cfg.MaxAttempts {
			break
		}

		delay := calculateDelay(cfg, attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, delay, err)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-t.C:
		}
	}

	return zero, fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

func calculateDelay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	// +/-25%
	if cfg.Jitter {
		delay *= 0.75 + rand.Float64()*0.5
	}
	return time.Duration(delay)
}

func isNonRetryable(err error, nonRetryableErrors []error) bool {
	for _, target := range nonRetryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

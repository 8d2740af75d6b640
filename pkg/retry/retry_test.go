package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.Jitter = false
	return cfg
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 3 {
			return errors.New("dial refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_MaxAttemptsExceeded(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), fastConfig(), func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls)
}

func TestRetry_Disabled(t *testing.T) {
	cfg := fastConfig()
	cfg.Enabled = false
	calls := 0
	_ = Retry(context.Background(), cfg, func() error {
		calls++
		return errors.New("x")
	})
	assert.Equal(t, 1, calls)
}

func TestRetry_NonRetryableError(t *testing.T) {
	fatal := errors.New("bad handshake")
	cfg := fastConfig()
	cfg.NonRetryableErrors = []error{fatal}
	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return errors.Join(errors.New("dial"), fatal)
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestRetry_UnlimitedStopsOnContext(t *testing.T) {
	cfg := ReconnectConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var attempts []int
	cfg.OnRetry = func(attempt int, _ time.Duration, _ error) {
		attempts = append(attempts, attempt)
	}
	err := Retry(ctx, cfg, func() error { return errors.New("relay down") })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, len(attempts), 3)
	assert.Equal(t, 1, attempts[0])
}

func TestRetryWithResult(t *testing.T) {
	calls := 0
	v, err := RetryWithResult(context.Background(), fastConfig(), func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("first")
		}
		return "conn", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "conn", v)
}

func TestCalculateDelay(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, calculateDelay(cfg, 0))
	assert.Equal(t, 400*time.Millisecond, calculateDelay(cfg, 2))
	assert.Equal(t, time.Second, calculateDelay(cfg, 10))

	cfg.Jitter = true
	for range 20 {
		d := calculateDelay(cfg, 1)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

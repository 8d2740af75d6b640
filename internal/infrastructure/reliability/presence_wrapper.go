package reliability

import (
	"context"
	"errors"
	"slices"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"
	"deskrelay/pkg/circuitbreaker"
	"deskrelay/pkg/retry"

	"go.uber.org/zap"
)

// PresenceStoreWrapper retries presence writes and stops sending them while
// the backing store keeps failing. Relaying never depends on presence, so a
// rejected write is logged and dropped.
type PresenceStoreWrapper struct {
	store   ports.PresenceStore
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.SugaredLogger
}

func NewPresenceStoreWrapper(
	store ports.PresenceStore,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *PresenceStoreWrapper {
	retryConfig.NonRetryableErrors = slices.Concat(retryConfig.NonRetryableErrors, []error{circuitbreaker.ErrOpen, context.Canceled})

	w := &PresenceStoreWrapper{
		store:   store,
		retry:   retryConfig,
		breaker: circuitbreaker.New(cbConfig),
		logger:  logger,
	}
	w.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("presence circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return w
}

func (w *PresenceStoreWrapper) do(ctx context.Context, op string, fn func(context.Context) error) error {
	call := func() error {
		return w.breaker.Execute(ctx, func() error { return fn(ctx) })
	}

	var err error
	if w.retry.Enabled {
		err = retry.Retry(ctx, w.retry, call)
	} else {
		err = call()
	}

	if errors.Is(err, circuitbreaker.ErrOpen) {
		w.logger.Debugw("presence write skipped", "op", op)
		return nil
	}
	return err
}

func (w *PresenceStoreWrapper) EndpointUp(ctx context.Context, ep domain.Endpoint) error {
	return w.do(ctx, "endpoint_up", func(ctx context.Context) error {
		return w.store.EndpointUp(ctx, ep)
	})
}

func (w *PresenceStoreWrapper) EndpointDown(ctx context.Context, id domain.EndpointID) error {
	return w.do(ctx, "endpoint_down", func(ctx context.Context) error {
		return w.store.EndpointDown(ctx, id)
	})
}

// Refresh is called on every liveness sweep; the next sweep covers a miss,
// so it is never retried.
func (w *PresenceStoreWrapper) Refresh(ctx context.Context, ids []domain.EndpointID) error {
	err := w.breaker.Execute(ctx, func() error { return w.store.Refresh(ctx, ids) })
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil
	}
	return err
}

func (w *PresenceStoreWrapper) PairingChanged(ctx context.Context, p domain.Pairing) error {
	return w.do(ctx, "pairing_changed", func(ctx context.Context) error {
		return w.store.PairingChanged(ctx, p)
	})
}

func (w *PresenceStoreWrapper) BreakerStats() circuitbreaker.Stats {
	return w.breaker.Stats()
}

package services

import (
	"context"
	"errors"
	"fmt"

	"deskrelay/internal/core/domain"
	"deskrelay/internal/core/ports"

	"go.uber.org/zap"
)

// RelayObserver receives delivery outcomes, typically for metrics.
type RelayObserver interface {
	RecordRelayed(t domain.MessageType, class domain.DeliveryClass, bytes int)
	RecordDropped(t domain.MessageType, reason string)
}

// MessageRelay forwards envelopes between endpoints by id. It resolves the
// destination through the registry and never looks inside Payload.
type MessageRelay struct {
	registry ports.EndpointRegistry
	observer RelayObserver
	logger   *zap.SugaredLogger
}

func NewMessageRelay(registry ports.EndpointRegistry, observer RelayObserver, logger *zap.SugaredLogger) *MessageRelay {
	return &MessageRelay{
		registry: registry,
		observer: observer,
		logger:   logger,
	}
}

// Relay delivers env from one endpoint to another. Routing failures are
// returned to the caller and never retried.
func (r *MessageRelay) Relay(ctx context.Context, from, to domain.EndpointID, env domain.Envelope, class domain.DeliveryClass) error {
	env.From = from
	env.To = to
	return r.deliver(ctx, to, env, class)
}

// Notify sends a core-originated message reliably.
func (r *MessageRelay) Notify(ctx context.Context, to domain.EndpointID, env domain.Envelope) error {
	env.To = to
	return r.deliver(ctx, to, env, domain.Reliable)
}

// Broadcast sends env to every endpoint holding role and returns how many
// accepted it.
func (r *MessageRelay) Broadcast(ctx context.Context, role domain.Role, env domain.Envelope, class domain.DeliveryClass) int {
	sent := 0
	for id := range r.registry.ListByRole(role) {
		e := env
		e.To = id
		if err := r.deliver(ctx, id, e, class); err == nil {
			sent++
		}
	}
	return sent
}

func (r *MessageRelay) deliver(ctx context.Context, to domain.EndpointID, env domain.Envelope, class domain.DeliveryClass) error {
	conn, err := r.registry.Conn(to)
	if err != nil {
		r.dropped(env.Type, "unknown_destination")
		r.logger.Debugw("relay destination unknown",
			"type", env.Type,
			"from", env.From,
			"to", to,
		)
		return fmt.Errorf("%w: %s", domain.ErrUnknownDestination, to)
	}

	if class == domain.BestEffort {
		if !conn.TrySend(env) {
			r.dropped(env.Type, "backpressure")
			return domain.ErrDropped
		}
		r.relayed(env, class)
		return nil
	}

	if err := conn.SendReliable(ctx, env); err != nil {
		r.dropped(env.Type, "transport")
		if errors.Is(err, domain.ErrTransportClosed) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrTransportClosed, err)
	}
	r.relayed(env, class)
	return nil
}

func (r *MessageRelay) relayed(env domain.Envelope, class domain.DeliveryClass) {
	if r.observer != nil {
		r.observer.RecordRelayed(env.Type, class, len(env.Payload))
	}
}

func (r *MessageRelay) dropped(t domain.MessageType, reason string) {
	if r.observer != nil {
		r.observer.RecordDropped(t, reason)
	}
}

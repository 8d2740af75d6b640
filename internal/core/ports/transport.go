package ports

import (
	"context"
	"time"

	"deskrelay/internal/core/domain"
)

// Conn is the per-endpoint transport the relay writes to.
type Conn interface {
	// SendReliable queues env behind earlier reliable messages and waits
	// until the transport has written it or ctx ends.
	SendReliable(ctx context.Context, env domain.Envelope) error
	// TrySend hands env to the transport without waiting. It returns false
	// when a best-effort send to this peer is already outstanding.
	TrySend(env domain.Envelope) bool
	// Close shuts the transport down. Safe to call more than once.
	Close(reason string) error
}

// WriteRecency is implemented by transports that know when they last wrote
// to their peer.
type WriteRecency interface {
	LastWrite() time.Time
}

// Notifier delivers core-originated messages to an endpoint reliably.
type Notifier interface {
	Notify(ctx context.Context, to domain.EndpointID, env domain.Envelope) error
}

// FrameSink accepts encoded frames for best-effort delivery to a controller.
type FrameSink interface {
	SendFrame(ctx context.Context, from, to domain.EndpointID, frame domain.Frame, seq int64) error
}

// Evictor forcibly disconnects an endpoint.
type Evictor interface {
	Evict(ctx context.Context, id domain.EndpointID, reason string) bool
}

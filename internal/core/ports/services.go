package ports

import (
	"context"
	"iter"
	"time"

	"deskrelay/internal/core/domain"
)

type EndpointRegistry interface {
	Register(id domain.EndpointID, conn Conn) (domain.Endpoint, error)
	SetRole(id domain.EndpointID, role domain.Role) (domain.Endpoint, error)
	Touch(id domain.EndpointID) error
	Remove(id domain.EndpointID) (domain.Endpoint, bool)
	// RemoveConn removes id only while it is still bound to conn, so a
	// late cleanup of a replaced connection cannot drop its successor.
	RemoveConn(id domain.EndpointID, conn Conn) (domain.Endpoint, bool)
	Describe(id domain.EndpointID, codec, remoteAddr string) error
	Lookup(id domain.EndpointID) (domain.Endpoint, error)
	Conn(id domain.EndpointID) (Conn, error)
	ListByRole(role domain.Role) iter.Seq[domain.EndpointID]
	Stale(now time.Time, after time.Duration) []domain.EndpointID
	Snapshot() []domain.Endpoint
	Count() int
}

type PairingCoordinator interface {
	RequestPairing(ctx context.Context, controllerID, hostID domain.EndpointID) (domain.Pairing, error)
	Teardown(ctx context.Context, id domain.PairingID, reason string) bool
	TeardownEndpoint(ctx context.Context, id domain.EndpointID, reason string) bool
	PeerOf(id domain.EndpointID) (domain.Pairing, bool)
	Get(id domain.PairingID) (domain.Pairing, error)
	Active() []domain.Pairing
	OnTeardown(fn TeardownListener)
}

// TeardownListener observes every pairing exactly once when it ends.
type TeardownListener func(p domain.Pairing, reason string)

type MessageRelay interface {
	Relay(ctx context.Context, from, to domain.EndpointID, env domain.Envelope, class domain.DeliveryClass) error
	Notify(ctx context.Context, to domain.EndpointID, env domain.Envelope) error
	Broadcast(ctx context.Context, role domain.Role, env domain.Envelope, class domain.DeliveryClass) int
}

// PresenceStore mirrors endpoint and pairing lifecycle to a shared store so
// several relay instances can see each other's endpoints.
type PresenceStore interface {
	EndpointUp(ctx context.Context, ep domain.Endpoint) error
	EndpointDown(ctx context.Context, id domain.EndpointID) error
	Refresh(ctx context.Context, ids []domain.EndpointID) error
	PairingChanged(ctx context.Context, p domain.Pairing) error
}

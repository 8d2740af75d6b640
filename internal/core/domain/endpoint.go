package domain

import "time"

type EndpointID string

type Role string

const (
	RoleUnknown    Role = "unknown"
	RoleHost       Role = "host"
	RoleController Role = "controller"
)

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUnknown, RoleHost, RoleController:
		return true
	}
	return false
}

// CanTransitionTo reports whether an endpoint holding r may move to next.
// Roles are assigned once; re-announcing the same role is allowed.
func (r Role) CanTransitionTo(next Role) bool {
	if next == RoleUnknown || !next.Valid() {
		return false
	}
	return r == RoleUnknown || r == next
}

type Endpoint struct {
	ID           EndpointID
	Role         Role
	Codec        string
	RemoteAddr   string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// IdleFor returns how long the endpoint has been silent at now.
func (e Endpoint) IdleFor(now time.Time) time.Duration {
	return now.Sub(e.LastActivity)
}

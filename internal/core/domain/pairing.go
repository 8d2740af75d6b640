package domain

import "time"

type PairingID string

type PairingState string

const (
	PairingRequested PairingState = "requested"
	PairingActive    PairingState = "active"
	PairingTornDown  PairingState = "torn_down"
)

// PairingPolicy decides what happens when a controller asks for a host that
// already has an active pairing.
type PairingPolicy string

const (
	PolicyReject  PairingPolicy = "reject"
	PolicyReplace PairingPolicy = "replace"
)

// Teardown reasons carried in pairing-ended notifications.
const (
	ReasonControllerLeft = "controller_disconnected"
	ReasonHostLeft       = "host_disconnected"
	ReasonEvicted        = "evicted"
	ReasonReplaced       = "replaced"
	ReasonRequested      = "requested"
	ReasonPeerLost       = "peer_lost"
	ReasonShutdown       = "shutdown"
)

type Pairing struct {
	ID           PairingID
	HostID       EndpointID
	ControllerID EndpointID
	State        PairingState
	CreatedAt    time.Time
	EndedAt      time.Time
	EndReason    string
}

// Other returns the endpoint on the opposite side of id, or "" when id is
// not part of the pairing.
func (p Pairing) Other(id EndpointID) EndpointID {
	switch id {
	case p.HostID:
		return p.ControllerID
	case p.ControllerID:
		return p.HostID
	}
	return ""
}

// Involves reports whether id is either side of the pairing.
func (p Pairing) Involves(id EndpointID) bool {
	return id == p.HostID || id == p.ControllerID
}

package domain

import "encoding/json"

type MessageType string

const (
	MsgRegistered      MessageType = "registered"
	MsgAnnounceRole    MessageType = "announce-role"
	MsgHostAvailable   MessageType = "host-available"
	MsgHostUnavailable MessageType = "host-unavailable"
	MsgListHosts       MessageType = "list-hosts"
	MsgHosts           MessageType = "hosts"
	MsgRequestPairing  MessageType = "request-pairing"
	MsgPaired          MessageType = "paired"
	MsgPairingAccepted MessageType = "pairing-accepted"
	MsgPairingEnded    MessageType = "pairing-ended"
	MsgDisconnect      MessageType = "disconnect-session"
	MsgStartStreaming  MessageType = "start-streaming"
	MsgStopStreaming   MessageType = "stop-streaming"
	MsgFrame           MessageType = "frame"
	MsgPointerMove     MessageType = "pointer-move"
	MsgPointerClick    MessageType = "pointer-click"
	MsgScroll          MessageType = "scroll"
	MsgKeyEvent        MessageType = "key-event"
	MsgOffer           MessageType = "offer"
	MsgAnswer          MessageType = "answer"
	MsgICECandidate    MessageType = "ice-candidate"
	MsgHeartbeat       MessageType = "heartbeat"
	MsgError           MessageType = "error"
)

type DeliveryClass int

const (
	Reliable DeliveryClass = iota
	BestEffort
)

func (c DeliveryClass) String() string {
	if c == BestEffort {
		return "best_effort"
	}
	return "reliable"
}

// ClassOf returns the delivery class a message type travels with.
// Key transitions are reliable so a dropped key-up cannot leave a key stuck.
func ClassOf(t MessageType) DeliveryClass {
	switch t {
	case MsgFrame, MsgPointerMove, MsgPointerClick, MsgScroll, MsgHeartbeat:
		return BestEffort
	}
	return Reliable
}

// Envelope is the routing wrapper around every message. The relay reads and
// writes only Type, From and To; Payload is forwarded untouched.
type Envelope struct {
	Type    MessageType     `json:"type" cbor:"type"`
	From    EndpointID      `json:"from,omitempty" cbor:"from,omitempty"`
	To      EndpointID      `json:"to,omitempty" cbor:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty" cbor:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of type t.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, err
	}
	env.Payload = data
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

type AnnounceRolePayload struct {
	Role Role `json:"role"`
}

type RegisteredPayload struct {
	EndpointID EndpointID `json:"endpointId"`
	ICEServers any        `json:"iceServers,omitempty"`
}

type HostPayload struct {
	HostID EndpointID `json:"hostId"`
}

type HostsPayload struct {
	Hosts []EndpointID `json:"hosts"`
}

type RequestPairingPayload struct {
	HostID EndpointID `json:"hostId"`
}

type PairedPayload struct {
	PairingID    PairingID  `json:"pairingId"`
	HostID       EndpointID `json:"hostId"`
	ControllerID EndpointID `json:"controllerId"`
}

type PairingEndedPayload struct {
	PairingID PairingID `json:"pairingId"`
	Reason    string    `json:"reason"`
}

type FramePayload struct {
	Encoding string `json:"encoding"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Quality  int    `json:"quality"`
	Seq      int64  `json:"seq"`
	Data     []byte `json:"data"`
}

// FrameEnvelope wraps an encoded frame for relaying.
func FrameEnvelope(f Frame, seq int64) (Envelope, error) {
	return NewEnvelope(MsgFrame, FramePayload{
		Encoding: f.Encoding,
		Width:    f.Width,
		Height:   f.Height,
		Quality:  f.Quality,
		Seq:      seq,
		Data:     f.Data,
	})
}

// ErrorPayload reports a rejected or undelivered message back to its sender.
// To names the destination the rejected message was addressed to, so a
// sender can tell a stale report from one about its current peer. Count is
// set on drop reports and covers every drop since the previous report.
type ErrorPayload struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	Ref     string     `json:"ref,omitempty"`
	To      EndpointID `json:"to,omitempty"`
	Count   int64      `json:"count,omitempty"`
}

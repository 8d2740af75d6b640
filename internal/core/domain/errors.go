package domain

import "errors"

var (
	ErrUnknownEndpoint    = errors.New("unknown endpoint")
	ErrUnknownDestination = errors.New("unknown destination")
	ErrHostNotFound       = errors.New("host not found")
	ErrHostUnavailable    = errors.New("host unavailable")
	ErrCaptureFailure     = errors.New("capture failure")
	ErrInjectionFailure   = errors.New("injection failure")
	ErrTransportClosed    = errors.New("transport closed")

	ErrInvalidRole       = errors.New("invalid role transition")
	ErrNotPaired         = errors.New("endpoint not paired with destination")
	ErrDuplicateEndpoint = errors.New("endpoint already registered")
	ErrPairingNotFound   = errors.New("pairing not found")
	ErrSessionNotFound   = errors.New("streaming session not found")
	ErrDropped           = errors.New("best-effort message dropped")
)

package domain

import (
	"fmt"
	"time"
)

type SessionID string

type StreamState string

const (
	StreamIdle      StreamState = "idle"
	StreamCapturing StreamState = "capturing"
	StreamAdapting  StreamState = "adapting"
	StreamStopped   StreamState = "stopped"
)

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ResolutionPresets are ordered from smallest to largest.
var ResolutionPresets = []Resolution{
	{Width: 640, Height: 360},
	{Width: 960, Height: 540},
	{Width: 1280, Height: 720},
	{Width: 1600, Height: 900},
	{Width: 1920, Height: 1080},
}

// StreamingSession is the adaptive state of one host→controller stream.
type StreamingSession struct {
	ID                   SessionID
	PairingID            PairingID
	HostID               EndpointID
	ControllerID         EndpointID
	State                StreamState
	Quality              float64
	ResolutionIndex      int
	IntervalMs           int
	FramesSent           int
	FramesMissed         int
	TotalFrames          int64
	WindowStart          time.Time
	LastSuccessfulSendAt time.Time
	StartedAt            time.Time
}

// Resolution returns the preset currently selected by the session.
func (s StreamingSession) Resolution() Resolution {
	idx := s.ResolutionIndex
	if idx < 0 {
		idx = 0
	}
	if idx >= len(ResolutionPresets) {
		idx = len(ResolutionPresets) - 1
	}
	return ResolutionPresets[idx]
}

// Interval returns the capture period as a duration.
func (s StreamingSession) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

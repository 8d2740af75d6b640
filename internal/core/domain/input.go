package domain

import "time"

type MouseButton string

const (
	ButtonLeft   MouseButton = "left"
	ButtonRight  MouseButton = "right"
	ButtonMiddle MouseButton = "middle"
)

// Modifiers mirrors the modifier state the controller saw when the event fired.
type Modifiers struct {
	Shift    bool `json:"shift,omitempty"`
	Control  bool `json:"control,omitempty"`
	Alt      bool `json:"alt,omitempty"`
	Meta     bool `json:"meta,omitempty"`
	CapsLock bool `json:"capsLock,omitempty"`
}

// PointerEvent carries coordinates normalized to [0,1] of the host screen.
type PointerEvent struct {
	X      float64     `json:"x"`
	Y      float64     `json:"y"`
	Button MouseButton `json:"button,omitempty"`
	Down   bool        `json:"down,omitempty"`
}

type ScrollEvent struct {
	DeltaX float64 `json:"deltaX"`
	DeltaY float64 `json:"deltaY"`
}

type KeyEvent struct {
	Key       string    `json:"key"`
	Code      string    `json:"code,omitempty"`
	KeyCode   int       `json:"keyCode,omitempty"`
	Down      bool      `json:"down"`
	Modifiers Modifiers `json:"modifiers"`
}

// Clamp keeps normalized coordinates inside the screen.
func (p PointerEvent) Clamp() PointerEvent {
	p.X = clamp01(p.X)
	p.Y = clamp01(p.Y)
	return p
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Frame is one encoded screen capture.
type Frame struct {
	Encoding   string
	Width      int
	Height     int
	Quality    int
	Data       []byte
	CapturedAt time.Time
}

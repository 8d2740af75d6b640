package ports

import (
	"context"

	"deskrelay/internal/core/domain"
)

// Capturer produces one encoded frame of the host screen.
type Capturer interface {
	Capture(ctx context.Context, res domain.Resolution, quality float64) (domain.Frame, error)
}

// Injector replays controller input on the host.
type Injector interface {
	InjectPointer(ctx context.Context, ev domain.PointerEvent) error
	InjectScroll(ctx context.Context, ev domain.ScrollEvent) error
	InjectKey(ctx context.Context, ev domain.KeyEvent) error
}

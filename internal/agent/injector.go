package agent

import (
	"context"
	"fmt"
	"sync/atomic"

	"deskrelay/internal/core/domain"

	"go.uber.org/zap"
)

// LoggingInjector records input instead of driving a real display.
type LoggingInjector struct {
	logger *zap.SugaredLogger

	pointer atomic.Int64
	scroll  atomic.Int64
	keys    atomic.Int64
}

func NewLoggingInjector(logger *zap.SugaredLogger) *LoggingInjector {
	return &LoggingInjector{logger: logger}
}

func (i *LoggingInjector) InjectPointer(ctx context.Context, ev domain.PointerEvent) error {
	i.pointer.Add(1)
	i.logger.Debugw("pointer", "x", ev.X, "y", ev.Y, "button", ev.Button, "down", ev.Down)
	return nil
}

func (i *LoggingInjector) InjectScroll(ctx context.Context, ev domain.ScrollEvent) error {
	i.scroll.Add(1)
	i.logger.Debugw("scroll", "dx", ev.DeltaX, "dy", ev.DeltaY)
	return nil
}

func (i *LoggingInjector) InjectKey(ctx context.Context, ev domain.KeyEvent) error {
	if ev.Key == "" && ev.Code == "" && ev.KeyCode == 0 {
		return fmt.Errorf("%w: key event without key", domain.ErrInjectionFailure)
	}
	i.keys.Add(1)
	i.logger.Debugw("key", "key", ev.Key, "code", ev.Code, "down", ev.Down, "modifiers", ev.Modifiers)
	return nil
}

// Counts returns how many pointer, scroll and key events were injected.
func (i *LoggingInjector) Counts() (pointer, scroll, keys int64) {
	return i.pointer.Load(), i.scroll.Load(), i.keys.Load()
}

package agent

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync/atomic"
	"time"

	"deskrelay/internal/core/domain"
	"deskrelay/pkg/optimize"
)

// SyntheticCapturer renders a moving test pattern instead of a real screen.
type SyntheticCapturer struct {
	frame   atomic.Int64
	now     func() time.Time
	buffers *optimize.BufferPool
}

func NewSyntheticCapturer() *SyntheticCapturer {
	return &SyntheticCapturer{
		now:     time.Now,
		buffers: optimize.NewBufferPool(64<<10, 1<<20),
	}
}

func (c *SyntheticCapturer) Capture(ctx context.Context, res domain.Resolution, quality float64) (domain.Frame, error) {
	if err := ctx.Err(); err != nil {
		return domain.Frame{}, err
	}
	if res.Width <= 0 || res.Height <= 0 {
		return domain.Frame{}, fmt.Errorf("%w: invalid resolution %s", domain.ErrCaptureFailure, res)
	}

	n := int(c.frame.Add(1))
	img := image.NewRGBA(image.Rect(0, 0, res.Width, res.Height))
	barX := (n * 8) % res.Width
	for y := 0; y < res.Height; y++ {
		shade := uint8(y * 255 / res.Height)
		for x := 0; x < res.Width; x++ {
			px := color.RGBA{R: uint8(x * 255 / res.Width), G: shade, B: uint8(n), A: 255}
			if x >= barX && x < barX+16 {
				px = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, px)
		}
	}

	q := jpegQuality(quality)
	buf := c.buffers.Get()
	defer c.buffers.Put(buf)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: q}); err != nil {
		return domain.Frame{}, fmt.Errorf("%w: %v", domain.ErrCaptureFailure, err)
	}

	return domain.Frame{
		Encoding:   "jpeg",
		Width:      res.Width,
		Height:     res.Height,
		Quality:    q,
		Data:       bytes.Clone(buf.Bytes()),
		CapturedAt: c.now(),
	}, nil
}

func jpegQuality(q float64) int {
	return min(100, max(1, int(q*100+0.5)))
}

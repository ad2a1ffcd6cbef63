package capture

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"time"
)

// PatternSource produces synthetic frames, for development without a camera.
type PatternSource struct {
	width  int
	height int
	warmup time.Duration
	clock  func() time.Time
}

func NewPatternSource(width, height int, warmup time.Duration) *PatternSource {
	return &PatternSource{width: width, height: height, warmup: warmup, clock: time.Now}
}

func (p *PatternSource) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.width <= 0 || p.height <= 0 {
		return nil, ErrDeviceUnavailable
	}
	return &patternStream{src: p, openedAt: p.clock()}, nil
}

type patternStream struct {
	src      *PatternSource
	openedAt time.Time
	mu       sync.Mutex
	tick     int
	closed   bool
}

func (s *patternStream) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	return s.src.clock().Sub(s.openedAt) >= s.src.warmup
}

func (s *patternStream) Frame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("stream closed")
	}
	s.tick++
	img := image.NewRGBA(image.Rect(0, 0, s.src.width, s.src.height))
	shift := s.tick * 4
	for y := 0; y < s.src.height; y++ {
		for x := 0; x < s.src.width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x + shift), G: uint8(y), B: uint8(x ^ y), A: 0xff})
		}
	}
	return img, nil
}

func (s *patternStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

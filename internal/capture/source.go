// Package capture owns the video source and samples frames from it for the
// remote predictor.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/loqalabs/signstream/internal/config"
)

var (
	// ErrDeviceUnavailable reports a missing or unusable capture device.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	// ErrPermissionDenied reports that access to the device was refused.
	ErrPermissionDenied = errors.New("capture permission denied")
)

// Source grants access to a video stream.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open capture session.
type Stream interface {
	// Ready reports whether enough data is buffered to read a frame.
	Ready() bool
	// Frame returns the current image at display resolution.
	Frame() (image.Image, error)
	// Close releases the underlying device.
	Close() error
}

// NewSource builds the source selected in configuration.
func NewSource(cfg config.CaptureConfig) (Source, error) {
	warmup := time.Duration(cfg.WarmupFrames*cfg.IntervalMS) * time.Millisecond
	switch cfg.Source {
	case "pattern":
		return NewPatternSource(cfg.DisplayWidth, cfg.DisplayHeight, warmup), nil
	case "directory":
		return NewDirectorySource(cfg.Directory), nil
	default:
		return nil, fmt.Errorf("unsupported capture source %q", cfg.Source)
	}
}

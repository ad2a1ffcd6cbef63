package capture

import (
	"context"
	"log/slog"
	"sync"
)

// Device enforces a single active capture session on top of a Source.
type Device struct {
	source Source
	log    *slog.Logger
	mu     sync.Mutex
	stream Stream
}

func NewDevice(source Source, log *slog.Logger) *Device {
	return &Device{source: source, log: log.With(slog.String("component", "capture-device"))}
}

// Start opens the source. Starting an already active device is a no-op.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream != nil {
		return nil
	}
	stream, err := d.source.Open(ctx)
	if err != nil {
		return err
	}
	d.stream = stream
	d.log.Info("capture started")
	return nil
}

// Stop releases the underlying stream. Stopping an idle device is a no-op.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == nil {
		return nil
	}
	err := d.stream.Close()
	d.stream = nil
	d.log.Info("capture stopped")
	return err
}

// Stream returns the active stream or nil.
func (d *Device) Stream() Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream
}

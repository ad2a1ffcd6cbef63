package capture

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/signstream/internal/protocol"
)

// Admitter is the backpressure gate consulted before every frame.
type Admitter interface {
	TryAcquire() bool
	Release()
}

// Sender transmits an encoded frame to the predictor.
type Sender interface {
	SendFrame(ctx context.Context, frame protocol.ImageFrame) error
}

type Outcome int

const (
	Sent Outcome = iota
	SkippedSuspended
	SkippedNotReady
	DroppedBusy
	CaptureFailed
	SendFailed
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case SkippedSuspended:
		return "suspended"
	case SkippedNotReady:
		return "not_ready"
	case DroppedBusy:
		return "dropped_busy"
	case CaptureFailed:
		return "capture_failed"
	case SendFailed:
		return "send_failed"
	}
	return "unknown"
}

// Sampler takes one frame per tick when the device is ready and the gate
// admits it. Frames the gate refuses are dropped, never queued.
type Sampler struct {
	sessionID string
	device    *Device
	gate      Admitter
	sender    Sender
	encoder   Encoder
	log       *slog.Logger
	seq       uint64
	suspended bool
}

func NewSampler(sessionID string, device *Device, gate Admitter, sender Sender, encoder Encoder, log *slog.Logger) *Sampler {
	return &Sampler{
		sessionID: sessionID,
		device:    device,
		gate:      gate,
		sender:    sender,
		encoder:   encoder,
		log:       log.With(slog.String("component", "frame-sampler")),
	}
}

// SetSuspended pauses sampling, e.g. while the session renders text to signs.
func (s *Sampler) SetSuspended(suspended bool) { s.suspended = suspended }

// LastSeq is the sequence number of the most recently sent frame, 0 before
// the first.
func (s *Sampler) LastSeq() uint64 { return s.seq }

// Tick performs a single sampling attempt.
func (s *Sampler) Tick(ctx context.Context, now time.Time) Outcome {
	if s.suspended {
		return SkippedSuspended
	}
	stream := s.device.Stream()
	if stream == nil || !stream.Ready() {
		return SkippedNotReady
	}
	if !s.gate.TryAcquire() {
		return DroppedBusy
	}

	img, err := stream.Frame()
	if err != nil {
		s.gate.Release()
		s.log.Warn("frame capture failed", slogError(err))
		return CaptureFailed
	}
	data, err := s.encoder.Encode(img)
	if err != nil {
		s.gate.Release()
		s.log.Warn("frame encode failed", slogError(err))
		return CaptureFailed
	}

	s.seq++
	frame := protocol.ImageFrame{
		Type:       protocol.TypeImageFrame,
		SessionID:  s.sessionID,
		Seq:        s.seq,
		Width:      s.encoder.Width,
		Height:     s.encoder.Height,
		Payload:    data,
		CapturedAt: now.UTC(),
	}
	if err := s.sender.SendFrame(ctx, frame); err != nil {
		// the frame never left, so nothing will answer it
		s.gate.Release()
		s.log.Debug("frame dropped", slogError(err))
		return SendFailed
	}
	return Sent
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

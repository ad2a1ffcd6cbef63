package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/signstream/internal/capture"
	"github.com/loqalabs/signstream/internal/gate"
	"github.com/loqalabs/signstream/internal/protocol"
	"github.com/loqalabs/signstream/internal/transport"
)

// Channel is the message channel to the predictor for one pipeline.
type Channel interface {
	capture.Sender
	Predictions() <-chan protocol.PredictionEvent
	Close() error
}

// Dialer opens a Channel for the given pipeline ID.
type Dialer func(ctx context.Context, pipelineID string) (Channel, error)

// offlineChannel stands in when the bus could not be reached; every frame
// is dropped and the gate is released right away.
type offlineChannel struct{}

func (offlineChannel) SendFrame(context.Context, protocol.ImageFrame) error {
	return transport.ErrChannelUnavailable
}

func (offlineChannel) Predictions() <-chan protocol.PredictionEvent { return nil }

func (offlineChannel) Close() error { return nil }

// pipeline is the per-activation state of sign-to-text mode: the capture
// stream, the predictor channel and the gate between them. It is built when
// the mode is entered and torn down when it is left.
type pipeline struct {
	id           string
	channel      Channel
	gate         *gate.Gate
	sampler      *capture.Sampler
	ticker       *time.Ticker
	seenTimeouts uint64
	log          *slog.Logger
}

func (c *Controller) startPipeline(ctx context.Context) (*pipeline, error) {
	if err := c.deps.Device.Start(ctx); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	log := c.log.With(slog.String("pipeline_id", id))
	var ch Channel = offlineChannel{}
	if c.deps.Dial != nil {
		dialed, err := c.deps.Dial(ctx, id)
		if err != nil {
			log.Warn("predictor channel unavailable, frames will be dropped", slogError(err))
		} else {
			ch = dialed
		}
	}

	g := gate.New(c.cfg.GateTimeout)
	p := &pipeline{
		id:      id,
		channel: ch,
		gate:    g,
		sampler: capture.NewSampler(id, c.deps.Device, g, ch, c.deps.Encoder, log),
		ticker:  time.NewTicker(c.cfg.Interval),
		log:     log,
	}
	c.deps.Metrics.sessionStarted()
	log.Info("sign-to-text pipeline started")
	return p, nil
}

// stop halts sampling and releases the device. Frames already sent are not
// cancelled; their replies die with the channel.
func (p *pipeline) stop(c *Controller) {
	p.sampler.SetSuspended(true)
	p.ticker.Stop()
	if err := p.channel.Close(); err != nil {
		p.log.Warn("failed to close predictor channel", slogError(err))
	}
	if err := c.deps.Device.Stop(); err != nil {
		p.log.Warn("failed to release capture device", slogError(err))
	}
	p.gate.Reset()
	c.deps.Metrics.sessionStopped()
	p.log.Info("sign-to-text pipeline stopped")
}

func (p *pipeline) predictions() <-chan protocol.PredictionEvent {
	if p == nil {
		return nil
	}
	return p.channel.Predictions()
}

func (p *pipeline) ticks() <-chan time.Time {
	if p == nil {
		return nil
	}
	return p.ticker.C
}

// newTimeouts returns the gate timeouts observed since the last call.
func (p *pipeline) newTimeouts() uint64 {
	total := p.gate.Stats().TimedOut
	delta := total - p.seenTimeouts
	p.seenTimeouts = total
	return delta
}

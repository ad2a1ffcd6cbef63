package session

import (
	"context"
	"sync/atomic"

	"github.com/loqalabs/signstream/internal/capture"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/signstream/session"

// Metrics records pipeline counters on the global meter provider.
type Metrics struct {
	frames       metric.Int64Counter
	gateTimeouts metric.Int64Counter
	predictions  metric.Int64Counter
	commits      metric.Int64Counter
	active       atomic.Int64
}

func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error
	if m.frames, err = meter.Int64Counter("signstream.frames",
		metric.WithDescription("Sampler ticks by outcome")); err != nil {
		return nil, err
	}
	if m.gateTimeouts, err = meter.Int64Counter("signstream.gate.timeouts",
		metric.WithDescription("In-flight frames released by the gate timeout")); err != nil {
		return nil, err
	}
	if m.predictions, err = meter.Int64Counter("signstream.predictions",
		metric.WithDescription("Prediction events received")); err != nil {
		return nil, err
	}
	if m.commits, err = meter.Int64Counter("signstream.commits",
		metric.WithDescription("Characters committed to the sentence")); err != nil {
		return nil, err
	}
	gauge, err := meter.Int64ObservableGauge("signstream.sessions.active",
		metric.WithDescription("Active sign-to-text pipelines"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, m.active.Load())
		return nil
	}, gauge)
	return m, err
}

func (m *Metrics) frame(ctx context.Context, outcome capture.Outcome) {
	if m == nil {
		return
	}
	m.frames.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome.String())))
}

func (m *Metrics) gateTimeout(ctx context.Context, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.gateTimeouts.Add(ctx, int64(n))
}

func (m *Metrics) prediction(ctx context.Context, sentinel bool) {
	if m == nil {
		return
	}
	m.predictions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("sentinel", sentinel)))
}

func (m *Metrics) commit(ctx context.Context) {
	if m == nil {
		return
	}
	m.commits.Add(ctx, 1)
}

func (m *Metrics) sessionStarted() {
	if m != nil {
		m.active.Add(1)
	}
}

func (m *Metrics) sessionStopped() {
	if m != nil {
		m.active.Add(-1)
	}
}

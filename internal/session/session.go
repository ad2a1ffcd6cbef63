// Package session runs the sign-to-text event loop: it samples frames,
// feeds predictions through the stability tracker and edits the sentence.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/signstream/internal/capture"
	"github.com/loqalabs/signstream/internal/config"
	"github.com/loqalabs/signstream/internal/history"
	"github.com/loqalabs/signstream/internal/protocol"
	"github.com/loqalabs/signstream/internal/sentence"
	"github.com/loqalabs/signstream/internal/stability"
)

type Mode string

const (
	ModeSignToText Mode = history.ModeSignToText
	ModeTextToSign Mode = history.ModeTextToSign
)

var (
	// ErrStopped is returned by commands issued after Run has returned.
	ErrStopped = errors.New("session stopped")
	// ErrUnknownMode is returned by SetMode for anything but the two modes.
	ErrUnknownMode = errors.New("unknown mode")
	// ErrInvalidSettings is returned by UpdateSettings for out-of-range values.
	ErrInvalidSettings = errors.New("invalid settings")
)

// HistorySaver persists sentence snapshots.
type HistorySaver interface {
	Save(ctx context.Context, e history.Entry) (history.Entry, error)
}

// Speaker reads the sentence aloud without blocking the loop.
type Speaker interface {
	Say(sessionID, text string) error
	SetRate(rate float64)
}

type Config struct {
	Interval    time.Duration
	GateTimeout time.Duration
	Stability   stability.Config
	VoiceSpeed  float64
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		Interval:    time.Duration(cfg.Capture.IntervalMS) * time.Millisecond,
		GateTimeout: time.Duration(cfg.Gate.TimeoutMS) * time.Millisecond,
		Stability:   stability.ConfigFrom(cfg.Stability),
		VoiceSpeed:  cfg.Speech.Rate,
	}
}

// Settings are the user preferences that may change while the session runs.
// RecognitionSpeedMS is how long a sign must be held under the time policy.
type Settings struct {
	RecognitionSpeedMS int     `json:"recognition_speed"`
	VoiceSpeed         float64 `json:"voice_speed"`
}

type Deps struct {
	Device  *capture.Device
	Encoder capture.Encoder
	Dial    Dialer
	History HistorySaver
	Speech  Speaker
	Metrics *Metrics
}

// Status is a point-in-time view of the session.
type Status struct {
	SessionID   string  `json:"session_id"`
	PipelineID  string  `json:"pipeline_id,omitempty"`
	Mode        Mode    `json:"mode"`
	Sentence    string  `json:"sentence"`
	Display     string  `json:"display"`
	Progress    float64 `json:"progress"`
	Streaming   bool    `json:"streaming"`
	DeviceError string  `json:"device_error,omitempty"`
}

type command func(ctx context.Context)

// Controller owns everything a user session mutates. All state below is
// touched only from the Run goroutine.
type Controller struct {
	id    string
	cfg   Config
	deps  Deps
	log   *slog.Logger
	clock func() time.Time
	cmds  chan command
	done  chan struct{}

	mode      Mode
	tracker   *stability.Tracker
	buffer    sentence.Buffer
	display   string
	progress  float64
	active    *pipeline
	deviceErr error
}

func New(cfg Config, deps Deps, log *slog.Logger) *Controller {
	id := uuid.NewString()
	return &Controller{
		id:      id,
		cfg:     cfg,
		deps:    deps,
		log:     log.With(slog.String("component", "session"), slog.String("session_id", id)),
		clock:   time.Now,
		cmds:    make(chan command),
		done:    make(chan struct{}),
		mode:    ModeSignToText,
		tracker: stability.NewTracker(cfg.Stability),
		display: stability.IdleDisplay,
	}
}

func (c *Controller) ID() string { return c.id }

// Run drives the session until ctx is cancelled. It starts in sign-to-text
// mode.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	if c.mode == ModeSignToText {
		c.activate(ctx)
	}
	defer c.deactivate()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-c.active.ticks():
			c.sample(ctx, now)
		case evt, ok := <-c.active.predictions():
			if !ok {
				continue
			}
			c.handlePrediction(ctx, evt)
		case cmd := <-c.cmds:
			cmd(ctx)
		}
	}
}

func (c *Controller) activate(ctx context.Context) {
	c.tracker.Reset()
	c.progress = 0
	c.display = stability.IdleDisplay
	p, err := c.startPipeline(ctx)
	if err != nil {
		c.deviceErr = err
		c.log.Error("capture unavailable, sampling not started", slogError(err))
		return
	}
	c.deviceErr = nil
	c.active = p
}

func (c *Controller) deactivate() {
	if c.active != nil {
		c.active.stop(c)
		c.active = nil
	}
	c.tracker.Reset()
	c.progress = 0
	c.display = stability.IdleDisplay
}

func (c *Controller) sample(ctx context.Context, now time.Time) {
	p := c.active
	outcome := p.sampler.Tick(ctx, now)
	c.deps.Metrics.frame(ctx, outcome)
	c.deps.Metrics.gateTimeout(ctx, p.newTimeouts())
	if c.cfg.Stability.Policy == stability.PolicyTime {
		c.progress = c.tracker.Progress(now)
	}
}

// handlePrediction releases the gate only for the reply to the most recent
// frame; replies without a seq are treated as such. A late reply for a frame
// whose slot already timed out still reaches the tracker.
func (c *Controller) handlePrediction(ctx context.Context, evt protocol.PredictionEvent) {
	if p := c.active; p != nil && (evt.Seq == 0 || evt.Seq == p.sampler.LastSeq()) {
		p.gate.Release()
	}
	c.deps.Metrics.prediction(ctx, evt.Sentinel)
	if c.mode != ModeSignToText {
		return
	}
	for _, eff := range c.tracker.Observe(evt, c.clock()) {
		switch eff.Kind {
		case stability.EffectCommit:
			c.buffer.AppendString(eff.Symbol)
			c.deps.Metrics.commit(ctx)
			c.log.Debug("committed", slog.String("symbol", eff.Symbol))
		case stability.EffectIndicator:
			c.progress = eff.Percent
		case stability.EffectDisplay:
			c.display = eff.Text
		}
	}
}

func (c *Controller) status() Status {
	st := Status{
		SessionID: c.id,
		Mode:      c.mode,
		Sentence:  c.buffer.String(),
		Display:   c.display,
		Progress:  c.progress,
		Streaming: c.active != nil,
	}
	if c.active != nil {
		st.PipelineID = c.active.id
	}
	if c.deviceErr != nil {
		st.DeviceError = c.deviceErr.Error()
	}
	return st
}

// do runs fn on the loop goroutine and waits for it.
func (c *Controller) do(ctx context.Context, fn func(ctx context.Context)) error {
	finished := make(chan struct{})
	cmd := func(loopCtx context.Context) {
		defer close(finished)
		fn(loopCtx)
	}
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) Snapshot(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, func(context.Context) { st = c.status() })
	return st, err
}

// SetMode switches between sign-to-text and text-to-sign. Entering
// sign-to-text starts a fresh pipeline; leaving it tears the pipeline down.
// Either way the tracker starts from idle.
func (c *Controller) SetMode(ctx context.Context, mode Mode) (Status, error) {
	if mode != ModeSignToText && mode != ModeTextToSign {
		return Status{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	var st Status
	err := c.do(ctx, func(loopCtx context.Context) {
		if mode != c.mode {
			c.log.Info("mode changed", slog.String("from", string(c.mode)), slog.String("to", string(mode)))
			c.deactivate()
			c.mode = mode
			if mode == ModeSignToText {
				c.activate(loopCtx)
			}
		}
		st = c.status()
	})
	return st, err
}

func (c *Controller) edit(ctx context.Context, fn func(*sentence.Buffer)) (Status, error) {
	var st Status
	err := c.do(ctx, func(context.Context) {
		fn(&c.buffer)
		st = c.status()
	})
	return st, err
}

func (c *Controller) AppendSpace(ctx context.Context) (Status, error) {
	return c.edit(ctx, (*sentence.Buffer).AppendSpace)
}

func (c *Controller) DeleteLast(ctx context.Context) (Status, error) {
	return c.edit(ctx, (*sentence.Buffer).DeleteLast)
}

func (c *Controller) Clear(ctx context.Context) (Status, error) {
	return c.edit(ctx, (*sentence.Buffer).Clear)
}

// Save stores the current sentence in history.
func (c *Controller) Save(ctx context.Context) (history.Entry, error) {
	if c.deps.History == nil {
		return history.Entry{}, errors.New("history not configured")
	}
	var entry history.Entry
	if err := c.do(ctx, func(context.Context) {
		entry = history.Entry{SessionID: c.id, Mode: string(c.mode), Content: c.buffer.String()}
	}); err != nil {
		return history.Entry{}, err
	}
	return c.deps.History.Save(ctx, entry)
}

// Speak reads the current sentence aloud.
func (c *Controller) Speak(ctx context.Context) error {
	if c.deps.Speech == nil {
		return errors.New("speech not configured")
	}
	var text string
	if err := c.do(ctx, func(context.Context) { text = c.buffer.String() }); err != nil {
		return err
	}
	return c.deps.Speech.Say(c.id, text)
}

func (c *Controller) settings() Settings {
	return Settings{
		RecognitionSpeedMS: int(c.cfg.Stability.Duration / time.Millisecond),
		VoiceSpeed:         c.cfg.VoiceSpeed,
	}
}

func (c *Controller) Settings(ctx context.Context) (Settings, error) {
	var s Settings
	err := c.do(ctx, func(context.Context) { s = c.settings() })
	return s, err
}

// UpdateSettings applies new preferences. The tracker restarts from idle
// with the new duration; the speaker uses the new rate from its next
// utterance.
func (c *Controller) UpdateSettings(ctx context.Context, s Settings) (Settings, error) {
	if err := config.ValidateRecognitionSpeed(s.RecognitionSpeedMS); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if err := config.ValidateVoiceSpeed(s.VoiceSpeed); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	var out Settings
	err := c.do(ctx, func(context.Context) {
		c.cfg.Stability.Duration = time.Duration(s.RecognitionSpeedMS) * time.Millisecond
		c.cfg.VoiceSpeed = s.VoiceSpeed
		c.tracker.Reconfigure(c.cfg.Stability)
		c.progress = 0
		c.display = stability.IdleDisplay
		if c.deps.Speech != nil {
			c.deps.Speech.SetRate(s.VoiceSpeed)
		}
		c.log.Info("settings updated",
			slog.Int("recognition_speed_ms", s.RecognitionSpeedMS),
			slog.Float64("voice_speed", s.VoiceSpeed))
		out = c.settings()
	})
	return out, err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

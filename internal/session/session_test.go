package session

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/signstream/internal/capture"
	"github.com/loqalabs/signstream/internal/history"
	"github.com/loqalabs/signstream/internal/protocol"
	"github.com/loqalabs/signstream/internal/stability"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeSource struct {
	mu     sync.Mutex
	err    error
	opens  int
	closes int
}

func (f *fakeSource) Open(context.Context) (capture.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.opens++
	return &fakeStream{src: f}, nil
}

func (f *fakeSource) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.closes
}

type fakeStream struct{ src *fakeSource }

func (s *fakeStream) Ready() bool { return true }

func (s *fakeStream) Frame() (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 64, 48)), nil
}

func (s *fakeStream) Close() error {
	s.src.mu.Lock()
	s.src.closes++
	s.src.mu.Unlock()
	return nil
}

type fakeChannel struct {
	id     string
	frames chan protocol.ImageFrame
	preds  chan protocol.PredictionEvent
	mu     sync.Mutex
	closed bool
}

func (f *fakeChannel) SendFrame(_ context.Context, frame protocol.ImageFrame) error {
	select {
	case f.frames <- frame:
	default:
	}
	return nil
}

func (f *fakeChannel) Predictions() <-chan protocol.PredictionEvent { return f.preds }

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) predict(symbol string) {
	f.predictSeq(symbol, 0)
}

func (f *fakeChannel) predictSeq(symbol string, seq uint64) {
	f.preds <- protocol.PredictionResult{SessionID: f.id, Seq: seq, Char: symbol}.Normalize(time.Now())
}

type dialer struct {
	mu       sync.Mutex
	channels []*fakeChannel
	err      error
}

func (d *dialer) dial(_ context.Context, id string) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	ch := &fakeChannel{
		id:     id,
		frames: make(chan protocol.ImageFrame, 64),
		preds:  make(chan protocol.PredictionEvent, 64),
	}
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *dialer) channel(t *testing.T, i int) *fakeChannel {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.channels) {
		t.Fatalf("channel %d not dialed (have %d)", i, len(d.channels))
	}
	return d.channels[i]
}

type harness struct {
	ctrl   *Controller
	source *fakeSource
	dialer *dialer
}

func countConfig(n int) Config {
	return Config{
		Interval:    5 * time.Millisecond,
		GateTimeout: time.Second,
		Stability:   stability.Config{Policy: stability.PolicyCount, CountThreshold: n},
	}
}

func start(t *testing.T, cfg Config, deps Deps, source *fakeSource, d *dialer) *harness {
	t.Helper()
	deps.Device = capture.NewDevice(source, newLogger())
	deps.Encoder = capture.Encoder{Width: 32, Height: 32, Quality: 50}
	if d != nil {
		deps.Dial = d.dial
	}
	ctrl := New(cfg, deps, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{ctrl: ctrl, source: source, dialer: d}
}

func waitFrame(t *testing.T, ch *fakeChannel) protocol.ImageFrame {
	t.Helper()
	select {
	case f := <-ch.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame sent")
	}
	return protocol.ImageFrame{}
}

func waitStatus(t *testing.T, ctrl *Controller, cond func(Status) bool) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := ctrl.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if cond(st) {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met, last status %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 0.01 }

func TestCommitsAfterStableRun(t *testing.T) {
	d := &dialer{}
	h := start(t, countConfig(3), Deps{}, &fakeSource{}, d)

	waitStatus(t, h.ctrl, func(st Status) bool { return st.Streaming })
	ch := h.dialer.channel(t, 0)
	frame := waitFrame(t, ch)
	if frame.SessionID != ch.id || frame.Width != 32 || len(frame.Payload) == 0 {
		t.Fatalf("unexpected frame %+v", frame)
	}

	for i := 0; i < 3; i++ {
		ch.predict("A")
	}
	st := waitStatus(t, h.ctrl, func(st Status) bool { return st.Sentence == "A" })
	if st.Display != "A" || st.Progress != 0 {
		t.Fatalf("unexpected status after commit %+v", st)
	}
}

func TestGateHoldsUntilPrediction(t *testing.T) {
	d := &dialer{}
	h := start(t, countConfig(5), Deps{}, &fakeSource{}, d)

	waitStatus(t, h.ctrl, func(st Status) bool { return st.Streaming })
	ch := h.dialer.channel(t, 0)
	waitFrame(t, ch)

	time.Sleep(50 * time.Millisecond)
	if n := len(ch.frames); n != 0 {
		t.Fatalf("expected no frames while one is in flight, got %d", n)
	}

	ch.predict(protocol.SymbolNoDetection)
	waitFrame(t, ch)
	st := waitStatus(t, h.ctrl, func(st Status) bool { return true })
	if st.Display != stability.IdleDisplay || st.Progress != 0 {
		t.Fatalf("expected idle display after sentinel, got %+v", st)
	}
}

func TestLateReplyDoesNotReleaseNewerFrame(t *testing.T) {
	d := &dialer{}
	cfg := countConfig(5)
	cfg.GateTimeout = 150 * time.Millisecond
	h := start(t, cfg, Deps{}, &fakeSource{}, d)

	waitStatus(t, h.ctrl, func(st Status) bool { return st.Streaming })
	ch := h.dialer.channel(t, 0)
	if f := waitFrame(t, ch); f.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", f.Seq)
	}
	// no reply: the slot times out and the next frame goes out
	if f := waitFrame(t, ch); f.Seq != 2 {
		t.Fatalf("expected seq 2 after timeout, got %d", f.Seq)
	}

	ch.predictSeq("A", 1)
	st := waitStatus(t, h.ctrl, func(st Status) bool { return st.Display == "A" })
	if !near(st.Progress, 20) {
		t.Fatalf("late reply should still feed the tracker, got %+v", st)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(ch.frames); n != 0 {
		t.Fatalf("frame sent while seq 2 still awaited a reply (%d extra)", n)
	}

	ch.predictSeq("A", 2)
	if f := waitFrame(t, ch); f.Seq != 3 {
		t.Fatalf("expected seq 3 after the matching reply, got %d", f.Seq)
	}
}

func TestModeSwitchResetsPipeline(t *testing.T) {
	d := &dialer{}
	src := &fakeSource{}
	h := start(t, countConfig(3), Deps{}, src, d)

	waitStatus(t, h.ctrl, func(st Status) bool { return st.Streaming })
	first := h.dialer.channel(t, 0)
	first.predict("B")
	first.predict("B")
	waitStatus(t, h.ctrl, func(st Status) bool { return near(st.Progress, 200.0/3) })

	st, err := h.ctrl.SetMode(context.Background(), ModeTextToSign)
	if err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if st.Streaming || st.Mode != ModeTextToSign || st.Progress != 0 || st.Display != stability.IdleDisplay {
		t.Fatalf("unexpected status after leaving sign-to-text %+v", st)
	}
	if !first.isClosed() {
		t.Fatal("expected predictor channel to be closed")
	}
	if opens, closes := src.counts(); opens != 1 || closes != 1 {
		t.Fatalf("expected device opened and released once, got %d/%d", opens, closes)
	}

	st, err = h.ctrl.SetMode(context.Background(), ModeSignToText)
	if err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if !st.Streaming || st.PipelineID == "" || st.PipelineID == first.id {
		t.Fatalf("expected fresh pipeline, got %+v", st)
	}

	second := h.dialer.channel(t, 1)
	second.predict("B")
	st = waitStatus(t, h.ctrl, func(st Status) bool { return st.Display == "B" })
	if st.Sentence != "" || !near(st.Progress, 100.0/3) {
		t.Fatalf("expected progress to restart from scratch, got %+v", st)
	}
}

func TestSetModeSameModeIsNoop(t *testing.T) {
	d := &dialer{}
	src := &fakeSource{}
	h := start(t, countConfig(3), Deps{}, src, d)

	before := waitStatus(t, h.ctrl, func(st Status) bool { return st.Streaming })
	after, err := h.ctrl.SetMode(context.Background(), ModeSignToText)
	if err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if after.PipelineID != before.PipelineID {
		t.Fatalf("expected same pipeline, got %q then %q", before.PipelineID, after.PipelineID)
	}
	if opens, _ := src.counts(); opens != 1 {
		t.Fatalf("expected one device open, got %d", opens)
	}
}

func TestUnknownMode(t *testing.T) {
	h := start(t, countConfig(3), Deps{}, &fakeSource{}, &dialer{})
	if _, err := h.ctrl.SetMode(context.Background(), Mode("sideways")); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
}

func TestSentenceEdits(t *testing.T) {
	d := &dialer{}
	h := start(t, countConfig(1), Deps{}, &fakeSource{}, d)

	waitStatus(t, h.ctrl, func(st Status) bool { return st.Streaming })
	ch := h.dialer.channel(t, 0)
	ch.predict("H")
	ch.predict("I")
	waitStatus(t, h.ctrl, func(st Status) bool { return st.Sentence == "HI" })

	ctx := context.Background()
	if st, _ := h.ctrl.AppendSpace(ctx); st.Sentence != "HI " {
		t.Fatalf("after space: %q", st.Sentence)
	}
	if st, _ := h.ctrl.DeleteLast(ctx); st.Sentence != "HI" {
		t.Fatalf("after backspace: %q", st.Sentence)
	}
	if st, _ := h.ctrl.Clear(ctx); st.Sentence != "" {
		t.Fatalf("after clear: %q", st.Sentence)
	}
	if st, _ := h.ctrl.DeleteLast(ctx); st.Sentence != "" {
		t.Fatalf("backspace on empty: %q", st.Sentence)
	}
}

func TestDeviceUnavailable(t *testing.T) {
	d := &dialer{}
	src := &fakeSource{err: capture.ErrDeviceUnavailable}
	h := start(t, countConfig(3), Deps{}, src, d)

	st, err := h.ctrl.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if st.Streaming || st.DeviceError == "" {
		t.Fatalf("expected device error and no streaming, got %+v", st)
	}
	d.mu.Lock()
	dialed := len(d.channels)
	d.mu.Unlock()
	if dialed != 0 {
		t.Fatalf("expected no predictor channel, got %d", dialed)
	}
}

func TestOfflineChannelKeepsStreaming(t *testing.T) {
	d := &dialer{err: errors.New("bus down")}
	h := start(t, countConfig(3), Deps{}, &fakeSource{}, d)

	st := waitStatus(t, h.ctrl, func(st Status) bool { return st.Streaming })
	if st.DeviceError != "" {
		t.Fatalf("channel failure must not be reported as device error: %+v", st)
	}
}

type recordingHistory struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (r *recordingHistory) Save(_ context.Context, e history.Entry) (history.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Content == "" {
		return history.Entry{}, history.ErrEmptyContent
	}
	e.ID = int64(len(r.entries) + 1)
	r.entries = append(r.entries, e)
	return e, nil
}

type recordingSpeaker struct {
	mu    sync.Mutex
	texts []string
	rate  float64
}

func (r *recordingSpeaker) SetRate(rate float64) {
	r.mu.Lock()
	r.rate = rate
	r.mu.Unlock()
}

func (r *recordingSpeaker) Say(_ string, text string) error {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	return nil
}

func TestSaveAndSpeak(t *testing.T) {
	d := &dialer{}
	hist := &recordingHistory{}
	spk := &recordingSpeaker{}
	h := start(t, countConfig(1), Deps{History: hist, Speech: spk}, &fakeSource{}, d)

	ctx := context.Background()
	if _, err := h.ctrl.Save(ctx); !errors.Is(err, history.ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent for empty sentence, got %v", err)
	}

	waitStatus(t, h.ctrl, func(st Status) bool { return st.Streaming })
	h.dialer.channel(t, 0).predict("Y")
	waitStatus(t, h.ctrl, func(st Status) bool { return st.Sentence == "Y" })

	entry, err := h.ctrl.Save(ctx)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if entry.Content != "Y" || entry.Mode != history.ModeSignToText || entry.SessionID != h.ctrl.ID() {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if err := h.ctrl.Speak(ctx); err != nil {
		t.Fatalf("speak: %v", err)
	}
	spk.mu.Lock()
	defer spk.mu.Unlock()
	if len(spk.texts) != 1 || spk.texts[0] != "Y" {
		t.Fatalf("unexpected speech %v", spk.texts)
	}
}

func TestUpdateSettings(t *testing.T) {
	d := &dialer{}
	spk := &recordingSpeaker{}
	cfg := Config{
		Interval:    5 * time.Millisecond,
		GateTimeout: time.Second,
		Stability:   stability.Config{Policy: stability.PolicyTime, Duration: time.Hour},
		VoiceSpeed:  1,
	}
	h := start(t, cfg, Deps{Speech: spk}, &fakeSource{}, d)
	ctx := context.Background()

	got, err := h.ctrl.Settings(ctx)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if got.RecognitionSpeedMS != 3600000 || got.VoiceSpeed != 1 {
		t.Fatalf("unexpected initial settings %+v", got)
	}

	waitStatus(t, h.ctrl, func(st Status) bool { return st.Streaming })
	ch := h.dialer.channel(t, 0)
	ch.predict("D")
	waitStatus(t, h.ctrl, func(st Status) bool { return st.Display == "D" })

	got, err = h.ctrl.UpdateSettings(ctx, Settings{RecognitionSpeedMS: 1, VoiceSpeed: 1.5})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.RecognitionSpeedMS != 1 || got.VoiceSpeed != 1.5 {
		t.Fatalf("unexpected settings %+v", got)
	}
	st, _ := h.ctrl.Snapshot(ctx)
	if st.Display != stability.IdleDisplay || st.Progress != 0 {
		t.Fatalf("expected tracker reset after update, got %+v", st)
	}
	spk.mu.Lock()
	rate := spk.rate
	spk.mu.Unlock()
	if rate != 1.5 {
		t.Fatalf("expected speaker rate 1.5, got %v", rate)
	}

	ch.predict("D")
	time.Sleep(5 * time.Millisecond)
	ch.predict("D")
	waitStatus(t, h.ctrl, func(st Status) bool { return st.Sentence == "D" })

	if _, err := h.ctrl.UpdateSettings(ctx, Settings{RecognitionSpeedMS: 1000, VoiceSpeed: 3}); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected ErrInvalidSettings, got %v", err)
	}
	if _, err := h.ctrl.UpdateSettings(ctx, Settings{RecognitionSpeedMS: 0, VoiceSpeed: 1}); !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("expected ErrInvalidSettings, got %v", err)
	}
}

func TestCommandsAfterStop(t *testing.T) {
	ctrl := New(countConfig(3), Deps{Device: capture.NewDevice(&fakeSource{}, newLogger())}, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ctrl.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := ctrl.Snapshot(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestTimePolicyProgressOnTick(t *testing.T) {
	d := &dialer{}
	cfg := Config{
		Interval:    5 * time.Millisecond,
		GateTimeout: time.Second,
		Stability:   stability.Config{Policy: stability.PolicyTime, Duration: time.Hour, Cooldown: time.Second},
	}
	h := start(t, cfg, Deps{}, &fakeSource{}, d)

	waitStatus(t, h.ctrl, func(st Status) bool { return st.Streaming })
	h.dialer.channel(t, 0).predict("C")
	st := waitStatus(t, h.ctrl, func(st Status) bool { return st.Display == "C" })
	if st.Sentence != "" || st.Progress >= 100 {
		t.Fatalf("expected partial progress without commit, got %+v", st)
	}
}

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	m.sessionStarted()
	m.frame(context.Background(), capture.Sent)
	m.sessionStopped()
	if m.active.Load() != 0 {
		t.Fatalf("expected no active sessions, got %d", m.active.Load())
	}
}

package speech

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MockSpeaker logs utterances and keeps them for inspection.
type MockSpeaker struct {
	log    *slog.Logger
	mu     sync.Mutex
	spoken []Request
}

func NewMockSpeaker(log *slog.Logger) *MockSpeaker {
	return &MockSpeaker{log: log.With(slog.String("component", "speech-mock"))}
}

func (m *MockSpeaker) Speak(ctx context.Context, req Request) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	m.mu.Lock()
	m.spoken = append(m.spoken, req)
	m.mu.Unlock()
	m.log.Info("speak",
		slog.String("session_id", req.SessionID),
		slog.String("text", req.Text),
		slog.Float64("rate", req.Rate))
	return nil
}

// Spoken returns a copy of every request spoken so far.
func (m *MockSpeaker) Spoken() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.spoken...)
}

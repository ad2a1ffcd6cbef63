// Package speech reads sentences aloud through a pluggable Speaker.
package speech

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/signstream/internal/config"
)

// ErrDisabled is returned by Say when speech output is turned off.
var ErrDisabled = errors.New("speech disabled")

// Service speaks sentences in the background; callers never wait for the
// utterance to finish.
type Service struct {
	cfg     config.SpeechConfig
	speaker Speaker
	mu      sync.Mutex
	rate    float64
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewService(parent context.Context, cfg config.SpeechConfig, speaker Speaker, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		speaker: speaker,
		rate:    cfg.Rate,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "speech-service")),
	}
}

// NewSpeaker builds the Speaker selected by cfg.Mode.
func NewSpeaker(cfg config.SpeechConfig, log *slog.Logger) (Speaker, error) {
	if cfg.Mode == "exec" {
		return NewExecSpeaker(cfg.Command)
	}
	return NewMockSpeaker(log), nil
}

// Say queues text for speech. Blank text is ignored.
func (s *Service) Say(sessionID, text string) error {
	if !s.cfg.Enabled || s.speaker == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := s.ctx.Err(); err != nil {
		return err
	}

	req := Request{SessionID: sessionID, Text: text, Voice: s.cfg.Voice, Rate: s.Rate()}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		if err := s.speaker.Speak(ctx, req); err != nil {
			s.logger.Warn("speech failed", slog.String("session_id", sessionID), slogError(err))
		}
	}()
	return nil
}

// SetRate changes the rate used by subsequent utterances.
func (s *Service) SetRate(rate float64) {
	s.mu.Lock()
	s.rate = rate
	s.mu.Unlock()
}

func (s *Service) Rate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.speaker != nil }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// Package predictor bridges frames on the bus to a Classifier and publishes
// its answers back to the originating session.
package predictor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/signstream/internal/bus"
	"github.com/loqalabs/signstream/internal/config"
	"github.com/loqalabs/signstream/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stats counts frames seen by the bridge.
type Stats struct {
	Received   uint64
	Dropped    uint64
	Classified uint64
	Failed     uint64
}

type Service struct {
	cfg        config.PredictorConfig
	bus        *bus.Client
	classifier Classifier
	inflight   map[string]bool
	stats      Stats
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
	ready      bool
	closed     bool
	logger     *slog.Logger
	tracer     trace.Tracer
}

func NewService(parent context.Context, cfg config.PredictorConfig, busClient *bus.Client, classifier Classifier, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		classifier: classifier,
		inflight:   make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.With(slog.String("component", "predictor-service")),
		tracer:     otel.Tracer("github.com/loqalabs/signstream/predictor"),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	subject := protocol.SubjectFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe frames: %w", err)
	}
	s.sub = sub
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

// Close stops accepting frames and waits for running classifications.
// Frames still delivered by the draining subscription are ignored.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.ready = false
	s.mu.Unlock()
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cfg.Enabled || s.ready
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.ImageFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode image frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		s.logger.Warn("image frame without session", slog.String("subject", msg.Subject))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stats.Received++
	if s.inflight[frame.SessionID] {
		s.stats.Dropped++
		s.mu.Unlock()
		return
	}
	s.inflight[frame.SessionID] = true
	// Add under mu so Close cannot start waiting between the check and the Add.
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.classify(frame)

		s.mu.Lock()
		delete(s.inflight, frame.SessionID)
		s.mu.Unlock()
	}()
}

func (s *Service) classify(frame protocol.ImageFrame) {
	timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	ctx, span := s.tracer.Start(ctx, "predictor.classify", trace.WithAttributes(
		attribute.String("session_id", frame.SessionID),
		attribute.Int64("seq", int64(frame.Seq)),
		attribute.Int("bytes", len(frame.Payload)),
	))
	defer span.End()

	result, err := s.classifier.Classify(ctx, frame.Payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classify failed")
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("classification failed", slog.String("session_id", frame.SessionID), slogError(err))
		s.mu.Lock()
		s.stats.Failed++
		s.mu.Unlock()
		result = Result{Char: protocol.SymbolError}
	} else {
		s.mu.Lock()
		s.stats.Classified++
		s.mu.Unlock()
	}
	if result.Confidence != nil && *result.Confidence < s.cfg.MinConfidence {
		result = Result{Char: protocol.SymbolNoDetection, Confidence: result.Confidence}
	}
	span.SetAttributes(attribute.String("char", result.Char))
	s.publishResult(frame, result)
}

func (s *Service) publishResult(frame protocol.ImageFrame, result Result) {
	msg := protocol.PredictionResult{
		Type:       protocol.TypePredictionResult,
		SessionID:  frame.SessionID,
		Seq:        frame.Seq,
		Char:       result.Char,
		Confidence: result.Confidence,
	}
	if err := s.bus.PublishJSON(protocol.PredictionSubject(frame.SessionID), msg); err != nil {
		s.logger.Warn("failed to publish prediction", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

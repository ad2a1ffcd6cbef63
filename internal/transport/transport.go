// Package transport carries frames to the remote predictor and prediction
// results back, over the NATS bus.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/signstream/internal/bus"
	"github.com/loqalabs/signstream/internal/protocol"
	"github.com/nats-io/nats.go"
)

// ErrChannelUnavailable is returned when a frame cannot be handed to the bus.
// The frame is dropped; reconnection is left to the NATS client.
var ErrChannelUnavailable = errors.New("transport channel unavailable")

const defaultBuffer = 64

// Transport is a per-session message channel. Frames go out on
// sign.frame.<session>; predictions arrive on sign.prediction.<session> and
// are delivered on Predictions in arrival order.
type Transport struct {
	bus       *bus.Client
	sessionID string
	log       *slog.Logger
	sub       *nats.Subscription
	events    chan protocol.PredictionEvent
	done      chan struct{}
	closeOnce sync.Once
	clock     func() time.Time
}

func Open(ctx context.Context, busClient *bus.Client, sessionID string, log *slog.Logger) (*Transport, error) {
	if busClient == nil || !busClient.Healthy() {
		return nil, ErrChannelUnavailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := &Transport{
		bus:       busClient,
		sessionID: sessionID,
		log:       log.With(slog.String("component", "transport"), slog.String("session_id", sessionID)),
		events:    make(chan protocol.PredictionEvent, defaultBuffer),
		done:      make(chan struct{}),
		clock:     time.Now,
	}
	sub, err := busClient.Conn().Subscribe(protocol.PredictionSubject(sessionID), t.handlePrediction)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe predictions: %v", ErrChannelUnavailable, err)
	}
	t.sub = sub
	return t, nil
}

// SendFrame publishes a frame without waiting for any acknowledgement.
func (t *Transport) SendFrame(ctx context.Context, frame protocol.ImageFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.bus.Healthy() {
		return ErrChannelUnavailable
	}
	if err := t.bus.PublishJSON(protocol.FrameSubject(t.sessionID), frame); err != nil {
		if errors.Is(err, bus.ErrPayloadTooLarge) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return nil
}

func (t *Transport) Predictions() <-chan protocol.PredictionEvent {
	return t.events
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.sub != nil {
			err = t.sub.Unsubscribe()
		}
	})
	return err
}

// handlePrediction runs on the subscription's delivery goroutine, which
// NATS serializes, so events keep their arrival order.
func (t *Transport) handlePrediction(msg *nats.Msg) {
	var result protocol.PredictionResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		t.log.Warn("failed to decode prediction", slogError(err))
		return
	}
	if result.Type != "" && result.Type != protocol.TypePredictionResult {
		return
	}
	if result.SessionID == "" {
		result.SessionID = t.sessionID
	}
	evt := result.Normalize(t.clock())
	select {
	case t.events <- evt:
	case <-t.done:
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

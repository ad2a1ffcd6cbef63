package protocol

import (
	"strings"
	"time"
)

const (
	TypeImageFrame       = "image_frame"
	TypePredictionResult = "prediction_result"
)

const (
	SubjectFramePrefix      = "sign.frame"
	SubjectPredictionPrefix = "sign.prediction"
)

// Sentinel symbols emitted by predictors instead of a letter.
const (
	SymbolNoDetection = "No hand detected"
	SymbolError       = "Error"
)

// ImageFrame is a downscaled JPEG sample sent to the predictor.
type ImageFrame struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	Seq        uint64    `json:"seq"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Payload    []byte    `json:"payload"`
	CapturedAt time.Time `json:"captured_at"`
}

// PredictionResult is the inbound wire message. Older predictors answer with
// "prediction" instead of "char"; Normalize accepts both.
type PredictionResult struct {
	Type       string   `json:"type"`
	SessionID  string   `json:"session_id"`
	Seq        uint64   `json:"seq,omitempty"`
	Char       string   `json:"char,omitempty"`
	Prediction string   `json:"prediction,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// PredictionEvent is the canonical shape consumed by the stability tracker.
type PredictionEvent struct {
	SessionID  string
	Seq        uint64
	Symbol     string
	Confidence *float64
	Sentinel   bool
	ReceivedAt time.Time
}

func FrameSubject(sessionID string) string {
	return SubjectFramePrefix + "." + sessionID
}

func PredictionSubject(sessionID string) string {
	return SubjectPredictionPrefix + "." + sessionID
}

// Normalize converts a wire result into a PredictionEvent.
func (r PredictionResult) Normalize(receivedAt time.Time) PredictionEvent {
	symbol := r.Char
	if symbol == "" {
		symbol = r.Prediction
	}
	symbol = strings.TrimSpace(symbol)
	evt := PredictionEvent{
		SessionID:  r.SessionID,
		Seq:        r.Seq,
		Symbol:     symbol,
		Confidence: r.Confidence,
		ReceivedAt: receivedAt,
	}
	if IsSentinel(symbol) {
		evt.Sentinel = true
		evt.Symbol = ""
	}
	return evt
}

// IsSentinel reports whether symbol denotes "no detection" or "error"
// rather than a recognized character.
func IsSentinel(symbol string) bool {
	switch strings.ToLower(strings.TrimSpace(symbol)) {
	case "", "no hand detected", "no_detection", "none", "error":
		return true
	}
	return false
}

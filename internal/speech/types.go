package speech

import "context"

// Request is a single utterance.
type Request struct {
	SessionID string
	Text      string
	Voice     string
	Rate      float64
}

// Speaker is the contract for speaking a sentence aloud.
type Speaker interface {
	Speak(ctx context.Context, req Request) error
}

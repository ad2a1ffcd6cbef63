package stability

import (
	"time"

	"github.com/loqalabs/signstream/internal/protocol"
)

// Tracker holds a State between events. It is not safe for concurrent use;
// the owning session serializes access.
type Tracker struct {
	cfg   Config
	state State
}

func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg}
}

func (t *Tracker) Observe(evt protocol.PredictionEvent, now time.Time) []Effect {
	next, effects := Step(t.cfg, t.state, evt, now)
	t.state = next
	return effects
}

func (t *Tracker) State() State { return t.state }

func (t *Tracker) Progress(now time.Time) float64 {
	return Progress(t.cfg, t.state, now)
}

// Reset returns the tracker to idle, dropping any partial progress.
func (t *Tracker) Reset() {
	t.state = State{}
}

// Reconfigure swaps the thresholds and resets the tracker, so a run begun
// under the old thresholds never commits under the new ones.
func (t *Tracker) Reconfigure(cfg Config) {
	t.cfg = cfg
	t.Reset()
}

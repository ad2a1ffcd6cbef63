// Package stability turns a noisy stream of per-frame predictions into
// confirmed characters.
//
// A symbol is committed once it has been the uninterrupted candidate for
// either N consecutive predictions (count policy) or a wall-clock duration
// measured from the moment it became the candidate (time policy). Sentinel
// predictions reset tracking. The transition function is pure so the
// machine can be driven without timers or a live channel.
package stability

import (
	"fmt"
	"time"

	"github.com/loqalabs/signstream/internal/config"
	"github.com/loqalabs/signstream/internal/protocol"
)

type Policy string

const (
	PolicyTime  Policy = "time"
	PolicyCount Policy = "count"
)

// IdleDisplay is shown while no symbol is being tracked.
const IdleDisplay = "..."

type Config struct {
	Policy         Policy
	CountThreshold int
	Duration       time.Duration
	Cooldown       time.Duration
}

func ConfigFrom(cfg config.StabilityConfig) Config {
	return Config{
		Policy:         Policy(cfg.Policy),
		CountThreshold: cfg.CountThreshold,
		Duration:       time.Duration(cfg.DurationMS) * time.Millisecond,
		Cooldown:       time.Duration(cfg.CooldownMS) * time.Millisecond,
	}
}

func (c Config) Validate() error {
	switch c.Policy {
	case PolicyCount:
		if c.CountThreshold <= 0 {
			return fmt.Errorf("count threshold must be positive, got %d", c.CountThreshold)
		}
	case PolicyTime:
		if c.Duration <= 0 {
			return fmt.Errorf("duration must be positive, got %s", c.Duration)
		}
	default:
		return fmt.Errorf("unknown stability policy %q", c.Policy)
	}
	return nil
}

// State is the tracker state. An empty Candidate means idle.
//
// Under the time policy Since may lie in the future right after a commit;
// progress is zero until it is reached.
type State struct {
	Candidate  string
	Count      int
	Since      time.Time
	LastUpdate time.Time
}

func (s State) Idle() bool { return s.Candidate == "" }

type EffectKind int

const (
	// EffectCommit appends Symbol to the output buffer.
	EffectCommit EffectKind = iota + 1
	// EffectIndicator sets the stability indicator to Percent (0-100).
	EffectIndicator
	// EffectDisplay shows Text as the current prediction.
	EffectDisplay
)

type Effect struct {
	Kind    EffectKind
	Symbol  string
	Percent float64
	Text    string
}

func Commit(symbol string) Effect      { return Effect{Kind: EffectCommit, Symbol: symbol} }
func Indicator(percent float64) Effect { return Effect{Kind: EffectIndicator, Percent: percent} }
func Display(text string) Effect       { return Effect{Kind: EffectDisplay, Text: text} }

// Step applies one prediction event and returns the next state together with
// the effects the caller must carry out, in order.
func Step(cfg Config, st State, evt protocol.PredictionEvent, now time.Time) (State, []Effect) {
	if evt.Sentinel || protocol.IsSentinel(evt.Symbol) {
		return State{LastUpdate: now}, []Effect{Display(IdleDisplay), Indicator(0)}
	}

	symbol := evt.Symbol
	effects := []Effect{Display(symbol)}

	if st.Candidate != symbol {
		st = State{Candidate: symbol, Since: now, LastUpdate: now}
		if cfg.Policy == PolicyCount {
			st.Count = 1
		}
		if !reached(cfg, st, now) {
			return st, append(effects, Indicator(0))
		}
	} else {
		st.LastUpdate = now
		if cfg.Policy == PolicyCount {
			st.Count++
		}
	}

	if reached(cfg, st, now) {
		effects = append(effects, Commit(symbol), Indicator(0))
		return afterCommit(cfg, symbol, now), effects
	}
	return st, append(effects, Indicator(Progress(cfg, st, now)))
}

// Progress returns the completion percentage of the current candidate,
// clamped to [0, 100].
func Progress(cfg Config, st State, now time.Time) float64 {
	if st.Idle() {
		return 0
	}
	var pct float64
	switch cfg.Policy {
	case PolicyCount:
		if cfg.CountThreshold <= 0 {
			return 100
		}
		pct = float64(st.Count) / float64(cfg.CountThreshold) * 100
	default:
		if cfg.Duration <= 0 {
			return 100
		}
		pct = float64(now.Sub(st.Since)) / float64(cfg.Duration) * 100
	}
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}

func reached(cfg Config, st State, now time.Time) bool {
	if cfg.Policy == PolicyCount {
		return st.Count >= cfg.CountThreshold
	}
	return !now.Before(st.Since.Add(cfg.Duration))
}

// afterCommit keeps tracking the committed symbol with zero progress. The
// count policy needs a fresh full run; the time policy also pushes the start
// instant forward by the cooldown.
func afterCommit(cfg Config, symbol string, now time.Time) State {
	st := State{Candidate: symbol, Since: now, LastUpdate: now}
	if cfg.Policy == PolicyTime {
		st.Since = now.Add(cfg.Cooldown)
	}
	return st
}

package predictor

import (
	"context"
	"log/slog"

	"github.com/loqalabs/signstream/internal/config"
)

// Result captures classifier output for one frame.
type Result struct {
	Char       string   `json:"char"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Classifier abstracts sign-letter classification backends.
type Classifier interface {
	Classify(ctx context.Context, jpeg []byte) (Result, error)
}

// NewClassifier builds the Classifier selected by cfg.Mode.
func NewClassifier(cfg config.PredictorConfig, log *slog.Logger) (Classifier, error) {
	if cfg.Mode == "exec" {
		return NewExecClassifier(cfg.Command)
	}
	log.Info("using mock classifier", slog.Int("script_len", len(cfg.Script)))
	return NewMockClassifier(cfg.Script), nil
}

package predictor

import (
	"context"
	"sync"

	"github.com/loqalabs/signstream/internal/protocol"
)

type mockClassifier struct {
	mu     sync.Mutex
	script []string
	next   int
}

// NewMockClassifier answers frames by cycling through script. An empty
// script always reports no hand.
func NewMockClassifier(script []string) Classifier {
	return &mockClassifier{script: append([]string(nil), script...)}
}

func (m *mockClassifier) Classify(ctx context.Context, _ []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.script) == 0 {
		return Result{Char: protocol.SymbolNoDetection}, nil
	}
	symbol := m.script[m.next%len(m.script)]
	m.next++
	return Result{Char: symbol}, nil
}

package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execClassifier struct {
	cmd []string
	mu  sync.Mutex
}

// NewExecClassifier runs command once per frame. The JPEG is written to
// stdin and a single JSON object {"char": ..., "confidence": ...} is read
// from stdout.
func NewExecClassifier(command string) (Classifier, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse predictor command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("predictor command is empty")
	}
	return &execClassifier{cmd: args}, nil
}

func (c *execClassifier) Classify(ctx context.Context, jpeg []byte) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	command := exec.CommandContext(ctx, c.cmd[0], c.cmd[1:]...)
	command.Stdin = bytes.NewReader(jpeg)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("predictor command failed: %w: %s", err, stderr.String())
	}

	var resp Result
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return Result{}, fmt.Errorf("decode predictor response: %w", err)
	}
	return resp, nil
}

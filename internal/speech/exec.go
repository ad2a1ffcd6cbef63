package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execSpeaker struct {
	cmd []string
	mu  sync.Mutex
}

type execRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Rate  float64 `json:"rate"`
}

// NewExecSpeaker runs command once per utterance with the request as JSON
// on stdin.
func NewExecSpeaker(command string) (Speaker, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse speech command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("speech command empty")
	}
	return &execSpeaker{cmd: args}, nil
}

func (e *execSpeaker) Speak(ctx context.Context, req Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(execRequest{Text: req.Text, Voice: req.Voice, Rate: req.Rate})
	if err != nil {
		return err
	}

	command := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	command.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return fmt.Errorf("speech command failed: %w: %s", err, stderr.String())
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/signstream/internal/config"
	"github.com/loqalabs/signstream/internal/signs"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		text       string
		interval   time.Duration
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "file", "signd.yaml", "Path to signd configuration")

	playbackCmd := flag.NewFlagSet("playback", flag.ExitOnError)
	playbackCmd.StringVar(&configPath, "config", "", "Path to signd configuration (defaults when empty)")
	playbackCmd.StringVar(&text, "text", "", "Text to spell out")
	playbackCmd.DurationVar(&interval, "interval", 0, "Delay between signs (signs.playback_interval_ms when zero)")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'playback' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if _, err := config.Load(configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("config valid")
	case "playback":
		playbackCmd.Parse(os.Args[2:])
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		err := runPlayback(ctx, os.Stdout, configPath, text, interval)
		stop()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// runPlayback writes one JSON line per sign, paced by interval.
func runPlayback(ctx context.Context, w io.Writer, configPath, text string, interval time.Duration) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("-text must not be empty")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	var encErr error
	err = signs.New(cfg.Signs).Playback(ctx, text, interval, func(step signs.Step) {
		if encErr == nil {
			encErr = enc.Encode(step)
		}
	})
	return errors.Join(err, encErr)
}

package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/signstream/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.HistoryConfig{RetentionMode: "ephemeral"}
	hs, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	if _, err := hs.Save(ctx, Entry{Mode: ModeSignToText, Content: "HI"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := hs.Save(ctx, Entry{Mode: ModeTextToSign, Content: "YO"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	entries, err := hs.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].Content != "YO" {
		t.Fatalf("expected newest first, got %+v", entries)
	}
}

func TestSaveAndList(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "persistent"}
	hs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	hs.clock = func() time.Time { return base }
	first, err := hs.Save(context.Background(), Entry{SessionID: "s1", Mode: ModeSignToText, Content: "HELLO"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if first.ID == 0 {
		t.Fatal("expected generated id")
	}
	hs.clock = func() time.Time { return base.Add(time.Minute) }
	if _, err := hs.Save(context.Background(), Entry{SessionID: "s1", Content: "WORLD"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	entries, err := hs.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Content != "WORLD" || entries[0].Mode != ModeSignToText {
		t.Fatalf("unexpected newest entry %+v", entries[0])
	}
	if entries[1].SessionID != "s1" {
		t.Fatalf("expected session id round trip, got %+v", entries[1])
	}
}

func TestSaveRejectsEmpty(t *testing.T) {
	hs, err := Open(context.Background(), config.HistoryConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := hs.Save(context.Background(), Entry{Content: "   "}); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "persistent", RetentionDays: 1, MaxEntries: 1}
	hs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	hs.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := hs.Save(context.Background(), Entry{Content: "OLD"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	hs.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if _, err := hs.Save(context.Background(), Entry{Content: "NEW"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := hs.Save(context.Background(), Entry{Content: "NEWER"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := hs.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	entries, err := hs.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "NEWER" {
		t.Fatalf("expected only the newest entry to survive, got %+v", entries)
	}
}

func TestEphemeralRetention(t *testing.T) {
	ctx := context.Background()
	hs, err := Open(ctx, config.HistoryConfig{RetentionMode: "ephemeral", RetentionDays: 1, MaxEntries: 2}, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	hs.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	for _, c := range []string{"A", "B", "C"} {
		if _, err := hs.Save(ctx, Entry{Content: c}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	entries, _ := hs.List(ctx, 10)
	if len(entries) != 2 || entries[0].Content != "C" || entries[1].Content != "B" {
		t.Fatalf("expected max_entries to cap memory, got %+v", entries)
	}

	hs.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := hs.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if entries, _ := hs.List(ctx, 10); len(entries) != 0 {
		t.Fatalf("expected entries older than a day to be pruned, got %+v", entries)
	}
}

func TestPurgeSession(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "session"}
	hs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	ctx := context.Background()
	hs.Save(ctx, Entry{SessionID: "a", Content: "ONE"})
	hs.Save(ctx, Entry{SessionID: "b", Content: "TWO"})
	if err := hs.PurgeSession(ctx, "a"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	entries, err := hs.List(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].SessionID != "b" {
		t.Fatalf("expected only session b, got %+v", entries)
	}
}

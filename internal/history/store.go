package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/signstream/internal/config"
	_ "modernc.org/sqlite"
)

// ErrEmptyContent is returned when saving a blank sentence.
var ErrEmptyContent = errors.New("history: empty content")

const (
	ModeSignToText = "sign_to_text"
	ModeTextToSign = "text_to_sign"
)

// Entry is a saved sentence.
type Entry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Mode      string    `json:"mode"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists history entries in SQLite. In ephemeral mode it keeps
// entries in memory for the life of the process.
type Store struct {
	db     *sql.DB
	cfg    config.HistoryConfig
	log    *slog.Logger
	clock  func() time.Time
	mu     sync.Mutex
	memory []Entry
	nextID int64
}

// Open initializes the history store according to config.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "history"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT,
    mode TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_created ON history(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save records a sentence snapshot and returns the stored entry.
func (s *Store) Save(ctx context.Context, e Entry) (Entry, error) {
	if strings.TrimSpace(e.Content) == "" {
		return Entry{}, ErrEmptyContent
	}
	if e.Mode == "" {
		e.Mode = ModeSignToText
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.nextID++
		e.ID = s.nextID
		s.memory = append(s.memory, e)
		s.pruneMemoryLocked()
		return e, nil
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO history(session_id, mode, content, created_at) VALUES(?, ?, ?, ?)`,
		e.SessionID, e.Mode, e.Content, e.CreatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("insert history: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return e, nil
}

// List returns up to limit entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		var out []Entry
		for i := len(s.memory) - 1; i >= 0 && len(out) < limit; i-- {
			out = append(out, s.memory[i])
		}
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, mode, content, created_at
		 FROM history ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var sessionID sql.NullString
		if err := rows.Scan(&e.ID, &sessionID, &e.Mode, &e.Content, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.SessionID = sessionID.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		s.mu.Lock()
		s.pruneMemoryLocked()
		s.mu.Unlock()
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM history WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxEntries > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM history WHERE id IN (
			SELECT id FROM history ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEntries)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// pruneMemoryLocked applies retention to the in-memory entries, which are
// kept in insertion order. s.mu must be held.
func (s *Store) pruneMemoryLocked() {
	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		kept := s.memory[:0]
		for _, e := range s.memory {
			if !e.CreatedAt.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		s.memory = kept
	}
	if limit := s.cfg.MaxEntries; limit > 0 && len(s.memory) > limit {
		s.memory = append(s.memory[:0], s.memory[len(s.memory)-limit:]...)
	}
}

// PurgeSession drops entries of a session; used in session retention mode
// when the session ends.
func (s *Store) PurgeSession(ctx context.Context, sessionID string) error {
	if s.cfg.RetentionMode != "session" {
		return nil
	}
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		kept := s.memory[:0]
		for _, e := range s.memory {
			if e.SessionID != sessionID {
				kept = append(kept, e)
			}
		}
		s.memory = kept
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE session_id = ?`, sessionID)
	return err
}

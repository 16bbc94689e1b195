// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history archives chat transcripts of torn-down sessions.
//
// Transcripts live only in memory while a session is open. When the
// session closes, the coordinator hands the transcript here so it can be
// browsed later with `trainchat history`.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/trainchat/internal/inference"
	"github.com/jeranaias/trainchat/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrNotFound = errors.New("transcript not found")
	ErrClosed   = errors.New("history store closed")
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id           TEXT PRIMARY KEY,
    project      TEXT NOT NULL,
    started_at   INTEGER NOT NULL,
    ended_at     INTEGER NOT NULL,
    turn_count   INTEGER NOT NULL,
    total_tokens INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project, ended_at DESC);

CREATE TABLE IF NOT EXISTS turns (
    session_id    TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    seq           INTEGER NOT NULL,
    role          TEXT NOT NULL,
    content       TEXT NOT NULL,
    created_at    INTEGER NOT NULL,
    latency_ms    REAL,
    input_tokens  INTEGER,
    output_tokens INTEGER,
    total_tokens  INTEGER,
    PRIMARY KEY (session_id, seq)
);
`

// =============================================================================
// STORE
// =============================================================================

// Summary describes one archived session.
type Summary struct {
	SessionID   string
	Project     string
	StartedAt   time.Time
	EndedAt     time.Time
	Turns       int
	TotalTokens int
	Preview     string // first user message, single line
}

// Store is a SQLite-backed transcript archive.
type Store struct {
	db *sql.DB
}

// DefaultPath returns ~/.trainchat/history.db.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".trainchat", "history.db")
	}
	return filepath.Join(home, ".trainchat", "history.db")
}

// Open opens (creating if needed) the archive at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps PRAGMAs
	// applied for the life of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save stores an archived transcript. Saving the same session again
// replaces the earlier copy.
func (s *Store) Save(ctx context.Context, a inference.Archive) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	total := 0
	for _, t := range a.Turns {
		if t.Metrics != nil {
			total += t.Metrics.TotalTokens
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, a.SessionID); err != nil {
		return fmt.Errorf("replace session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, project, started_at, ended_at, turn_count, total_tokens) VALUES (?, ?, ?, ?, ?, ?)`,
		a.SessionID, a.Project, a.StartedAt.UnixMilli(), a.EndedAt.UnixMilli(), len(a.Turns), total,
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO turns (session_id, seq, role, content, created_at, latency_ms, input_tokens, output_tokens, total_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare turns: %w", err)
	}
	defer stmt.Close()

	for i, t := range a.Turns {
		var latency, in, out, tot any
		if t.Metrics != nil {
			latency, in, out, tot = t.Metrics.LatencyMs, t.Metrics.InputTokens, t.Metrics.OutputTokens, t.Metrics.TotalTokens
		}
		if _, err := stmt.ExecContext(ctx, a.SessionID, i, string(t.Role), t.Content, t.Timestamp.UnixMilli(), latency, in, out, tot); err != nil {
			return fmt.Errorf("insert turn %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// List returns archived sessions, newest first. An empty project lists
// every project. A limit of zero or less means no limit.
func (s *Store) List(ctx context.Context, project string, limit int) ([]Summary, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.project, s.started_at, s.ended_at, s.turn_count, s.total_tokens,
		       COALESCE((SELECT content FROM turns t WHERE t.session_id = s.id AND t.role = 'user' ORDER BY seq LIMIT 1), '')
		FROM sessions s
		WHERE (? = '' OR s.project = ?)
		ORDER BY s.ended_at DESC
		LIMIT ?`, project, project, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var started, ended int64
		var first string
		if err := rows.Scan(&sum.SessionID, &sum.Project, &started, &ended, &sum.Turns, &sum.TotalTokens, &first); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.StartedAt = time.UnixMilli(started)
		sum.EndedAt = time.UnixMilli(ended)
		sum.Preview = util.Preview(first, 60)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Get loads one archived transcript.
func (s *Store) Get(ctx context.Context, sessionID string) (*inference.Archive, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}

	var a inference.Archive
	var started, ended int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project, started_at, ended_at FROM sessions WHERE id = ?`, sessionID,
	).Scan(&a.SessionID, &a.Project, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	a.StartedAt = time.UnixMilli(started)
	a.EndedAt = time.UnixMilli(ended)

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at, latency_ms, input_tokens, output_tokens, total_tokens
		FROM turns WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get turns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t inference.Turn
		var role string
		var created int64
		var latency sql.NullFloat64
		var in, out, tot sql.NullInt64
		if err := rows.Scan(&role, &t.Content, &created, &latency, &in, &out, &tot); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = inference.Role(role)
		t.Timestamp = time.UnixMilli(created)
		if latency.Valid {
			t.Metrics = &inference.TurnMetrics{
				LatencyMs:    latency.Float64,
				InputTokens:  int(in.Int64),
				OutputTokens: int(out.Int64),
				TotalTokens:  int(tot.Int64),
			}
		}
		a.Turns = append(a.Turns, t)
	}
	return &a, rows.Err()
}

// Delete removes one archived session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

// Prune keeps the newest keep sessions and deletes the rest. It returns
// the number of sessions removed.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE id NOT IN (
			SELECT id FROM sessions ORDER BY ended_at DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

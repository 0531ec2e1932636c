// Package store keeps the session history and the recording index in an
// embedded SQLite database.
//
// Migrations are ordered SQL statements; each is applied once and tracked in
// schema_migrations. Append new statements, never edit existing ones.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("session not found")

// migrations index i is schema version i+1.
var migrations = []string{
	// v1 sessions
	`CREATE TABLE IF NOT EXISTS sessions (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		mode           TEXT NOT NULL,
		variant        TEXT NOT NULL,
		filter_length  INTEGER NOT NULL,
		frame_size     INTEGER NOT NULL,
		sample_rate    INTEGER NOT NULL,
		started_at     INTEGER NOT NULL,
		ended_at       INTEGER NOT NULL DEFAULT 0,
		frames         INTEGER NOT NULL DEFAULT 0,
		instabilities  INTEGER NOT NULL DEFAULT 0,
		degradations   INTEGER NOT NULL DEFAULT 0,
		erle_db        REAL NOT NULL DEFAULT 0
	)`,
	// v2 recordings
	`CREATE TABLE IF NOT EXISTS recordings (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  INTEGER NOT NULL DEFAULT 0,
		path        TEXT NOT NULL UNIQUE,
		started_at  INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		size_bytes  INTEGER NOT NULL
	)`,
	// v3
	`CREATE INDEX IF NOT EXISTS idx_recordings_started ON recordings(started_at)`,
}

// Session is one run of the pipeline.
type Session struct {
	ID           int64     `json:"id"`
	Mode         string    `json:"mode"`
	Variant      string    `json:"variant"`
	FilterLength int       `json:"filter_length"`
	FrameSize    int       `json:"frame_size"`
	SampleRate   int       `json:"sample_rate"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitzero"`
	SessionStats
}

// SessionStats are the final counters recorded when a session ends.
type SessionStats struct {
	Frames        uint64  `json:"frames"`
	Instabilities uint64  `json:"instabilities"`
	Degradations  uint64  `json:"degradations"`
	ERLE          float64 `json:"erle_db"`
}

// Recording indexes one finished recording file.
type Recording struct {
	ID        int64         `json:"id"`
	SessionID int64         `json:"session_id"`
	Path      string        `json:"path"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	SizeBytes int64         `json:"size_bytes"`
}

// Store persists sessions and recordings in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies pending
// migrations. ":memory:" opens an ephemeral database.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("sqlite busy_timeout", "err", err)
	}
	if !memory {
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			slog.Warn("sqlite WAL mode", "err", err)
		}
	}

	st := &Store{db: db}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SchemaVersion reports the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("applied migration", "version", v)
	}
	return nil
}

// BeginSession records the start of a pipeline run and returns its id.
func (s *Store) BeginSession(ctx context.Context, sess Session) (int64, error) {
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(mode, variant, filter_length, frame_size, sample_rate, started_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		sess.Mode, sess.Variant, sess.FilterLength, sess.FrameSize, sess.SampleRate,
		sess.StartedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	return res.LastInsertId()
}

// EndSession stores the final counters of session id.
func (s *Store) EndSession(ctx context.Context, id int64, stats SessionStats) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET ended_at = ?, frames = ?, instabilities = ?, degradations = ?, erle_db = ?
		 WHERE id = ?`,
		time.Now().UnixMilli(), int64(stats.Frames), int64(stats.Instabilities),
		int64(stats.Degradations), stats.ERLE, id,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Sessions returns up to limit sessions, newest first.
func (s *Store) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mode, variant, filter_length, frame_size, sample_rate,
		        started_at, ended_at, frames, instabilities, degradations, erle_db
		 FROM sessions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess                           Session
			startedMS, endedMS             int64
			frames, instabilities, degrade int64
		)
		if err := rows.Scan(&sess.ID, &sess.Mode, &sess.Variant, &sess.FilterLength,
			&sess.FrameSize, &sess.SampleRate, &startedMS, &endedMS,
			&frames, &instabilities, &degrade, &sess.ERLE); err != nil {
			return nil, err
		}
		sess.StartedAt = time.UnixMilli(startedMS).UTC()
		if endedMS > 0 {
			sess.EndedAt = time.UnixMilli(endedMS).UTC()
		}
		sess.Frames = uint64(frames)
		sess.Instabilities = uint64(instabilities)
		sess.Degradations = uint64(degrade)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// AddRecording indexes a finished recording and returns its id.
func (s *Store) AddRecording(ctx context.Context, rec Recording) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings(session_id, path, started_at, duration_ms, size_bytes)
		 VALUES(?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Path, rec.StartedAt.UnixMilli(), rec.Duration.Milliseconds(), rec.SizeBytes,
	)
	if err != nil {
		return 0, fmt.Errorf("insert recording: %w", err)
	}
	return res.LastInsertId()
}

// Recordings returns up to limit recordings, newest first.
func (s *Store) Recordings(ctx context.Context, limit int) ([]Recording, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, path, started_at, duration_ms, size_bytes
		 FROM recordings ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		var (
			rec                   Recording
			startedMS, durationMS int64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Path, &startedMS, &durationMS, &rec.SizeBytes); err != nil {
			return nil, err
		}
		rec.StartedAt = time.UnixMilli(startedMS).UTC()
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

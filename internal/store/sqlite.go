// Package store persists teams, trainings, sync locks and questionnaire
// responses in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed-width so stored instants compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// lookupChunk bounds the number of bound parameters per IN query.
const lookupChunk = 500

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time; SQLite serializes anyway and this avoids
	// SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS teams (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			ics_url TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT 'Europe/Paris',
			display_tz TEXT NOT NULL DEFAULT '',
			last_sync_at TEXT,
			last_sync_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trainings (
			id TEXT PRIMARY KEY,
			team_id TEXT NOT NULL,
			uid TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'CONFIRMED',
			cancelled INTEGER NOT NULL DEFAULT 0,
			all_day INTEGER NOT NULL DEFAULT 0,
			start_at TEXT NOT NULL,
			end_at TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT '',
			display_tz TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT 'ics',
			hash TEXT NOT NULL,
			last_seen_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			questionnaire_notified INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trainings_team_start ON trainings(team_id, start_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trainings_end ON trainings(end_at)`,
		`CREATE TABLE IF NOT EXISTS sync_locks (
			team_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS questionnaire_responses (
			training_id TEXT NOT NULL,
			athlete_id TEXT NOT NULL,
			team_id TEXT NOT NULL,
			answers TEXT NOT NULL DEFAULT '{}',
			submitted_at TEXT NOT NULL,
			PRIMARY KEY (training_id, athlete_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("exec migration: %w", err)
			}
		}
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(timeLayout, v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Copyright 2026 The tasktime Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store provides the SQLite-backed persistent store for job and
// workflow definitions, runs, execution logs, and durable scheduler state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Bring-up retry policy for transient open failures.
const (
	openRetryDelay    = 3 * time.Second
	openRetryAttempts = 5
)

// Store is a SQLite persistent store.
type Store struct {
	db *sql.DB
}

// Config contains store configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// Open opens the database, retrying transient failures with fixed backoff,
// then configures pragmas and runs migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := slog.Default().With(slog.String("component", "store"))

	var s *Store
	var err error
	for attempt := 1; attempt <= openRetryAttempts; attempt++ {
		s, err = open(ctx, cfg)
		if err == nil {
			return s, nil
		}
		if attempt < openRetryAttempts {
			logger.Warn("database open failed, retrying",
				slog.Int("attempt", attempt), slog.Any("error", err))
			select {
			case <-time.After(openRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("failed to open database after %d attempts: %w", openRetryAttempts, err)
}

func open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS job_definitions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			is_enabled INTEGER NOT NULL DEFAULT 1,
			trigger TEXT NOT NULL,
			task_type TEXT NOT NULL,
			task_params TEXT NOT NULL,
			max_instances INTEGER NOT NULL DEFAULT 1,
			coalesce INTEGER NOT NULL DEFAULT 0,
			misfire_grace_secs INTEGER,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			schedule TEXT,
			is_enabled INTEGER NOT NULL DEFAULT 1,
			params_def TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id INTEGER NOT NULL,
			step_order INTEGER NOT NULL,
			name TEXT NOT NULL,
			job_type TEXT NOT NULL,
			target TEXT NOT NULL,
			args TEXT,
			kwargs TEXT,
			on_failure TEXT NOT NULL DEFAULT 'stop',
			timeout_secs INTEGER NOT NULL DEFAULT 0,
			run_in_background INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_steps_workflow ON workflow_steps(workflow_id, step_order)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			current_step INTEGER NOT NULL DEFAULT 0,
			start_time TEXT NOT NULL,
			end_time TEXT,
			params_val TEXT,
			FOREIGN KEY (workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow ON workflow_runs(workflow_id)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id TEXT PRIMARY KEY,
			job_id TEXT,
			workflow_run_id INTEGER,
			command TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT,
			exit_code INTEGER,
			stdout TEXT,
			stderr TEXT,
			status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_job ON execution_logs(job_id, start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_status ON execution_logs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_start ON execution_logs(start_time)`,
		`CREATE TABLE IF NOT EXISTS schedule_entries (
			id TEXT PRIMARY KEY,
			trigger_blob TEXT NOT NULL,
			next_fire_time TEXT,
			job_state_blob TEXT,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Helper functions

// formatTime converts a *time.Time to an RFC3339 string or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a nullable RFC3339 column into a *time.Time.
func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullString returns nil if the string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullBytes returns nil if the byte slice is empty, otherwise its string form.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// boolToInt converts a bool to its SQLite integer form.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

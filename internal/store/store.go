// Copyright 2025 The Agents Dashboard Authors
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

// Package store is the durable state facade for the run execution
// engine: projects, repositories, tasks, runs, structured rows,
// findings, workers, artifacts, secrets and audits.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence.
type Store struct {
	db *sql.DB
}

// Config contains storage configuration.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// Special value ":memory:" creates an in-memory database.
	Path string

	// MaxOpenConns sets the maximum number of open connections.
	MaxOpenConns int
}

// Open creates or opens the database and runs migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// WAL mode lets readers proceed while the per-run writers append.
	connStr := cfg.Path
	if cfg.Path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns == 0 {
		maxConns = 5
	}
	if cfg.Path == ":memory:" {
		// Every connection to :memory: is a distinct database.
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS repositories (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			remote_url TEXT NOT NULL,
			local_path TEXT,
			default_branch TEXT,
			defaults TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_repositories_project ON repositories(project_id)`,

		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			repository_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			harness TEXT NOT NULL,
			mode TEXT NOT NULL,
			prompt TEXT,
			command TEXT,
			cron TEXT,
			auto_pr INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			next_at INTEGER,
			spec TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		// Partial index: the due-task query only ever touches enabled
		// tasks with a scheduled time.
		`CREATE INDEX IF NOT EXISTS idx_tasks_next_at ON tasks(next_at)
			WHERE enabled = 1 AND next_at IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_repository ON tasks(repository_id)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			repository_id TEXT NOT NULL,
			state TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			mode TEXT NOT NULL,
			worker_id TEXT,
			summary TEXT,
			error TEXT,
			envelope_ref TEXT,
			schema_version INTEGER NOT NULL DEFAULT 1,
			started_at INTEGER,
			ended_at INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task_state ON runs(task_id, state)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_repo_created ON runs(repository_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,

		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			category TEXT NOT NULL,
			payload TEXT,
			schema_version INTEGER NOT NULL DEFAULT 1,
			timestamp INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,

		`CREATE TABLE IF NOT EXISTS run_diffs (
			run_id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			summary TEXT,
			stat TEXT,
			patch TEXT,
			schema_version INTEGER NOT NULL DEFAULT 1,
			timestamp INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS run_tools (
			run_id TEXT NOT NULL,
			call_id TEXT NOT NULL,
			name TEXT NOT NULL,
			state TEXT NOT NULL,
			input TEXT,
			output TEXT,
			started_at INTEGER NOT NULL,
			ended_at INTEGER,
			PRIMARY KEY (run_id, call_id)
		)`,

		`CREATE TABLE IF NOT EXISTS run_questions (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			questions TEXT NOT NULL,
			status TEXT NOT NULL,
			answers TEXT,
			answered_run_id TEXT,
			source_tool TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_questions_run ON run_questions(run_id)`,

		`CREATE TABLE IF NOT EXISTS findings (
			id TEXT PRIMARY KEY,
			repository_id TEXT NOT NULL,
			run_id TEXT,
			state TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			assignee TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_findings_repo ON findings(repository_id, state)`,

		`CREATE TABLE IF NOT EXISTS artifacts (
			run_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			rel_path TEXT NOT NULL,
			size INTEGER NOT NULL,
			sha256 TEXT NOT NULL,
			mime_type TEXT,
			PRIMARY KEY (run_id, rel_path)
		)`,

		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			endpoint TEXT NOT NULL,
			active_slots INTEGER NOT NULL DEFAULT 0,
			max_slots INTEGER NOT NULL DEFAULT 1,
			last_heartbeat INTEGER NOT NULL,
			last_assigned INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS provider_secrets (
			repository_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (repository_id, provider)
		)`,

		`CREATE TABLE IF NOT EXISTS proxy_audits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			route_id TEXT NOT NULL,
			project_id TEXT,
			repository_id TEXT,
			task_id TEXT,
			run_id TEXT,
			path TEXT,
			latency_ms INTEGER,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proxy_audits_route ON proxy_audits(route_id)`,

		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			definition TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			state TEXT NOT NULL,
			error TEXT,
			started_at INTEGER NOT NULL,
			ended_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wf_exec_workflow ON workflow_executions(workflow_id)`,

		`CREATE TABLE IF NOT EXISTS alert_rules (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			window_seconds INTEGER NOT NULL,
			threshold REAL NOT NULL,
			cooldown_seconds INTEGER NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1
		)`,

		`CREATE TABLE IF NOT EXISTS alert_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id TEXT NOT NULL,
			state TEXT NOT NULL,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			detail TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_events_rule ON alert_events(rule_id)`,

		`CREATE TABLE IF NOT EXISTS dispatch_intents (
			run_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// GetSetting returns a daemon setting value, or "" when unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting stores a daemon setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for advanced use.
func (s *Store) DB() *sql.DB {
	return s.db
}

// nullableTime converts a *time.Time to a nullable Unix-nanosecond column.
func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

// timePtr converts a nullable Unix-nanosecond column back to *time.Time.
func timePtr(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := time.Unix(0, ns.Int64).UTC()
	return &t
}

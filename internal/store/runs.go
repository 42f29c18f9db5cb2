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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentsdashboard/agentsd/internal/faults"
	"github.com/agentsdashboard/agentsd/pkg/types"
)

// CreateRun persists a new run in its initial state.
func (s *Store) CreateRun(ctx context.Context, r *types.Run) error {
	if r.State != types.RunQueued && r.State != types.RunPendingApproval {
		return faults.New(faults.KindInvalidTransition,
			"run must be created in queued or pending-approval, got %s", r.State)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.SchemaVer == 0 {
		r.SchemaVer = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, project_id, repository_id, state, attempt, mode,
			worker_id, summary, error, envelope_ref, schema_version, started_at, ended_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.TaskID, r.ProjectID, r.RepositoryID, string(r.State), r.Attempt,
		string(r.Mode), r.WorkerID, r.Summary, r.Error, r.EnvelopeRef, r.SchemaVer,
		nullableTime(r.StartedAt), nullableTime(r.EndedAt), r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*types.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, project_id, repository_id, state, attempt, mode,
			worker_id, summary, error, envelope_ref, schema_version,
			started_at, ended_at, created_at
		FROM runs WHERE id = ?
	`, id)
	return scanRun(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*types.Run, error) {
	var r types.Run
	var state, mode string
	var workerID, summary, errText, envRef sql.NullString
	var started, ended sql.NullInt64
	var created int64

	err := row.Scan(&r.ID, &r.TaskID, &r.ProjectID, &r.RepositoryID, &state,
		&r.Attempt, &mode, &workerID, &summary, &errText, &envRef, &r.SchemaVer,
		&started, &ended, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	r.State = types.RunState(state)
	r.Mode = types.ExecutionMode(mode)
	r.WorkerID = workerID.String
	r.Summary = summary.String
	r.Error = errText.String
	r.EnvelopeRef = envRef.String
	r.StartedAt = timePtr(started)
	r.EndedAt = timePtr(ended)
	r.CreatedAt = time.Unix(0, created).UTC()
	return &r, nil
}

// TransitionUpdate carries the fields written together with a state change.
type TransitionUpdate struct {
	WorkerID    string
	Summary     string
	Error       string
	EnvelopeRef string
}

// TransitionRun moves a run to a new state, enforcing the run state
// machine. Concurrent transitions on the same run are serialized by the
// guarded update: the first writer wins, losers get InvalidTransition.
func (s *Store) TransitionRun(ctx context.Context, id string, to types.RunState, upd *TransitionUpdate) error {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM runs WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read run state: %w", err)
	}

	from := types.RunState(state)
	if !types.CanTransition(from, to) {
		return faults.New(faults.KindInvalidTransition,
			"run %s: illegal transition %s -> %s", id, from, to)
	}

	now := time.Now().UTC().UnixNano()
	query := `UPDATE runs SET state = ?`
	args := []any{string(to)}

	if to == types.RunRunning {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if to.Terminal() {
		query += `, ended_at = ?`
		args = append(args, now)
	}
	if upd != nil {
		if upd.WorkerID != "" {
			query += `, worker_id = ?`
			args = append(args, upd.WorkerID)
		}
		if upd.Summary != "" {
			query += `, summary = ?`
			args = append(args, upd.Summary)
		}
		if upd.Error != "" {
			query += `, error = ?`
			args = append(args, upd.Error)
		}
		if upd.EnvelopeRef != "" {
			query += `, envelope_ref = ?`
			args = append(args, upd.EnvelopeRef)
		}
	}
	// The state guard makes the transition first-writer-wins.
	query += ` WHERE id = ? AND state = ?`
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.New(faults.KindInvalidTransition,
			"run %s: lost transition race to %s", id, to)
	}
	return nil
}

// AttachRunSummary records completion details without changing state.
func (s *Store) AttachRunSummary(ctx context.Context, id, summary, errText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			summary = CASE WHEN ? != '' THEN ? ELSE summary END,
			error = CASE WHEN ? != '' THEN ? ELSE error END
		WHERE id = ?
	`, summary, summary, errText, errText, id)
	if err != nil {
		return fmt.Errorf("failed to attach run summary: %w", err)
	}
	return nil
}

// ActiveCounts holds the non-terminal run counts the dispatcher checks
// against its concurrency caps.
type ActiveCounts struct {
	Global     int
	PerProject int
	PerRepo    int
	PerTask    int
}

// activeStates is the set of states counted against concurrency caps.
const activeStates = `('queued', 'running', 'pending-approval')`

// CountActive returns the active run counts at every cap scope in one
// query.
func (s *Store) CountActive(ctx context.Context, projectID, repositoryID, taskID string) (*ActiveCounts, error) {
	var c ActiveCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN project_id = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN repository_id = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN task_id = ? THEN 1 ELSE 0 END)
		FROM runs WHERE state IN `+activeStates,
		projectID, repositoryID, taskID,
	).Scan(&c.Global, &nullInt{&c.PerProject}, &nullInt{&c.PerRepo}, &nullInt{&c.PerTask})
	if err != nil {
		return nil, fmt.Errorf("failed to count active runs: %w", err)
	}
	return &c, nil
}

// nullInt scans a nullable SUM() into an int, treating NULL as zero.
type nullInt struct{ dest *int }

func (n *nullInt) Scan(src any) error {
	if src == nil {
		*n.dest = 0
		return nil
	}
	switch v := src.(type) {
	case int64:
		*n.dest = int(v)
	case float64:
		*n.dest = int(v)
	default:
		return fmt.Errorf("unexpected SUM type %T", src)
	}
	return nil
}

// NonTerminalRuns lists runs that have not reached a terminal state,
// used by crash recovery and the queue-backlog alert.
func (s *Store) NonTerminalRuns(ctx context.Context) ([]*types.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, project_id, repository_id, state, attempt, mode,
			worker_id, summary, error, envelope_ref, schema_version,
			started_at, ended_at, created_at
		FROM runs WHERE state IN `+activeStates)
	if err != nil {
		return nil, fmt.Errorf("failed to query non-terminal runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// TerminalRunsBefore lists terminal runs that ended before the cutoff,
// oldest first, capped at limit. The retention pruner feeds on this.
func (s *Store) TerminalRunsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, project_id, repository_id, state, attempt, mode,
			worker_id, summary, error, envelope_ref, schema_version,
			started_at, ended_at, created_at
		FROM runs
		WHERE state IN ('succeeded', 'failed', 'cancelled')
		  AND ended_at IS NOT NULL AND ended_at < ?
		ORDER BY ended_at ASC
		LIMIT ?
	`, cutoff.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query terminal runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunStats summarises run outcomes within a window for alert evaluation.
type RunStats struct {
	Total  int
	Failed int
	Queued int
}

// RunStatsSince computes run outcome counts for runs created after since.
func (s *Store) RunStatsSince(ctx context.Context, since time.Time) (*RunStats, error) {
	var st RunStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN state = 'queued' THEN 1 ELSE 0 END)
		FROM runs WHERE created_at >= ?
	`, since.UnixNano()).Scan(&st.Total, &nullInt{&st.Failed}, &nullInt{&st.Queued})
	if err != nil {
		return nil, fmt.Errorf("failed to compute run stats: %w", err)
	}
	return &st, nil
}

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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentsdashboard/agentsd/pkg/types"
)

// PutTask inserts or updates a task. The full task is kept as a JSON
// document; hot columns are duplicated for the scheduler's queries.
func (s *Store) PutTask(ctx context.Context, t *types.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	spec, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, repository_id, project_id, kind, harness, mode, prompt,
			command, cron, auto_pr, enabled, next_at, spec, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			harness = excluded.harness,
			mode = excluded.mode,
			prompt = excluded.prompt,
			command = excluded.command,
			cron = excluded.cron,
			auto_pr = excluded.auto_pr,
			enabled = excluded.enabled,
			next_at = excluded.next_at,
			spec = excluded.spec
	`, t.ID, t.RepositoryID, t.ProjectID, string(t.Kind), t.Harness, string(t.Mode),
		t.Prompt, t.Command, t.Cron, boolInt(t.AutoPR), boolInt(t.Enabled),
		nullableTime(t.NextAt), spec, t.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var spec []byte
	var nextAt sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT spec, next_at FROM tasks WHERE id = ?`, id,
	).Scan(&spec, &nextAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return unmarshalTask(spec, nextAt)
}

// SetTaskNextAt records the next scheduled fire time.
func (s *Store) SetTaskNextAt(ctx context.Context, id string, next *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET next_at = ? WHERE id = ?`, nullableTime(next), id)
	if err != nil {
		return fmt.Errorf("failed to set next_at: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeTaskNextAt clears next_at only if it still holds the expected
// value, so a one-shot fire is consumed exactly once even when two
// scheduler ticks race.
func (s *Store) ConsumeTaskNextAt(ctx context.Context, id string, expected time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET next_at = NULL WHERE id = ? AND next_at = ?`,
		id, expected.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to consume next_at: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DueTasks returns enabled one-shot and cron tasks whose next fire time
// is at or before now. Event-driven tasks are never due.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT spec, next_at FROM tasks
		WHERE enabled = 1
		  AND kind != ?
		  AND next_at IS NOT NULL
		  AND next_at <= ?
		ORDER BY next_at ASC
	`, string(types.TaskKindEvent), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// EventTasks returns the enabled event-driven tasks of a repository, for
// webhook fan-out.
func (s *Store) EventTasks(ctx context.Context, repositoryID string) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT spec, next_at FROM tasks
		WHERE repository_id = ? AND kind = ? AND enabled = 1
	`, repositoryID, string(types.TaskKindEvent))
	if err != nil {
		return nil, fmt.Errorf("failed to query event tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ScheduledTasks returns every enabled task carrying a next fire time,
// used to re-arm the scheduler after a restart.
func (s *Store) ScheduledTasks(ctx context.Context) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT spec, next_at FROM tasks
		WHERE enabled = 1 AND kind != ?
	`, string(types.TaskKindEvent))
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]*types.Task, error) {
	var tasks []*types.Task
	for rows.Next() {
		var spec []byte
		var nextAt sql.NullInt64
		if err := rows.Scan(&spec, &nextAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t, err := unmarshalTask(spec, nextAt)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// unmarshalTask decodes the spec document; next_at from the hot column
// wins over the serialized copy.
func unmarshalTask(spec []byte, nextAt sql.NullInt64) (*types.Task, error) {
	var t types.Task
	if err := json.Unmarshal(spec, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	t.NextAt = timePtr(nextAt)
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

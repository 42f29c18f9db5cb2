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

	"github.com/agentsdashboard/agentsd/pkg/types"
)

// CreateFinding persists a new triage finding.
func (s *Store) CreateFinding(ctx context.Context, f *types.Finding) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if f.State == "" {
		f.State = types.FindingNew
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO findings (id, repository_id, run_id, state, severity, title, description, assignee, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.RepositoryID, f.RunID, string(f.State), f.Severity, f.Title,
		f.Description, f.Assignee, f.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create finding: %w", err)
	}
	return nil
}

// GetFinding retrieves a finding by id.
func (s *Store) GetFinding(ctx context.Context, id string) (*types.Finding, error) {
	var f types.Finding
	var state string
	var runID, description, assignee sql.NullString
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, repository_id, run_id, state, severity, title, description, assignee, created_at
		FROM findings WHERE id = ?
	`, id).Scan(&f.ID, &f.RepositoryID, &runID, &state, &f.Severity, &f.Title,
		&description, &assignee, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get finding: %w", err)
	}
	f.State = types.FindingState(state)
	f.RunID = runID.String
	f.Description = description.String
	f.Assignee = assignee.String
	f.CreatedAt = time.Unix(0, created).UTC()
	return &f, nil
}

// UpdateFindingState moves a finding through its triage lifecycle.
func (s *Store) UpdateFindingState(ctx context.Context, id string, state types.FindingState, assignee string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE findings SET state = ?,
			assignee = CASE WHEN ? != '' THEN ? ELSE assignee END
		WHERE id = ?
	`, string(state), assignee, assignee, id)
	if err != nil {
		return fmt.Errorf("failed to update finding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// openFindingStates are the states that block retention pruning for the
// owning task's runs.
const openFindingStates = `('new', 'acknowledged', 'in-progress')`

// TasksWithOpenFindings returns the set of task ids whose runs carry
// open findings.
func (s *Store) TasksWithOpenFindings(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT r.task_id
		FROM findings f
		JOIN runs r ON r.id = f.run_id
		WHERE f.state IN `+openFindingStates)
	if err != nil {
		return nil, fmt.Errorf("failed to query open findings: %w", err)
	}
	defer rows.Close()

	tasks := make(map[string]bool)
	for rows.Next() {
		var taskID string
		if err := rows.Scan(&taskID); err != nil {
			return nil, fmt.Errorf("failed to scan task id: %w", err)
		}
		tasks[taskID] = true
	}
	return tasks, rows.Err()
}

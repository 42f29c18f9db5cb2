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

// Workflow definition and execution persistence, plus proxy audit rows.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// WorkflowRecord is a stored workflow definition. The definition itself
// is an opaque JSON document owned by the workflow package.
type WorkflowRecord struct {
	ID         string
	Name       string
	Enabled    bool
	Definition []byte
	CreatedAt  time.Time
}

// PutWorkflow inserts or updates a workflow definition.
func (s *Store) PutWorkflow(ctx context.Context, w *WorkflowRecord) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, name, enabled, definition, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			enabled = excluded.enabled,
			definition = excluded.definition
	`, w.ID, w.Name, boolInt(w.Enabled), w.Definition, w.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	var w WorkflowRecord
	var enabled int
	var created int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, enabled, definition, created_at FROM workflows WHERE id = ?
	`, id).Scan(&w.ID, &w.Name, &enabled, &w.Definition, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	w.Enabled = enabled == 1
	w.CreatedAt = time.Unix(0, created).UTC()
	return &w, nil
}

// TasksInEnabledWorkflows returns the task ids referenced by enabled
// workflow definitions. Used as a retention-pruner exclusion. Disabled
// workflows do not pin their tasks' history.
func (s *Store) TasksInEnabledWorkflows(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM workflows WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	tasks := make(map[string]bool)
	for rows.Next() {
		var def []byte
		if err := rows.Scan(&def); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		var doc struct {
			Nodes []struct {
				TaskID string `json:"task_id"`
			} `json:"nodes"`
		}
		if err := json.Unmarshal(def, &doc); err != nil {
			continue
		}
		for _, n := range doc.Nodes {
			if n.TaskID != "" {
				tasks[n.TaskID] = true
			}
		}
	}
	return tasks, rows.Err()
}

// WorkflowExecutionRecord is one traversal of a workflow graph.
type WorkflowExecutionRecord struct {
	ID         string
	WorkflowID string
	State      string
	Error      string
	StartedAt  time.Time
	EndedAt    *time.Time
}

// PutWorkflowExecution inserts or updates an execution record.
func (s *Store) PutWorkflowExecution(ctx context.Context, e *WorkflowExecutionRecord) error {
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_executions (id, workflow_id, state, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			error = excluded.error,
			ended_at = excluded.ended_at
	`, e.ID, e.WorkflowID, e.State, e.Error, e.StartedAt.UnixNano(), nullableTime(e.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to store workflow execution: %w", err)
	}
	return nil
}

// ProxyAudit is one request observed on a managed proxy route.
type ProxyAudit struct {
	RouteID      string
	ProjectID    string
	RepositoryID string
	TaskID       string
	RunID        string
	Path         string
	Latency      time.Duration
	Timestamp    time.Time
}

// RecordProxyAudit persists an audit row for a managed-route request.
func (s *Store) RecordProxyAudit(ctx context.Context, a *ProxyAudit) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxy_audits (route_id, project_id, repository_id, task_id, run_id, path, latency_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.RouteID, a.ProjectID, a.RepositoryID, a.TaskID, a.RunID, a.Path,
		a.Latency.Milliseconds(), a.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record proxy audit: %w", err)
	}
	return nil
}

// CountProxyAudits returns the number of audit rows for a route.
func (s *Store) CountProxyAudits(ctx context.Context, routeID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proxy_audits WHERE route_id = ?`, routeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count proxy audits: %w", err)
	}
	return n, nil
}

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
	"fmt"
	"time"
)

// DispatchIntent is the durable record written before a container is
// started, so that a crash between "run created" and "container
// running" leaves evidence the recovery pass can act on.
type DispatchIntent struct {
	RunID     string
	TaskID    string
	WorkerID  string
	Attempt   int
	CreatedAt time.Time
}

// RecordDispatchIntent writes the intent row for a run.
func (s *Store) RecordDispatchIntent(ctx context.Context, i *DispatchIntent) error {
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_intents (run_id, task_id, worker_id, attempt, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			worker_id = excluded.worker_id,
			attempt = excluded.attempt,
			created_at = excluded.created_at
	`, i.RunID, i.TaskID, i.WorkerID, i.Attempt, i.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record dispatch intent: %w", err)
	}
	return nil
}

// ClearDispatchIntent removes the intent once the run reached a
// terminal state. Clearing an absent intent is a no-op.
func (s *Store) ClearDispatchIntent(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM dispatch_intents WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to clear dispatch intent: %w", err)
	}
	return nil
}

// PendingIntents returns every intent still on record, oldest first.
func (s *Store) PendingIntents(ctx context.Context) ([]*DispatchIntent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task_id, worker_id, attempt, created_at
		FROM dispatch_intents ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatch intents: %w", err)
	}
	defer rows.Close()

	var intents []*DispatchIntent
	for rows.Next() {
		var i DispatchIntent
		var created int64
		if err := rows.Scan(&i.RunID, &i.TaskID, &i.WorkerID, &i.Attempt, &created); err != nil {
			return nil, fmt.Errorf("failed to scan dispatch intent: %w", err)
		}
		i.CreatedAt = time.Unix(0, created).UTC()
		intents = append(intents, &i)
	}
	return intents, rows.Err()
}

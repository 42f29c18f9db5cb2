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

	"github.com/agentsdashboard/agentsd/pkg/types"
)

// Heartbeat upserts a worker's liveness and slot usage.
func (s *Store) Heartbeat(ctx context.Context, w *types.Worker) error {
	if w.LastHeartbeat.IsZero() {
		w.LastHeartbeat = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, endpoint, active_slots, max_slots, last_heartbeat, last_assigned)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			endpoint = excluded.endpoint,
			active_slots = excluded.active_slots,
			max_slots = excluded.max_slots,
			last_heartbeat = excluded.last_heartbeat
	`, w.ID, w.Endpoint, w.ActiveSlots, w.MaxSlots, w.LastHeartbeat.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// ListWorkers returns all known workers.
func (s *Store) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, endpoint, active_slots, max_slots, last_heartbeat, last_assigned
		FROM workers ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []*types.Worker
	for rows.Next() {
		var w types.Worker
		var heartbeat, assigned int64
		if err := rows.Scan(&w.ID, &w.Endpoint, &w.ActiveSlots, &w.MaxSlots,
			&heartbeat, &assigned); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		w.LastHeartbeat = time.Unix(0, heartbeat).UTC()
		if assigned > 0 {
			w.LastAssigned = time.Unix(0, assigned).UTC()
		}
		workers = append(workers, &w)
	}
	return workers, rows.Err()
}

// MarkWorkerAssigned records an assignment for least-recently-used
// tie-breaking and bumps the active slot count.
func (s *Store) MarkWorkerAssigned(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET last_assigned = ?, active_slots = active_slots + 1
		WHERE id = ?
	`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to mark worker assigned: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseWorkerSlot decrements a worker's active slot count.
func (s *Store) ReleaseWorkerSlot(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workers SET active_slots = MAX(active_slots - 1, 0)
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to release worker slot: %w", err)
	}
	return nil
}

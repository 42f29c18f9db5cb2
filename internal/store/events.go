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

// Structured event, diff snapshot and tool projection persistence.
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

// ErrStaleSequence is returned when an append would break the strictly
// increasing sequence invariant for a run.
var ErrStaleSequence = errors.New("store: event sequence not increasing")

// AppendEvent persists a structured event. Sequences per run must be
// strictly increasing; the unique (run_id, seq) key plus the max-check
// inside the transaction enforce it under concurrency.
func (s *Store) AppendEvent(ctx context.Context, ev *types.StructuredEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM run_events WHERE run_id = ?`, ev.RunID,
	).Scan(&maxSeq); err != nil {
		return fmt.Errorf("failed to read max sequence: %w", err)
	}
	if maxSeq.Valid && ev.Sequence <= maxSeq.Int64 {
		return ErrStaleSequence
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, seq, type, category, payload, schema_version, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.RunID, ev.Sequence, ev.Type, ev.Category, payload, ev.SchemaVer,
		ev.Timestamp.UnixNano()); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return tx.Commit()
}

// NextSequence returns the next event sequence for a run.
func (s *Store) NextSequence(ctx context.Context, runID string) (int64, error) {
	var maxSeq sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM run_events WHERE run_id = ?`, runID,
	).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("failed to read max sequence: %w", err)
	}
	return maxSeq.Int64 + 1, nil
}

// ListEvents returns a run's events in sequence order, starting after
// afterSeq.
func (s *Store) ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]*types.StructuredEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, type, category, payload, schema_version, timestamp
		FROM run_events
		WHERE run_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*types.StructuredEvent
	for rows.Next() {
		var ev types.StructuredEvent
		var payload []byte
		var ts int64
		if err := rows.Scan(&ev.RunID, &ev.Sequence, &ev.Type, &ev.Category,
			&payload, &ev.SchemaVer, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}
		ev.Timestamp = time.Unix(0, ts).UTC()
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// UpsertDiff records the latest diff snapshot for a run. Latest wins by
// sequence: an older snapshot never overwrites a newer one.
func (s *Store) UpsertDiff(ctx context.Context, d *types.DiffSnapshot) error {
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_diffs (run_id, seq, summary, stat, patch, schema_version, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			seq = excluded.seq,
			summary = excluded.summary,
			stat = excluded.stat,
			patch = excluded.patch,
			schema_version = excluded.schema_version,
			timestamp = excluded.timestamp
		WHERE excluded.seq > run_diffs.seq
	`, d.RunID, d.Sequence, d.Summary, d.Stat, d.Patch, d.SchemaVer, d.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert diff snapshot: %w", err)
	}
	return nil
}

// GetDiff returns the latest diff snapshot for a run.
func (s *Store) GetDiff(ctx context.Context, runID string) (*types.DiffSnapshot, error) {
	var d types.DiffSnapshot
	var ts int64
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, seq, summary, stat, patch, schema_version, timestamp
		FROM run_diffs WHERE run_id = ?
	`, runID).Scan(&d.RunID, &d.Sequence, &d.Summary, &d.Stat, &d.Patch, &d.SchemaVer, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get diff snapshot: %w", err)
	}
	d.Timestamp = time.Unix(0, ts).UTC()
	return &d, nil
}

// UpsertTool creates or updates a tool projection keyed by call id.
func (s *Store) UpsertTool(ctx context.Context, t *types.ToolProjection) error {
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_tools (run_id, call_id, name, state, input, output, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, call_id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE run_tools.name END,
			state = excluded.state,
			input = CASE WHEN excluded.input != '' THEN excluded.input ELSE run_tools.input END,
			output = CASE WHEN excluded.output != '' THEN excluded.output ELSE run_tools.output END,
			ended_at = excluded.ended_at
	`, t.RunID, t.CallID, t.Name, string(t.State), t.Input, t.Output,
		t.StartedAt.UnixNano(), nullableTime(t.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert tool projection: %w", err)
	}
	return nil
}

// ListTools returns a run's tool projections ordered by start time.
func (s *Store) ListTools(ctx context.Context, runID string) ([]*types.ToolProjection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, call_id, name, state, input, output, started_at, ended_at
		FROM run_tools WHERE run_id = ?
		ORDER BY started_at ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool projections: %w", err)
	}
	defer rows.Close()

	var tools []*types.ToolProjection
	for rows.Next() {
		var t types.ToolProjection
		var state string
		var input, output sql.NullString
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&t.RunID, &t.CallID, &t.Name, &state, &input, &output,
			&started, &ended); err != nil {
			return nil, fmt.Errorf("failed to scan tool projection: %w", err)
		}
		t.State = types.ToolState(state)
		t.Input = input.String
		t.Output = output.String
		t.StartedAt = time.Unix(0, started).UTC()
		t.EndedAt = timePtr(ended)
		tools = append(tools, &t)
	}
	return tools, rows.Err()
}

// StructuredRowCounts reports rows scanned or deleted by the pruner.
type StructuredRowCounts struct {
	Events int64
	Diffs  int64
	Tools  int64
}

// DeleteStructuredRows removes a run's events, diff snapshot and tool
// projections, returning per-table counts. Idempotent.
func (s *Store) DeleteStructuredRows(ctx context.Context, runID string) (*StructuredRowCounts, error) {
	var counts StructuredRowCounts

	res, err := s.db.ExecContext(ctx, `DELETE FROM run_events WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete events: %w", err)
	}
	counts.Events, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM run_diffs WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete diff snapshots: %w", err)
	}
	counts.Diffs, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM run_tools WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete tool projections: %w", err)
	}
	counts.Tools, _ = res.RowsAffected()

	return &counts, nil
}

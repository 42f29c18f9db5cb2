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

// AlertRuleRecord is a stored alert rule.
type AlertRuleRecord struct {
	ID        string
	Type      string
	Window    time.Duration
	Threshold float64
	Cooldown  time.Duration
	Enabled   bool
}

// PutAlertRule inserts or updates an alert rule.
func (s *Store) PutAlertRule(ctx context.Context, r *AlertRuleRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (id, type, window_seconds, threshold, cooldown_seconds, enabled)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			window_seconds = excluded.window_seconds,
			threshold = excluded.threshold,
			cooldown_seconds = excluded.cooldown_seconds,
			enabled = excluded.enabled
	`, r.ID, r.Type, int64(r.Window.Seconds()), r.Threshold,
		int64(r.Cooldown.Seconds()), boolInt(r.Enabled))
	if err != nil {
		return fmt.Errorf("failed to store alert rule: %w", err)
	}
	return nil
}

// ListAlertRules returns enabled alert rules.
func (s *Store) ListAlertRules(ctx context.Context) ([]*AlertRuleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, window_seconds, threshold, cooldown_seconds, enabled
		FROM alert_rules WHERE enabled = 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert rules: %w", err)
	}
	defer rows.Close()

	var rules []*AlertRuleRecord
	for rows.Next() {
		var r AlertRuleRecord
		var window, cooldown int64
		var enabled int
		if err := rows.Scan(&r.ID, &r.Type, &window, &r.Threshold, &cooldown, &enabled); err != nil {
			return nil, fmt.Errorf("failed to scan alert rule: %w", err)
		}
		r.Window = time.Duration(window) * time.Second
		r.Cooldown = time.Duration(cooldown) * time.Second
		r.Enabled = enabled == 1
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

// AutoPRFailureStreaks returns, per task with auto-PR enabled, how many
// of its most recent terminal runs failed in a row. A succeeded run
// resets the streak.
func (s *Store) AutoPRFailureStreaks(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.task_id, r.state
		FROM runs r JOIN tasks t ON t.id = r.task_id
		WHERE t.auto_pr = 1 AND r.state IN ('succeeded', 'failed')
		ORDER BY r.task_id, r.created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query auto-pr runs: %w", err)
	}
	defer rows.Close()

	streaks := make(map[string]int)
	done := make(map[string]bool)
	for rows.Next() {
		var taskID, state string
		if err := rows.Scan(&taskID, &state); err != nil {
			return nil, fmt.Errorf("failed to scan auto-pr run: %w", err)
		}
		if done[taskID] {
			continue
		}
		if state == "failed" {
			streaks[taskID]++
		} else {
			done[taskID] = true
		}
	}
	return streaks, rows.Err()
}

// AlertEventRecord is a fired or resolved alert occurrence.
type AlertEventRecord struct {
	RuleID    string
	State     string
	FirstSeen time.Time
	LastSeen  time.Time
	Detail    string
}

// RecordAlertEvent persists an alert state change.
func (s *Store) RecordAlertEvent(ctx context.Context, e *AlertEventRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_events (rule_id, state, first_seen, last_seen, detail)
		VALUES (?, ?, ?, ?, ?)
	`, e.RuleID, e.State, e.FirstSeen.UnixNano(), e.LastSeen.UnixNano(), e.Detail)
	if err != nil {
		return fmt.Errorf("failed to record alert event: %w", err)
	}
	return nil
}

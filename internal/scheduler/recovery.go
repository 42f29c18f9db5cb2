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

package scheduler

import (
	"context"
	"log/slog"

	"github.com/agentsdashboard/agentsd/internal/store"
	"github.com/agentsdashboard/agentsd/pkg/types"
)

// ManagedContainer is a container carrying the platform ownership label.
type ManagedContainer struct {
	ID    string
	RunID string
}

// Containers is the slice of the container manager recovery needs.
type Containers interface {
	ListManaged(ctx context.Context) ([]ManagedContainer, error)
	Delete(ctx context.Context, id string) error
}

// RecoveryReport summarises what a recovery pass did.
type RecoveryReport struct {
	RunsFailed     int
	RunsRelinked   int
	OrphansRemoved int
}

// Recover reconciles runs and containers after a daemon restart:
// non-terminal runs without a live container are failed with reason
// process-restart, runs whose container survived are re-linked, and
// labelled containers with no live run are removed. Finally the cron
// schedules are re-armed.
func (s *Scheduler) Recover(ctx context.Context, containers Containers) (*RecoveryReport, error) {
	report := &RecoveryReport{}

	runs, err := s.store.NonTerminalRuns(ctx)
	if err != nil {
		return nil, err
	}

	var managed []ManagedContainer
	if containers != nil {
		if managed, err = containers.ListManaged(ctx); err != nil {
			s.logger.Warn("failed to list managed containers", "error", err)
		}
	}
	byRun := make(map[string]ManagedContainer, len(managed))
	for _, c := range managed {
		byRun[c.RunID] = c
	}

	alive := make(map[string]bool, len(runs))
	for _, run := range runs {
		alive[run.ID] = true
		if _, ok := byRun[run.ID]; ok {
			report.RunsRelinked++
			s.logger.Info("re-linked run to surviving container",
				"run_id", run.ID, slog.String("container_id", byRun[run.ID].ID))
			continue
		}
		if run.State == types.RunPendingApproval {
			// Parked runs never had a container; leave them.
			continue
		}
		// A queued run never started, so it cannot legally fail; it is
		// cancelled instead. A running run lost its container and fails.
		to := types.RunFailed
		if run.State == types.RunQueued {
			to = types.RunCancelled
		}
		if err := s.store.TransitionRun(ctx, run.ID, to,
			&store.TransitionUpdate{Error: "process-restart"}); err != nil {
			s.logger.Warn("failed to fail orphaned run", "run_id", run.ID, "error", err)
			continue
		}
		if err := s.store.ClearDispatchIntent(ctx, run.ID); err != nil {
			s.logger.Warn("failed to clear dispatch intent", "run_id", run.ID, "error", err)
		}
		report.RunsFailed++
	}

	for _, c := range managed {
		if alive[c.RunID] {
			continue
		}
		if err := containers.Delete(ctx, c.ID); err != nil {
			s.logger.Warn("failed to remove orphan container",
				"container_id", c.ID, "error", err)
			continue
		}
		report.OrphansRemoved++
	}

	if err := s.Rearm(ctx); err != nil {
		return report, err
	}

	s.logger.Info("recovery complete",
		"runs_failed", report.RunsFailed,
		"runs_relinked", report.RunsRelinked,
		"orphans_removed", report.OrphansRemoved)
	return report, nil
}

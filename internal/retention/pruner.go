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

// Package retention deletes structured-event history of old terminal
// runs. Runs pinned by enabled workflows or open findings are kept.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentsdashboard/agentsd/internal/metrics"
	"github.com/agentsdashboard/agentsd/internal/store"
)

// DefaultMaxRuns bounds how many runs one pass will process, which
// keeps each pass short and makes the pruner resumable.
const DefaultMaxRuns = 500

// Policy controls one prune pass.
type Policy struct {
	// Cutoff: only terminal runs that ended before this are eligible.
	Cutoff time.Time
	// MaxRuns caps the runs processed per pass; zero means DefaultMaxRuns.
	MaxRuns int
}

// Report summarises a prune pass.
type Report struct {
	Scanned       int
	Pruned        int
	Skipped       int
	EventsDeleted int64
	DiffsDeleted  int64
	ToolsDeleted  int64
}

// Pruner deletes structured rows of expired runs.
type Pruner struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a pruner.
func New(st *store.Store, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		store:  st,
		logger: logger.With(slog.String("component", "retention")),
	}
}

// Prune runs one pass. Every deletion is idempotent, so a pass
// interrupted half-way can simply be re-run.
func (p *Pruner) Prune(ctx context.Context, policy Policy) (*Report, error) {
	maxRuns := policy.MaxRuns
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}

	pinnedByWorkflow, err := p.store.TasksInEnabledWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	pinnedByFinding, err := p.store.TasksWithOpenFindings(ctx)
	if err != nil {
		return nil, err
	}

	runs, err := p.store.TerminalRunsBefore(ctx, policy.Cutoff, maxRuns)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++

		if pinnedByWorkflow[run.TaskID] || pinnedByFinding[run.TaskID] {
			report.Skipped++
			continue
		}

		counts, err := p.store.DeleteStructuredRows(ctx, run.ID)
		if err != nil {
			p.logger.Warn("failed to prune run", "run_id", run.ID, "error", err)
			report.Skipped++
			continue
		}
		report.Pruned++
		report.EventsDeleted += counts.Events
		report.DiffsDeleted += counts.Diffs
		report.ToolsDeleted += counts.Tools
	}

	metrics.RecordPruned("run_events", int(report.EventsDeleted))
	metrics.RecordPruned("run_diffs", int(report.DiffsDeleted))
	metrics.RecordPruned("run_tools", int(report.ToolsDeleted))

	p.logger.Info("prune pass complete",
		"scanned", report.Scanned, "pruned", report.Pruned, "skipped", report.Skipped,
		"events_deleted", report.EventsDeleted)
	return report, nil
}

// Run prunes on a fixed cadence until the context is cancelled. The
// cutoff is recomputed each pass from the retention age.
func (p *Pruner) Run(ctx context.Context, interval, retainFor time.Duration, maxRuns int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			policy := Policy{Cutoff: time.Now().UTC().Add(-retainFor), MaxRuns: maxRuns}
			if _, err := p.Prune(ctx, policy); err != nil {
				p.logger.Error("prune pass failed", "error", err)
			}
		}
	}
}

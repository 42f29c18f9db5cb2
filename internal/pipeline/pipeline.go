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

// Package pipeline ingests harness chunks, canonicalises them into the
// versioned structured event stream, maintains diff snapshots and tool
// projections, and fans events out to live subscribers.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentsdashboard/agentsd/internal/envelope"
	"github.com/agentsdashboard/agentsd/internal/metrics"
	"github.com/agentsdashboard/agentsd/internal/redact"
	"github.com/agentsdashboard/agentsd/internal/store"
	"github.com/agentsdashboard/agentsd/pkg/types"
)

// subscriberBuffer is the channel depth per subscriber. A subscriber
// that falls this far behind loses events rather than stalling the
// per-run writer.
const subscriberBuffer = 256

// Pipeline canonicalises and persists a run's event stream. Persistence
// for one run happens on that run's single ingester goroutine, which
// preserves sequence ordering; different runs do not block each other.
type Pipeline struct {
	store    *store.Store
	redactor *redact.Redactor
	logger   *slog.Logger

	mu     sync.Mutex
	seqs   map[string]int64
	subs   map[string]map[int]chan *types.StructuredEvent
	nextID int
}

// New creates a pipeline.
func New(st *store.Store, redactor *redact.Redactor, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    st,
		redactor: redactor,
		logger:   logger.With(slog.String("component", "pipeline")),
		seqs:     make(map[string]int64),
		subs:     make(map[string]map[int]chan *types.StructuredEvent),
	}
}

// Subscribe registers a live consumer for a run's events. The returned
// cancel function must be called to release the subscription.
func (p *Pipeline) Subscribe(runID string) (<-chan *types.StructuredEvent, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan *types.StructuredEvent, subscriberBuffer)
	p.nextID++
	id := p.nextID
	if p.subs[runID] == nil {
		p.subs[runID] = make(map[int]chan *types.StructuredEvent)
	}
	p.subs[runID][id] = ch

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if subs, ok := p.subs[runID]; ok {
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(p.subs, runID)
			}
		}
	}
	return ch, cancel
}

// Ingest processes one harness chunk for a run: redact, decode,
// canonicalise, persist with the next sequence, project, broadcast.
// A chunk that fails to persist is logged and dropped; the stream
// continues.
func (p *Pipeline) Ingest(ctx context.Context, runID, taskID, chunk string) error {
	text := p.redactor.Redact(chunk)

	var canonical *Canonical
	if wire, ok := envelope.DecodeWire(text); ok {
		canonical = Canonicalize(runID, taskID, wire)
	} else {
		canonical = &Canonical{
			Type:      "log",
			Category:  types.CategoryLog,
			Payload:   map[string]any{"line": text},
			SchemaVer: 1,
		}
	}

	ev := &types.StructuredEvent{
		RunID:     runID,
		Sequence:  p.nextSequence(ctx, runID),
		Type:      canonical.Type,
		Category:  canonical.Category,
		Payload:   canonical.Payload,
		SchemaVer: canonical.SchemaVer,
		Timestamp: time.Now().UTC(),
	}
	if err := p.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to persist event seq %d: %w", ev.Sequence, err)
	}
	metrics.RecordEvent(string(ev.Category))

	p.project(ctx, runID, canonical)
	p.broadcast(runID, ev)
	return nil
}

// Finalize records the terminal envelope against the run's event stream
// and expires any questions still pending.
func (p *Pipeline) Finalize(ctx context.Context, runID, taskID string, env *envelope.Envelope) error {
	ev := &types.StructuredEvent{
		RunID:    runID,
		Sequence: p.nextSequence(ctx, runID),
		Type:     "run_completed",
		Category: types.CategoryRunCompleted,
		Payload: map[string]any{
			"status":    string(env.Status),
			"summary":   p.redactor.Redact(env.Summary),
			"error":     p.redactor.Redact(env.Error),
			"exit_code": env.ExitCode,
		},
		SchemaVer: 1,
		Timestamp: time.Now().UTC(),
	}
	if err := p.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to persist completion event: %w", err)
	}

	if err := p.store.AttachRunSummary(ctx, runID,
		p.redactor.Redact(env.Summary), p.redactor.Redact(env.Error)); err != nil {
		p.logger.Warn("failed to attach run summary", "run_id", runID, "error", err)
	}
	if _, err := p.store.ExpireQuestions(ctx, runID); err != nil {
		p.logger.Warn("failed to expire questions", "run_id", runID, "error", err)
	}

	p.broadcast(runID, ev)
	p.closeRun(runID)
	return nil
}

// nextSequence returns the next sequence for a run, consulting the
// store once and counting locally afterwards.
func (p *Pipeline) nextSequence(ctx context.Context, runID string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if seq, ok := p.seqs[runID]; ok {
		p.seqs[runID] = seq + 1
		return seq + 1
	}
	seq, err := p.store.NextSequence(ctx, runID)
	if err != nil {
		p.logger.Warn("failed to read next sequence, starting from 1",
			"run_id", runID, "error", err)
		seq = 1
	}
	p.seqs[runID] = seq
	return seq
}

// project applies the side effects implied by a canonical event.
func (p *Pipeline) project(ctx context.Context, runID string, c *Canonical) {
	switch {
	case c.Diff != nil:
		if err := p.store.UpsertDiff(ctx, c.Diff); err != nil {
			p.logger.Warn("failed to upsert diff snapshot", "run_id", runID, "error", err)
		}
	case c.Tool != nil:
		if c.Tool.State != types.ToolRunning {
			now := time.Now().UTC()
			c.Tool.EndedAt = &now
		}
		if err := p.store.UpsertTool(ctx, c.Tool); err != nil {
			p.logger.Warn("failed to upsert tool projection", "run_id", runID, "error", err)
		}
	case c.Question != nil:
		if err := p.store.CreateQuestion(ctx, c.Question); err != nil {
			p.logger.Warn("failed to persist question request", "run_id", runID, "error", err)
		}
	case c.Completion != nil:
		if err := p.store.AttachRunSummary(ctx, runID, c.Completion.Summary, c.Completion.Error); err != nil {
			p.logger.Warn("failed to attach completion summary", "run_id", runID, "error", err)
		}
	}
}

// broadcast delivers an event to every live subscriber of the run.
// Slow subscribers are skipped, never blocked on.
func (p *Pipeline) broadcast(runID string, ev *types.StructuredEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ch := range p.subs[runID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// closeRun drops the run's sequence cache and closes its subscribers.
func (p *Pipeline) closeRun(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.seqs, runID)
	for id, ch := range p.subs[runID] {
		delete(p.subs[runID], id)
		close(ch)
	}
	delete(p.subs, runID)
}

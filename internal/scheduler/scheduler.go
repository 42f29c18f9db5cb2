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

// Package scheduler discovers due tasks on a fixed tick, dispatches
// them, requeues deferred dispatches and performs crash recovery on
// daemon start.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentsdashboard/agentsd/internal/dispatch"
	"github.com/agentsdashboard/agentsd/internal/metrics"
	"github.com/agentsdashboard/agentsd/internal/store"
	"github.com/agentsdashboard/agentsd/pkg/types"
)

// DefaultTickInterval is the cadence of due-task discovery.
const DefaultTickInterval = 10 * time.Second

// Dispatcher admits runs. Implemented by dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *dispatch.Request) (*types.Run, error)
}

// Scheduler drives the cron loop and the deferred-dispatch queue.
type Scheduler struct {
	store      *store.Store
	dispatcher Dispatcher
	logger     *slog.Logger
	tick       time.Duration
	now        func() time.Time

	mu       sync.Mutex
	deferred []deferredRequest
}

type deferredRequest struct {
	req *dispatch.Request
	due time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides the discovery cadence.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler.
func New(st *store.Store, d Dispatcher, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:      st,
		dispatcher: d,
		logger:     logger.With(slog.String("component", "scheduler")),
		tick:       DefaultTickInterval,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetDispatcher installs the dispatcher after construction. The
// dispatcher's deferral callback points back at this scheduler, so the
// two are built in sequence.
func (s *Scheduler) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// Defer queues a dispatch request to be retried after the given delay.
// This is the dispatcher's deferral callback.
func (s *Scheduler) Defer(req *dispatch.Request, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred = append(s.deferred, deferredRequest{req: req, due: s.now().Add(after)})
}

// Run drives the tick loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one round of due discovery plus deferred requeue.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()
	s.dispatchDeferred(ctx, now)

	tasks, err := s.store.DueTasks(ctx, now)
	if err != nil {
		s.logger.Error("failed to query due tasks", "error", err)
		return
	}
	for _, task := range tasks {
		s.fire(ctx, task, now)
	}

	if stats, err := s.store.RunStatsSince(ctx, time.Time{}); err == nil {
		metrics.SetQueueDepth(stats.Queued)
	}
}

// fire dispatches one due task and advances its schedule. A one-shot's
// next_at is consumed exactly once before dispatch; a cron task's next
// fire is computed from the previous fire so drift never accumulates.
func (s *Scheduler) fire(ctx context.Context, task *types.Task, now time.Time) {
	switch task.Kind {
	case types.TaskKindOneShot:
		if task.NextAt == nil {
			return
		}
		consumed, err := s.store.ConsumeTaskNextAt(ctx, task.ID, *task.NextAt)
		if err != nil {
			s.logger.Error("failed to consume one-shot schedule", "task_id", task.ID, "error", err)
			return
		}
		if !consumed {
			// Another tick got here first.
			return
		}

	case types.TaskKindCron:
		expr, err := ParseCron(task.Cron)
		if err != nil {
			s.logger.Error("invalid cron expression", "task_id", task.ID, "error", err)
			return
		}
		prev := now
		if task.NextAt != nil {
			prev = *task.NextAt
		}
		next := expr.Next(prev)
		for !next.IsZero() && !next.After(now) {
			next = expr.Next(next)
		}
		if err := s.store.SetTaskNextAt(ctx, task.ID, &next); err != nil {
			s.logger.Error("failed to advance cron schedule", "task_id", task.ID, "error", err)
			return
		}

	default:
		// Event-driven tasks fire from webhooks only.
		return
	}

	if _, err := s.dispatcher.Dispatch(ctx, &dispatch.Request{Task: task}); err != nil {
		// Soft failures are already requeued through Defer.
		s.logger.Warn("dispatch failed", "task_id", task.ID, "error", err)
	}
}

// dispatchDeferred replays deferred requests whose delay has elapsed.
func (s *Scheduler) dispatchDeferred(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*dispatch.Request
	remaining := s.deferred[:0]
	for _, d := range s.deferred {
		if d.due.After(now) {
			remaining = append(remaining, d)
			continue
		}
		due = append(due, d.req)
	}
	s.deferred = remaining
	s.mu.Unlock()

	for _, req := range due {
		if _, err := s.dispatcher.Dispatch(ctx, req); err != nil {
			s.logger.Debug("deferred dispatch failed", "task_id", req.Task.ID, "error", err)
		}
	}
}

// DeferredLen reports how many requests are waiting for requeue.
func (s *Scheduler) DeferredLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deferred)
}

// Rearm computes next_at for enabled cron tasks that lost it, called
// once at startup after recovery.
func (s *Scheduler) Rearm(ctx context.Context) error {
	tasks, err := s.store.ScheduledTasks(ctx)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	for _, task := range tasks {
		if task.Kind != types.TaskKindCron || task.NextAt != nil {
			continue
		}
		expr, err := ParseCron(task.Cron)
		if err != nil {
			s.logger.Error("invalid cron expression", "task_id", task.ID, "error", err)
			continue
		}
		next := expr.Next(now)
		if err := s.store.SetTaskNextAt(ctx, task.ID, &next); err != nil {
			s.logger.Error("failed to arm cron schedule", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

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

// Package dispatch admits runs against concurrency caps, picks workers,
// records durable dispatch intents and drives retries.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agentsdashboard/agentsd/internal/faults"
	"github.com/agentsdashboard/agentsd/internal/harness/mode"
	"github.com/agentsdashboard/agentsd/internal/metrics"
	"github.com/agentsdashboard/agentsd/internal/store"
	"github.com/agentsdashboard/agentsd/pkg/types"
)

// Caps are the concurrency ceilings checked in order at admission.
// Zero means unlimited for global, project and task; the per-repository
// cap falls back to 1 for mutation-capable harnesses when unset.
type Caps struct {
	Global     int
	PerProject int
	PerRepo    int
	PerTask    int
}

// DefaultCaps match a single-host deployment.
var DefaultCaps = Caps{Global: 8, PerProject: 4, PerRepo: 0, PerTask: 1}

// DefaultHeartbeatTimeout is how stale a worker heartbeat may be before
// the worker stops receiving dispatches.
const DefaultHeartbeatTimeout = 30 * time.Second

// Request asks for one run of a task.
type Request struct {
	Task    *types.Task
	Attempt int
	// ModeOverride, when set, wins over the task's default mode.
	ModeOverride types.ExecutionMode
}

// Launcher starts the actual execution of an admitted run. The daemon
// wires this to the container manager and harness runtime.
type Launcher interface {
	Launch(ctx context.Context, run *types.Run, task *types.Task, worker *types.Worker) error
}

// Dispatcher is the admission controller for runs.
type Dispatcher struct {
	store            *store.Store
	launcher         Launcher
	logger           *slog.Logger
	caps             Caps
	heartbeatTimeout time.Duration
	requeue          func(req *Request, after time.Duration)
	now              func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCaps overrides the concurrency caps.
func WithCaps(c Caps) Option {
	return func(d *Dispatcher) { d.caps = c }
}

// WithHeartbeatTimeout overrides the worker staleness cutoff.
func WithHeartbeatTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.heartbeatTimeout = t }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher. The deferral callback receives soft-failed
// requests together with the jittered delay before they should be
// retried; the scheduler owns the actual requeue.
func New(st *store.Store, launcher Launcher, logger *slog.Logger,
	deferral func(req *Request, after time.Duration), opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:            st,
		launcher:         launcher,
		logger:           logger.With(slog.String("component", "dispatch")),
		caps:             DefaultCaps,
		heartbeatTimeout: DefaultHeartbeatTimeout,
		requeue:          deferral,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch admits one run of a task. Saturated caps and missing workers
// are soft failures: the request is handed to the deferral callback
// with a jittered backoff and the soft error is returned. A task whose
// approval profile requires a decision yields a run parked in
// pending-approval.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*types.Run, error) {
	task := req.Task
	if req.Attempt < 1 {
		req.Attempt = 1
	}

	if err := d.admit(ctx, task); err != nil {
		d.deferRequest(req, err)
		return nil, err
	}

	worker, err := d.pickWorker(ctx)
	if err != nil {
		d.deferRequest(req, err)
		return nil, err
	}

	runMode := task.Mode
	if req.ModeOverride != "" {
		runMode = req.ModeOverride
	}
	state := types.RunQueued
	if task.Approval.Required {
		state = types.RunPendingApproval
	}

	run := &types.Run{
		ID:           uuid.NewString(),
		TaskID:       task.ID,
		ProjectID:    task.ProjectID,
		RepositoryID: task.RepositoryID,
		State:        state,
		Attempt:      req.Attempt,
		Mode:         runMode,
		SchemaVer:    1,
		CreatedAt:    d.now().UTC(),
	}
	if err := d.store.CreateRun(ctx, run); err != nil {
		return nil, faults.Wrap(faults.KindInternalError, err, "failed to create run")
	}

	if state == types.RunPendingApproval {
		d.logger.Info("run parked for approval", "run_id", run.ID, "task_id", task.ID)
		return run, nil
	}
	return run, d.launch(ctx, run, task, worker)
}

// Resume starts a run that was parked in pending-approval and has been
// approved by an operator.
func (d *Dispatcher) Resume(ctx context.Context, run *types.Run, task *types.Task) error {
	worker, err := d.pickWorker(ctx)
	if err != nil {
		return err
	}
	return d.launch(ctx, run, task, worker)
}

// launch records the dispatch intent, moves the run to running and
// hands it to the launcher. The intent row lands before the container
// so a crash in between leaves a trail for recovery.
func (d *Dispatcher) launch(ctx context.Context, run *types.Run, task *types.Task, worker *types.Worker) error {
	intent := &store.DispatchIntent{
		RunID:    run.ID,
		TaskID:   task.ID,
		WorkerID: worker.ID,
		Attempt:  run.Attempt,
	}
	if err := d.store.RecordDispatchIntent(ctx, intent); err != nil {
		return faults.Wrap(faults.KindInternalError, err, "failed to record dispatch intent")
	}

	if err := d.store.TransitionRun(ctx, run.ID, types.RunRunning,
		&store.TransitionUpdate{WorkerID: worker.ID}); err != nil {
		return err
	}
	run.State = types.RunRunning
	run.WorkerID = worker.ID

	if err := d.store.MarkWorkerAssigned(ctx, worker.ID, d.now().UTC()); err != nil {
		d.logger.Warn("failed to mark worker assigned", "worker_id", worker.ID, "error", err)
	}

	d.logger.Info("run dispatched",
		"run_id", run.ID, "task_id", task.ID, "worker_id", worker.ID,
		"attempt", run.Attempt, "mode", string(run.Mode))

	if err := d.launcher.Launch(ctx, run, task, worker); err != nil {
		return faults.Wrap(faults.KindInternalError, err, "failed to launch run")
	}
	return nil
}

// admit checks the caps in order: global, project, repository, task.
func (d *Dispatcher) admit(ctx context.Context, task *types.Task) error {
	counts, err := d.store.CountActive(ctx, task.ProjectID, task.RepositoryID, task.ID)
	if err != nil {
		return faults.Wrap(faults.KindInternalError, err, "failed to count active runs")
	}

	repoCap := d.caps.PerRepo
	if repoCap == 0 && mode.MutationCapable(task.Harness) && task.Mode == types.ModeDefault {
		// Single-writer working tree: one mutating run per repository.
		repoCap = 1
	}

	switch {
	case d.caps.Global > 0 && counts.Global >= d.caps.Global:
		return fmt.Errorf("global cap %d: %w", d.caps.Global, faults.ErrConcurrencyCapReached)
	case d.caps.PerProject > 0 && counts.PerProject >= d.caps.PerProject:
		return fmt.Errorf("project %s cap %d: %w", task.ProjectID, d.caps.PerProject, faults.ErrConcurrencyCapReached)
	case repoCap > 0 && counts.PerRepo >= repoCap:
		return fmt.Errorf("repository %s cap %d: %w", task.RepositoryID, repoCap, faults.ErrConcurrencyCapReached)
	case d.caps.PerTask > 0 && counts.PerTask >= d.caps.PerTask:
		return fmt.Errorf("task %s cap %d: %w", task.ID, d.caps.PerTask, faults.ErrConcurrencyCapReached)
	}
	return nil
}

// pickWorker selects the healthy worker with the fewest active slots,
// breaking ties by least-recently-assigned, then id.
func (d *Dispatcher) pickWorker(ctx context.Context) (*types.Worker, error) {
	workers, err := d.store.ListWorkers(ctx)
	if err != nil {
		return nil, faults.Wrap(faults.KindInternalError, err, "failed to list workers")
	}

	now := d.now()
	healthy := workers[:0]
	for _, w := range workers {
		if w.Healthy(now, d.heartbeatTimeout) && w.ActiveSlots < w.MaxSlots {
			healthy = append(healthy, w)
		}
	}
	if len(healthy) == 0 {
		return nil, faults.ErrNoHealthyWorker
	}

	sort.Slice(healthy, func(i, j int) bool {
		a, b := healthy[i], healthy[j]
		if a.ActiveSlots != b.ActiveSlots {
			return a.ActiveSlots < b.ActiveSlots
		}
		if !a.LastAssigned.Equal(b.LastAssigned) {
			return a.LastAssigned.Before(b.LastAssigned)
		}
		return a.ID < b.ID
	})
	return healthy[0], nil
}

// deferRequest hands a soft-failed request back with jittered backoff.
func (d *Dispatcher) deferRequest(req *Request, cause error) {
	if d.requeue == nil || !faults.IsSoft(cause) {
		return
	}
	metrics.RecordDeferral(string(faults.KindOf(cause)))
	after := deferBackoff()
	d.logger.Debug("dispatch deferred",
		"task_id", req.Task.ID, "after", after.String(), "cause", cause.Error())
	d.requeue(req, after)
}

// deferBackoff is 5s plus up to 5s of jitter, enough to let a saturated
// cap drain without a thundering herd.
func deferBackoff() time.Duration {
	return 5*time.Second + time.Duration(rand.Int63n(int64(5*time.Second)))
}

// Outcome describes a finished run for post-completion processing.
type Outcome struct {
	Run      *types.Run
	Task     *types.Task
	Failed   bool
	ErrText  string
	ExitCode int
	// Kind, when set, overrides classification of ErrText. The runtime
	// sets it for failures that never reach the envelope, such as
	// launch errors.
	Kind faults.Kind
}

// Complete applies post-run bookkeeping: release the worker slot, clear
// the dispatch intent, retry retryable failures with remaining
// attempts, and raise a high-severity finding on internal errors.
func (d *Dispatcher) Complete(ctx context.Context, o *Outcome) error {
	if o.Run.WorkerID != "" {
		if err := d.store.ReleaseWorkerSlot(ctx, o.Run.WorkerID); err != nil {
			d.logger.Warn("failed to release worker slot",
				"worker_id", o.Run.WorkerID, "error", err)
		}
	}
	if err := d.store.ClearDispatchIntent(ctx, o.Run.ID); err != nil {
		d.logger.Warn("failed to clear dispatch intent", "run_id", o.Run.ID, "error", err)
	}
	if !o.Failed {
		return nil
	}

	kind := o.Kind
	if kind == "" {
		kind = faults.Classify(o.ErrText, o.ExitCode)
	}
	if kind == faults.KindInternalError {
		d.raiseFinding(ctx, o)
	}

	policy := o.Task.Retry
	if !kind.Retryable() || o.Run.Attempt >= policy.MaxAttempts {
		return nil
	}

	delay := policy.Delay(o.Run.Attempt)
	if hint := kind.BackoffHint(); hint > delay {
		delay = hint
	}
	delay += time.Duration(rand.Int63n(int64(time.Second)))

	d.logger.Info("scheduling retry",
		"run_id", o.Run.ID, "task_id", o.Task.ID,
		"attempt", o.Run.Attempt+1, "delay", delay.String(), "class", string(kind))
	if d.requeue != nil {
		d.requeue(&Request{Task: o.Task, Attempt: o.Run.Attempt + 1, ModeOverride: o.Run.Mode}, delay)
	}
	return nil
}

// raiseFinding records a high-severity finding on the owning repository.
func (d *Dispatcher) raiseFinding(ctx context.Context, o *Outcome) {
	f := &types.Finding{
		ID:           uuid.NewString(),
		RepositoryID: o.Run.RepositoryID,
		RunID:        o.Run.ID,
		State:        types.FindingNew,
		Severity:     "high",
		Title:        fmt.Sprintf("internal error in task %s", o.Task.ID),
		Description:  o.ErrText,
		CreatedAt:    d.now().UTC(),
	}
	if err := d.store.CreateFinding(ctx, f); err != nil {
		d.logger.Error("failed to create finding", "run_id", o.Run.ID, "error", err)
	}
}

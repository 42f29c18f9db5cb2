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

package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentsdashboard/agentsd/internal/artifacts"
	"github.com/agentsdashboard/agentsd/internal/container"
	"github.com/agentsdashboard/agentsd/internal/dispatch"
	"github.com/agentsdashboard/agentsd/internal/envelope"
	"github.com/agentsdashboard/agentsd/internal/faults"
	"github.com/agentsdashboard/agentsd/internal/harness"
	"github.com/agentsdashboard/agentsd/internal/metrics"
	"github.com/agentsdashboard/agentsd/internal/pipeline"
	"github.com/agentsdashboard/agentsd/internal/proxy"
	"github.com/agentsdashboard/agentsd/internal/redact"
	"github.com/agentsdashboard/agentsd/internal/store"
	"github.com/agentsdashboard/agentsd/pkg/types"
)

// harnessImage is the sandbox image for a harness.
func harnessImage(name string) string {
	return "ghcr.io/agentsdashboard/harness-" + name + ":latest"
}

// runner executes admitted runs: sandbox container, harness runtime,
// event pipeline, artifact extraction, terminal transition. It is the
// dispatcher's Launcher.
type runner struct {
	store      *store.Store
	pipeline   *pipeline.Pipeline
	registry   *harness.Registry
	containers *container.Manager
	extractor  *artifacts.Extractor
	proxy      *proxy.Manager
	redactor   *redact.Redactor
	logger     *slog.Logger

	workspaceDir string

	// completer is set after the dispatcher is constructed; the two
	// reference each other.
	completer interface {
		Complete(ctx context.Context, o *dispatch.Outcome) error
	}

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func newRunner(st *store.Store, p *pipeline.Pipeline, reg *harness.Registry,
	cm *container.Manager, ex *artifacts.Extractor, routes *proxy.Manager,
	red *redact.Redactor, workspaceDir string, logger *slog.Logger) *runner {
	return &runner{
		store:        st,
		pipeline:     p,
		registry:     reg,
		containers:   cm,
		extractor:    ex,
		proxy:        routes,
		redactor:     red,
		logger:       logger.With(slog.String("component", "runner")),
		workspaceDir: workspaceDir,
		active:       make(map[string]context.CancelFunc),
	}
}

// Launch starts asynchronous execution of an admitted run. The
// dispatcher has already moved the run to running.
func (r *runner) Launch(ctx context.Context, run *types.Run, task *types.Task, worker *types.Worker) error {
	rt, err := r.registry.Lookup(task.Harness)
	if err != nil {
		return err
	}

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	r.active[run.ID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.active, run.ID)
			r.mu.Unlock()
		}()
		r.execute(execCtx, rt, run, task)
	}()
	return nil
}

// Cancel stops a run in flight. The executing goroutine observes the
// cancelled context and records the terminal state.
func (r *runner) Cancel(runID string) bool {
	r.mu.Lock()
	cancel, ok := r.active[runID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ActiveRuns returns the ids of runs currently executing.
func (r *runner) ActiveRuns() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make(map[string]bool, len(r.active))
	for id := range r.active {
		ids[id] = true
	}
	return ids
}

// Wait blocks until all in-flight runs have finished.
func (r *runner) Wait() { r.wg.Wait() }

// execute drives one run to a terminal state.
func (r *runner) execute(ctx context.Context, rt harness.Runtime, run *types.Run, task *types.Task) {
	logger := r.logger.With("run_id", run.ID, "task_id", task.ID, "harness", task.Harness)
	started := time.Now()
	metrics.RecordRunStarted(task.Harness)

	if task.Timeouts.StageTotal > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeouts.StageTotal)
		defer cancel()
	}

	workspace := filepath.Join(r.workspaceDir, run.ID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		r.finish(run, task, started, nil, faults.Wrap(faults.KindInternalError, err, "failed to create workspace"))
		return
	}

	sandboxed := r.startSandbox(ctx, run, task, workspace, logger)
	env := r.collectEnv(ctx, task, workspace)

	req := &harness.Request{
		RunID:       run.ID,
		TaskID:      task.ID,
		Harness:     task.Harness,
		Prompt:      task.Prompt,
		Command:     strings.Fields(task.Command),
		WorkDir:     workspace,
		Env:         env,
		Mode:        run.Mode,
		IdleTimeout: task.Timeouts.Idle,
	}

	chunks, err := rt.Run(ctx, req)
	if err != nil {
		r.teardownSandbox(run, task, sandboxed)
		r.finish(run, task, started, nil, faults.Wrap(faults.KindInternalError, err, "failed to start harness"))
		return
	}

	var terminal *envelope.Envelope
	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			logger.Warn("harness stream error", "error", chunk.Err)
		case chunk.Envelope != nil:
			terminal = chunk.Envelope
		case chunk.Text != "":
			if err := r.pipeline.Ingest(ctx, run.ID, task.ID, chunk.Text); err != nil {
				logger.Warn("failed to ingest chunk", "error", err)
			}
		}
	}
	if terminal == nil {
		terminal = envelope.Synthesize("", "harness stream ended without envelope", 1)
	}
	// A stage deadline is a run failure that retry policy may recover
	// from; only an explicit Cancel (or daemon shutdown) ends cancelled.
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		terminal = &envelope.Envelope{
			Status:    envelope.StatusFailed,
			Error:     fmt.Sprintf("stage timeout: run exceeded %s", task.Timeouts.StageTotal),
			ExitCode:  1,
			Synthetic: true,
		}
	case ctx.Err() != nil:
		terminal = &envelope.Envelope{Status: envelope.StatusCancelled, Error: ctx.Err().Error(), Synthetic: true}
	}

	r.extractArtifacts(run, task, workspace, logger)
	r.teardownSandbox(run, task, sandboxed)
	r.finish(run, task, started, terminal, nil)
}

// startSandbox creates and starts the run's container. Failure to
// sandbox is logged but does not abort the run; the harness still
// executes in the workspace.
func (r *runner) startSandbox(ctx context.Context, run *types.Run, task *types.Task, workspace string, logger *slog.Logger) bool {
	if r.containers == nil {
		return false
	}
	image := harnessImage(task.Harness)
	if err := r.containers.PullImage(ctx, image); err != nil {
		logger.Warn("failed to pull sandbox image", "image", image, "error", err)
		return false
	}
	spec := &container.Spec{
		RunID:        run.ID,
		TaskID:       task.ID,
		RepositoryID: task.RepositoryID,
		ProjectID:    task.ProjectID,
		Image:        image,
		WorkspaceDir: workspace,
		Profile:      task.Sandbox,
	}
	id, err := r.containers.Create(ctx, spec)
	if err != nil {
		logger.Warn("failed to create sandbox", "error", err)
		return false
	}
	if err := r.containers.Start(ctx, id); err != nil {
		logger.Warn("failed to start sandbox", "error", err)
		return false
	}
	return true
}

// teardownSandbox stops and deletes the run's container, then drops any
// proxy routes the run still owns.
func (r *runner) teardownSandbox(run *types.Run, task *types.Task, sandboxed bool) {
	// Teardown must survive run cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if sandboxed && r.containers != nil {
		if err := r.containers.KillForRun(ctx, run.ID); err != nil {
			r.logger.Warn("failed to tear down sandbox", "run_id", run.ID, "error", err)
		}
	}
	if r.proxy != nil {
		r.proxy.RemoveOwnedBy(run.ID)
	}
}

// extractArtifacts collects matching workspace files and records them.
func (r *runner) extractArtifacts(run *types.Run, task *types.Task, workspace string, logger *slog.Logger) {
	if r.extractor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	found, err := r.extractor.Extract(ctx, run.ID, workspace, task.Artifacts)
	if err != nil {
		logger.Warn("artifact extraction failed", "error", err)
	}
	if len(found) > 0 {
		if err := r.store.PutArtifacts(ctx, found); err != nil {
			logger.Warn("failed to record artifacts", "error", err)
		}
	}
}

// finish records the terminal state and hands the outcome to the
// dispatcher for retry and finding bookkeeping.
func (r *runner) finish(run *types.Run, task *types.Task, started time.Time, env *envelope.Envelope, launchErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	outcome := &dispatch.Outcome{Run: run, Task: task}
	state := types.RunFailed

	switch {
	case launchErr != nil:
		outcome.Failed = true
		outcome.ErrText = launchErr.Error()
		outcome.Kind = faults.KindOf(launchErr)
	case env.Status == envelope.StatusCancelled:
		state = types.RunCancelled
		outcome.ErrText = env.Error
	case env.Succeeded():
		state = types.RunSucceeded
	default:
		outcome.Failed = true
		outcome.ErrText = env.Error
		outcome.ExitCode = env.ExitCode
	}

	if env != nil {
		if err := r.pipeline.Finalize(ctx, run.ID, task.ID, env); err != nil {
			r.logger.Warn("failed to finalize event stream", "run_id", run.ID, "error", err)
		}
	}

	upd := &store.TransitionUpdate{Error: r.redactor.Redact(outcome.ErrText)}
	if env != nil {
		upd.Summary = r.redactor.Redact(env.Summary)
	}
	if err := r.store.TransitionRun(ctx, run.ID, state, upd); err != nil {
		r.logger.Error("failed to record terminal state",
			"run_id", run.ID, "state", string(state), "error", err)
	}
	run.State = state

	metrics.RecordRunCompleted(task.Harness, string(state), time.Since(started))
	r.logger.Info("run finished",
		"run_id", run.ID, "task_id", task.ID, "state", string(state),
		"duration_ms", time.Since(started).Milliseconds())

	if r.completer != nil {
		if err := r.completer.Complete(ctx, outcome); err != nil {
			r.logger.Warn("post-run bookkeeping failed", "run_id", run.ID, "error", err)
		}
	}
}

// collectEnv assembles the harness environment and registers the
// repository's secret values with the redactor before any output flows.
func (r *runner) collectEnv(ctx context.Context, task *types.Task, workspace string) map[string]string {
	env := map[string]string{
		"RUN_WORKSPACE": workspace,
	}
	secrets, err := r.store.ListSecretValues(ctx, task.RepositoryID)
	if err != nil {
		r.logger.Warn("failed to load repository secrets", "repo_id", task.RepositoryID, "error", err)
		return env
	}
	r.redactor.Add(secrets...)
	return env
}

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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsdashboard/agentsd/internal/artifacts"
	"github.com/agentsdashboard/agentsd/internal/dispatch"
	"github.com/agentsdashboard/agentsd/internal/envelope"
	"github.com/agentsdashboard/agentsd/internal/faults"
	"github.com/agentsdashboard/agentsd/internal/harness"
	"github.com/agentsdashboard/agentsd/internal/harness/mode"
	"github.com/agentsdashboard/agentsd/internal/pipeline"
	"github.com/agentsdashboard/agentsd/internal/redact"
	"github.com/agentsdashboard/agentsd/internal/store"
	"github.com/agentsdashboard/agentsd/pkg/types"
)

// fakeRuntime scripts harness behaviour for runner tests. With hang set
// it blocks until the run context ends and closes the stream without an
// envelope, which is how a wedged harness looks from the runner's side.
type fakeRuntime struct {
	hang      bool
	text      []string
	env       *envelope.Envelope
	writeFile string
}

func (f *fakeRuntime) Name() string { return "fake" }

func (f *fakeRuntime) Select(req *harness.Request) mode.Policy { return mode.Policy{} }

func (f *fakeRuntime) Run(ctx context.Context, req *harness.Request) (<-chan harness.Chunk, error) {
	if f.writeFile != "" {
		if err := os.WriteFile(filepath.Join(req.WorkDir, f.writeFile), []byte("--- a\n+++ b\n"), 0o644); err != nil {
			return nil, err
		}
	}
	chunks := make(chan harness.Chunk, 8)
	go func() {
		defer close(chunks)
		for _, line := range f.text {
			chunks <- harness.Chunk{Text: line}
		}
		if f.hang {
			<-ctx.Done()
			return
		}
		if f.env != nil {
			chunks <- harness.Chunk{Envelope: f.env}
		}
	}()
	return chunks, nil
}

// outcomeRecorder captures what the runner hands to the dispatcher.
type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []*dispatch.Outcome
}

func (o *outcomeRecorder) Complete(_ context.Context, out *dispatch.Outcome) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, out)
	return nil
}

func (o *outcomeRecorder) last(t *testing.T) *dispatch.Outcome {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotEmpty(t, o.outcomes)
	return o.outcomes[len(o.outcomes)-1]
}

func newTestRunner(t *testing.T, rt harness.Runtime) (*runner, *store.Store, *outcomeRecorder) {
	t.Helper()
	st, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	red := redact.New()
	reg := harness.NewRegistry()
	reg.Register("fake", rt)

	r := newRunner(st, pipeline.New(st, red, logger), reg, nil,
		artifacts.New(t.TempDir(), logger), nil, red, t.TempDir(), logger)
	rec := &outcomeRecorder{}
	r.completer = rec
	return r, st, rec
}

func startRun(t *testing.T, st *store.Store, task *types.Task) *types.Run {
	t.Helper()
	ctx := context.Background()
	run := &types.Run{
		ID: "run-" + task.ID, TaskID: task.ID,
		ProjectID: task.ProjectID, RepositoryID: task.RepositoryID,
		State: types.RunQueued, Attempt: 1, Mode: types.ModeDefault,
	}
	require.NoError(t, st.CreateRun(ctx, run))
	require.NoError(t, st.TransitionRun(ctx, run.ID, types.RunRunning, nil))
	run.State = types.RunRunning
	return run
}

func testTask(id string) *types.Task {
	return &types.Task{
		ID: id, ProjectID: "p1", RepositoryID: "repo1",
		Harness: "fake", Prompt: "do the thing",
	}
}

func TestStageTimeoutFailsRunAsRetryableTimeout(t *testing.T) {
	r, st, rec := newTestRunner(t, &fakeRuntime{hang: true})
	task := testTask("t-timeout")
	task.Timeouts.StageTotal = 50 * time.Millisecond
	run := startRun(t, st, task)

	require.NoError(t, r.Launch(context.Background(), run, task, &types.Worker{ID: "w1"}))
	r.Wait()

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, got.State)
	assert.Contains(t, got.Error, "stage timeout")

	out := rec.last(t)
	assert.True(t, out.Failed)
	assert.Equal(t, faults.KindTimeout, faults.Classify(out.ErrText, out.ExitCode))
}

func TestCancelInFlightEndsRunCancelled(t *testing.T) {
	r, st, rec := newTestRunner(t, &fakeRuntime{hang: true})
	task := testTask("t-cancel")
	run := startRun(t, st, task)

	require.NoError(t, r.Launch(context.Background(), run, task, &types.Worker{ID: "w1"}))
	require.True(t, r.Cancel(run.ID))
	r.Wait()

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCancelled, got.State)

	// Cancellation is terminal, not a failure the dispatcher should retry.
	assert.False(t, rec.last(t).Failed)
}

func TestCancelUnknownRun(t *testing.T) {
	r, _, _ := newTestRunner(t, &fakeRuntime{})
	assert.False(t, r.Cancel("no-such-run"))
}

func TestMissingEnvelopeSynthesizesFailure(t *testing.T) {
	r, st, rec := newTestRunner(t, &fakeRuntime{text: []string{"partial output"}})
	task := testTask("t-noenv")
	run := startRun(t, st, task)

	require.NoError(t, r.Launch(context.Background(), run, task, &types.Worker{ID: "w1"}))
	r.Wait()

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, got.State)
	assert.Contains(t, got.Error, "without envelope")
	assert.True(t, rec.last(t).Failed)

	// The partial output still reached the event stream.
	events, err := st.ListEvents(context.Background(), run.ID, 0, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestSuccessfulRunExtractsArtifacts(t *testing.T) {
	rt := &fakeRuntime{
		text:      []string{"working"},
		env:       &envelope.Envelope{Status: envelope.StatusSucceeded, Summary: "patched"},
		writeFile: "fix.patch",
	}
	r, st, _ := newTestRunner(t, rt)
	task := testTask("t-ok")
	run := startRun(t, st, task)

	require.NoError(t, r.Launch(context.Background(), run, task, &types.Worker{ID: "w1"}))
	r.Wait()

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunSucceeded, got.State)
	assert.Equal(t, "patched", got.Summary)

	found, err := st.ListArtifacts(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "fix.patch", found[0].Filename)
}

func TestUnknownHarnessFailsLaunch(t *testing.T) {
	r, st, _ := newTestRunner(t, &fakeRuntime{})
	task := testTask("t-unknown")
	task.Harness = "never-registered"
	run := startRun(t, st, task)

	err := r.Launch(context.Background(), run, task, &types.Worker{ID: "w1"})
	require.Error(t, err)
}

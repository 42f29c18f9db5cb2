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

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsdashboard/agentsd/internal/faults"
	"github.com/agentsdashboard/agentsd/internal/store"
	"github.com/agentsdashboard/agentsd/pkg/types"
)

type fakeLauncher struct {
	launched []string
	err      error
}

func (f *fakeLauncher) Launch(_ context.Context, run *types.Run, _ *types.Task, _ *types.Worker) error {
	f.launched = append(f.launched, run.ID)
	return f.err
}

type deferRecorder struct {
	reqs   []*Request
	delays []time.Duration
}

func (r *deferRecorder) record(req *Request, after time.Duration) {
	r.reqs = append(r.reqs, req)
	r.delays = append(r.delays, after)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func addWorker(t *testing.T, st *store.Store, id string, slots int) {
	t.Helper()
	require.NoError(t, st.Heartbeat(context.Background(), &types.Worker{
		ID: id, Endpoint: id + ":9444", MaxSlots: slots,
	}))
}

func testTask(id string) *types.Task {
	return &types.Task{
		ID:           id,
		RepositoryID: "repo-1",
		ProjectID:    "proj-1",
		Kind:         types.TaskKindOneShot,
		Harness:      "inspector",
		Mode:         types.ModeDefault,
		Prompt:       "do the thing",
		Enabled:      true,
	}
}

func TestDispatchHappyPath(t *testing.T) {
	st := newTestStore(t)
	addWorker(t, st, "w1", 4)
	launcher := &fakeLauncher{}
	d := New(st, launcher, nil, nil)

	run, err := d.Dispatch(context.Background(), &Request{Task: testTask("t1")})
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, types.RunRunning, run.State)
	assert.Equal(t, "w1", run.WorkerID)
	assert.Equal(t, 1, run.Attempt)
	assert.Equal(t, []string{run.ID}, launcher.launched)

	// The intent row stays on record until completion.
	intents, err := st.PendingIntents(context.Background())
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, run.ID, intents[0].RunID)

	// The worker slot is taken.
	workers, err := st.ListWorkers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, workers[0].ActiveSlots)
}

func TestDispatchNoHealthyWorkerDefers(t *testing.T) {
	st := newTestStore(t)
	rec := &deferRecorder{}
	d := New(st, &fakeLauncher{}, nil, rec.record)

	_, err := d.Dispatch(context.Background(), &Request{Task: testTask("t1")})
	assert.ErrorIs(t, err, faults.ErrNoHealthyWorker)
	require.Len(t, rec.reqs, 1)
	assert.Equal(t, "t1", rec.reqs[0].Task.ID)
	assert.GreaterOrEqual(t, rec.delays[0], 5*time.Second)
}

func TestDispatchStaleWorkerSkipped(t *testing.T) {
	st := newTestStore(t)
	rec := &deferRecorder{}
	d := New(st, &fakeLauncher{}, nil, rec.record,
		WithHeartbeatTimeout(10*time.Second))

	require.NoError(t, st.Heartbeat(context.Background(), &types.Worker{
		ID: "w1", Endpoint: "w1:9444", MaxSlots: 4,
		LastHeartbeat: time.Now().Add(-time.Minute),
	}))

	_, err := d.Dispatch(context.Background(), &Request{Task: testTask("t1")})
	assert.ErrorIs(t, err, faults.ErrNoHealthyWorker)
}

func TestDispatchGlobalCap(t *testing.T) {
	st := newTestStore(t)
	addWorker(t, st, "w1", 10)
	rec := &deferRecorder{}
	d := New(st, &fakeLauncher{}, nil, rec.record,
		WithCaps(Caps{Global: 1}))

	_, err := d.Dispatch(context.Background(), &Request{Task: testTask("t1")})
	require.NoError(t, err)

	other := testTask("t2")
	other.ProjectID = "proj-2"
	other.RepositoryID = "repo-2"
	_, err = d.Dispatch(context.Background(), &Request{Task: other})
	assert.ErrorIs(t, err, faults.ErrConcurrencyCapReached)
	assert.Len(t, rec.reqs, 1)
}

func TestDispatchPerTaskCap(t *testing.T) {
	st := newTestStore(t)
	addWorker(t, st, "w1", 10)
	d := New(st, &fakeLauncher{}, nil, nil,
		WithCaps(Caps{PerTask: 1}))

	_, err := d.Dispatch(context.Background(), &Request{Task: testTask("t1")})
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), &Request{Task: testTask("t1")})
	assert.ErrorIs(t, err, faults.ErrConcurrencyCapReached)

	// A different task under the same repo still gets in.
	_, err = d.Dispatch(context.Background(), &Request{Task: testTask("t2")})
	require.NoError(t, err)
}

func TestDispatchMutatingRepoCapDefaultsToOne(t *testing.T) {
	st := newTestStore(t)
	addWorker(t, st, "w1", 10)
	d := New(st, &fakeLauncher{}, nil, nil, WithCaps(Caps{}))

	mutating := testTask("t1")
	mutating.Harness = "codex"

	_, err := d.Dispatch(context.Background(), &Request{Task: mutating})
	require.NoError(t, err)

	// A second mutating run on the same working tree is held back.
	second := testTask("t2")
	second.Harness = "codex"
	_, err = d.Dispatch(context.Background(), &Request{Task: second})
	assert.ErrorIs(t, err, faults.ErrConcurrencyCapReached)

	// Read-only modes do not contend for the working tree.
	review := testTask("t3")
	review.Harness = "codex"
	review.Mode = types.ModeReview
	_, err = d.Dispatch(context.Background(), &Request{Task: review})
	require.NoError(t, err)
}

func TestDispatchWorkerSelection(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	addWorker(t, st, "w-busy", 4)
	addWorker(t, st, "w-idle", 4)
	require.NoError(t, st.MarkWorkerAssigned(ctx, "w-busy", time.Now()))

	launcher := &fakeLauncher{}
	d := New(st, launcher, nil, nil, WithCaps(Caps{}))

	run, err := d.Dispatch(ctx, &Request{Task: testTask("t1")})
	require.NoError(t, err)
	assert.Equal(t, "w-idle", run.WorkerID)
}

func TestDispatchApprovalParksRun(t *testing.T) {
	st := newTestStore(t)
	addWorker(t, st, "w1", 4)
	launcher := &fakeLauncher{}
	d := New(st, launcher, nil, nil)

	task := testTask("t1")
	task.Approval = types.ApprovalProfile{Required: true}

	run, err := d.Dispatch(context.Background(), &Request{Task: task})
	require.NoError(t, err)
	assert.Equal(t, types.RunPendingApproval, run.State)
	assert.Empty(t, launcher.launched)

	// Approval resumes the parked run.
	require.NoError(t, d.Resume(context.Background(), run, task))
	assert.Equal(t, types.RunRunning, run.State)
	assert.Equal(t, []string{run.ID}, launcher.launched)
}

func TestDispatchModeOverride(t *testing.T) {
	st := newTestStore(t)
	addWorker(t, st, "w1", 4)
	d := New(st, &fakeLauncher{}, nil, nil)

	run, err := d.Dispatch(context.Background(), &Request{
		Task:         testTask("t1"),
		ModeOverride: types.ModePlan,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ModePlan, run.Mode)
}

func TestCompleteReleasesSlotAndClearsIntent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	addWorker(t, st, "w1", 4)
	d := New(st, &fakeLauncher{}, nil, nil)

	task := testTask("t1")
	run, err := d.Dispatch(ctx, &Request{Task: task})
	require.NoError(t, err)

	require.NoError(t, st.TransitionRun(ctx, run.ID, types.RunSucceeded, nil))
	require.NoError(t, d.Complete(ctx, &Outcome{Run: run, Task: task}))

	intents, err := st.PendingIntents(ctx)
	require.NoError(t, err)
	assert.Empty(t, intents)

	workers, err := st.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Zero(t, workers[0].ActiveSlots)
}

func TestCompleteRetriesRetryableFailure(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	addWorker(t, st, "w1", 4)
	rec := &deferRecorder{}
	d := New(st, &fakeLauncher{}, nil, rec.record)

	task := testTask("t1")
	task.Retry = types.RetryPolicy{MaxAttempts: 3, Base: 2 * time.Second, Multiplier: 2, Cap: time.Minute}

	run, err := d.Dispatch(ctx, &Request{Task: task})
	require.NoError(t, err)
	require.NoError(t, st.TransitionRun(ctx, run.ID, types.RunFailed, nil))

	require.NoError(t, d.Complete(ctx, &Outcome{
		Run: run, Task: task, Failed: true,
		ErrText: "429 too many requests", ExitCode: 1,
	}))

	require.Len(t, rec.reqs, 1)
	assert.Equal(t, 2, rec.reqs[0].Attempt)
	// Rate limits stretch the retry to at least the backoff hint.
	assert.GreaterOrEqual(t, rec.delays[0], 60*time.Second)
}

func TestCompleteStopsAtMaxAttempts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	addWorker(t, st, "w1", 4)
	rec := &deferRecorder{}
	d := New(st, &fakeLauncher{}, nil, rec.record)

	task := testTask("t1")
	task.Retry = types.RetryPolicy{MaxAttempts: 2, Base: time.Second, Multiplier: 2, Cap: time.Minute}

	run, err := d.Dispatch(ctx, &Request{Task: task, Attempt: 2})
	require.NoError(t, err)
	require.NoError(t, st.TransitionRun(ctx, run.ID, types.RunFailed, nil))

	require.NoError(t, d.Complete(ctx, &Outcome{
		Run: run, Task: task, Failed: true, ErrText: "connection refused", ExitCode: 1,
	}))
	assert.Empty(t, rec.reqs)
}

func TestCompleteNonRetryableNeverRequeues(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	addWorker(t, st, "w1", 4)
	rec := &deferRecorder{}
	d := New(st, &fakeLauncher{}, nil, rec.record)

	task := testTask("t1")
	task.Retry = types.RetryPolicy{MaxAttempts: 5, Base: time.Second, Multiplier: 2, Cap: time.Minute}

	run, err := d.Dispatch(ctx, &Request{Task: task})
	require.NoError(t, err)
	require.NoError(t, st.TransitionRun(ctx, run.ID, types.RunFailed, nil))

	require.NoError(t, d.Complete(ctx, &Outcome{
		Run: run, Task: task, Failed: true, ErrText: "401 unauthorized", ExitCode: 1,
	}))
	assert.Empty(t, rec.reqs)
}

func TestCompleteInternalErrorRaisesFinding(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	addWorker(t, st, "w1", 4)
	d := New(st, &fakeLauncher{}, nil, nil)

	task := testTask("t1")
	run, err := d.Dispatch(ctx, &Request{Task: task})
	require.NoError(t, err)
	require.NoError(t, st.TransitionRun(ctx, run.ID, types.RunFailed, nil))

	require.NoError(t, d.Complete(ctx, &Outcome{
		Run: run, Task: task, Failed: true,
		ErrText: "container never started", Kind: faults.KindInternalError,
	}))

	open, err := st.TasksWithOpenFindings(ctx)
	require.NoError(t, err)
	assert.True(t, open["t1"])
}

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

package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsdashboard/agentsd/internal/dispatch"
	"github.com/agentsdashboard/agentsd/internal/store"
	"github.com/agentsdashboard/agentsd/pkg/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// fakeDispatcher records dispatch order and settles each run as
// succeeded immediately, unless the task id is in failTasks.
type fakeDispatcher struct {
	st        *store.Store
	failTasks map[string]bool

	mu         sync.Mutex
	dispatched []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req *dispatch.Request) (*types.Run, error) {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, req.Task.ID)
	f.mu.Unlock()

	if f.failTasks[req.Task.ID] {
		return nil, fmt.Errorf("task %s refused", req.Task.ID)
	}

	run := &types.Run{
		ID: uuid.NewString(), TaskID: req.Task.ID,
		ProjectID: req.Task.ProjectID, RepositoryID: req.Task.RepositoryID,
		State: types.RunQueued, Attempt: 1, Mode: types.ModeDefault,
	}
	if err := f.st.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := f.st.TransitionRun(ctx, run.ID, types.RunRunning, nil); err != nil {
		return nil, err
	}
	if err := f.st.TransitionRun(ctx, run.ID, types.RunSucceeded, nil); err != nil {
		return nil, err
	}
	return run, nil
}

func (f *fakeDispatcher) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dispatched...)
}

func putTask(t *testing.T, st *store.Store, id string) {
	t.Helper()
	require.NoError(t, st.PutTask(context.Background(), &types.Task{
		ID: id, RepositoryID: "r1", ProjectID: "p1",
		Kind: types.TaskKindOneShot, Harness: "codex", Enabled: true,
	}))
}

func TestExecuteLinearOrder(t *testing.T) {
	st := newTestStore(t)
	putTask(t, st, "t1")
	putTask(t, st, "t2")
	disp := &fakeDispatcher{st: st}
	e := NewExecutor(st, disp, nil)

	def := &Definition{
		ID: "wf-1", Name: "pipeline",
		Nodes: []Node{taskNode("a", "t1"), taskNode("b", "t2")},
		Edges: []Edge{{From: "a", To: "b"}},
	}

	exec, err := e.Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, ExecutionSucceeded, exec.State)
	require.NotNil(t, exec.EndedAt)
	assert.Equal(t, []string{"t1", "t2"}, disp.order())
}

func TestExecuteFailureSkipsDownstream(t *testing.T) {
	st := newTestStore(t)
	putTask(t, st, "t1")
	putTask(t, st, "t2")
	disp := &fakeDispatcher{st: st, failTasks: map[string]bool{"t1": true}}
	e := NewExecutor(st, disp, nil)

	def := &Definition{
		ID: "wf-1", Name: "pipeline",
		Nodes: []Node{taskNode("a", "t1"), taskNode("b", "t2")},
		Edges: []Edge{{From: "a", To: "b"}},
	}

	exec, err := e.Execute(context.Background(), def)
	require.Error(t, err)
	assert.Equal(t, ExecutionFailed, exec.State)
	assert.Contains(t, exec.Error, "node a")
	assert.Equal(t, []string{"t1"}, disp.order())
}

func TestExecuteContinueOnError(t *testing.T) {
	st := newTestStore(t)
	putTask(t, st, "t1")
	putTask(t, st, "t2")
	disp := &fakeDispatcher{st: st, failTasks: map[string]bool{"t1": true}}
	e := NewExecutor(st, disp, nil)

	def := &Definition{
		ID: "wf-1", Name: "best effort",
		Nodes: []Node{
			{ID: "a", Kind: NodeTask, TaskID: "t1", ContinueOnError: true},
			taskNode("b", "t2"),
		},
		Edges: []Edge{{From: "a", To: "b"}},
	}

	exec, err := e.Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, ExecutionSucceeded, exec.State)
	assert.Equal(t, []string{"t1", "t2"}, disp.order())
}

func TestExecuteDelayNode(t *testing.T) {
	st := newTestStore(t)
	e := NewExecutor(st, &fakeDispatcher{st: st}, nil)

	def := &Definition{
		ID: "wf-1", Name: "pause",
		Nodes: []Node{{ID: "wait", Kind: NodeDelay, Delay: 20 * time.Millisecond}},
	}

	start := time.Now()
	exec, err := e.Execute(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, ExecutionSucceeded, exec.State)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestExecuteApproval(t *testing.T) {
	st := newTestStore(t)
	putTask(t, st, "t1")
	disp := &fakeDispatcher{st: st}
	e := NewExecutor(st, disp, nil)

	def := &Definition{
		ID: "wf-1", Name: "gated",
		Nodes: []Node{
			{ID: "gate", Kind: NodeApproval, ApproverRole: "lead"},
			taskNode("deploy", "t1"),
		},
		Edges: []Edge{{From: "gate", To: "deploy"}},
	}

	done := make(chan struct{})
	var exec *store.WorkflowExecutionRecord
	var execErr error
	go func() {
		defer close(done)
		exec, execErr = e.Execute(context.Background(), def)
	}()

	// Wait for the execution to park on the approval node.
	var execID string
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		for key := range e.approvals {
			execID = strings.SplitN(key, "/", 2)[0]
			return true
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	assert.False(t, e.Approve(execID, "wrong-node"))
	assert.True(t, e.Approve(execID, "gate"))
	assert.False(t, e.Approve(execID, "gate"))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("execution did not finish after approval")
	}
	require.NoError(t, execErr)
	assert.Equal(t, ExecutionSucceeded, exec.State)
	assert.Equal(t, []string{"t1"}, disp.order())
}

func TestExecuteCancelledWhileWaitingForApproval(t *testing.T) {
	st := newTestStore(t)
	e := NewExecutor(st, &fakeDispatcher{st: st}, nil)

	def := &Definition{
		ID: "wf-1", Name: "gated",
		Nodes: []Node{{ID: "gate", Kind: NodeApproval, ApproverRole: "lead"}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *store.WorkflowExecutionRecord, 1)
	go func() {
		exec, _ := e.Execute(ctx, def)
		done <- exec
	}()

	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return len(e.approvals) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case exec := <-done:
		assert.Equal(t, ExecutionCancelled, exec.State)
	case <-time.After(10 * time.Second):
		t.Fatal("execution did not unwind on cancel")
	}

	// The abandoned approval slot is gone.
	assert.False(t, e.Approve("anything", "gate"))
}

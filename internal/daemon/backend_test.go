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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsdashboard/agentsd/internal/rpc"
	"github.com/agentsdashboard/agentsd/internal/store"
	"github.com/agentsdashboard/agentsd/pkg/types"
)

func newTestBackend(t *testing.T) (*backend, *store.Store, *runner) {
	t.Helper()
	r, st, _ := newTestRunner(t, &fakeRuntime{hang: true})
	return &backend{store: st, pipeline: r.pipeline, runner: r}, st, r
}

func TestCancelJobQueuedRun(t *testing.T) {
	b, st, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRun(ctx, &types.Run{
		ID: "r1", TaskID: "t1", ProjectID: "p1", RepositoryID: "repo1",
		State: types.RunQueued, Attempt: 1, Mode: types.ModeDefault,
	}))

	ack, err := b.CancelJob(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ack.OK)

	run, err := st.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.RunCancelled, run.State)
	assert.Equal(t, "cancelled by operator", run.Error)
}

func TestCancelJobInFlightRun(t *testing.T) {
	b, st, r := newTestBackend(t)
	ctx := context.Background()

	task := testTask("t-live")
	run := startRun(t, st, task)
	require.NoError(t, r.Launch(ctx, run, task, &types.Worker{ID: "w1"}))

	ack, err := b.CancelJob(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, ack.OK)

	r.Wait()
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunCancelled, got.State)
}

func TestCancelJobTerminalRunIsRejected(t *testing.T) {
	b, st, _ := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, st.CreateRun(ctx, &types.Run{
		ID: "r1", TaskID: "t1", ProjectID: "p1", RepositoryID: "repo1",
		State: types.RunQueued, Attempt: 1, Mode: types.ModeDefault,
	}))
	require.NoError(t, st.TransitionRun(ctx, "r1", types.RunCancelled, nil))

	ack, err := b.CancelJob(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ack.OK)
}

func TestSubscribeEventsReplaysHistoryThenFollowsLive(t *testing.T) {
	b, _, r := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, r.pipeline.Ingest(ctx, "r1", "t1", "first"))
	require.NoError(t, r.pipeline.Ingest(ctx, "r1", "t1", "second"))

	ch, cancel, err := b.SubscribeEvents(ctx, "r1", 0)
	require.NoError(t, err)
	defer cancel()

	ev := <-ch
	assert.Equal(t, int64(1), ev.Sequence)
	ev = <-ch
	assert.Equal(t, int64(2), ev.Sequence)

	require.NoError(t, r.pipeline.Ingest(ctx, "r1", "t1", "third"))
	ev = <-ch
	assert.Equal(t, int64(3), ev.Sequence)
}

func TestHeartbeatUpsertsWorker(t *testing.T) {
	b, st, _ := newTestBackend(t)
	ctx := context.Background()

	ack, err := b.Heartbeat(ctx, &rpc.HeartbeatParams{
		WorkerID: "w1", Endpoint: "unix:///tmp/w1.sock", ActiveSlots: 1, MaxSlots: 4,
	})
	require.NoError(t, err)
	assert.True(t, ack.OK)

	workers, err := st.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "w1", workers[0].ID)
	assert.Equal(t, 4, workers[0].MaxSlots)
}

func TestKillContainerWithoutRuntime(t *testing.T) {
	b, _, _ := newTestBackend(t)
	ack, err := b.KillContainer(context.Background(), "r1")
	require.NoError(t, err)
	assert.False(t, ack.OK)
}

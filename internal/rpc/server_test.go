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

package rpc

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsdashboard/agentsd/pkg/types"
)

// stubBackend answers every method in-memory.
type stubBackend struct {
	dispatched []string
	cancelled  []string
	heartbeats []string
	events     []*types.StructuredEvent
}

func (b *stubBackend) DispatchJob(_ context.Context, p *DispatchJobParams) (*Ack, error) {
	b.dispatched = append(b.dispatched, p.RunID)
	return &Ack{OK: true, Message: p.RunID}, nil
}

func (b *stubBackend) CancelJob(_ context.Context, runID string) (*Ack, error) {
	b.cancelled = append(b.cancelled, runID)
	return &Ack{OK: true}, nil
}

func (b *stubBackend) SubscribeEvents(_ context.Context, runID string, afterSeq int64) (<-chan *types.StructuredEvent, func(), error) {
	ch := make(chan *types.StructuredEvent, len(b.events))
	for _, ev := range b.events {
		if ev.RunID == runID && ev.Sequence > afterSeq {
			ch <- ev
		}
	}
	close(ch)
	return ch, func() {}, nil
}

func (b *stubBackend) Heartbeat(_ context.Context, p *HeartbeatParams) (*Ack, error) {
	b.heartbeats = append(b.heartbeats, p.WorkerID)
	return &Ack{OK: true}, nil
}

func (b *stubBackend) KillContainer(_ context.Context, runID string) (*Ack, error) {
	if runID == "missing" {
		return nil, fmt.Errorf("no container for run %s", runID)
	}
	return &Ack{OK: true}, nil
}

func (b *stubBackend) Reconcile(context.Context) (*ReconcileReport, error) {
	return &ReconcileReport{Scanned: 3, OrphansRemoved: 1}, nil
}

// startServer runs a server on a unix socket and returns its address.
func startServer(t *testing.T, backend Backend, token string) string {
	t.Helper()
	addr := "unix:" + filepath.Join(t.TempDir(), "rpc.sock")
	srv := NewServer(backend, ServerConfig{Addr: addr, AuthToken: token})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Listen(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-done
	})

	// Wait for the socket to accept connections.
	require.Eventually(t, func() bool {
		c, err := Dial(context.Background(), addr, token)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)
	return addr
}

func TestClientServerRoundTrip(t *testing.T) {
	backend := &stubBackend{}
	addr := startServer(t, backend, "")
	ctx := context.Background()

	c, err := Dial(ctx, addr, "")
	require.NoError(t, err)
	defer c.Close()

	ack, err := c.DispatchJob(ctx, &DispatchJobParams{RunID: "r1", TaskID: "t1", Harness: "codex"})
	require.NoError(t, err)
	assert.True(t, ack.OK)
	assert.Equal(t, "r1", ack.Message)

	ack, err = c.CancelJob(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ack.OK)

	ack, err = c.Heartbeat(ctx, &HeartbeatParams{WorkerID: "w1", Endpoint: "w1:9444", MaxSlots: 4})
	require.NoError(t, err)
	assert.True(t, ack.OK)

	report, err := c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 1, report.OrphansRemoved)

	assert.Contains(t, backend.dispatched, "r1")
	assert.Contains(t, backend.cancelled, "r1")
	assert.Contains(t, backend.heartbeats, "w1")
}

func TestCallErrorsSurface(t *testing.T) {
	addr := startServer(t, &stubBackend{}, "")
	ctx := context.Background()

	c, err := Dial(ctx, addr, "")
	require.NoError(t, err)
	defer c.Close()

	_, err = c.KillContainer(ctx, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no container for run missing")

	err = c.Call(ctx, "no.such.method", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method_not_found")
}

func TestHandshakeAuth(t *testing.T) {
	addr := startServer(t, &stubBackend{}, "sekret-token")

	_, err := Dial(context.Background(), addr, "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake refused")

	c, err := Dial(context.Background(), addr, "sekret-token")
	require.NoError(t, err)
	c.Close()
}

func TestSubscribeEventsStream(t *testing.T) {
	backend := &stubBackend{events: []*types.StructuredEvent{
		{RunID: "r1", Sequence: 1, Type: "log", Category: types.CategoryLog, SchemaVer: 1},
		{RunID: "r1", Sequence: 2, Type: "log", Category: types.CategoryLog, SchemaVer: 1},
		{RunID: "r2", Sequence: 1, Type: "log", Category: types.CategoryLog, SchemaVer: 1},
	}}
	addr := startServer(t, backend, "")
	ctx := context.Background()

	c, err := Dial(ctx, addr, "")
	require.NoError(t, err)
	defer c.Close()

	events, cancel, err := c.SubscribeEvents(ctx, "r1", 1)
	require.NoError(t, err)
	defer cancel()

	var got []*types.StructuredEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				require.Len(t, got, 1)
				assert.Equal(t, int64(2), got[0].Sequence)
				assert.Equal(t, "r1", got[0].RunID)
				return
			}
			got = append(got, ev)
		case <-deadline:
			t.Fatal("stream did not complete")
		}
	}
}

func TestCallAfterClose(t *testing.T) {
	addr := startServer(t, &stubBackend{}, "")

	c, err := Dial(context.Background(), addr, "")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	err = c.Call(context.Background(), MethodContainerReconcile, nil, nil)
	assert.ErrorIs(t, err, ErrClientClosed)
}

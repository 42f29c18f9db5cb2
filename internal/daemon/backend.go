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
	"fmt"
	"sync"
	"time"

	"github.com/agentsdashboard/agentsd/internal/container"
	"github.com/agentsdashboard/agentsd/internal/dispatch"
	"github.com/agentsdashboard/agentsd/internal/pipeline"
	"github.com/agentsdashboard/agentsd/internal/rpc"
	"github.com/agentsdashboard/agentsd/internal/store"
	"github.com/agentsdashboard/agentsd/pkg/types"
)

// backend bridges the dispatch-plane RPC methods onto the daemon's
// components.
type backend struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	pipeline   *pipeline.Pipeline
	runner     *runner
	containers *container.Manager
}

var _ rpc.Backend = (*backend)(nil)

// DispatchJob admits one run of the named task.
func (b *backend) DispatchJob(ctx context.Context, p *rpc.DispatchJobParams) (*rpc.Ack, error) {
	task, err := b.store.GetTask(ctx, p.TaskID)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", p.TaskID, err)
	}
	run, err := b.dispatcher.Dispatch(ctx, &dispatch.Request{Task: task})
	if err != nil {
		return nil, err
	}
	return &rpc.Ack{OK: true, Message: run.ID}, nil
}

// CancelJob stops a run in flight and records the cancelled state.
func (b *backend) CancelJob(ctx context.Context, runID string) (*rpc.Ack, error) {
	run, err := b.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State.Terminal() {
		return &rpc.Ack{OK: false, Message: "run already terminal"}, nil
	}

	if b.runner.Cancel(runID) {
		// The executing goroutine observes the cancellation and records
		// the terminal state itself.
		return &rpc.Ack{OK: true}, nil
	}

	// Not executing here: queued or pending-approval.
	if err := b.store.TransitionRun(ctx, runID, types.RunCancelled,
		&store.TransitionUpdate{Error: "cancelled by operator"}); err != nil {
		return nil, err
	}
	return &rpc.Ack{OK: true}, nil
}

// SubscribeEvents replays persisted events after the given sequence and
// then follows the live stream.
func (b *backend) SubscribeEvents(ctx context.Context, runID string, afterSeq int64) (<-chan *types.StructuredEvent, func(), error) {
	live, cancelLive := b.pipeline.Subscribe(runID)

	history, err := b.store.ListEvents(ctx, runID, afterSeq, 0)
	if err != nil {
		cancelLive()
		return nil, nil, err
	}

	out := make(chan *types.StructuredEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		lastSeq := afterSeq
		for _, ev := range history {
			select {
			case out <- ev:
				lastSeq = ev.Sequence
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				if ev.Sequence <= lastSeq {
					continue
				}
				select {
				case out <- ev:
					lastSeq = ev.Sequence
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelLive()
			close(done)
		})
	}
	return out, cancel, nil
}

// Heartbeat upserts the worker's liveness record.
func (b *backend) Heartbeat(ctx context.Context, p *rpc.HeartbeatParams) (*rpc.Ack, error) {
	w := &types.Worker{
		ID:            p.WorkerID,
		Endpoint:      p.Endpoint,
		ActiveSlots:   p.ActiveSlots,
		MaxSlots:      p.MaxSlots,
		LastHeartbeat: time.Now().UTC(),
	}
	if err := b.store.Heartbeat(ctx, w); err != nil {
		return nil, err
	}
	return &rpc.Ack{OK: true}, nil
}

// KillContainer force-stops a run's sandbox.
func (b *backend) KillContainer(ctx context.Context, runID string) (*rpc.Ack, error) {
	if b.containers == nil {
		return &rpc.Ack{OK: false, Message: "container runtime unavailable"}, nil
	}
	if err := b.containers.KillForRun(ctx, runID); err != nil {
		return nil, err
	}
	return &rpc.Ack{OK: true}, nil
}

// Reconcile removes managed containers with no executing run.
func (b *backend) Reconcile(ctx context.Context) (*rpc.ReconcileReport, error) {
	if b.containers == nil {
		return &rpc.ReconcileReport{}, nil
	}
	managed, err := b.containers.ListManaged(ctx)
	if err != nil {
		return nil, err
	}
	removed, err := b.containers.Reconcile(ctx, b.runner.ActiveRuns())
	if err != nil {
		return nil, err
	}
	return &rpc.ReconcileReport{Scanned: len(managed), OrphansRemoved: removed}, nil
}

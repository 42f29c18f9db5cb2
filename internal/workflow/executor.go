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
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentsdashboard/agentsd/internal/dispatch"
	"github.com/agentsdashboard/agentsd/internal/store"
	"github.com/agentsdashboard/agentsd/pkg/types"
)

// Execution states.
const (
	ExecutionRunning         = "running"
	ExecutionPendingApproval = "pending-approval"
	ExecutionSucceeded       = "succeeded"
	ExecutionFailed          = "failed"
	ExecutionCancelled       = "cancelled"
)

// defaultNodeParallelism bounds concurrent nodes when the definition
// does not set max_concurrent_nodes.
const defaultNodeParallelism = 4

// runPollInterval is how often a task node checks its run for a
// terminal state.
const runPollInterval = 2 * time.Second

// Dispatcher admits runs for task nodes.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *dispatch.Request) (*types.Run, error)
}

// Executor traverses workflow DAGs.
type Executor struct {
	store      *store.Store
	dispatcher Dispatcher
	logger     *slog.Logger

	mu        sync.Mutex
	approvals map[string]chan struct{} // executionID/nodeID -> resolution
}

// NewExecutor creates a workflow executor.
func NewExecutor(st *store.Store, d Dispatcher, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:      st,
		dispatcher: d,
		logger:     logger.With(slog.String("component", "workflow")),
		approvals:  make(map[string]chan struct{}),
	}
}

// Approve resolves a pending approval node. Returns false when no such
// approval is waiting.
func (e *Executor) Approve(executionID, nodeID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := executionID + "/" + nodeID
	ch, ok := e.approvals[key]
	if !ok {
		return false
	}
	delete(e.approvals, key)
	close(ch)
	return true
}

// Execute validates and runs a workflow to completion, returning the
// execution record. Node failures fail the execution unless the node is
// marked continue-on-error.
func (e *Executor) Execute(ctx context.Context, def *Definition) (*store.WorkflowExecutionRecord, error) {
	if err := def.Validate(ctx, e.store); err != nil {
		return nil, fmt.Errorf("invalid workflow: %w", err)
	}

	exec := &store.WorkflowExecutionRecord{
		ID:         uuid.NewString(),
		WorkflowID: def.ID,
		State:      ExecutionRunning,
		StartedAt:  time.Now().UTC(),
	}
	if err := e.store.PutWorkflowExecution(ctx, exec); err != nil {
		return nil, err
	}

	err := e.traverse(ctx, def, exec)

	now := time.Now().UTC()
	exec.EndedAt = &now
	switch {
	case err == nil:
		exec.State = ExecutionSucceeded
	case ctx.Err() != nil:
		exec.State = ExecutionCancelled
		exec.Error = ctx.Err().Error()
	default:
		exec.State = ExecutionFailed
		exec.Error = err.Error()
	}
	if putErr := e.store.PutWorkflowExecution(ctx, exec); putErr != nil {
		e.logger.Error("failed to persist execution state",
			"execution_id", exec.ID, "error", putErr)
	}

	e.logger.Info("workflow execution finished",
		"execution_id", exec.ID, "workflow_id", def.ID, "state", exec.State)
	return exec, err
}

// traverse runs the DAG in topological order with bounded parallelism.
// A node is handed to the worker group only once every dependency has
// completed, so the group's limit can never deadlock on an unstarted
// upstream. Nodes downstream of a failure are skipped unless the failed
// node is marked continue-on-error.
func (e *Executor) traverse(ctx context.Context, def *Definition, exec *store.WorkflowExecutionRecord) error {
	limit := def.MaxConcurrentNodes
	if limit <= 0 {
		limit = defaultNodeParallelism
	}

	nodes := make(map[string]*Node, len(def.Nodes))
	indeg := make(map[string]int, len(def.Nodes))
	succ := make(map[string][]string, len(def.Nodes))
	for i := range def.Nodes {
		nodes[def.Nodes[i].ID] = &def.Nodes[i]
	}
	for _, edge := range def.Edges {
		succ[edge.From] = append(succ[edge.From], edge.To)
		indeg[edge.To]++
	}

	ready := make(chan *Node, len(def.Nodes))
	for id, n := range nodes {
		if indeg[id] == 0 {
			ready <- n
		}
	}

	var mu sync.Mutex
	skipped := make(map[string]bool)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	// finish marks a node done and releases successors whose last
	// dependency this was. skip propagates to everything downstream.
	var finish func(id string, skip bool)
	finish = func(id string, skip bool) {
		mu.Lock()
		if skip {
			skipped[id] = true
		}
		var release []*Node
		for _, next := range succ[id] {
			indeg[next]--
			if indeg[next] == 0 {
				release = append(release, nodes[next])
			}
		}
		mu.Unlock()
		for _, n := range release {
			ready <- n
		}
	}

	for processed := 0; processed < len(nodes); processed++ {
		var node *Node
		select {
		case node = <-ready:
		case <-gctx.Done():
			return g.Wait()
		}

		mu.Lock()
		skip := skipped[node.ID]
		if !skip {
			for _, dep := range depsOf(def, node.ID) {
				if skipped[dep] {
					skip = true
					break
				}
			}
		}
		mu.Unlock()

		if skip {
			finish(node.ID, true)
			continue
		}

		g.Go(func() error {
			err := e.runNode(gctx, node, exec)
			if err == nil {
				finish(node.ID, false)
				return nil
			}
			e.logger.Warn("workflow node failed",
				"execution_id", exec.ID, "node_id", node.ID, "error", err)
			if node.ContinueOnError {
				finish(node.ID, false)
				return nil
			}
			finish(node.ID, true)
			return fmt.Errorf("node %s: %w", node.ID, err)
		})
	}
	return g.Wait()
}

// depsOf lists the direct dependencies of a node.
func depsOf(def *Definition, id string) []string {
	var deps []string
	for _, e := range def.Edges {
		if e.To == id {
			deps = append(deps, e.From)
		}
	}
	return deps
}

// runNode executes one node.
func (e *Executor) runNode(ctx context.Context, node *Node, exec *store.WorkflowExecutionRecord) error {
	switch node.Kind {
	case NodeDelay:
		timer := time.NewTimer(node.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

	case NodeApproval:
		return e.awaitApproval(ctx, node, exec)

	case NodeTask:
		return e.runTask(ctx, node)

	case NodeFanOut, NodeJoin:
		// Structural nodes: fan-out's children run in parallel by
		// traversal, join waits on its dependencies the same way.
		return nil
	}
	return fmt.Errorf("unknown node kind %q", node.Kind)
}

// awaitApproval parks the execution until an operator approves the node.
func (e *Executor) awaitApproval(ctx context.Context, node *Node, exec *store.WorkflowExecutionRecord) error {
	ch := make(chan struct{})
	e.mu.Lock()
	e.approvals[exec.ID+"/"+node.ID] = ch
	e.mu.Unlock()

	exec.State = ExecutionPendingApproval
	if err := e.store.PutWorkflowExecution(ctx, exec); err != nil {
		e.logger.Warn("failed to persist pending-approval state",
			"execution_id", exec.ID, "error", err)
	}
	e.logger.Info("workflow waiting for approval",
		"execution_id", exec.ID, "node_id", node.ID, "role", node.ApproverRole)

	select {
	case <-ch:
	case <-ctx.Done():
		e.mu.Lock()
		delete(e.approvals, exec.ID+"/"+node.ID)
		e.mu.Unlock()
		return ctx.Err()
	}

	exec.State = ExecutionRunning
	if err := e.store.PutWorkflowExecution(ctx, exec); err != nil {
		e.logger.Warn("failed to persist running state",
			"execution_id", exec.ID, "error", err)
	}
	return nil
}

// runTask dispatches the node's task and waits for its run to reach a
// terminal state.
func (e *Executor) runTask(ctx context.Context, node *Node) error {
	task, err := e.store.GetTask(ctx, node.TaskID)
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", node.TaskID, err)
	}

	run, err := e.dispatcher.Dispatch(ctx, &dispatch.Request{Task: task})
	if err != nil {
		return fmt.Errorf("failed to dispatch task %s: %w", node.TaskID, err)
	}

	ticker := time.NewTicker(runPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		current, err := e.store.GetRun(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("failed to poll run %s: %w", run.ID, err)
		}
		if !current.State.Terminal() {
			continue
		}
		if current.State != types.RunSucceeded {
			return fmt.Errorf("run %s ended %s: %s", run.ID, current.State, current.Error)
		}
		return nil
	}
}

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

// Package workflow validates and executes task DAGs.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/agentsdashboard/agentsd/internal/store"
)

// Node kinds.
const (
	NodeTask     = "task"
	NodeDelay    = "delay"
	NodeApproval = "approval"
	NodeFanOut   = "parallel-fan-out"
	NodeJoin     = "join"
)

// Node is one step of a workflow.
type Node struct {
	ID     string `yaml:"id" json:"id"`
	Kind   string `yaml:"kind" json:"kind"`
	TaskID string `yaml:"task_id,omitempty" json:"task_id,omitempty"`
	// Delay applies to delay nodes.
	Delay time.Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
	// ApproverRole applies to approval nodes.
	ApproverRole string `yaml:"approver_role,omitempty" json:"approver_role,omitempty"`
	// ContinueOnError lets downstream nodes run after this one fails.
	ContinueOnError bool `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
}

// Edge is a directed dependency: To runs after From.
type Edge struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// Definition is a workflow DAG.
type Definition struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Nodes []Node `yaml:"nodes" json:"nodes"`
	Edges []Edge `yaml:"edges" json:"edges"`
	// MaxConcurrentNodes bounds parallel node execution; zero means 4.
	MaxConcurrentNodes int `yaml:"max_concurrent_nodes,omitempty" json:"max_concurrent_nodes,omitempty"`
}

// Validate checks the DAG's structural invariants: unique node ids,
// known kinds, edges between existing nodes, acyclicity, a single root
// from which every node is reachable, existing task references and an
// approver role on every approval node.
func (d *Definition) Validate(ctx context.Context, st *store.Store) error {
	if len(d.Nodes) == 0 {
		return fmt.Errorf("workflow has no nodes")
	}

	nodes := make(map[string]*Node, len(d.Nodes))
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("node %d has no id", i)
		}
		if _, dup := nodes[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		switch n.Kind {
		case NodeTask:
			if n.TaskID == "" {
				return fmt.Errorf("task node %q has no task_id", n.ID)
			}
		case NodeDelay:
			if n.Delay <= 0 {
				return fmt.Errorf("delay node %q has no duration", n.ID)
			}
		case NodeApproval:
			if n.ApproverRole == "" {
				return fmt.Errorf("approval node %q has no approver_role", n.ID)
			}
		case NodeFanOut, NodeJoin:
		default:
			return fmt.Errorf("node %q has unknown kind %q", n.ID, n.Kind)
		}
		nodes[n.ID] = n
	}

	indegree := make(map[string]int, len(nodes))
	succ := make(map[string][]string, len(nodes))
	for _, e := range d.Edges {
		if _, ok := nodes[e.From]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.From)
		}
		if _, ok := nodes[e.To]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.To)
		}
		succ[e.From] = append(succ[e.From], e.To)
		indegree[e.To]++
	}

	var roots []string
	for id := range nodes {
		if indegree[id] == 0 {
			roots = append(roots, id)
		}
	}
	if len(roots) != 1 {
		return fmt.Errorf("workflow must have exactly one root, found %d", len(roots))
	}

	// Kahn's algorithm doubles as the cycle check and, starting from the
	// single root, the reachability check.
	visited := 0
	queue := []string{roots[0]}
	deg := make(map[string]int, len(indegree))
	for id, n := range indegree {
		deg[id] = n
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range succ[id] {
			deg[next]--
			if deg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(nodes) {
		return fmt.Errorf("workflow contains a cycle or unreachable nodes")
	}

	if st != nil {
		for _, n := range d.Nodes {
			if n.Kind != NodeTask {
				continue
			}
			if _, err := st.GetTask(ctx, n.TaskID); err != nil {
				return fmt.Errorf("task node %q: task %s: %w", n.ID, n.TaskID, err)
			}
		}
	}
	return nil
}

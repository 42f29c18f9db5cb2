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

import "github.com/agentsdashboard/agentsd/pkg/types"

// Ack acknowledges a unary request.
type Ack struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// DispatchJobParams asks a runtime host to execute a run.
type DispatchJobParams struct {
	RunID           string               `json:"run_id"`
	RepositoryID    string               `json:"repository_id"`
	TaskID          string               `json:"task_id"`
	Harness         string               `json:"harness"`
	ImageTag        string               `json:"image_tag"`
	CloneURL        string               `json:"clone_url"`
	Instruction     string               `json:"instruction"`
	CustomArgs      []string             `json:"custom_args,omitempty"`
	TimeoutSeconds  int                  `json:"timeout_seconds"`
	Sandbox         types.SandboxProfile `json:"sandbox"`
	Environment     map[string]string    `json:"environment,omitempty"`
	ContainerLabels map[string]string    `json:"container_labels,omitempty"`
}

// CancelJobParams cancels a running job.
type CancelJobParams struct {
	RunID string `json:"run_id"`
}

// SubscribeEventsParams opens a structured-event stream for a run.
type SubscribeEventsParams struct {
	RunID string `json:"run_id"`
	// AfterSeq resumes the stream after the given sequence.
	AfterSeq int64 `json:"after_seq,omitempty"`
}

// HeartbeatParams reports a worker's liveness and capacity.
type HeartbeatParams struct {
	WorkerID    string `json:"worker_id"`
	Endpoint    string `json:"endpoint"`
	ActiveSlots int    `json:"active_slots"`
	MaxSlots    int    `json:"max_slots"`
}

// KillContainerParams force-stops a run's sandbox.
type KillContainerParams struct {
	RunID string `json:"run_id"`
}

// ReconcileReport summarises an orphan reconciliation pass.
type ReconcileReport struct {
	Scanned        int `json:"scanned"`
	OrphansRemoved int `json:"orphans_removed"`
}

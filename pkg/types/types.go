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

// Package types defines the entities shared across the run execution engine:
// projects, repositories, tasks, runs and the records derived from a run.
package types

import "time"

// TaskKind determines how a task is triggered.
type TaskKind string

const (
	// TaskKindOneShot runs once when its scheduled time arrives or when
	// triggered manually.
	TaskKindOneShot TaskKind = "one-shot"

	// TaskKindCron runs on a recurring cron schedule.
	TaskKindCron TaskKind = "cron"

	// TaskKindEvent runs only in response to a webhook delivery. Event
	// tasks are never considered due by the scheduler.
	TaskKindEvent TaskKind = "event-driven"
)

// ExecutionMode controls what a harness is permitted to do during a run.
type ExecutionMode string

const (
	// ModeDefault allows the harness to mutate the workspace.
	ModeDefault ExecutionMode = "default"

	// ModePlan is read-only; the harness returns a plan.
	ModePlan ExecutionMode = "plan"

	// ModeReview is read-only; the harness returns a critique.
	ModeReview ExecutionMode = "review"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunQueued          RunState = "queued"
	RunRunning         RunState = "running"
	RunPendingApproval RunState = "pending-approval"
	RunSucceeded       RunState = "succeeded"
	RunFailed          RunState = "failed"
	RunCancelled       RunState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// legalTransitions is the run state machine. Any (from, to) pair not listed
// here is rejected by the store with an invalid-transition error.
var legalTransitions = map[RunState][]RunState{
	RunQueued:          {RunRunning, RunPendingApproval, RunCancelled},
	RunPendingApproval: {RunRunning, RunCancelled},
	RunRunning:         {RunSucceeded, RunFailed, RunCancelled},
}

// CanTransition reports whether from → to is a legal run state transition.
func CanTransition(from, to RunState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Project groups repositories.
type Project struct {
	ID        string    `yaml:"id" json:"id"`
	Name      string    `yaml:"name" json:"name"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
}

// TaskDefaults are repository-level defaults applied to new tasks.
type TaskDefaults struct {
	Kind           TaskKind      `yaml:"kind,omitempty" json:"kind,omitempty"`
	Harness        string        `yaml:"harness,omitempty" json:"harness,omitempty"`
	Mode           ExecutionMode `yaml:"mode,omitempty" json:"mode,omitempty"`
	Command        string        `yaml:"command,omitempty" json:"command,omitempty"`
	Cron           string        `yaml:"cron,omitempty" json:"cron,omitempty"`
	AutoPR         bool          `yaml:"auto_pr,omitempty" json:"auto_pr,omitempty"`
	Enabled        bool          `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	SessionProfile string        `yaml:"session_profile,omitempty" json:"session_profile,omitempty"`
}

// Repository is a source checkout that tasks operate on.
type Repository struct {
	ID            string       `yaml:"id" json:"id"`
	ProjectID     string       `yaml:"project_id" json:"project_id"`
	RemoteURL     string       `yaml:"remote_url" json:"remote_url"`
	LocalPath     string       `yaml:"local_path" json:"local_path"`
	DefaultBranch string       `yaml:"default_branch" json:"default_branch"`
	Defaults      TaskDefaults `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	CreatedAt     time.Time    `yaml:"created_at" json:"created_at"`
}

// RetryPolicy controls retry of retryable run failures.
// Delay for attempt n is Base * Multiplier^(n-1), capped at Cap.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	Base        time.Duration `yaml:"base" json:"base"`
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`
	Cap         time.Duration `yaml:"cap" json:"cap"`
}

// Delay returns the backoff before the given 1-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	if p.Cap > 0 && time.Duration(d) > p.Cap {
		return p.Cap
	}
	return time.Duration(d)
}

// Timeouts bounds a run's stages.
type Timeouts struct {
	// StageTotal is the deadline for one stage of execution.
	StageTotal time.Duration `yaml:"stage_total" json:"stage_total"`
	// Idle cancels the run when no output arrives for this long.
	Idle time.Duration `yaml:"idle" json:"idle"`
}

// SandboxProfile is applied at container creation.
type SandboxProfile struct {
	CPULimit        float64 `yaml:"cpu_limit" json:"cpu_limit"`
	MemoryLimit     int64   `yaml:"memory_limit" json:"memory_limit"`
	NetworkDisabled bool    `yaml:"network_disabled" json:"network_disabled"`
	ReadOnlyRootFS  bool    `yaml:"read_only_root_fs" json:"read_only_root_fs"`
}

// ArtifactPolicy caps what the extractor collects after a run.
type ArtifactPolicy struct {
	MaxArtifacts  int      `yaml:"max_artifacts" json:"max_artifacts"`
	MaxTotalBytes int64    `yaml:"max_total_bytes" json:"max_total_bytes"`
	Patterns      []string `yaml:"patterns,omitempty" json:"patterns,omitempty"`
}

// ApprovalProfile requires a human decision before a run may start.
type ApprovalProfile struct {
	Required bool   `yaml:"required" json:"required"`
	Role     string `yaml:"role,omitempty" json:"role,omitempty"`
}

// Task is a runnable template owned by a repository.
type Task struct {
	ID           string          `yaml:"id" json:"id"`
	RepositoryID string          `yaml:"repository_id" json:"repository_id"`
	ProjectID    string          `yaml:"project_id" json:"project_id"`
	Kind         TaskKind        `yaml:"kind" json:"kind"`
	Harness      string          `yaml:"harness" json:"harness"`
	Mode         ExecutionMode   `yaml:"mode" json:"mode"`
	Prompt       string          `yaml:"prompt" json:"prompt"`
	Command      string          `yaml:"command,omitempty" json:"command,omitempty"`
	Cron         string          `yaml:"cron,omitempty" json:"cron,omitempty"`
	AutoPR       bool            `yaml:"auto_pr" json:"auto_pr"`
	Enabled      bool            `yaml:"enabled" json:"enabled"`
	NextAt       *time.Time      `yaml:"next_at,omitempty" json:"next_at,omitempty"`
	Retry        RetryPolicy     `yaml:"retry" json:"retry"`
	Timeouts     Timeouts        `yaml:"timeouts" json:"timeouts"`
	Sandbox      SandboxProfile  `yaml:"sandbox" json:"sandbox"`
	Artifacts    ArtifactPolicy  `yaml:"artifacts" json:"artifacts"`
	Approval     ApprovalProfile `yaml:"approval" json:"approval"`
	CreatedAt    time.Time       `yaml:"created_at" json:"created_at"`
}

// Validate checks task invariants that the store refuses to persist without.
func (t *Task) Validate() error {
	if t.Kind == TaskKindCron && t.Cron == "" {
		return ErrCronExpressionRequired
	}
	return nil
}

// Run is one execution of a task.
type Run struct {
	ID           string        `json:"id"`
	TaskID       string        `json:"task_id"`
	ProjectID    string        `json:"project_id"`
	RepositoryID string        `json:"repository_id"`
	State        RunState      `json:"state"`
	Attempt      int           `json:"attempt"`
	Mode         ExecutionMode `json:"mode"`
	WorkerID     string        `json:"worker_id,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	Error        string        `json:"error,omitempty"`
	EnvelopeRef  string        `json:"envelope_ref,omitempty"`
	SchemaVer    int           `json:"schema_version"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// StructuredEvent is one sequenced record in a run's event stream.
type StructuredEvent struct {
	RunID     string         `json:"run_id"`
	Sequence  int64          `json:"sequence"`
	Type      string         `json:"type"`
	Category  string         `json:"category"`
	Payload   map[string]any `json:"payload,omitempty"`
	SchemaVer int            `json:"schema_version"`
	Timestamp time.Time      `json:"timestamp"`
}

// Canonical event categories produced by the pipeline.
const (
	CategoryReasoningDelta    = "reasoning.delta"
	CategoryToolLifecycle     = "tool.lifecycle"
	CategoryDiffUpdated       = "diff.updated"
	CategoryRunCompleted      = "run.completed"
	CategoryQuestionRequested = "question.requested"
	CategoryStructured        = "structured"
	CategoryLog               = "log"
)

// DiffSnapshot is the latest workspace diff observed for a run.
// Latest-wins by sequence.
type DiffSnapshot struct {
	RunID     string    `json:"run_id"`
	Sequence  int64     `json:"sequence"`
	Summary   string    `json:"summary,omitempty"`
	Stat      string    `json:"stat,omitempty"`
	Patch     string    `json:"patch,omitempty"`
	SchemaVer int       `json:"schema_version"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolState is the lifecycle state of a harness tool call.
type ToolState string

const (
	ToolRunning   ToolState = "running"
	ToolCompleted ToolState = "completed"
	ToolFailed    ToolState = "failed"
)

// ToolProjection is the current view of one tool call, keyed by call id.
type ToolProjection struct {
	RunID     string     `json:"run_id"`
	CallID    string     `json:"call_id"`
	Name      string     `json:"name"`
	State     ToolState  `json:"state"`
	Input     string     `json:"input,omitempty"`
	Output    string     `json:"output,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// QuestionStatus is the lifecycle state of a question request.
type QuestionStatus string

const (
	QuestionPending  QuestionStatus = "pending"
	QuestionAnswered QuestionStatus = "answered"
	QuestionExpired  QuestionStatus = "expired"
)

// QuestionOption is one selectable answer.
type QuestionOption struct {
	Value       string `json:"value"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Question is a single prompt inside a question request.
type Question struct {
	ID      string           `json:"id"`
	Header  string           `json:"header,omitempty"`
	Prompt  string           `json:"prompt"`
	Options []QuestionOption `json:"options,omitempty"`
}

// QuestionRequest is raised by a harness asking the operator for input.
type QuestionRequest struct {
	ID            string            `json:"id"`
	RunID         string            `json:"run_id"`
	TaskID        string            `json:"task_id"`
	Questions     []Question        `json:"questions"`
	Status        QuestionStatus    `json:"status"`
	Answers       map[string]string `json:"answers,omitempty"`
	AnsweredRunID string            `json:"answered_run_id,omitempty"`
	SourceTool    string            `json:"source_tool,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Artifact is a file extracted from a run's workspace.
type Artifact struct {
	RunID    string `json:"run_id"`
	Filename string `json:"filename"`
	RelPath  string `json:"rel_path"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
	MimeType string `json:"mime_type"`
}

// FindingState is the triage lifecycle of a finding.
type FindingState string

const (
	FindingNew          FindingState = "new"
	FindingAcknowledged FindingState = "acknowledged"
	FindingInProgress   FindingState = "in-progress"
	FindingResolved     FindingState = "resolved"
	FindingIgnored      FindingState = "ignored"
)

// Finding is a triage item created from a failed or flagged run.
type Finding struct {
	ID           string       `json:"id"`
	RepositoryID string       `json:"repository_id"`
	RunID        string       `json:"run_id,omitempty"`
	State        FindingState `json:"state"`
	Severity     string       `json:"severity"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Assignee     string       `json:"assignee,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Worker is a runtime host that accepts dispatches.
type Worker struct {
	ID            string    `json:"id"`
	Endpoint      string    `json:"endpoint"`
	ActiveSlots   int       `json:"active_slots"`
	MaxSlots      int       `json:"max_slots"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastAssigned  time.Time `json:"last_assigned,omitempty"`
}

// Healthy reports whether the worker heartbeated within the timeout.
func (w *Worker) Healthy(now time.Time, timeout time.Duration) bool {
	return now.Sub(w.LastHeartbeat) < timeout
}

// ProviderSecret is an encrypted credential owned by a repository.
type ProviderSecret struct {
	RepositoryID string    `json:"repository_id"`
	Provider     string    `json:"provider"`
	Value        string    `json:"-"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// WebhookTokenProvider is the provider tag under which a repository's
// webhook token is stored.
const WebhookTokenProvider = "webhook-token"

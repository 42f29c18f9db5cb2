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

package pipeline

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/agentsdashboard/agentsd/internal/envelope"
	"github.com/agentsdashboard/agentsd/pkg/types"
)

// Completion is the run outcome carried by a run.completed event.
type Completion struct {
	Summary  string
	Error    string
	ExitCode int
}

// Canonical is the result of canonicalising one harness chunk: the
// event to persist plus the projections it implies.
type Canonical struct {
	Type      string
	Category  string
	Payload   map[string]any
	SchemaVer int

	Diff       *types.DiffSnapshot
	Tool       *types.ToolProjection
	Question   *types.QuestionRequest
	Completion *Completion
}

// Canonicalize maps a decoded wire event to its canonical category and
// projections. Raw log lines never reach here; the ingester records
// them directly under the log category.
func Canonicalize(runID, taskID string, ev *envelope.WireEvent) *Canonical {
	c := &Canonical{
		Type:      ev.Type,
		SchemaVer: 1,
		Payload:   basePayload(ev),
	}

	switch {
	case ev.Type == "reasoning_delta" || ev.Type == "thinking":
		c.Category = types.CategoryReasoningDelta
		c.Payload = map[string]any{
			"thinking":  ev.Content,
			"reasoning": ev.Metadata["reasoning"],
			"content":   ev.Content,
		}

	case ev.Type == "request_user_input" ||
		(strings.HasPrefix(ev.Type, "tool.") && ev.Metadata["tool_name"] == "request_user_input"):
		c.Category = types.CategoryQuestionRequested
		c.Question = decodeQuestion(runID, taskID, ev)

	case strings.HasPrefix(ev.Type, "tool."):
		c.Category = types.CategoryToolLifecycle
		c.Tool = decodeTool(runID, ev)

	case ev.Type == "completion" || ev.Type == "run_completed":
		c.Category = types.CategoryRunCompleted
		c.Completion = decodeCompletion(ev)

	case strings.HasPrefix(ev.Type, "diff.") || ev.Type == "session.diff":
		c.Category = types.CategoryDiffUpdated
		c.Diff = decodeDiff(runID, ev)

	default:
		c.Category = types.CategoryStructured
	}

	applyNestedProjection(c, ev)
	return c
}

func basePayload(ev *envelope.WireEvent) map[string]any {
	payload := map[string]any{"content": ev.Content}
	for k, v := range ev.Metadata {
		payload[k] = v
	}
	return payload
}

// applyNestedProjection lets a structured projection embedded in the
// content override the outer event: its type and schema version win.
func applyNestedProjection(c *Canonical, ev *envelope.WireEvent) {
	if !strings.HasPrefix(strings.TrimSpace(ev.Content), "{") {
		return
	}
	var nested struct {
		Type          string         `json:"type"`
		SchemaVersion int            `json:"schemaVersion"`
		Properties    map[string]any `json:"properties"`
	}
	if err := json.Unmarshal([]byte(ev.Content), &nested); err != nil {
		return
	}
	if nested.Type == "" || nested.SchemaVersion == 0 || nested.Properties == nil {
		return
	}
	c.Type = nested.Type
	c.SchemaVer = nested.SchemaVersion
	c.Payload = nested.Properties
	if c.Category == types.CategoryStructured || c.Category == types.CategoryLog {
		c.Category = types.CategoryStructured
	}
}

func decodeTool(runID string, ev *envelope.WireEvent) *types.ToolProjection {
	state := types.ToolRunning
	switch strings.TrimPrefix(ev.Type, "tool.") {
	case "completed", "end", "finished":
		state = types.ToolCompleted
	case "failed", "error":
		state = types.ToolFailed
	}
	callID := ev.Metadata["tool_call_id"]
	if callID == "" {
		callID = ev.Metadata["call_id"]
	}
	t := &types.ToolProjection{
		RunID:  runID,
		CallID: callID,
		Name:   ev.Metadata["tool_name"],
		State:  state,
		Input:  ev.Metadata["input"],
		Output: ev.Metadata["output"],
	}
	if t.Output == "" && state != types.ToolRunning {
		t.Output = ev.Content
	}
	if t.Input == "" && state == types.ToolRunning {
		t.Input = ev.Content
	}
	return t
}

func decodeDiff(runID string, ev *envelope.WireEvent) *types.DiffSnapshot {
	d := &types.DiffSnapshot{
		RunID:     runID,
		Sequence:  ev.Sequence,
		Summary:   ev.Metadata["summary"],
		Stat:      ev.Metadata["stat"],
		Patch:     ev.Metadata["patch"],
		SchemaVer: 1,
	}
	if d.Patch == "" {
		d.Patch = ev.Content
	}
	return d
}

func decodeCompletion(ev *envelope.WireEvent) *Completion {
	exit := 0
	if v := ev.Metadata["exit_code"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			exit = n
		}
	}
	summary := ev.Metadata["summary"]
	if summary == "" {
		summary = ev.Content
	}
	return &Completion{
		Summary:  summary,
		Error:    ev.Metadata["error"],
		ExitCode: exit,
	}
}

func decodeQuestion(runID, taskID string, ev *envelope.WireEvent) *types.QuestionRequest {
	q := &types.QuestionRequest{
		ID:         uuid.NewString(),
		RunID:      runID,
		TaskID:     taskID,
		Status:     types.QuestionPending,
		SourceTool: ev.Metadata["tool_name"],
	}
	if q.SourceTool == "" {
		q.SourceTool = "request_user_input"
	}

	var body struct {
		Questions []types.Question `json:"questions"`
	}
	if err := json.Unmarshal([]byte(ev.Content), &body); err == nil && len(body.Questions) > 0 {
		q.Questions = body.Questions
	} else {
		// Free-text question with no structured options.
		q.Questions = []types.Question{{ID: "q1", Prompt: ev.Content}}
	}
	return q
}

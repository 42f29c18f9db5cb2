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

// Package mode resolves the effective execution mode for a run and the
// permission policy that enforces it.
package mode

import (
	"strings"

	"github.com/agentsdashboard/agentsd/pkg/types"
)

// ReadOnlyDirective is prepended to the system prompt in plan and review
// modes.
const ReadOnlyDirective = "Do not modify files. You are operating in read-only mode."

// ApprovalPolicy controls when a harness tool call requires human approval.
type ApprovalPolicy string

const (
	ApprovalNever     ApprovalPolicy = "never"
	ApprovalOnFailure ApprovalPolicy = "on-failure"
)

// Policy is the effect of an execution mode on a harness invocation.
type Policy struct {
	Mode               types.ExecutionMode
	Agent              string
	SystemPromptPrefix string
	DenyTools          []string
	Approval           ApprovalPolicy
}

// ReadOnly reports whether the policy denies workspace mutation.
func (p Policy) ReadOnly() bool {
	return p.Mode == types.ModePlan || p.Mode == types.ModeReview
}

// ParseAlias maps a mode alias to its canonical execution mode.
// Matching is case-insensitive. ok is false for unrecognised aliases.
func ParseAlias(s string) (types.ExecutionMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "default", "normal", "run":
		return types.ModeDefault, true
	case "plan", "planning", "preview":
		return types.ModePlan, true
	case "review", "readonly", "audit":
		return types.ModeReview, true
	}
	return "", false
}

// envPrecedence lists mode-override variables, highest priority first.
// The %s slot is the upper-cased harness name.
var envPrecedence = []string{
	"HARNESS_RUNTIME_MODE",
	"%s_MODE",
	"HARNESS_MODE",
	"RUN_MODE",
	"TASK_MODE",
}

// Resolve determines the effective execution mode. Environment overrides
// win over the requested mode; among env variables, HARNESS_RUNTIME_MODE
// beats the harness-specific override (e.g. CODEX_MODE), which beats
// HARNESS_MODE, RUN_MODE and TASK_MODE in that order. Unrecognised env
// values are skipped rather than failing the run.
func Resolve(requested types.ExecutionMode, harness string, env map[string]string) types.ExecutionMode {
	upper := strings.ToUpper(strings.ReplaceAll(harness, "-", "_"))
	for _, key := range envPrecedence {
		name := key
		if strings.Contains(key, "%s") {
			if upper == "" {
				continue
			}
			name = strings.Replace(key, "%s", upper, 1)
		}
		if v, ok := env[name]; ok {
			if m, ok := ParseAlias(v); ok {
				return m
			}
		}
	}

	if m, ok := ParseAlias(string(requested)); ok {
		return m
	}
	return types.ModeDefault
}

// FromArgs extracts a mode from a command line, honouring only the
// explicit --mode flag. Free-form occurrences of words like "review" in
// a prompt or command never change the mode.
func FromArgs(args []string) (types.ExecutionMode, bool) {
	for i, arg := range args {
		var value string
		switch {
		case arg == "--mode" && i+1 < len(args):
			value = args[i+1]
		case strings.HasPrefix(arg, "--mode="):
			value = strings.TrimPrefix(arg, "--mode=")
		default:
			continue
		}
		if m, ok := ParseAlias(value); ok {
			return m, true
		}
	}
	return "", false
}

// mutationCapable lists harnesses whose default agent can edit the
// workspace, which makes on-failure approval the safe default.
var mutationCapable = map[string]bool{
	"codex":       true,
	"opencode":    true,
	"claude-code": true,
	"zai":         true,
}

// MutationCapable reports whether the harness's default agent can edit
// the workspace.
func MutationCapable(harness string) bool {
	return mutationCapable[strings.ToLower(harness)]
}

// PolicyFor builds the permission policy enforcing the given mode.
func PolicyFor(m types.ExecutionMode, harness string, env map[string]string) Policy {
	switch m {
	case types.ModePlan:
		return Policy{
			Mode:               m,
			Agent:              "plan",
			SystemPromptPrefix: ReadOnlyDirective,
			DenyTools:          []string{"edit", "bash"},
			Approval:           ApprovalNever,
		}
	case types.ModeReview:
		agent := "reviewer"
		if v, ok := env["HARNESS_REVIEW_AGENT"]; ok && v != "" {
			agent = v
		}
		return Policy{
			Mode:               m,
			Agent:              agent,
			SystemPromptPrefix: ReadOnlyDirective,
			DenyTools:          []string{"edit", "bash"},
			Approval:           ApprovalNever,
		}
	}

	approval := ApprovalNever
	if MutationCapable(harness) {
		approval = ApprovalOnFailure
	}
	if v, ok := env["HARNESS_APPROVAL_POLICY"]; ok && strings.EqualFold(v, string(ApprovalNever)) {
		approval = ApprovalNever
	}
	return Policy{
		Mode:     types.ModeDefault,
		Agent:    "build",
		Approval: approval,
	}
}

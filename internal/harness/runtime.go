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

// Package harness executes AI coding harnesses and streams their output
// as chunks. Each harness has exactly one runtime strategy: codex speaks
// JSON-RPC over stdio, opencode streams server-sent events, everything
// else runs as a plain subprocess.
package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/agentsdashboard/agentsd/internal/envelope"
	"github.com/agentsdashboard/agentsd/internal/harness/mode"
	"github.com/agentsdashboard/agentsd/pkg/types"
)

// Request describes one harness invocation.
type Request struct {
	RunID   string
	TaskID  string
	Harness string

	// Prompt is the instruction passed to the harness. The runtime
	// prepends the mode policy's system directive before submission.
	Prompt string

	// Command is the harness binary and its arguments.
	Command []string

	// WorkDir is the workspace the harness operates on.
	WorkDir string

	// Env is the harness process environment.
	Env map[string]string

	// Mode is the requested execution mode before resolution.
	Mode types.ExecutionMode

	// Endpoint is the harness's embedded HTTP server (SSE runtime only).
	Endpoint string

	// IdleTimeout aborts the harness when no chunk arrives for this
	// long; the run fails with a timeout. Zero disables the idle check.
	IdleTimeout time.Duration
}

// Chunk is one unit of harness output. Exactly one terminal chunk
// carries the envelope; the channel is closed after it.
type Chunk struct {
	Text     string
	Envelope *envelope.Envelope
	Err      error
}

// Runtime is a per-harness execution strategy.
type Runtime interface {
	// Name identifies the strategy (stdio, sse, subprocess).
	Name() string

	// Select resolves the effective mode policy for a request.
	Select(req *Request) mode.Policy

	// Run executes the harness and streams chunks. The returned channel
	// is closed after the terminal envelope chunk. Cancelling the
	// context closes the harness transport and terminates the child.
	Run(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// Registry maps harness names to their runtime. Each harness has exactly
// one runtime; there is no fallback.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry builds the default registry: codex family on stdio,
// opencode on SSE, claude-code and zai as subprocesses.
func NewRegistry() *Registry {
	stdio := NewStdioRuntime()
	sub := NewSubprocessRuntime()
	return &Registry{runtimes: map[string]Runtime{
		"codex":       stdio,
		"opencode":    NewSSERuntime(nil),
		"claude-code": sub,
		"zai":         sub,
	}}
}

// Register binds a harness name to a runtime, replacing any previous
// binding.
func (r *Registry) Register(harness string, rt Runtime) {
	r.runtimes[harness] = rt
}

// Lookup returns the runtime for a harness name.
func (r *Registry) Lookup(harness string) (Runtime, error) {
	rt, ok := r.runtimes[harness]
	if !ok {
		return nil, fmt.Errorf("no runtime registered for harness %q", harness)
	}
	return rt, nil
}

// resolvePolicy is the shared Select implementation: resolve the mode
// from request, environment and whitelisted command-line flags, then
// build its permission policy.
func resolvePolicy(req *Request) mode.Policy {
	m := mode.Resolve(req.Mode, req.Harness, req.Env)
	if argMode, ok := mode.FromArgs(req.Command); ok {
		m = argMode
	}
	return mode.PolicyFor(m, req.Harness, req.Env)
}

// decoratePrompt prepends the policy's read-only directive to the prompt.
func decoratePrompt(prompt string, policy mode.Policy) string {
	if policy.SystemPromptPrefix == "" {
		return prompt
	}
	return policy.SystemPromptPrefix + "\n\n" + prompt
}

// environ flattens the request env plus policy-derived variables into
// KEY=value form for the child process.
func environ(req *Request, policy mode.Policy) []string {
	env := make([]string, 0, len(req.Env)+2)
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"HARNESS_AGENT="+policy.Agent,
		"HARNESS_APPROVAL="+string(policy.Approval),
	)
	return env
}

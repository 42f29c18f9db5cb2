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

package harness

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/agentsdashboard/agentsd/internal/envelope"
	"github.com/agentsdashboard/agentsd/internal/harness/mode"
)

// stdio protocol constants for the codex family handshake.
const (
	stdioProtocolVersion = "1.0"
	stdioMethodInit      = "initialize"
	stdioMethodPrompt    = "prompt"
)

// stdioMessage is one newline-delimited JSON-RPC style frame exchanged
// with the harness child process.
type stdioMessage struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Version       string          `json:"version,omitempty"`
	Method        string          `json:"method,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
}

// stdioPromptParams is the single prompt submission.
type stdioPromptParams struct {
	Prompt string `json:"prompt"`
	Agent  string `json:"agent,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

// StdioRuntime drives a harness over a long-lived child process: a
// handshake, one prompt submission, then line-delimited events until the
// process exits. The terminal envelope is parsed from the final stdout.
type StdioRuntime struct {
	// Grace is how long the child gets between SIGTERM and SIGKILL on
	// cancellation.
	Grace time.Duration
}

// NewStdioRuntime creates the stdio runtime with a 10s kill grace.
func NewStdioRuntime() *StdioRuntime {
	return &StdioRuntime{Grace: 10 * time.Second}
}

// Name implements Runtime.
func (r *StdioRuntime) Name() string { return "stdio" }

// Select implements Runtime.
func (r *StdioRuntime) Select(req *Request) mode.Policy {
	return resolvePolicy(req)
}

// Run implements Runtime.
func (r *StdioRuntime) Run(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("stdio runtime requires a command")
	}
	policy := r.Select(req)

	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Env = environ(req, policy)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start harness: %w", err)
	}

	// Handshake then the single prompt submission. Write failures are
	// surfaced through the terminal envelope after the child exits.
	enc := json.NewEncoder(stdin)
	handshakeErr := enc.Encode(stdioMessage{
		Type:          "handshake",
		CorrelationID: uuid.NewString(),
		Version:       stdioProtocolVersion,
		Method:        stdioMethodInit,
	})
	if handshakeErr == nil {
		params, _ := json.Marshal(stdioPromptParams{
			Prompt: decoratePrompt(req.Prompt, policy),
			Agent:  policy.Agent,
			Mode:   string(policy.Mode),
		})
		handshakeErr = enc.Encode(stdioMessage{
			Type:          "request",
			CorrelationID: uuid.NewString(),
			Method:        stdioMethodPrompt,
			Params:        params,
		})
	}
	_ = stdin.Close()

	chunks := make(chan Chunk, 64)
	go func() {
		defer close(chunks)

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				terminate(cmd, r.Grace)
			case <-done:
			}
		}()

		watchdog := newIdleWatchdog(req.IdleTimeout, func() { terminate(cmd, r.Grace) })
		defer watchdog.stop()

		var tail []string
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			watchdog.reset()
			line := scanner.Text()
			tail = appendTail(tail, line, 64)
			chunks <- Chunk{Text: line}
		}

		waitErr := cmd.Wait()
		close(done)

		exitCode := exitCodeOf(waitErr)
		env := envelope.FromOutput(strings.Join(tail, "\n"), stderr.String(), exitCode)
		if handshakeErr != nil && env.Error == "" {
			env.Error = fmt.Sprintf("stdio handshake failed: %v", handshakeErr)
			if env.Status == envelope.StatusSucceeded {
				env.Status = envelope.StatusFailed
			}
		}
		// Only an explicit cancel maps to cancelled; a deadline expiry
		// stays a failure for the caller to classify.
		switch {
		case watchdog.expired():
			env.Status = envelope.StatusFailed
			env.Error = fmt.Sprintf("idle timeout: no output for %s", req.IdleTimeout)
		case errors.Is(ctx.Err(), context.Canceled):
			env.Status = envelope.StatusCancelled
		}
		chunks <- Chunk{Envelope: env}
	}()

	return chunks, nil
}

// appendTail keeps the last max lines of output for envelope extraction.
func appendTail(tail []string, line string, max int) []string {
	tail = append(tail, line)
	if len(tail) > max {
		tail = tail[len(tail)-max:]
	}
	return tail
}

// exitCodeOf extracts a process exit code from a Wait error.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return 1
}

// terminate sends SIGTERM, waits out the grace window, then SIGKILL.
func terminate(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	// Kill on an already-exited process is a harmless no-op.
	time.AfterFunc(grace, func() {
		_ = cmd.Process.Kill()
	})
}

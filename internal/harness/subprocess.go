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
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/agentsdashboard/agentsd/internal/envelope"
	"github.com/agentsdashboard/agentsd/internal/harness/mode"
)

// SubprocessRuntime runs a harness as a plain child process: the prompt
// goes in on stdin, combined output streams out as chunks, and the
// terminal envelope is parsed from the stdout tail.
type SubprocessRuntime struct {
	Grace time.Duration
}

// NewSubprocessRuntime creates the subprocess runtime with a 10s kill
// grace.
func NewSubprocessRuntime() *SubprocessRuntime {
	return &SubprocessRuntime{Grace: 10 * time.Second}
}

// Name implements Runtime.
func (r *SubprocessRuntime) Name() string { return "subprocess" }

// Select implements Runtime.
func (r *SubprocessRuntime) Select(req *Request) mode.Policy {
	return resolvePolicy(req)
}

// Run implements Runtime.
func (r *SubprocessRuntime) Run(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("subprocess runtime requires a command")
	}
	policy := r.Select(req)

	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = req.WorkDir
	cmd.Env = environ(req, policy)
	cmd.Stdin = strings.NewReader(decoratePrompt(req.Prompt, policy))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start harness: %w", err)
	}

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

		// Stderr is drained concurrently so the child never blocks on a
		// full pipe; it feeds the synthetic envelope on failure.
		stderrCh := make(chan string, 1)
		go func() {
			data, _ := io.ReadAll(stderrPipe)
			stderrCh <- string(data)
		}()

		var tail []string
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			watchdog.reset()
			line := scanner.Text()
			tail = appendTail(tail, line, 64)
			chunks <- Chunk{Text: line}
		}

		stderrText := <-stderrCh
		waitErr := cmd.Wait()
		close(done)

		env := envelope.FromOutput(strings.Join(tail, "\n"), stderrText, exitCodeOf(waitErr))
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

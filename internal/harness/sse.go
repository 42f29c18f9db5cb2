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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentsdashboard/agentsd/internal/envelope"
	"github.com/agentsdashboard/agentsd/internal/harness/mode"
)

// SSERuntime streams session events from the harness's embedded HTTP
// server over server-sent events. The stream terminates when the harness
// emits a run.completed event or closes the connection.
type SSERuntime struct {
	client *http.Client
}

// NewSSERuntime creates the SSE runtime. A nil client uses a default
// with no overall timeout; per-run deadlines come from the context.
func NewSSERuntime(client *http.Client) *SSERuntime {
	if client == nil {
		client = &http.Client{}
	}
	return &SSERuntime{client: client}
}

// Name implements Runtime.
func (r *SSERuntime) Name() string { return "sse" }

// Select implements Runtime.
func (r *SSERuntime) Select(req *Request) mode.Policy {
	return resolvePolicy(req)
}

// ssePrompt is the submission posted before attaching to the stream.
type ssePrompt struct {
	Prompt string `json:"prompt"`
	Agent  string `json:"agent,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

// Run implements Runtime.
func (r *SSERuntime) Run(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if req.Endpoint == "" {
		return nil, fmt.Errorf("sse runtime requires an endpoint")
	}
	policy := r.Select(req)

	if err := r.submit(ctx, req, policy); err != nil {
		return nil, err
	}

	streamURL := strings.TrimRight(req.Endpoint, "/") + "/events"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	chunks := make(chan Chunk, 64)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		// Closing the body unblocks the scanner when the stream idles out.
		watchdog := newIdleWatchdog(req.IdleTimeout, func() { resp.Body.Close() })
		defer watchdog.stop()

		var terminal *envelope.Envelope
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			watchdog.reset()
			line := scanner.Text()
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				// Comment lines and event/id fields are not payload.
				continue
			}
			data = strings.TrimSpace(data)
			if data == "" {
				continue
			}

			chunks <- Chunk{Text: data}

			if env, done := sseTerminal(data); done {
				terminal = env
				break
			}
		}

		if terminal == nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				terminal = &envelope.Envelope{Status: envelope.StatusCancelled, Synthetic: true}
			} else {
				// Stream closed without a completion event.
				terminal = envelope.Synthesize("", "event stream closed before run completed", 1)
			}
		}
		switch {
		case watchdog.expired():
			terminal = &envelope.Envelope{
				Status:    envelope.StatusFailed,
				Error:     fmt.Sprintf("idle timeout: no events for %s", req.IdleTimeout),
				ExitCode:  1,
				Synthetic: true,
			}
		case errors.Is(ctx.Err(), context.Canceled):
			terminal.Status = envelope.StatusCancelled
		}
		chunks <- Chunk{Envelope: terminal}
	}()

	return chunks, nil
}

// submit posts the decorated prompt to the harness session endpoint.
func (r *SSERuntime) submit(ctx context.Context, req *Request, policy mode.Policy) error {
	body, err := json.Marshal(ssePrompt{
		Prompt: decoratePrompt(req.Prompt, policy),
		Agent:  policy.Agent,
		Mode:   string(policy.Mode),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal prompt: %w", err)
	}

	submitURL := strings.TrimRight(req.Endpoint, "/") + "/prompt"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, submitURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build prompt request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	submitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	resp, err := r.client.Do(httpReq.WithContext(submitCtx))
	if err != nil {
		return fmt.Errorf("failed to submit prompt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("prompt submission returned status %d", resp.StatusCode)
	}
	return nil
}

// sseTerminal decodes a data frame and, when it signals completion,
// builds the terminal envelope from its payload.
func sseTerminal(data string) (*envelope.Envelope, bool) {
	var frame struct {
		Type    string `json:"type"`
		Status  string `json:"status"`
		Summary string `json:"summary"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		return nil, false
	}
	switch frame.Type {
	case "run.completed", "run_completed", "completion":
	default:
		return nil, false
	}

	status := envelope.Status(frame.Status)
	exit := 0
	switch status {
	case envelope.StatusSucceeded, envelope.StatusCancelled, envelope.StatusPendingApproval:
	case envelope.StatusFailed:
		exit = 1
	default:
		if frame.Error != "" {
			status, exit = envelope.StatusFailed, 1
		} else {
			status = envelope.StatusSucceeded
		}
	}
	return &envelope.Envelope{
		Status:   status,
		Summary:  frame.Summary,
		Error:    frame.Error,
		ExitCode: exit,
	}, true
}

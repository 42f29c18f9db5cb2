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

// Package envelope parses and normalises the terminal JSON object a
// harness emits and the structured event wire format it streams.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the harness-reported outcome of a run.
type Status string

const (
	StatusSucceeded       Status = "succeeded"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusPendingApproval Status = "pending-approval"
)

// Envelope is the terminal JSON object describing a run's outcome.
type Envelope struct {
	Status    Status            `json:"status"`
	Summary   string            `json:"summary,omitempty"`
	Error     string            `json:"error,omitempty"`
	Artifacts []string          `json:"artifacts,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// ExitCode is recorded by the runtime, not part of the wire object.
	ExitCode int `json:"-"`
	// Synthetic marks envelopes constructed from raw process output.
	Synthetic bool `json:"-"`
}

// Succeeded reports whether the envelope and exit code agree on success.
func (e *Envelope) Succeeded() bool {
	return e.Status == StatusSucceeded && e.ExitCode == 0
}

// Parse decodes an envelope from a single JSON document.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	switch env.Status {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusPendingApproval:
	case "":
		return nil, fmt.Errorf("envelope missing status")
	default:
		return nil, fmt.Errorf("unrecognised envelope status %q", env.Status)
	}
	return &env, nil
}

// FromOutput extracts the envelope from a harness's stdout. Harnesses
// log freely before the terminal object, so the last well-formed JSON
// object line that parses as an envelope wins. If no line parses, a
// synthetic envelope is built from the exit code per Synthesize.
func FromOutput(stdout, stderr string, exitCode int) *Envelope {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			continue
		}
		env, err := Parse([]byte(line))
		if err != nil {
			continue
		}
		env.ExitCode = exitCode
		return env
	}
	return Synthesize(stdout, stderr, exitCode)
}

// Synthesize wraps raw process output into an envelope when the harness
// emitted no parseable terminal object. A zero exit code succeeds,
// anything else fails with stderr (or stdout) as the error text.
func Synthesize(stdout, stderr string, exitCode int) *Envelope {
	env := &Envelope{
		ExitCode:  exitCode,
		Synthetic: true,
		Summary:   truncate(strings.TrimSpace(stdout), 2048),
	}
	if exitCode == 0 {
		env.Status = StatusSucceeded
		return env
	}
	env.Status = StatusFailed
	errText := strings.TrimSpace(stderr)
	if errText == "" {
		errText = strings.TrimSpace(stdout)
	}
	env.Error = truncate(errText, 2048)
	return env
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsdashboard/agentsd/internal/envelope"
)

// drain collects the stream, returning text lines and the terminal
// envelope.
func drain(t *testing.T, chunks <-chan Chunk) ([]string, *envelope.Envelope) {
	t.Helper()
	var texts []string
	var env *envelope.Envelope
	for c := range chunks {
		if c.Envelope != nil {
			env = c.Envelope
			continue
		}
		if c.Text != "" {
			texts = append(texts, c.Text)
		}
	}
	require.NotNil(t, env)
	return texts, env
}

func TestSubprocessStreamsAndParsesEnvelope(t *testing.T) {
	rt := NewSubprocessRuntime()
	req := &Request{
		RunID: "r1", Harness: "zai",
		Command: []string{"sh", "-c", `echo working; echo '{"status":"succeeded","summary":"done"}'`},
		WorkDir: t.TempDir(),
	}

	chunks, err := rt.Run(context.Background(), req)
	require.NoError(t, err)

	texts, env := drain(t, chunks)
	assert.Contains(t, texts, "working")
	assert.Equal(t, envelope.StatusSucceeded, env.Status)
	assert.Equal(t, "done", env.Summary)
}

func TestSubprocessIdleTimeoutFailsRun(t *testing.T) {
	rt := NewSubprocessRuntime()
	rt.Grace = 100 * time.Millisecond
	req := &Request{
		RunID: "r1", Harness: "zai",
		Command:     []string{"sh", "-c", "echo once; exec sleep 30"},
		WorkDir:     t.TempDir(),
		IdleTimeout: 200 * time.Millisecond,
	}

	chunks, err := rt.Run(context.Background(), req)
	require.NoError(t, err)

	_, env := drain(t, chunks)
	assert.Equal(t, envelope.StatusFailed, env.Status)
	assert.Contains(t, env.Error, "idle timeout")
}

func TestSubprocessCancelEndsCancelled(t *testing.T) {
	rt := NewSubprocessRuntime()
	rt.Grace = 100 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	req := &Request{
		RunID: "r1", Harness: "zai",
		Command: []string{"sh", "-c", "exec sleep 30"},
		WorkDir: t.TempDir(),
	}

	chunks, err := rt.Run(ctx, req)
	require.NoError(t, err)
	cancel()

	_, env := drain(t, chunks)
	assert.Equal(t, envelope.StatusCancelled, env.Status)
}

func TestSubprocessDeadlineIsNotCancellation(t *testing.T) {
	rt := NewSubprocessRuntime()
	rt.Grace = 100 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	req := &Request{
		RunID: "r1", Harness: "zai",
		Command: []string{"sh", "-c", "exec sleep 30"},
		WorkDir: t.TempDir(),
	}

	chunks, err := rt.Run(ctx, req)
	require.NoError(t, err)

	// A deadline expiry is a failure the caller classifies, never an
	// operator cancel.
	_, env := drain(t, chunks)
	assert.NotEqual(t, envelope.StatusCancelled, env.Status)
	assert.Equal(t, envelope.StatusFailed, env.Status)
}

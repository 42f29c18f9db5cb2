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

package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	env, err := Parse([]byte(`{"status":"succeeded","summary":"fixed the bug","artifacts":["fix.patch"]}`))
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, env.Status)
	assert.Equal(t, "fixed the bug", env.Summary)
	assert.Equal(t, []string{"fix.patch"}, env.Artifacts)

	_, err = Parse([]byte(`{"summary":"no status"}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"status":"exploded"}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestFromOutputLastObjectWins(t *testing.T) {
	stdout := `starting up
{"status":"failed","error":"first attempt"}
some log noise {not json}
{"status":"succeeded","summary":"done"}
trailing banner`

	env := FromOutput(stdout, "", 0)
	require.NotNil(t, env)
	assert.Equal(t, StatusSucceeded, env.Status)
	assert.Equal(t, "done", env.Summary)
	assert.False(t, env.Synthetic)
	assert.True(t, env.Succeeded())
}

func TestFromOutputToleratesNoise(t *testing.T) {
	stdout := `{"level":"info","msg":"harness log line"}
{"status":"failed","error":"lint failed"}`

	env := FromOutput(stdout, "", 2)
	require.NotNil(t, env)
	assert.Equal(t, StatusFailed, env.Status)
	assert.Equal(t, "lint failed", env.Error)
	assert.Equal(t, 2, env.ExitCode)
}

func TestSynthesize(t *testing.T) {
	env := Synthesize("all good", "", 0)
	assert.Equal(t, StatusSucceeded, env.Status)
	assert.True(t, env.Synthetic)
	assert.Equal(t, "all good", env.Summary)

	env = Synthesize("partial output", "boom", 3)
	assert.Equal(t, StatusFailed, env.Status)
	assert.Equal(t, "boom", env.Error)
	assert.Equal(t, 3, env.ExitCode)

	// stderr empty: stdout becomes the error text.
	env = Synthesize("it broke here", "", 1)
	assert.Equal(t, "it broke here", env.Error)
}

func TestSucceededRequiresAgreement(t *testing.T) {
	env := &Envelope{Status: StatusSucceeded, ExitCode: 1}
	assert.False(t, env.Succeeded())
}

func TestDecodeWire(t *testing.T) {
	raw, err := EncodeWire(&WireEvent{Sequence: 7, Type: "reasoning", Content: "thinking"})
	require.NoError(t, err)

	ev, ok := DecodeWire(string(raw))
	require.True(t, ok)
	assert.Equal(t, int64(7), ev.Sequence)
	assert.Equal(t, "reasoning", ev.Type)
	assert.Equal(t, WireMarker, ev.Marker)

	_, ok = DecodeWire("plain log line")
	assert.False(t, ok)

	_, ok = DecodeWire(`{"marker":"something-else","type":"reasoning"}`)
	assert.False(t, ok)

	_, ok = DecodeWire(`{"marker":"` + WireMarker + `" broken json`)
	assert.False(t, ok)
}

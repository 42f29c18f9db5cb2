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
	"encoding/json"
	"strings"
)

// WireMarker identifies a structured harness runtime event line. Any
// line without the literal marker is treated as a raw log line.
const WireMarker = "agentsdashboard.harness-runtime-event.v1"

// WireEvent is one newline-delimited structured event emitted by a
// harness runtime.
type WireEvent struct {
	Marker   string            `json:"marker"`
	Sequence int64             `json:"sequence"`
	Type     string            `json:"type"`
	Content  string            `json:"content,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DecodeWire decodes a chunk as a structured wire event. ok is false for
// anything that is not a JSON object carrying the literal marker.
func DecodeWire(line string) (*WireEvent, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return nil, false
	}
	// Cheap pre-check before unmarshalling arbitrary log noise.
	if !strings.Contains(line, WireMarker) {
		return nil, false
	}

	var ev WireEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return nil, false
	}
	if ev.Marker != WireMarker {
		return nil, false
	}
	return &ev, true
}

// EncodeWire encodes a wire event as a single JSON line, stamping the
// marker.
func EncodeWire(ev *WireEvent) ([]byte, error) {
	ev.Marker = WireMarker
	return json.Marshal(ev)
}

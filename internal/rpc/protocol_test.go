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

package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestRoundTrip(t *testing.T) {
	req, err := NewRequest(MethodDispatchJob, &DispatchJobParams{
		RunID: "r1", TaskID: "t1", Harness: "codex",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, req.CorrelationID)
	require.NoError(t, req.Validate())

	raw, err := json.Marshal(req)
	require.NoError(t, err)

	parsed, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, req.CorrelationID, parsed.CorrelationID)
	assert.Equal(t, MethodDispatchJob, parsed.Method)

	var params DispatchJobParams
	require.NoError(t, parsed.UnmarshalParams(&params))
	assert.Equal(t, "r1", params.RunID)
	assert.Equal(t, "codex", params.Harness)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr error
	}{
		{
			name:    "missing correlation id",
			msg:     Message{Type: MessageTypeRequest, Method: "x"},
			wantErr: ErrMissingCorrelationID,
		},
		{
			name:    "request without method",
			msg:     Message{Type: MessageTypeRequest, CorrelationID: "c1"},
			wantErr: ErrInvalidMessage,
		},
		{
			name:    "handshake without version",
			msg:     Message{Type: MessageTypeHandshake, CorrelationID: "c1"},
			wantErr: ErrInvalidMessage,
		},
		{
			name:    "stream without stream id",
			msg:     Message{Type: MessageTypeStream, CorrelationID: "c1"},
			wantErr: ErrInvalidMessage,
		},
		{
			name:    "unknown type",
			msg:     Message{Type: "telegram", CorrelationID: "c1"},
			wantErr: ErrInvalidMessage,
		},
		{
			name: "response needs only correlation id",
			msg:  Message{Type: MessageTypeResponse, CorrelationID: "c1"},
		},
		{
			name: "error frame",
			msg:  Message{Type: MessageTypeError, CorrelationID: "c1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestParseMessageRejectsGarbage(t *testing.T) {
	_, err := ParseMessage([]byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestNewResponse(t *testing.T) {
	resp, err := NewResponse("c1", &Ack{OK: true, Message: "run-42"})
	require.NoError(t, err)
	require.NoError(t, resp.Validate())
	assert.Equal(t, "c1", resp.CorrelationID)

	var ack Ack
	require.NoError(t, json.Unmarshal(resp.Result, &ack))
	assert.True(t, ack.OK)
	assert.Equal(t, "run-42", ack.Message)
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse("c1", "unauthorized", "bad token")
	require.NoError(t, resp.Validate())
	assert.Equal(t, MessageTypeError, resp.Type)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "unauthorized", resp.Error.Code)
}

func TestNewStreamMessage(t *testing.T) {
	frame, err := NewStreamMessage("c1", "s1", map[string]any{"seq": 1}, false)
	require.NoError(t, err)
	require.NoError(t, frame.Validate())
	assert.False(t, frame.StreamDone)

	final, err := NewStreamMessage("c1", "s1", nil, true)
	require.NoError(t, err)
	require.NoError(t, final.Validate())
	assert.True(t, final.StreamDone)
	assert.Nil(t, final.Result)
}

func TestNewHandshake(t *testing.T) {
	hs := NewHandshake()
	require.NoError(t, hs.Validate())
	assert.Equal(t, ProtocolVersion, hs.Version)
}

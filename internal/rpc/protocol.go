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

// Package rpc is the dispatch plane between the control daemon and
// runtime hosts: newline-delimited JSON messages over TCP or a unix
// socket, with correlation ids and streamed responses.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ProtocolVersion is negotiated in the handshake. Connections offering
// anything else are refused.
const ProtocolVersion = "1.0"

var (
	ErrInvalidMessage       = errors.New("rpc: invalid message format")
	ErrMissingCorrelationID = errors.New("rpc: missing correlation ID")
	ErrUnsupportedVersion   = errors.New("rpc: unsupported protocol version")
	ErrMethodNotFound       = errors.New("rpc: method not found")
)

// MessageType identifies the type of RPC message.
type MessageType string

const (
	MessageTypeRequest   MessageType = "request"
	MessageTypeResponse  MessageType = "response"
	MessageTypeStream    MessageType = "stream"
	MessageTypeError     MessageType = "error"
	MessageTypeHandshake MessageType = "handshake"
)

// Methods exposed by the dispatch plane.
const (
	MethodDispatchJob        = "dispatch.job"
	MethodDispatchCancel     = "dispatch.cancel"
	MethodEventsSubscribe    = "events.subscribe"
	MethodWorkerHeartbeat    = "worker.heartbeat"
	MethodContainerKill      = "container.kill"
	MethodContainerReconcile = "container.reconcile"
)

// Message is the wire frame. One JSON object per line.
type Message struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlationId"`
	Version       string          `json:"version,omitempty"`
	Method        string          `json:"method,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *ErrorResponse  `json:"error,omitempty"`
	StreamID      string          `json:"streamId,omitempty"`
	StreamDone    bool            `json:"streamDone,omitempty"`
}

// ErrorResponse carries structured error information.
type ErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// NewRequest creates a request with a fresh correlation id.
func NewRequest(method string, params any) (*Message, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = data
	}
	return &Message{
		Type:          MessageTypeRequest,
		CorrelationID: uuid.NewString(),
		Method:        method,
		Params:        raw,
	}, nil
}

// NewResponse answers a request.
func NewResponse(correlationID string, result any) (*Message, error) {
	var raw json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		raw = data
	}
	return &Message{
		Type:          MessageTypeResponse,
		CorrelationID: correlationID,
		Result:        raw,
	}, nil
}

// NewErrorResponse answers a request with an error.
func NewErrorResponse(correlationID, code, message string) *Message {
	return &Message{
		Type:          MessageTypeError,
		CorrelationID: correlationID,
		Error:         &ErrorResponse{Code: code, Message: message},
	}
}

// NewStreamMessage emits one element of a streamed response. done marks
// the final frame; its payload may be empty.
func NewStreamMessage(correlationID, streamID string, data any, done bool) (*Message, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stream data: %w", err)
		}
		raw = b
	}
	return &Message{
		Type:          MessageTypeStream,
		CorrelationID: correlationID,
		StreamID:      streamID,
		Result:        raw,
		StreamDone:    done,
	}, nil
}

// NewHandshake opens version negotiation.
func NewHandshake() *Message {
	return &Message{
		Type:          MessageTypeHandshake,
		CorrelationID: uuid.NewString(),
		Version:       ProtocolVersion,
	}
}

// Validate checks that the message is well-formed for its type.
func (m *Message) Validate() error {
	if m.CorrelationID == "" {
		return ErrMissingCorrelationID
	}
	switch m.Type {
	case MessageTypeRequest:
		if m.Method == "" {
			return fmt.Errorf("%w: missing method", ErrInvalidMessage)
		}
	case MessageTypeHandshake:
		if m.Version == "" {
			return fmt.Errorf("%w: missing version", ErrInvalidMessage)
		}
	case MessageTypeStream:
		if m.StreamID == "" {
			return fmt.Errorf("%w: missing stream ID", ErrInvalidMessage)
		}
	case MessageTypeResponse, MessageTypeError:
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// UnmarshalParams decodes the params field into v.
func (m *Message) UnmarshalParams(v any) error {
	if m.Params == nil {
		return nil
	}
	return json.Unmarshal(m.Params, v)
}

// ParseMessage decodes and validates one frame.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/agentsdashboard/agentsd/pkg/types"
)

// ErrClientClosed is returned on calls after Close.
var ErrClientClosed = errors.New("rpc: client closed")

// Client is one dispatch-plane connection.
type Client struct {
	conn net.Conn
	enc  *json.Encoder

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *Message
	streams map[string]chan *Message
	closed  bool
}

// Dial connects, performs the handshake and starts the read loop.
func Dial(ctx context.Context, addr, authToken string) (*Client, error) {
	network, target := splitAddr(addr)
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, target)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:    conn,
		enc:     json.NewEncoder(conn),
		pending: make(map[string]chan *Message),
		streams: make(map[string]chan *Message),
	}

	hello := NewHandshake()
	if authToken != "" {
		raw, err := json.Marshal(map[string]string{"token": authToken})
		if err != nil {
			conn.Close()
			return nil, err
		}
		hello.Params = raw
	}
	if err := c.send(hello); err != nil {
		conn.Close()
		return nil, err
	}

	// The handshake reply comes before the read loop starts.
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	if !scanner.Scan() {
		conn.Close()
		return nil, fmt.Errorf("rpc: connection closed during handshake")
	}
	reply, err := ParseMessage(scanner.Bytes())
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply.Type == MessageTypeError {
		conn.Close()
		return nil, fmt.Errorf("rpc: handshake refused: %s", reply.Error.Message)
	}
	if reply.Type != MessageTypeHandshake || reply.Version != ProtocolVersion {
		conn.Close()
		return nil, ErrUnsupportedVersion
	}

	go c.readLoop(scanner)
	return c, nil
}

// Close drops the connection and fails all pending calls.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	for id, ch := range c.streams {
		close(ch)
		delete(c.streams, id)
	}
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) send(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.enc.Encode(msg)
}

// readLoop routes incoming frames to waiting calls and streams.
func (c *Client) readLoop(scanner *bufio.Scanner) {
	for scanner.Scan() {
		msg, err := ParseMessage(scanner.Bytes())
		if err != nil {
			continue
		}
		c.mu.Lock()
		switch msg.Type {
		case MessageTypeResponse, MessageTypeError:
			if ch, ok := c.pending[msg.CorrelationID]; ok {
				delete(c.pending, msg.CorrelationID)
				ch <- msg
				close(ch)
			}
		case MessageTypeStream:
			if ch, ok := c.streams[msg.CorrelationID]; ok {
				select {
				case ch <- msg:
				default:
				}
				if msg.StreamDone {
					delete(c.streams, msg.CorrelationID)
					close(ch)
				}
			}
		}
		c.mu.Unlock()
	}
	c.Close()
}

// Call performs a unary request and decodes the result into out.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	req, err := NewRequest(method, params)
	if err != nil {
		return err
	}

	ch := make(chan *Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	c.pending[req.CorrelationID] = ch
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.CorrelationID)
		c.mu.Unlock()
		return err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.CorrelationID)
		c.mu.Unlock()
		return ctx.Err()
	case reply, ok := <-ch:
		if !ok || reply == nil {
			return ErrClientClosed
		}
		if reply.Type == MessageTypeError {
			return fmt.Errorf("rpc: %s: %s", reply.Error.Code, reply.Error.Message)
		}
		if out == nil || reply.Result == nil {
			return nil
		}
		return json.Unmarshal(reply.Result, out)
	}
}

// DispatchJob asks the remote to execute a run.
func (c *Client) DispatchJob(ctx context.Context, p *DispatchJobParams) (*Ack, error) {
	var ack Ack
	if err := c.Call(ctx, MethodDispatchJob, p, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// CancelJob cancels a running job.
func (c *Client) CancelJob(ctx context.Context, runID string) (*Ack, error) {
	var ack Ack
	if err := c.Call(ctx, MethodDispatchCancel, &CancelJobParams{RunID: runID}, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Heartbeat reports worker liveness.
func (c *Client) Heartbeat(ctx context.Context, p *HeartbeatParams) (*Ack, error) {
	var ack Ack
	if err := c.Call(ctx, MethodWorkerHeartbeat, p, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// KillContainer force-stops a run's sandbox.
func (c *Client) KillContainer(ctx context.Context, runID string) (*Ack, error) {
	var ack Ack
	if err := c.Call(ctx, MethodContainerKill, &KillContainerParams{RunID: runID}, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// Reconcile triggers an orphan-container reconciliation pass.
func (c *Client) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	var report ReconcileReport
	if err := c.Call(ctx, MethodContainerReconcile, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// SubscribeEvents opens a structured-event stream for a run. The
// returned channel closes when the stream ends; cancel releases it
// early.
func (c *Client) SubscribeEvents(ctx context.Context, runID string, afterSeq int64) (<-chan *types.StructuredEvent, func(), error) {
	req, err := NewRequest(MethodEventsSubscribe, &SubscribeEventsParams{RunID: runID, AfterSeq: afterSeq})
	if err != nil {
		return nil, nil, err
	}

	frames := make(chan *Message, 64)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, nil, ErrClientClosed
	}
	c.streams[req.CorrelationID] = frames
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		c.mu.Lock()
		delete(c.streams, req.CorrelationID)
		c.mu.Unlock()
		return nil, nil, err
	}

	out := make(chan *types.StructuredEvent, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}
				if frame.Result == nil {
					continue
				}
				var ev types.StructuredEvent
				if err := json.Unmarshal(frame.Result, &ev); err != nil {
					continue
				}
				select {
				case out <- &ev:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			if ch, ok := c.streams[req.CorrelationID]; ok {
				delete(c.streams, req.CorrelationID)
				close(ch)
			}
			c.mu.Unlock()
			close(done)
		})
	}
	return out, cancel, nil
}

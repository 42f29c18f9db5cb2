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
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/agentsdashboard/agentsd/pkg/types"
)

// maxFrameBytes bounds one newline-delimited frame.
const maxFrameBytes = 4 << 20

// ErrServerClosed is returned after Close.
var ErrServerClosed = errors.New("rpc: server closed")

// Backend implements the dispatch-plane methods. The daemon wires this
// to the dispatcher, pipeline and container manager.
type Backend interface {
	DispatchJob(ctx context.Context, p *DispatchJobParams) (*Ack, error)
	CancelJob(ctx context.Context, runID string) (*Ack, error)
	SubscribeEvents(ctx context.Context, runID string, afterSeq int64) (<-chan *types.StructuredEvent, func(), error)
	Heartbeat(ctx context.Context, p *HeartbeatParams) (*Ack, error)
	KillContainer(ctx context.Context, runID string) (*Ack, error)
	Reconcile(ctx context.Context) (*ReconcileReport, error)
}

// ServerConfig configures the RPC listener.
type ServerConfig struct {
	// Addr is "tcp:host:port" or "unix:/path/to.sock".
	Addr string
	// AuthToken, when set, must be presented in the handshake.
	AuthToken string
	Logger    *slog.Logger
}

// Server accepts dispatch-plane connections.
type Server struct {
	backend Backend
	cfg     ServerConfig
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

// NewServer creates a server for the given backend.
func NewServer(backend Backend, cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "rpc")),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the configured address and serves until ctx is cancelled
// or Close is called.
func (s *Server) Listen(ctx context.Context) error {
	network, addr := splitAddr(s.cfg.Addr)
	listener, err := net.Listen(network, addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("rpc server listening", "addr", s.cfg.Addr)

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.serveConn(ctx, conn)
	}
}

// Close stops the listener and drops all connections.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
}

// splitAddr parses "tcp:host:port" / "unix:/path", defaulting to tcp.
func splitAddr(addr string) (network, target string) {
	if rest, ok := strings.CutPrefix(addr, "unix:"); ok {
		return "unix", rest
	}
	if rest, ok := strings.CutPrefix(addr, "tcp:"); ok {
		return "tcp", rest
	}
	return "tcp", addr
}

// conn wraps a connection with a write lock so handler goroutines and
// stream writers interleave whole frames.
type serverConn struct {
	raw net.Conn
	enc *json.Encoder
	mu  sync.Mutex
}

func (c *serverConn) send(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(msg)
}

// serveConn performs the handshake then dispatches request frames.
func (s *Server) serveConn(ctx context.Context, raw net.Conn) {
	defer func() {
		raw.Close()
		s.mu.Lock()
		delete(s.conns, raw)
		s.mu.Unlock()
	}()

	conn := &serverConn{raw: raw, enc: json.NewEncoder(raw)}
	scanner := bufio.NewScanner(raw)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	if !s.handshake(conn, scanner) {
		return
	}

	for scanner.Scan() {
		msg, err := ParseMessage(scanner.Bytes())
		if err != nil {
			s.logger.Warn("dropping invalid frame", "error", err)
			continue
		}
		if msg.Type != MessageTypeRequest {
			continue
		}
		go s.handle(ctx, conn, msg)
	}
}

// handshake reads the opening frame, checks version and token, and
// replies in kind.
func (s *Server) handshake(conn *serverConn, scanner *bufio.Scanner) bool {
	if !scanner.Scan() {
		return false
	}
	msg, err := ParseMessage(scanner.Bytes())
	if err != nil || msg.Type != MessageTypeHandshake {
		s.logger.Warn("connection opened without handshake")
		return false
	}
	if msg.Version != ProtocolVersion {
		_ = conn.send(NewErrorResponse(msg.CorrelationID, "unsupported_version",
			ErrUnsupportedVersion.Error()))
		return false
	}
	if s.cfg.AuthToken != "" {
		var p struct {
			Token string `json:"token"`
		}
		_ = msg.UnmarshalParams(&p)
		if subtle.ConstantTimeCompare([]byte(p.Token), []byte(s.cfg.AuthToken)) != 1 {
			_ = conn.send(NewErrorResponse(msg.CorrelationID, "unauthorized", "invalid token"))
			return false
		}
	}
	reply := NewHandshake()
	reply.CorrelationID = msg.CorrelationID
	return conn.send(reply) == nil
}

// handle runs one request and writes its response or stream.
func (s *Server) handle(ctx context.Context, conn *serverConn, msg *Message) {
	var (
		result any
		err    error
	)

	switch msg.Method {
	case MethodDispatchJob:
		var p DispatchJobParams
		if err = msg.UnmarshalParams(&p); err == nil {
			result, err = s.backend.DispatchJob(ctx, &p)
		}
	case MethodDispatchCancel:
		var p CancelJobParams
		if err = msg.UnmarshalParams(&p); err == nil {
			result, err = s.backend.CancelJob(ctx, p.RunID)
		}
	case MethodWorkerHeartbeat:
		var p HeartbeatParams
		if err = msg.UnmarshalParams(&p); err == nil {
			result, err = s.backend.Heartbeat(ctx, &p)
		}
	case MethodContainerKill:
		var p KillContainerParams
		if err = msg.UnmarshalParams(&p); err == nil {
			result, err = s.backend.KillContainer(ctx, p.RunID)
		}
	case MethodContainerReconcile:
		result, err = s.backend.Reconcile(ctx)
	case MethodEventsSubscribe:
		s.streamEvents(ctx, conn, msg)
		return
	default:
		_ = conn.send(NewErrorResponse(msg.CorrelationID, "method_not_found",
			ErrMethodNotFound.Error()))
		return
	}

	if err != nil {
		_ = conn.send(NewErrorResponse(msg.CorrelationID, "request_failed", err.Error()))
		return
	}
	resp, err := NewResponse(msg.CorrelationID, result)
	if err != nil {
		_ = conn.send(NewErrorResponse(msg.CorrelationID, "marshal_failed", err.Error()))
		return
	}
	_ = conn.send(resp)
}

// streamEvents relays a run's structured events until the subscription
// closes or the connection drops.
func (s *Server) streamEvents(ctx context.Context, conn *serverConn, msg *Message) {
	var p SubscribeEventsParams
	if err := msg.UnmarshalParams(&p); err != nil {
		_ = conn.send(NewErrorResponse(msg.CorrelationID, "invalid_params", err.Error()))
		return
	}
	events, cancel, err := s.backend.SubscribeEvents(ctx, p.RunID, p.AfterSeq)
	if err != nil {
		_ = conn.send(NewErrorResponse(msg.CorrelationID, "subscribe_failed", err.Error()))
		return
	}
	defer cancel()

	streamID := p.RunID
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if final, err := NewStreamMessage(msg.CorrelationID, streamID, nil, true); err == nil {
					_ = conn.send(final)
				}
				return
			}
			frame, err := NewStreamMessage(msg.CorrelationID, streamID, ev, false)
			if err != nil {
				continue
			}
			if conn.send(frame) != nil {
				return
			}
		}
	}
}

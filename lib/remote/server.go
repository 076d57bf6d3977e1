// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/runhost/runhost/lib/codec"
)

// ActionFunc handles one request. raw is the full CBOR request map,
// including the "action" and "namespace" fields; the handler decodes
// its own fields from it. A non-nil result is CBOR-encoded into the
// response's data field.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Response is the envelope written back for every request.
type Response struct {
	OK    bool             `cbor:"ok"`
	Code  Code             `cbor:"code,omitempty"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

const (
	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second

	// MaxMessageSize bounds one request or response. File transfers
	// move at most filesurface.MaxReadLength per call, well below it.
	MaxMessageSize = 1024 * 1024
)

// Server answers one CBOR request per connection on a listener it is
// given, so the same code serves the coordinator's unix socket and a
// worker's tcp port. Every request must carry the server's namespace.
type Server struct {
	listener  net.Listener
	namespace string
	handlers  map[string]ActionFunc
	allowPeer func(Peer) bool
	logger    *slog.Logger

	active sync.WaitGroup
}

// NewServer wraps listener. Register actions with Handle before Serve.
func NewServer(listener net.Listener, namespace string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		listener:  listener,
		namespace: namespace,
		handlers:  make(map[string]ActionFunc),
		logger:    logger,
	}
}

// Handle registers handler for action. Panics on duplicates.
func (s *Server) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("remote.Server: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// RequirePeer limits the server to unix callers that allow accepts.
// Calls from anywhere else are refused with CodeForbidden. Set it
// before Serve.
func (s *Server) RequirePeer(allow func(Peer) bool) {
	s.allowPeer = allow
}

// Addr returns the listener's address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Close releases the listener of a server that will never Serve.
func (s *Server) Close() error { return s.listener.Close() }

// Serve accepts connections until ctx is cancelled, then closes the
// listener and waits for in-flight requests to finish.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	s.logger.Info("remote server listening", "address", s.listener.Addr().String())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.active.Wait()
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, MaxMessageSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, CodeBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var header struct {
		Action    string `cbor:"action"`
		Namespace string `cbor:"namespace"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, CodeBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	peer, hasPeer := peerOf(conn)
	if s.allowPeer != nil && (!hasPeer || !s.allowPeer(peer)) {
		s.logger.Warn("refusing caller", "action", header.Action, "uid", peer.UID, "pid", peer.PID)
		s.writeError(conn, CodeForbidden, "caller is not permitted on this endpoint")
		return
	}
	if header.Namespace != s.namespace {
		s.writeError(conn, CodeWrongNamespace, "request addressed to a different endpoint")
		return
	}
	if header.Action == "" {
		s.writeError(conn, CodeBadRequest, "missing required field: action")
		return
	}

	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeError(conn, CodeUnknownAction, fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	if hasPeer {
		ctx = WithPeer(ctx, peer)
	}
	result, err := handler(ctx, []byte(raw))
	if err != nil {
		code := CodeOf(err)
		s.logger.Debug("action failed", "action", header.Action, "code", code, "error", err)
		message := err.Error()
		var remoteError *Error
		if errors.As(err, &remoteError) && remoteError.Action == "" {
			message = remoteError.Message
		}
		s.writeError(conn, code, message)
		return
	}

	s.writeSuccess(conn, result)
}

func (s *Server) writeError(conn net.Conn, code Code, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{Code: code, Error: message}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

func (s *Server) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, CodeInternal, fmt.Sprintf("marshaling response: %v", err))
			return
		}
		response.Data = data
	}
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}

// Decode unmarshals a handler's raw request into request, reporting
// failures as CodeBadRequest.
func Decode(raw []byte, request any) error {
	if err := codec.Unmarshal(raw, request); err != nil {
		return Errorf(CodeBadRequest, "decoding request: %v", err)
	}
	return nil
}

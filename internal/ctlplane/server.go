// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ctlplane serves the binary control protocol that installs,
// modifies and removes filters while the datapath keeps matching.
package ctlplane

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"grimm.is/bricks/internal/errors"
	"grimm.is/bricks/internal/logging"
	"grimm.is/bricks/internal/metrics"
	"grimm.is/bricks/internal/protocol"
	"grimm.is/bricks/internal/table"
)

// Accept errors such as EMFILE are retried with a doubling delay.
const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Options configures a Server.
type Options struct {
	Table *table.Table
	// ReadTimeout bounds reading one request once its first byte arrived,
	// and writing its response.
	ReadTimeout time.Duration
	// IdleTimeout bounds the wait for the next request on a connection.
	IdleTimeout time.Duration
	// MaxConns bounds concurrent connections; further clients wait in the
	// accept backlog.
	MaxConns   int
	MaxPayload int
	Metrics    *metrics.Metrics
	Logger     *logging.Logger
}

// Server is the control-plane listener.
type Server struct {
	opts   Options
	logger *logging.Logger
	sem    chan struct{}

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server for opts.Table.
func NewServer(opts Options) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 64
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = 4096
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("ctlplane")
	}
	return &Server{
		opts:   opts,
		logger: logger,
		sem:    make(chan struct{}, opts.MaxConns),
		conns:  make(map[net.Conn]struct{}),
		done:   make(chan struct{}),
	}
}

// Start listens on addr (host:port) and serves in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "failed to listen on %s", addr)
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves on an existing listener in the background.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		listener.Close()
		return errors.New(errors.KindUnavailable, "server closed")
	}
	if s.listener != nil {
		return errors.New(errors.KindConflict, "server already started")
	}
	s.listener = listener

	s.logger.Info("control plane listening", "addr", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, closes open connections and waits for their
// handlers to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// Run serves until ctx is cancelled, then closes the server.
func (s *Server) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-s.done:
	}
	s.Close()
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	var backoff time.Duration
	for {
		select {
		case s.sem <- struct{}{}:
		case <-s.done:
			return
		}

		conn, err := listener.Accept()
		if err != nil {
			<-s.sem
			// If the listener is closed, we exit
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else if backoff *= 2; backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			s.logger.Error("accept failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
				continue
			case <-s.done:
				return
			}
		}
		backoff = 0

		if !s.track(conn) {
			<-s.sem
			conn.Close()
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			defer s.untrack(conn)
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("connection handler panicked", "remote", conn.RemoteAddr().String(), "panic", r)
				}
			}()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.opts.Metrics.ConnOpened()
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
	s.opts.Metrics.ConnClosed()
}

func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := s.logger.With("remote", remote)
	logger.Debug("connection accepted")

	br := bufio.NewReader(conn)
	for {
		// Wait for the next request under the idle timeout, then give the
		// rest of the message the read timeout.
		conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		if _, err := br.Peek(1); err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				logger.Debug("connection idle", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))

		frame, err := protocol.ReadFrame(br, s.opts.MaxPayload)
		if err != nil {
			if errors.Is(err, protocol.ErrFrameLength) {
				// The stream cannot be resynchronised; answer and hang up.
				logger.Warn("rejecting frame", "error", err)
				s.respond(conn, "frame", protocol.ErrorResponse(err))
				return
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				// The peer half-closed mid-frame; its read side is still open.
				logger.Warn("truncated request, closing", "error", err)
				s.respond(conn, "frame", protocol.ErrorResponse(errors.Wrap(err, errors.KindMalformed, "truncated request")))
				return
			}
			logger.Warn("incomplete request, closing", "error", err)
			return
		}

		var resp *protocol.Response
		op := "unknown"
		req, err := protocol.DecodeRequest(frame)
		if err != nil {
			logger.Warn("malformed request", "error", err)
			resp = protocol.ErrorResponse(err)
		} else {
			op = req.Op.String()
			resp = s.Handle(req)
		}

		if !s.respond(conn, op, resp) {
			return
		}
	}
}

func (s *Server) respond(conn net.Conn, op string, resp *protocol.Response) bool {
	s.opts.Metrics.ObserveControlRequest(op, resp.Status.String())
	conn.SetWriteDeadline(time.Now().Add(s.opts.ReadTimeout))
	if err := protocol.WriteResponse(conn, resp); err != nil {
		s.logger.Debug("failed to write response", "error", err)
		return false
	}
	return true
}

// Handle applies a decoded request to the table and builds its response.
func (s *Server) Handle(req *protocol.Request) *protocol.Response {
	id, err := s.apply(req)
	if err != nil {
		s.logger.Info("request rejected", "op", req.Op.String(), "error", err)
		return protocol.ErrorResponse(err)
	}

	resp := &protocol.Response{Status: protocol.StatusOK, ID: id}
	if req.Op == protocol.OpStats {
		rec, ok := s.opts.Table.Get(id)
		if !ok {
			return protocol.ErrorResponse(errors.Attr(errors.ErrFilterNotFound, "id", id))
		}
		c := rec.State.Snapshot()
		resp.Stats = &c
	}
	return resp
}

func (s *Server) apply(req *protocol.Request) (uint64, error) {
	tbl := s.opts.Table
	id := req.Params.ID

	switch req.Op {
	case protocol.OpInsert:
		rec, err := req.Record()
		if err != nil {
			return 0, err
		}
		return tbl.Insert(rec)

	case protocol.OpModify:
		rec, err := req.Record()
		if err != nil {
			return 0, err
		}
		if id != 0 {
			return tbl.Modify(id, rec)
		}
		return tbl.ModifyKey(rec.Key(), rec)

	case protocol.OpDelete:
		if id != 0 {
			return id, tbl.Remove(id)
		}
		key, err := req.Key()
		if err != nil {
			return 0, err
		}
		return tbl.RemoveKey(key)

	case protocol.OpStats:
		if id != 0 {
			return id, nil
		}
		key, err := req.Key()
		if err != nil {
			return 0, err
		}
		rec, ok := tbl.GetKey(key)
		if !ok {
			return 0, errors.Attr(errors.ErrFilterNotFound, "key", key.String())
		}
		return rec.ID, nil

	default:
		return 0, errors.Errorf(errors.KindMalformed, "unknown op %d", uint8(req.Op))
	}
}

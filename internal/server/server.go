// Package server accepts connections, authorizes the remote node against
// the allow list, and runs exactly one request/response exchange per
// connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"munin/internal/config"
	"munin/internal/logging"
	"munin/internal/metrics"
	"munin/internal/proto"
	"munin/internal/transport"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDispatchTimeout  = 25 * time.Second
	DefaultLingerTimeout    = 5 * time.Second
)

// Handler executes one decoded request. Failures of the action itself are
// reported inside the Response.
type Handler interface {
	Handle(ctx context.Context, req proto.Request) proto.Response
}

type HandlerFunc func(ctx context.Context, req proto.Request) proto.Response

func (f HandlerFunc) Handle(ctx context.Context, req proto.Request) proto.Response {
	return f(ctx, req)
}

// AllowSource yields the allow list as of now. *config.AllowList satisfies it.
type AllowSource interface {
	Snapshot() *config.AllowSnapshot
}

type Options struct {
	// HandshakeTimeout bounds authorization, stream accept and request read.
	HandshakeTimeout time.Duration
	// DispatchTimeout bounds the action handler.
	DispatchTimeout time.Duration
	// LingerTimeout bounds writing the response and waiting for the peer
	// to close after it.
	LingerTimeout time.Duration

	// ConnRate and ConnBurst shape the global accept rate; zero disables.
	ConnRate  float64
	ConnBurst int
	// MaxConnsPerIP caps concurrent connections per remote IP; zero disables.
	MaxConnsPerIP int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Server struct {
	allow   AllowSource
	handler Handler
	opts    Options
	admit   *admission
	metrics *metrics.Metrics
	log     *slog.Logger
	// one warning per unauthorized node per minute
	rejectLog *logging.Sampler
}

func New(allow AllowSource, h Handler, opts Options) *Server {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = DefaultDispatchTimeout
	}
	if opts.LingerTimeout <= 0 {
		opts.LingerTimeout = DefaultLingerTimeout
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	log := opts.Logger
	if log == nil {
		log = logging.For("server")
	}
	return &Server{
		allow:     allow,
		handler:   h,
		opts:      opts,
		admit:     newAdmission(opts.ConnRate, opts.ConnBurst, opts.MaxConnsPerIP),
		metrics:   m,
		log:       log,
		rejectLog: logging.NewSampler(time.Minute),
	}
}

func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Serve accepts connections until ctx is cancelled or the listener fails.
// Each connection is handled on its own goroutine with the allow list
// snapshot taken at accept time. Serve returns after in-flight
// connections finish; they are bounded by the configured timeouts, not by
// ctx.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	connCtx := context.WithoutCancel(ctx)
	s.log.Info("serving", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrListenerClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.metrics.IncAccepted()
		release, ok := s.admit.admit(hostOf(conn.RemoteAddr()))
		if !ok {
			s.metrics.IncRejected(proto.CodeRateLimited.String())
			if s.rejectLog.Allow("rate:" + hostOf(conn.RemoteAddr())) {
				s.log.Warn("connection rate limited", "addr", conn.RemoteAddr().String())
			}
			_ = conn.Close(proto.CodeRateLimited, "rate limited")
			continue
		}
		snap := s.allow.Snapshot()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer release()
			s.handle(connCtx, conn, snap)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn transport.Conn, snap *config.AllowSnapshot) {
	start := time.Now()
	done := s.metrics.ConnStarted()
	defer done()
	id := uuid.NewString()
	peer := conn.RemoteID()
	log := s.log.With("conn", id, "peer", peer.ShortString(), "addr", conn.RemoteAddr().String())
	rec := metrics.ConnRecord{ID: id, Peer: peer.String(), At: start.UTC()}

	code := s.serveConn(ctx, conn, snap, log, &rec)

	rec.Outcome = code.String()
	rec.Duration = time.Since(start)
	s.metrics.Recent().Add(rec)
	log.Debug("connection finished", "outcome", rec.Outcome, "request", rec.Request, "took", rec.Duration)
}

var errTimeout = errors.New("deadline exceeded")

// serveConn walks one connection through authorize, read, dispatch and
// respond, returning the code the connection was closed with.
func (s *Server) serveConn(ctx context.Context, conn transport.Conn, snap *config.AllowSnapshot, log *slog.Logger, rec *metrics.ConnRecord) proto.CloseCode {
	peer := conn.RemoteID()
	if !snap.Contains(peer) {
		s.metrics.IncRejected(proto.CodeUnauthorized.String())
		if s.rejectLog.Allow("auth:" + peer.String()) {
			log.Warn("rejected unauthorized node", "node", peer.String())
		}
		_ = conn.Close(proto.CodeUnauthorized, "unauthorized node")
		return proto.CodeUnauthorized
	}

	stream, req, err := s.readRequest(ctx, conn)
	if err != nil {
		var decErr *proto.DecodeError
		switch {
		case errors.Is(err, errTimeout):
			s.metrics.IncTimeout()
			log.Warn("timed out waiting for request")
			return proto.CodeTimeout
		case errors.As(err, &decErr):
			s.metrics.IncDecodeFailure()
			log.Warn("bad request", "err", err)
			_ = conn.Close(proto.CodeDecodeFailed, "decode failed")
			return proto.CodeDecodeFailed
		default:
			log.Info("read request failed", "err", err)
			_ = conn.Close(proto.CodeInternal, "read failed")
			return proto.CodeInternal
		}
	}
	rec.Request = req.Kind.String()
	s.metrics.IncDispatched(req.Kind.String())
	log.Info("dispatching", "request", req.String())

	resp, ok := s.dispatch(ctx, req, log)
	if !ok {
		s.metrics.IncTimeout()
		log.Warn("handler timed out", "request", req.String(), "timeout", s.opts.DispatchTimeout)
		_ = conn.Close(proto.CodeTimeout, "dispatch timeout")
		return proto.CodeTimeout
	}
	if resp.Failed() {
		s.metrics.IncHandlerError()
		log.Info("action failed", "request", req.String(), "status", resp.Status.String())
	}
	return s.respond(ctx, conn, stream, resp, log)
}

// readRequest accepts the single stream and reads the request from it
// within HandshakeTimeout. On expiry the connection is closed with
// CodeTimeout and errTimeout is returned.
func (s *Server) readRequest(ctx context.Context, conn transport.Conn) (transport.Stream, proto.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close(proto.CodeTimeout, "request timeout")
	})
	stream, err := conn.AcceptStream(ctx)
	var req proto.Request
	if err == nil {
		req, err = proto.ReadRequest(stream)
	}
	if !stop() {
		return nil, proto.Request{}, errTimeout
	}
	if err != nil {
		return nil, proto.Request{}, err
	}
	return stream, req, nil
}

// dispatch runs the handler under DispatchTimeout. A handler that ignores
// its context is abandoned; ok is false in that case.
func (s *Server) dispatch(ctx context.Context, req proto.Request, log *slog.Logger) (resp proto.Response, ok bool) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.DispatchTimeout)
	defer cancel()
	out := make(chan proto.Response, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("handler panicked", "request", req.String(), "panic", r)
				out <- proto.FailureResponse(proto.NewOperationError(proto.ErrKindUnknown, "internal error"))
			}
		}()
		out <- s.handler.Handle(ctx, req)
	}()
	select {
	case resp := <-out:
		return resp, true
	case <-ctx.Done():
		return proto.Response{}, false
	}
}

// respond writes resp, finishes the stream and lingers until the peer
// closes, so the response is not discarded by an early close.
func (s *Server) respond(ctx context.Context, conn transport.Conn, stream transport.Stream, resp proto.Response, log *slog.Logger) proto.CloseCode {
	ctx, cancel := context.WithTimeout(ctx, s.opts.LingerTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close(proto.CodeTimeout, "response timeout")
	})
	err := proto.WriteResponse(stream, resp)
	if errors.Is(err, proto.ErrPayloadTooLarge) {
		log.Warn("response too large", "kind", resp.Kind.String(), "err", err)
		err = proto.WriteResponse(stream, proto.FailureResponse(
			proto.NewOperationError(proto.ErrKindUnavailable, "response exceeds %d bytes", proto.MaxResponseSize)))
	}
	if err == nil {
		err = stream.CloseWrite()
	}
	if !stop() {
		s.metrics.IncTimeout()
		log.Warn("timed out writing response")
		return proto.CodeTimeout
	}
	if err != nil {
		log.Info("write response failed", "err", err)
		_ = conn.Close(proto.CodeInternal, "write failed")
		return proto.CodeInternal
	}
	select {
	case <-conn.Done():
	case <-ctx.Done():
		log.Debug("peer did not close after response")
	}
	_ = conn.Close(proto.CodeOK, "")
	return proto.CodeOK
}

package client

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"munin/internal/logging"
	"munin/internal/proto"
	"munin/internal/transport"
)

const (
	DefaultConcurrency     = 8
	DefaultExchangeTimeout = 30 * time.Second
)

type Options struct {
	// Concurrency caps simultaneous exchanges.
	Concurrency int
	// ExchangeTimeout bounds one target from connect to response.
	ExchangeTimeout time.Duration
	Logger          *slog.Logger
}

// Outcome is the result for one target: a Response (which may itself be a
// failed Status) or Err.
type Outcome struct {
	Target   Target
	Response proto.Response
	Err      error
	Took     time.Duration
}

// OK reports whether the exchange succeeded and the action did not fail.
func (o Outcome) OK() bool {
	return o.Err == nil && !o.Response.Failed()
}

type Dispatcher struct {
	dialer transport.Dialer
	opts   Options
	log    *slog.Logger
}

func NewDispatcher(d transport.Dialer, opts Options) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = DefaultExchangeTimeout
	}
	log := opts.Logger
	if log == nil {
		log = logging.For("client")
	}
	return &Dispatcher{dialer: d, opts: opts, log: log}
}

// Run sends req to every target and returns one outcome per target in the
// same order. Targets are independent: a failing one neither cancels nor
// delays the result of another beyond the concurrency cap.
func (d *Dispatcher) Run(ctx context.Context, targets []Target, req proto.Request) []Outcome {
	out := make([]Outcome, len(targets))
	var g errgroup.Group
	g.SetLimit(d.opts.Concurrency)
	for i, t := range targets {
		out[i].Target = t
		if t.Err != nil {
			out[i].Err = t.Err
			continue
		}
		g.Go(func() error {
			start := time.Now()
			resp, err := d.Exchange(ctx, t, req)
			out[i].Response, out[i].Err, out[i].Took = resp, err, time.Since(start)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Exchange performs one request/response round trip with t.
func (d *Dispatcher) Exchange(ctx context.Context, t Target, req proto.Request) (proto.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.ExchangeTimeout)
	defer cancel()
	label := t.Label()
	log := d.log.With("target", label, "request", req.Kind.String())

	conn, err := d.dialer.Connect(ctx, t.ID, t.Addrs)
	if err != nil {
		log.Debug("connect failed", "err", err)
		return proto.Response{}, classify(ctx, label, stageConnect, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close(proto.CodeTimeout, "exchange timeout")
	})
	defer stop()

	resp, err := exchange(ctx, conn, req)
	if err != nil {
		_ = conn.Close(proto.CodeInternal, "exchange failed")
		log.Debug("exchange failed", "err", err)
		return proto.Response{}, classify(ctx, label, stageExchange, err)
	}
	_ = conn.Close(proto.CodeOK, "")
	return resp, nil
}

func exchange(ctx context.Context, conn transport.Conn, req proto.Request) (proto.Response, error) {
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return proto.Response{}, err
	}
	if err := proto.WriteRequest(stream, req); err != nil {
		return proto.Response{}, err
	}
	if err := stream.CloseWrite(); err != nil {
		return proto.Response{}, err
	}
	return proto.ReadResponse(stream)
}

// Package client is the entry point for talking to a graph endpoint.
//
// A Client owns one multiplexed session and implements traversal.Submitter,
// so traversals built from its Source run remotely:
//
//	c, err := client.Dial(ctx, "ws://localhost:8182/gremlin", client.Options{})
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	g := c.Traversal()
//	titles, err := g.V("p1").Out("watched").Values("title").ToList(ctx)
//
// Every submission resolves exactly once, with results or a typed error from
// package errs.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sanonone/graphwire/pkg/config"
	"github.com/sanonone/graphwire/pkg/errs"
	"github.com/sanonone/graphwire/pkg/metrics"
	"github.com/sanonone/graphwire/pkg/transport"
	"github.com/sanonone/graphwire/pkg/traversal"
	"github.com/sanonone/graphwire/pkg/wire"
)

// Options configures a Client.
type Options struct {
	Transport transport.Options

	// RequestTimeout bounds each submission from send to terminal frame.
	// Zero means no deadline beyond the caller's context.
	RequestTimeout time.Duration

	// Processor selects the server-side evaluator. Defaults to
	// wire.DefaultProcessor.
	Processor string

	// Observer receives request lifecycle events. Defaults to LogObserver.
	Observer *Observer
	Logger   *slog.Logger
}

// Client submits traversals over one session.
type Client struct {
	session   *transport.Session
	opts      Options
	obs       Observer
	log       *slog.Logger
	wasOpen   atomic.Bool
	closeOnce atomic.Bool
}

// Dial connects to endpoint.
func Dial(ctx context.Context, endpoint string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Processor == "" {
		opts.Processor = wire.DefaultProcessor
	}
	c := &Client{opts: opts, log: opts.Logger}
	if opts.Observer != nil {
		c.obs = *opts.Observer
	} else {
		c.obs = LogObserver(opts.Logger)
	}

	topts := opts.Transport
	if topts.Logger == nil {
		topts.Logger = opts.Logger
	}
	userHook := topts.OnStateChange
	topts.OnStateChange = func(st transport.State) {
		if st == transport.Open && c.wasOpen.Swap(true) {
			metrics.Reconnects.Inc()
		}
		if userHook != nil {
			userHook(st)
		}
	}

	s, err := transport.Dial(ctx, endpoint, topts)
	if err != nil {
		return nil, err
	}
	c.session = s
	return c, nil
}

// FromConfig dials the endpoint described by cfg.
func FromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Client, error) {
	topts := transport.Options{
		HandshakeTimeout:   cfg.HandshakeTimeout,
		KeepAliveInterval:  cfg.KeepAlive,
		MaxReconnects:      cfg.Reconnect.MaxAttempts,
		ReconnectBaseDelay: cfg.Reconnect.BaseDelay,
		ReconnectMaxDelay:  cfg.Reconnect.MaxDelay,
		Username:           cfg.Username,
		Password:           cfg.Password,
		Logger:             logger,
	}
	if cfg.TLSSkipVerify {
		topts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return Dial(ctx, cfg.Endpoint, Options{
		Transport:      topts,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})
}

// Traversal returns a traversal source bound to c.
func (c *Client) Traversal() *traversal.Source { return traversal.NewSource(c) }

// Session exposes the underlying session.
func (c *Client) Session() *transport.Session { return c.session }

// Submit sends expr and waits for every result frame. It implements
// traversal.Submitter.
//
// When ctx ends first, the request is dropped locally and ctx.Err() is
// returned; the server is not told and may still finish the traversal.
func (c *Client) Submit(ctx context.Context, expr *traversal.Expression) ([]any, error) {
	if expr == nil {
		return nil, errs.New(errs.Encoding, "nil traversal")
	}
	req := &wire.Request{
		ID:         uuid.New(),
		Op:         wire.OpBytecode,
		Processor:  c.opts.Processor,
		Expression: expr,
	}
	return c.do(ctx, req)
}

func (c *Client) do(ctx context.Context, req *wire.Request) ([]any, error) {
	start := time.Now()
	op := req.Op.String()
	c.obs.start(req)

	var deadline time.Time
	if c.opts.RequestTimeout > 0 {
		deadline = start.Add(c.opts.RequestTimeout)
	}

	p, err := c.session.Submit(ctx, req, deadline)
	if err != nil {
		c.finish(op, req, start, nil, err)
		return nil, err
	}
	metrics.PendingRequests.Inc()
	defer metrics.PendingRequests.Dec()

	results, err := p.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		if !c.session.Registry().Cancel(req.ID) {
			// It completed while we were giving up.
			<-p.Done()
			results, err = p.Result()
		}
	}
	c.finish(op, req, start, results, err)
	return results, err
}

func (c *Client) finish(op string, req *wire.Request, start time.Time, results []any, err error) {
	elapsed := time.Since(start)
	metrics.RequestsTotal.WithLabelValues(op, outcome(err)).Inc()
	metrics.RequestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	if err != nil {
		c.obs.fail(req, err)
		return
	}
	c.obs.end(req, len(results), elapsed)
}

func outcome(err error) string {
	var se *errs.ServerError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &se):
		return "server_error"
	case errors.Is(err, errs.Timeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, errs.ConnectionClosed), errors.Is(err, errs.NotConnected):
		return "connection_closed"
	}
	return "error"
}

// Close shuts the session down; pending submissions fail with
// errs.ConnectionClosed.
func (c *Client) Close() error {
	if c.closeOnce.Swap(true) {
		return nil
	}
	return c.session.Close()
}

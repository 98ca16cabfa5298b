// Package transport owns the websocket connection to a graph endpoint.
//
// A Session multiplexes many concurrent requests over one connection: writes
// are serialized, and a single read loop decodes response frames and hands
// them to the pending-request registry. On an unexpected disconnect every
// pending request fails at once with errs.ConnectionClosed (traversals may
// write, so nothing is replayed) and the session reconnects with exponential
// backoff.
package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sanonone/graphwire/pkg/errs"
	"github.com/sanonone/graphwire/pkg/registry"
	"github.com/sanonone/graphwire/pkg/wire"
)

// State is the connection lifecycle state.
type State int

const (
	Closed State = iota
	Connecting
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is one logical connection to a remote traversal endpoint.
type Session struct {
	endpoint *url.URL
	opts     Options
	log      *slog.Logger
	reg      *registry.Registry
	dialer   *websocket.Dialer

	mu    sync.RWMutex
	state State
	conn  *websocket.Conn

	// writeMu keeps a single frame write in flight.
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial parses endpoint, connects and negotiates the protocol version.
// Malformed URLs fail with errs.Address; handshake rejection, TLS failure or
// timeout fail with errs.Connection.
func Dial(ctx context.Context, endpoint string, opts Options) (*Session, error) {
	u, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		endpoint: u,
		opts:     opts,
		log:      opts.Logger,
		reg:      registry.New(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			TLSClientConfig:  opts.TLSConfig,
			Subprotocols:     []string{wire.ProtocolVersion},
		},
		state:  Closed,
		ctx:    sctx,
		cancel: cancel,
	}
	s.reg.Seal(nil, errs.New(errs.NotConnected, "session is not open"))

	s.setState(Connecting)
	if err := s.connect(ctx); err != nil {
		s.setState(Closed)
		cancel()
		return nil, err
	}

	s.wg.Add(1)
	go s.expireLoop()
	return s, nil
}

// Registry exposes the pending-request registry of the session.
func (s *Session) Registry() *registry.Registry { return s.reg }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.notify(st)
}

func (s *Session) notify(st State) {
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(st)
	}
}

// connect dials once and, on success, installs the connection and starts its
// read and keep-alive loops.
func (s *Session) connect(ctx context.Context) error {
	conn, resp, err := s.dialer.DialContext(ctx, s.endpoint.String(), s.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return errs.Wrap(errs.Connection, fmt.Sprintf("handshake rejected with HTTP %d", resp.StatusCode), err)
		}
		return errs.Wrap(errs.Connection, "dial "+s.endpoint.Redacted(), err)
	}
	if conn.Subprotocol() != wire.ProtocolVersion {
		_ = conn.Close()
		return errs.Newf(errs.Connection, "server did not negotiate protocol %s", wire.ProtocolVersion)
	}

	s.mu.Lock()
	if s.state != Connecting {
		s.mu.Unlock()
		_ = conn.Close()
		return backoff.Permanent(errs.New(errs.ConnectionClosed, "session closed while connecting"))
	}
	s.conn = conn
	s.state = Open
	s.reg.Unseal()
	s.mu.Unlock()
	s.notify(Open)

	s.armKeepAlive(conn)
	s.wg.Add(1)
	go s.readLoop(conn)
	if s.opts.KeepAliveInterval > 0 {
		s.wg.Add(1)
		go s.pingLoop(conn)
	}
	s.log.Info("[transport] Connected", "endpoint", s.endpoint.Redacted(), "protocol", conn.Subprotocol())
	return nil
}

func (s *Session) armKeepAlive(conn *websocket.Conn) {
	if s.opts.KeepAliveInterval <= 0 {
		return
	}
	wait := s.opts.KeepAliveInterval + s.opts.PongTimeout
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
}

// Send writes one request frame. It fails with errs.NotConnected unless the
// session is open and with errs.Transport when the write fails; a failed
// write tears the connection down and starts the reconnect policy.
func (s *Session) Send(ctx context.Context, req *wire.Request) error {
	frame, err := wire.EncodeRequest(req)
	if err != nil {
		return err
	}
	return s.write(ctx, frame)
}

func (s *Session) write(ctx context.Context, frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	conn, state := s.conn, s.state
	s.mu.RUnlock()
	if state != Open || conn == nil {
		return errs.Newf(errs.NotConnected, "session is %s", state)
	}

	deadline := time.Now().Add(s.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		// The read loop notices the closed socket and runs the reconnect policy.
		_ = conn.Close()
		return errs.Wrap(errs.Transport, "write frame", err)
	}
	return nil
}

// Submit registers req in the registry and sends it. The returned Pending
// completes exactly once. If sending fails the entry is removed and the error
// returned.
func (s *Session) Submit(ctx context.Context, req *wire.Request, deadline time.Time) (*registry.Pending, error) {
	frame, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	p, err := s.reg.Register(req.ID, deadline)
	if err != nil {
		return nil, err
	}
	if err := s.write(ctx, frame); err != nil {
		s.reg.Fail(req.ID, err)
		return nil, err
	}
	return p, nil
}

func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}
		if s.opts.KeepAliveInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.KeepAliveInterval + s.opts.PongTimeout))
		}
		if mt != websocket.BinaryMessage {
			s.log.Warn("[transport] Ignoring non-binary message", "type", mt)
			continue
		}

		resp, err := wire.DecodeFrame(data)
		if err != nil {
			// Without a trustworthy correlation id there is nobody to fail.
			s.log.Warn("[transport] Dropping malformed frame", "error", err)
			continue
		}
		if resp.Status.Code == wire.StatusAuthenticate && s.opts.Username != "" {
			s.wg.Add(1)
			go s.authenticate(resp.ID)
			continue
		}
		if err := s.reg.Resolve(resp.ID, resp); err != nil {
			s.log.Warn("[transport] Unmatched response", "request_id", resp.ID, "error", err)
		}
	}
}

// authenticate answers a SASL PLAIN challenge under the challenged request id.
func (s *Session) authenticate(id uuid.UUID) {
	defer s.wg.Done()
	sasl := base64.StdEncoding.EncodeToString([]byte("\x00" + s.opts.Username + "\x00" + s.opts.Password))
	req := &wire.Request{
		ID:   id,
		Op:   wire.OpAuthentication,
		Args: map[string]string{"sasl": sasl},
	}
	if err := s.Send(s.ctx, req); err != nil {
		s.reg.Fail(id, err)
	}
}

func (s *Session) pingLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			current := s.conn == conn
			s.mu.RUnlock()
			if !current {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				s.log.Warn("[transport] Keep-alive ping failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *Session) expireLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.ExpireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.reg.Expire(now); n > 0 {
				s.log.Warn("[transport] Requests timed out", "count", n)
			}
		}
	}
}

// handleDisconnect fails in-flight requests and starts reconnecting, unless
// the connection is stale or the session is closing.
func (s *Session) handleDisconnect(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn || s.state != Open {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = Connecting
	failed := s.reg.Seal(
		errs.Wrap(errs.ConnectionClosed, "connection lost", cause),
		errs.New(errs.NotConnected, "session is reconnecting"),
	)
	s.mu.Unlock()
	_ = conn.Close()
	s.notify(Connecting)

	s.log.Warn("[transport] Connection lost", "error", cause, "failed_requests", failed)

	if s.opts.MaxReconnects < 0 {
		s.giveUp(errors.New("reconnect disabled"))
		return
	}
	s.wg.Add(1)
	go s.reconnect()
}

func (s *Session) reconnect() {
	defer s.wg.Done()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.opts.ReconnectBaseDelay
	eb.MaxInterval = s.opts.ReconnectMaxDelay
	eb.RandomizationFactor = s.opts.ReconnectJitter
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.opts.MaxReconnects-1)), s.ctx)
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.HandshakeTimeout)
		defer cancel()
		return s.connect(ctx)
	}, policy, func(err error, next time.Duration) {
		s.log.Warn("[transport] Reconnect failed", "attempt", attempt, "retry_in", next, "error", err)
	})
	if err != nil {
		s.giveUp(err)
	}
}

// giveUp leaves the session closed after the reconnect policy is exhausted.
func (s *Session) giveUp(cause error) {
	s.mu.Lock()
	if s.state != Connecting {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	s.reg.Seal(
		errs.Wrap(errs.ConnectionClosed, "session closed", cause),
		errs.Wrap(errs.NotConnected, "session closed", cause),
	)
	s.mu.Unlock()
	s.notify(Closed)
	s.log.Error("[transport] Giving up on reconnecting", "endpoint", s.endpoint.Redacted(), "error", cause)
}

// Close shuts the session down. Pending requests fail with
// errs.ConnectionClosed. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Closing {
		s.mu.Unlock()
		return nil
	}
	wasClosed := s.state == Closed
	s.state = Closing
	conn := s.conn
	s.conn = nil
	failed := s.reg.Seal(
		errs.New(errs.ConnectionClosed, "session closed"),
		errs.New(errs.NotConnected, "session closed"),
	)
	s.mu.Unlock()
	if !wasClosed {
		s.notify(Closing)
	}

	s.cancel()
	var err error
	if conn != nil {
		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteTimeout))
		err = conn.Close()
		s.writeMu.Unlock()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
	if !wasClosed {
		s.notify(Closed)
		s.log.Info("[transport] Session closed", "endpoint", s.endpoint.Redacted(), "failed_requests", failed)
	}
	return err
}

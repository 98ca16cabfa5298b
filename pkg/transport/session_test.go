package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sanonone/graphwire/pkg/errs"
	"github.com/sanonone/graphwire/pkg/registry"
	"github.com/sanonone/graphwire/pkg/traversal"
	"github.com/sanonone/graphwire/pkg/wire"
)

var errDrop = errors.New("drop connection")

// handlerFunc answers one decoded request. Returning errDrop closes the
// connection without a close frame.
type handlerFunc func(conn *websocket.Conn, req *wire.Request) error

func newServer(t *testing.T, subprotocols []string, h handlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var accepted atomic.Int32
	up := websocket.Upgrader{Subprotocols: subprotocols}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted.Add(1)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req, err := wire.DecodeRequest(data)
			if err != nil {
				t.Errorf("server: %v", err)
				return
			}
			if err := h(conn, req); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &accepted
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func reply(conn *websocket.Conn, resp *wire.Response) error {
	frame, err := wire.EncodeResponse(resp)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

func testOptions() Options {
	return Options{
		HandshakeTimeout:   2 * time.Second,
		KeepAliveInterval:  -1,
		ExpireInterval:     5 * time.Millisecond,
		ReconnectBaseDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
	}
}

func bytecodeRequest() *wire.Request {
	expr := traversal.NewSource(nil).V().Count().Bytecode()
	return &wire.Request{ID: uuid.New(), Op: wire.OpBytecode, Processor: wire.DefaultProcessor, Expression: expr}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDialAddressErrors(t *testing.T) {
	testCases := []string{
		"http://localhost:8182/gremlin",
		"ws://",
		"ws://localhost:99999/gremlin",
		"ws://localhost:port/gremlin",
		"::not a url",
	}
	for _, raw := range testCases {
		t.Run(raw, func(t *testing.T) {
			_, err := Dial(context.Background(), raw, testOptions())
			if !errors.Is(err, errs.Address) {
				t.Fatalf("Dial(%q) = %v, want %s", raw, err, errs.Address)
			}
		})
	}
}

func TestDialConnectionErrors(t *testing.T) {
	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer plain.Close()
	noVersion, _ := newServer(t, nil, func(*websocket.Conn, *wire.Request) error { return nil })

	testCases := []struct {
		name string
		url  string
	}{
		{"handshake rejected", wsURL(plain)},
		{"version not negotiated", wsURL(noVersion)},
		{"nothing listening", "ws://127.0.0.1:1/gremlin"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Dial(context.Background(), tc.url, testOptions())
			if !errors.Is(err, errs.Connection) {
				t.Fatalf("got %v, want %s", err, errs.Connection)
			}
		})
	}
}

func TestSubmitStreamsFrames(t *testing.T) {
	srv, _ := newServer(t, []string{wire.ProtocolVersion}, func(conn *websocket.Conn, req *wire.Request) error {
		if err := reply(conn, &wire.Response{ID: req.ID, Status: wire.Status{Code: wire.StatusPartialContent}, Result: []any{"a"}, More: true}); err != nil {
			return err
		}
		return reply(conn, &wire.Response{ID: req.ID, Status: wire.Status{Code: wire.StatusSuccess}, Result: []any{int64(2)}})
	})

	var states []State
	opts := testOptions()
	opts.OnStateChange = func(s State) { states = append(states, s) }
	s, err := Dial(context.Background(), wsURL(srv), opts)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.State() != Open {
		t.Fatalf("state = %s, want open", s.State())
	}

	p, err := s.Submit(context.Background(), bytecodeRequest(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	got, err := p.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want := []any{"a", int64(2)}; !reflect.DeepEqual(got, want) {
		t.Fatalf("results = %v, want %v", got, want)
	}

	if err := s.Close(); err != nil {
		t.Logf("close: %v", err)
	}
	if want := []State{Connecting, Open, Closing, Closed}; !reflect.DeepEqual(states, want) {
		t.Errorf("state transitions = %v, want %v", states, want)
	}
}

func TestDisconnectFailsAllPendingAndReconnects(t *testing.T) {
	var received atomic.Int32
	var accepted *atomic.Int32
	srv, accepted := newServer(t, []string{wire.ProtocolVersion}, func(conn *websocket.Conn, req *wire.Request) error {
		if accepted.Load() > 1 {
			return reply(conn, &wire.Response{ID: req.ID, Status: wire.Status{Code: wire.StatusSuccess}, Result: []any{"ok"}})
		}
		if received.Add(1) == 3 {
			return errDrop
		}
		return nil
	})

	s, err := Dial(context.Background(), wsURL(srv), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var reqs []*wire.Request
	for i := 0; i < 3; i++ {
		reqs = append(reqs, bytecodeRequest())
	}
	var pending []*registry.Pending
	for _, req := range reqs {
		p, err := s.Submit(context.Background(), req, time.Time{})
		if err != nil {
			t.Fatal(err)
		}
		pending = append(pending, p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for i, p := range pending {
		if _, err := p.Wait(ctx); !errors.Is(err, errs.ConnectionClosed) {
			t.Fatalf("request %d: got %v, want %s", i, err, errs.ConnectionClosed)
		}
	}

	waitFor(t, "reconnect", func() bool { return s.State() == Open })
	if accepted.Load() != 2 {
		t.Fatalf("server accepted %d connections, want 2", accepted.Load())
	}
	// Nothing was replayed on the new connection.
	if n := received.Load(); n != 3 {
		t.Fatalf("server saw %d first-connection requests, want 3", n)
	}

	p, err := s.Submit(ctx, bytecodeRequest(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if got, err := p.Wait(ctx); err != nil || !reflect.DeepEqual(got, []any{"ok"}) {
		t.Fatalf("after reconnect: %v, %v", got, err)
	}
}

func TestReconnectExhaustedLeavesSessionClosed(t *testing.T) {
	srv, _ := newServer(t, []string{wire.ProtocolVersion}, func(*websocket.Conn, *wire.Request) error {
		return errDrop
	})

	opts := testOptions()
	opts.MaxReconnects = 2
	s, err := Dial(context.Background(), wsURL(srv), opts)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	srv.Close()
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	_ = conn.Close()

	waitFor(t, "closed state", func() bool { return s.State() == Closed })
	if err := s.Send(context.Background(), bytecodeRequest()); !errors.Is(err, errs.NotConnected) {
		t.Fatalf("Send() = %v, want %s", err, errs.NotConnected)
	}
	if _, err := s.Submit(context.Background(), bytecodeRequest(), time.Time{}); !errors.Is(err, errs.NotConnected) {
		t.Fatalf("Submit() = %v, want %s", err, errs.NotConnected)
	}
}

func TestSendAfterClose(t *testing.T) {
	srv, _ := newServer(t, []string{wire.ProtocolVersion}, func(*websocket.Conn, *wire.Request) error { return nil })
	s, err := Dial(context.Background(), wsURL(srv), testOptions())
	if err != nil {
		t.Fatal(err)
	}

	p, err := s.Submit(context.Background(), bytecodeRequest(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()
	if _, err := p.Wait(context.Background()); !errors.Is(err, errs.ConnectionClosed) {
		t.Fatalf("pending request after Close: %v", err)
	}
	if err := s.Send(context.Background(), bytecodeRequest()); !errors.Is(err, errs.NotConnected) {
		t.Fatalf("Send() after Close = %v", err)
	}
	// Close is idempotent.
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() = %v", err)
	}
}

func TestSubmitTimesOut(t *testing.T) {
	srv, _ := newServer(t, []string{wire.ProtocolVersion}, func(*websocket.Conn, *wire.Request) error { return nil })
	s, err := Dial(context.Background(), wsURL(srv), testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	p, err := s.Submit(context.Background(), bytecodeRequest(), time.Now().Add(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Wait(context.Background()); !errors.Is(err, errs.Timeout) {
		t.Fatalf("got %v, want %s", err, errs.Timeout)
	}
}

func TestAuthenticationChallenge(t *testing.T) {
	want := base64.StdEncoding.EncodeToString([]byte("\x00stephen\x00password"))
	srv, _ := newServer(t, []string{wire.ProtocolVersion}, func(conn *websocket.Conn, req *wire.Request) error {
		switch req.Op {
		case wire.OpBytecode:
			return reply(conn, &wire.Response{ID: req.ID, Status: wire.Status{Code: wire.StatusAuthenticate}})
		case wire.OpAuthentication:
			if req.Args["sasl"] != want {
				return reply(conn, &wire.Response{ID: req.ID, Status: wire.Status{Code: wire.StatusUnauthorized, Message: "bad credentials"}})
			}
			return reply(conn, &wire.Response{ID: req.ID, Status: wire.Status{Code: wire.StatusSuccess}, Result: []any{int64(1)}})
		}
		return nil
	})

	testCases := []struct {
		name     string
		password string
		wantCode int
	}{
		{"valid credentials", "password", 0},
		{"wrong password", "guess", wire.StatusUnauthorized},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions()
			opts.Username, opts.Password = "stephen", tc.password
			s, err := Dial(context.Background(), wsURL(srv), opts)
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()

			p, err := s.Submit(context.Background(), bytecodeRequest(), time.Time{})
			if err != nil {
				t.Fatal(err)
			}
			got, err := p.Wait(context.Background())
			if tc.wantCode == 0 {
				if err != nil || !reflect.DeepEqual(got, []any{int64(1)}) {
					t.Fatalf("got %v, %v", got, err)
				}
				return
			}
			var se *errs.ServerError
			if !errors.As(err, &se) || se.Code != tc.wantCode {
				t.Fatalf("got %v, want server error %d", err, tc.wantCode)
			}
		})
	}
}

func TestKeepAliveHoldsIdleSession(t *testing.T) {
	srv, accepted := newServer(t, []string{wire.ProtocolVersion}, func(conn *websocket.Conn, req *wire.Request) error {
		return reply(conn, &wire.Response{ID: req.ID, Status: wire.Status{Code: wire.StatusSuccess}, Result: []any{int64(1)}})
	})
	opts := testOptions()
	opts.KeepAliveInterval = 10 * time.Millisecond
	opts.PongTimeout = 50 * time.Millisecond

	s, err := Dial(context.Background(), wsURL(srv), opts)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	// Idle for several read deadlines; pongs must keep extending them.
	time.Sleep(200 * time.Millisecond)
	if st := s.State(); st != Open || accepted.Load() != 1 {
		t.Fatalf("state %s after %d connections", st, accepted.Load())
	}
	p, err := s.Submit(context.Background(), bytecodeRequest(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestKeepAliveDetectsDeadPeer(t *testing.T) {
	var accepted atomic.Int32
	up := websocket.Upgrader{Subprotocols: []string{wire.ProtocolVersion}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted.Add(1)
		defer conn.Close()
		// A peer that is still reading but never answers pings or requests.
		conn.SetPingHandler(func(string) error { return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	opts := testOptions()
	opts.KeepAliveInterval = 20 * time.Millisecond
	opts.PongTimeout = 30 * time.Millisecond

	s, err := Dial(context.Background(), wsURL(srv), opts)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	p, err := s.Submit(context.Background(), bytecodeRequest(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, errs.ConnectionClosed) {
		t.Fatalf("pending request: got %v, want %s", err, errs.ConnectionClosed)
	}
	waitFor(t, "a reconnect", func() bool { return accepted.Load() >= 2 })
}

// Package server is the in-memory reference endpoint for graphwire clients.
// It speaks the binary protocol over websocket, evaluates traversals against
// pkg/graph and optionally journals mutations so they survive a restart.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sanonone/graphwire/pkg/graph"
	"github.com/sanonone/graphwire/pkg/persistence"
	"github.com/sanonone/graphwire/pkg/wire"
)

// DefaultBatchSize is the number of result items per response frame.
const DefaultBatchSize = 64

// Options configures a Server.
type Options struct {
	Addr string
	// Path is where the websocket endpoint is mounted. Defaults to /gremlin.
	Path      string
	BatchSize int

	// JournalPath enables journaling of mutating traversals.
	JournalPath  string
	JournalSync  time.Duration
	Username     string
	Password     string
	WriteTimeout time.Duration
}

// Server holds the websocket endpoint and the graph it serves.
type Server struct {
	Graph *graph.Graph

	opts       Options
	journal    *persistence.Journal
	upgrader   websocket.Upgrader
	httpServer *http.Server
	handler    http.Handler

	mu      sync.Mutex
	conns   map[*conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// New builds a server, replaying the journal first when one is configured.
func New(opts Options) (*Server, error) {
	if opts.Path == "" {
		opts.Path = "/gremlin"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	s := &Server{
		Graph: graph.New(),
		opts:  opts,
		conns: make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{wire.ProtocolVersion},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}

	if opts.JournalPath != "" {
		n, err := persistence.Replay(opts.JournalPath, func(req *wire.Request) error {
			_, err := s.Graph.Evaluate(req.Expression, nil)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to replay journal: %w", err)
		}
		vertices, edges := s.Graph.Counts()
		slog.Info("[server] Journal replayed", "path", opts.JournalPath, "entries", n, "vertices", vertices, "edges", edges)

		j, err := persistence.Open(opts.JournalPath, persistence.Options{SyncInterval: opts.JournalSync})
		if err != nil {
			return nil, err
		}
		s.journal = j
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc(opts.Path, s.handleWebsocket)

	var handler http.Handler = mux
	handler = loggingMiddleware(handler)
	handler = recoveryMiddleware(handler)
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP handler, for embedding or httptest.
func (s *Server) Handler() http.Handler { return s.handler }

// Run listens on Options.Addr until Shutdown.
func (s *Server) Run() error {
	slog.Info("[server] Listening", "addr", s.opts.Addr, "path", s.opts.Path)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server startup failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, closes open sessions, waits for
// in-flight evaluations and closes the journal.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("[server] Starting graceful shutdown")
	err := s.httpServer.Shutdown(ctx)
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.DropConnections()
	s.wg.Wait()
	if s.journal != nil {
		if jerr := s.journal.Close(); jerr != nil && err == nil {
			err = jerr
		}
	}
	return err
}

// DropConnections closes every open websocket without a close frame, as a
// crashing server would.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
	return len(conns)
}

// track registers one in-flight evaluation, unless the server is shutting down.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// Connections returns the number of open websocket sessions.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	vertices, edges := s.Graph.Counts()
	journaled := 0
	if s.journal != nil {
		journaled = s.journal.Entries()
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","vertices":%d,"edges":%d,"connections":%d,"journaled":%d}`,
		vertices, edges, s.Connections(), journaled)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if !offersProtocol(r) {
		http.Error(w, "unsupported protocol version, expected "+wire.ProtocolVersion, http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[server] Upgrade failed", "error", err)
		return
	}

	c := newConn(s, ws)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	slog.Debug("[server] Session opened", "remote", r.RemoteAddr)

	c.serve()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	slog.Debug("[server] Session closed", "remote", r.RemoteAddr)
}

func offersProtocol(r *http.Request) bool {
	for _, p := range websocket.Subprotocols(r) {
		if p == wire.ProtocolVersion {
			return true
		}
	}
	return false
}

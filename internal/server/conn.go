package server

import (
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sanonone/graphwire/pkg/metrics"
	"github.com/sanonone/graphwire/pkg/wire"
)

// conn is one client websocket session.
type conn struct {
	s  *Server
	ws *websocket.Conn

	writeMu sync.Mutex

	mu            sync.Mutex
	authenticated bool
	// challenged holds requests parked behind a 407 until the client
	// authenticates under the same id.
	challenged map[uuid.UUID]*wire.Request
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	return &conn{
		s:             s,
		ws:            ws,
		authenticated: s.opts.Username == "",
		challenged:    make(map[uuid.UUID]*wire.Request),
	}
}

func (c *conn) serve() {
	defer c.ws.Close()
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			c.reply(uuid.Nil, wire.StatusMalformedRequest, "expected a binary frame", nil, false)
			continue
		}

		req, err := wire.DecodeRequest(data)
		if err != nil {
			slog.Warn("[server] Malformed request", "error", err)
			c.reply(uuid.Nil, wire.StatusMalformedRequest, err.Error(), nil, false)
			continue
		}

		switch req.Op {
		case wire.OpBytecode:
			if !c.isAuthenticated() {
				c.mu.Lock()
				c.challenged[req.ID] = req
				c.mu.Unlock()
				c.reply(req.ID, wire.StatusAuthenticate, "authentication required", nil, false)
				continue
			}
			c.dispatch(req)
		case wire.OpAuthentication:
			c.authenticate(req)
		case wire.OpClose:
			c.reply(req.ID, wire.StatusNoContent, "", nil, false)
			c.writeMu.Lock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.s.opts.WriteTimeout))
			c.writeMu.Unlock()
			return
		default:
			c.reply(req.ID, wire.StatusInvalidRequestArguments, "unsupported op "+req.Op.String(), nil, false)
		}
	}
}

func (c *conn) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// authenticate checks SASL PLAIN credentials and, on success, runs the
// request that was challenged under the same id.
func (c *conn) authenticate(req *wire.Request) {
	c.mu.Lock()
	parked, ok := c.challenged[req.ID]
	delete(c.challenged, req.ID)
	c.mu.Unlock()

	if !c.checkCredentials(req.Args["sasl"]) {
		slog.Warn("[server] Authentication failed", "request_id", req.ID)
		c.reply(req.ID, wire.StatusUnauthorized, "invalid credentials", nil, false)
		return
	}
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()

	if !ok {
		c.reply(req.ID, wire.StatusNoContent, "", nil, false)
		return
	}
	c.dispatch(parked)
}

func (c *conn) checkCredentials(sasl string) bool {
	raw, err := base64.StdEncoding.DecodeString(sasl)
	if err != nil {
		return false
	}
	// authzid \0 authcid \0 password
	parts := strings.SplitN(string(raw), "\x00", 3)
	if len(parts) != 3 {
		return false
	}
	user := subtle.ConstantTimeCompare([]byte(parts[1]), []byte(c.s.opts.Username))
	pass := subtle.ConstantTimeCompare([]byte(parts[2]), []byte(c.s.opts.Password))
	return user&pass == 1
}

// dispatch evaluates req on its own goroutine so one slow traversal does not
// hold up the others multiplexed on this connection.
func (c *conn) dispatch(req *wire.Request) {
	if !c.s.track() {
		c.reply(req.ID, wire.StatusServerError, "server is shutting down", nil, false)
		return
	}
	go func() {
		defer c.s.wg.Done()
		c.evaluate(req)
	}()
}

func (c *conn) evaluate(req *wire.Request) {
	if req.Processor != "" && req.Processor != wire.DefaultProcessor {
		c.finish(req.ID, wire.StatusInvalidRequestArguments, "unknown processor "+strconv.Quote(req.Processor))
		return
	}
	if req.Expression == nil || len(req.Expression.Steps) == 0 {
		c.finish(req.ID, wire.StatusInvalidRequestArguments, "missing traversal")
		return
	}

	var journalErr error
	results, err := c.s.Graph.Evaluate(req.Expression, func() error {
		if c.s.journal == nil {
			return nil
		}
		journalErr = c.s.journal.Append(req)
		return journalErr
	})
	if journalErr != nil {
		slog.Error("[server] Journal append failed", "request_id", req.ID, "error", journalErr)
		c.finish(req.ID, wire.StatusServerError, "journal append failed")
		return
	}
	if err != nil {
		slog.Debug("[server] Evaluation failed", "request_id", req.ID, "traversal", req.Expression.String(), "error", err)
		c.finish(req.ID, wire.StatusScriptEvaluationError, err.Error())
		return
	}
	c.stream(req.ID, results)
}

// stream sends results in BatchSize chunks: 206 with More set for every
// chunk but the last, then 200 (or 204 when there is nothing to send).
func (c *conn) stream(id uuid.UUID, results []any) {
	if len(results) == 0 {
		c.finish(id, wire.StatusNoContent, "")
		return
	}
	size := c.s.opts.BatchSize
	for start := 0; start < len(results); start += size {
		end := start + size
		if end > len(results) {
			end = len(results)
		}
		more := end < len(results)
		code := wire.StatusSuccess
		if more {
			code = wire.StatusPartialContent
		}
		if !more {
			metrics.ServerEvaluations.WithLabelValues(strconv.Itoa(code)).Inc()
		}
		if !c.reply(id, code, "", results[start:end], more) {
			return
		}
	}
}

// finish sends the only frame of an evaluation that produced no results and
// counts the outcome.
func (c *conn) finish(id uuid.UUID, code int, msg string) {
	metrics.ServerEvaluations.WithLabelValues(strconv.Itoa(code)).Inc()
	c.reply(id, code, msg, nil, false)
}

// reply encodes and writes one response frame and reports whether it was sent.
func (c *conn) reply(id uuid.UUID, code int, msg string, results []any, more bool) bool {
	resp := &wire.Response{ID: id, Status: wire.Status{Code: code, Message: msg}, Result: results, More: more}
	frame, err := wire.EncodeResponse(resp)
	if err != nil {
		slog.Error("[server] Cannot encode response", "request_id", id, "error", err)
		resp = &wire.Response{ID: id, Status: wire.Status{Code: wire.StatusServerSerializationError, Message: err.Error()}}
		if frame, err = wire.EncodeResponse(resp); err != nil {
			return false
		}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.s.opts.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		slog.Debug("[server] Write failed", "request_id", id, "error", err)
		return false
	}
	metrics.ServerFramesSent.Inc()
	return true
}

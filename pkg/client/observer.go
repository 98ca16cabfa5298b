package client

import (
	"log/slog"
	"time"

	"github.com/sanonone/graphwire/pkg/wire"
)

// Observer receives request lifecycle events. Any hook may be nil. Hooks run
// on the submitting goroutine and must not block.
type Observer struct {
	OnRequestStart func(req *wire.Request)
	OnRequestEnd   func(req *wire.Request, results int, elapsed time.Duration)
	OnError        func(req *wire.Request, err error)
}

func (o Observer) start(req *wire.Request) {
	if o.OnRequestStart != nil {
		o.OnRequestStart(req)
	}
}

func (o Observer) end(req *wire.Request, results int, elapsed time.Duration) {
	if o.OnRequestEnd != nil {
		o.OnRequestEnd(req, results, elapsed)
	}
}

func (o Observer) fail(req *wire.Request, err error) {
	if o.OnError != nil {
		o.OnError(req, err)
	}
}

// LogObserver logs request lifecycle events to logger.
func LogObserver(logger *slog.Logger) Observer {
	return Observer{
		OnRequestStart: func(req *wire.Request) {
			logger.Debug("[client] Request sent", "request_id", req.ID, "traversal", req.Expression.String())
		},
		OnRequestEnd: func(req *wire.Request, results int, elapsed time.Duration) {
			logger.Debug("[client] Request completed", "request_id", req.ID, "results", results, "duration", elapsed)
		},
		OnError: func(req *wire.Request, err error) {
			logger.Warn("[client] Request failed", "request_id", req.ID, "error", err)
		},
	}
}

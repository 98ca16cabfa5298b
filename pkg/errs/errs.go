// Package errs defines the typed error taxonomy shared by every graphwire
// package.
//
// Each failure carries a machine-readable Kind so callers can branch with
// errors.Is without string matching:
//
//	if errors.Is(err, errs.Timeout) {
//	    // the server never answered
//	}
//
// Server-side rejections are reported as *ServerError, which keeps the wire
// status code. They are deliberately a different type from Timeout so a caller
// can tell "server said no" from "server never answered".
package errs

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error category. A Kind is itself an error so it
// can be used directly as an errors.Is target.
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	// Address indicates a malformed or unsupported endpoint URL.
	Address Kind = "address_error"
	// Connection indicates a failed dial, TLS setup or version handshake.
	Connection Kind = "connection_error"
	// Transport indicates a write or read failure on an open connection.
	Transport Kind = "transport_error"
	// Protocol indicates malformed framing, bad magic or a checksum mismatch.
	Protocol Kind = "protocol_error"
	// Encoding indicates a value the wire codec cannot represent.
	Encoding Kind = "encoding_error"
	// Timeout indicates a request deadline elapsed without a terminal response.
	Timeout Kind = "timeout_error"
	// UnresolvedAlias indicates a step label referenced before it was defined.
	UnresolvedAlias Kind = "unresolved_alias_error"
	// DuplicateCorrelation indicates a correlation id registered twice.
	DuplicateCorrelation Kind = "duplicate_correlation_error"
	// InternalProtocol indicates a response for an unknown or finished request.
	InternalProtocol Kind = "internal_protocol_error"
	// ConnectionClosed indicates the connection went away while a request was pending.
	ConnectionClosed Kind = "connection_closed_error"
	// NotConnected indicates a send attempted while the session was not open.
	NotConnected Kind = "not_connected_error"
)

// E wraps an error with kind and human-friendly message.
type E struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *E) Unwrap() error { return e.Err }

// Is reports whether target is the Kind of e.
func (e *E) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

func Wrap(kind Kind, msg string, err error) *E { return &E{Kind: kind, Message: msg, Err: err} }
func New(kind Kind, msg string) *E             { return &E{Kind: kind, Message: msg} }

// Newf formats the message like fmt.Sprintf.
func Newf(kind Kind, format string, args ...any) *E {
	return &E{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ServerError is returned when the endpoint answers with a non-success status.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (status %d): %s", e.Code, e.Message)
}

// KindOf returns the Kind carried by err, or "" if err is not a graphwire error.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return ""
}

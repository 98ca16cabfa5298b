// Package wire implements the graphwire binary protocol: CRC-checked frames
// carrying requests (a correlation id plus a serialized traversal) and
// responses (a status plus a batch of typed result values).
//
// Every value is written with an explicit type tag, so an int32 vertex id, an
// int64 id, a string id and a UUID id all come back exactly as they were sent.
package wire

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"

	"github.com/sanonone/graphwire/pkg/traversal"
)

// ProtocolVersion is negotiated as the websocket subprotocol.
const ProtocolVersion = "graphwire.v1"

// DefaultProcessor evaluates traversal bytecode.
const DefaultProcessor = "traversal"

// Op is the request operation.
type Op uint8

const (
	OpBytecode Op = iota + 1
	OpAuthentication
	OpClose
)

func (o Op) String() string {
	switch o {
	case OpBytecode:
		return "bytecode"
	case OpAuthentication:
		return "authentication"
	case OpClose:
		return "close"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Response status codes. They follow the usual graph server conventions.
const (
	StatusSuccess                  = 200
	StatusNoContent                = 204
	StatusPartialContent           = 206
	StatusUnauthorized             = 401
	StatusAuthenticate             = 407
	StatusMalformedRequest         = 498
	StatusInvalidRequestArguments  = 499
	StatusServerError              = 500
	StatusScriptEvaluationError    = 597
	StatusServerTimeout            = 598
	StatusServerSerializationError = 599
)

// Request is one client message.
type Request struct {
	ID        uuid.UUID
	Op        Op
	Processor string
	// Args carries op-specific string arguments, e.g. "sasl" for authentication.
	Args       map[string]string
	Expression *traversal.Expression
}

// Status is the outcome part of a Response.
type Status struct {
	Code    int
	Message string
}

// Success reports whether the code is in the 2xx range.
func (s Status) Success() bool { return s.Code >= 200 && s.Code < 300 }

// Response is one server frame for a request. More is true when further
// frames for the same ID will follow.
type Response struct {
	ID     uuid.UUID
	Status Status
	Result []any
	More   bool
}

// Entry is one key/value pair of a Map.
type Entry struct {
	Key   any
	Value any
}

// Map is an ordered map result, as produced by project or valueMap. Keys are
// strings or traversal tokens.
type Map struct {
	Entries []Entry
}

// Get returns the value stored under key.
func (m *Map) Get(key any) (any, bool) {
	if m == nil || !hashable(key) {
		return nil, false
	}
	for _, e := range m.Entries {
		if hashable(e.Key) && e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Put appends an entry, replacing an existing one with the same key.
func (m *Map) Put(key, value any) {
	if hashable(key) {
		for i, e := range m.Entries {
			if hashable(e.Key) && e.Key == key {
				m.Entries[i].Value = value
				return
			}
		}
	}
	m.Entries = append(m.Entries, Entry{Key: key, Value: value})
}

// Keys returns the keys in order.
func (m *Map) Keys() []any {
	keys := make([]any, len(m.Entries))
	for i, e := range m.Entries {
		keys[i] = e.Key
	}
	return keys
}

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Entries)
}

func hashable(v any) bool {
	return v == nil || reflect.TypeOf(v).Comparable()
}

// Vertex is a vertex reference returned by the server.
type Vertex struct {
	ID    any
	Label string
}

// Edge is an edge reference returned by the server.
type Edge struct {
	ID    any
	Label string
	OutV  any
	InV   any
}

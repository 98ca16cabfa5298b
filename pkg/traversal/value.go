package traversal

import (
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Kind tags the concrete type held by a Value.
type Kind uint8

const (
	// KindUnsupported marks a Go value the builder could not map. Encoding it fails.
	KindUnsupported Kind = iota
	KindString
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindBool
	KindUUID
	KindCardinality
	KindToken
	KindTraversal
	KindAlias
)

var kindNames = [...]string{
	KindUnsupported: "unsupported",
	KindString:      "string",
	KindInt32:       "int32",
	KindInt64:       "int64",
	KindFloat32:     "float32",
	KindFloat64:     "float64",
	KindBool:        "bool",
	KindUUID:        "uuid",
	KindCardinality: "cardinality",
	KindToken:       "token",
	KindTraversal:   "traversal",
	KindAlias:       "alias",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Cardinality is the property multiplicity marker accepted by Property.
type Cardinality uint8

const (
	Single Cardinality = iota + 1
	List
	Set
)

func (c Cardinality) String() string {
	switch c {
	case Single:
		return "single"
	case List:
		return "list"
	case Set:
		return "set"
	}
	return fmt.Sprintf("cardinality(%d)", uint8(c))
}

// Token names the reserved element keys (T.id, T.label).
type Token uint8

const (
	ID Token = iota + 1
	Label
)

func (t Token) String() string {
	switch t {
	case ID:
		return "T.id"
	case Label:
		return "T.label"
	}
	return fmt.Sprintf("token(%d)", uint8(t))
}

// Value is one typed step argument.
//
// Integer, cardinality and token payloads live in Int, floats in Float. The
// Kind keeps the original width so an int32 id never comes back as an int64.
type Value struct {
	Kind      Kind
	Str       string
	Int       int64
	Float     float64
	Bool      bool
	UUID      uuid.UUID
	Traversal *Expression

	raw any
}

func String(s string) Value             { return Value{Kind: KindString, Str: s} }
func Int32(i int32) Value               { return Value{Kind: KindInt32, Int: int64(i)} }
func Int64(i int64) Value               { return Value{Kind: KindInt64, Int: i} }
func Float32(f float32) Value           { return Value{Kind: KindFloat32, Float: float64(f)} }
func Float64(f float64) Value           { return Value{Kind: KindFloat64, Float: f} }
func Bool(b bool) Value                 { return Value{Kind: KindBool, Bool: b} }
func UUID(u uuid.UUID) Value            { return Value{Kind: KindUUID, UUID: u} }
func CardinalityOf(c Cardinality) Value { return Value{Kind: KindCardinality, Int: int64(c)} }
func TokenOf(t Token) Value             { return Value{Kind: KindToken, Int: int64(t)} }
func Nested(e *Expression) Value        { return Value{Kind: KindTraversal, Traversal: e} }

// AliasRef references a step label defined earlier with As.
func AliasRef(name string) Value { return Value{Kind: KindAlias, Str: name} }

// ValueOf maps a Go value to a Value. Types without a wire representation
// produce a KindUnsupported value, which the encoder rejects.
func ValueOf(v any) Value {
	switch x := v.(type) {
	case Value:
		return x
	case string:
		return String(x)
	case int:
		return Int64(int64(x))
	case int8:
		return Int32(int32(x))
	case int16:
		return Int32(int32(x))
	case int32:
		return Int32(x)
	case int64:
		return Int64(x)
	case uint8:
		return Int32(int32(x))
	case uint16:
		return Int32(int32(x))
	case uint32:
		return Int64(int64(x))
	case uint64:
		if x > math.MaxInt64 {
			return Value{raw: v}
		}
		return Int64(int64(x))
	case float32:
		return Float32(x)
	case float64:
		return Float64(x)
	case bool:
		return Bool(x)
	case uuid.UUID:
		return UUID(x)
	case Cardinality:
		return CardinalityOf(x)
	case Token:
		return TokenOf(x)
	case *Traversal:
		if x == nil {
			return Value{raw: v}
		}
		return Nested(x.Bytecode())
	case *Expression:
		if x == nil {
			return Value{raw: v}
		}
		return Nested(x)
	}
	return Value{raw: v}
}

// Interface returns the Go representation of v.
func (v Value) Interface() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt32:
		return int32(v.Int)
	case KindInt64:
		return v.Int
	case KindFloat32:
		return float32(v.Float)
	case KindFloat64:
		return v.Float
	case KindBool:
		return v.Bool
	case KindUUID:
		return v.UUID
	case KindCardinality:
		return Cardinality(v.Int)
	case KindToken:
		return Token(v.Int)
	case KindTraversal:
		return v.Traversal
	case KindAlias:
		return v.Str
	}
	return v.raw
}

// Unsupported returns the original Go value of a KindUnsupported Value.
func (v Value) Unsupported() any { return v.raw }

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindAlias:
		return "@" + v.Str
	case KindTraversal:
		return "__." + v.Traversal.String()
	case KindUnsupported:
		return fmt.Sprintf("<unsupported %T>", v.raw)
	}
	return fmt.Sprint(v.Interface())
}

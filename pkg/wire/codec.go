package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/sanonone/graphwire/pkg/errs"
	"github.com/sanonone/graphwire/pkg/traversal"
)

// Value type tags. Argument values use 0x01-0x0B, results may also use the
// container and element tags.
const (
	tagNull        byte = 0x00
	tagString      byte = 0x01
	tagInt32       byte = 0x02
	tagInt64       byte = 0x03
	tagFloat32     byte = 0x04
	tagFloat64     byte = 0x05
	tagBool        byte = 0x06
	tagUUID        byte = 0x07
	tagCardinality byte = 0x08
	tagToken       byte = 0x09
	tagTraversal   byte = 0x0A
	tagAlias       byte = 0x0B
	tagList        byte = 0x10
	tagMap         byte = 0x11
	tagVertex      byte = 0x12
	tagEdge        byte = 0x13
)

// maxDepth bounds nesting of traversals and containers on both sides of the wire.
const maxDepth = 64

var errShortBuffer = errors.New("payload truncated")

// --- encoding ---

type encoder struct {
	buf  []byte
	refs []int // resolved alias indexes, depth-first
	next int
}

func (e *encoder) u8(v byte)      { e.buf = append(e.buf, v) }
func (e *encoder) u32(v uint32)   { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64)   { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) id(u uuid.UUID) { e.buf = append(e.buf, u[:]...) }

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// EncodeExpression serializes expr on its own, resolving alias references.
func EncodeExpression(expr *traversal.Expression) ([]byte, error) {
	e := &encoder{}
	if err := e.expression(expr); err != nil {
		return nil, err
	}
	return e.buf, nil
}

func (e *encoder) expression(expr *traversal.Expression) error {
	refs, err := expr.Resolve()
	if err != nil {
		return err
	}
	e.refs, e.next = refs, 0
	return e.steps(expr, 0)
}

func (e *encoder) steps(expr *traversal.Expression, depth int) error {
	if depth > maxDepth {
		return errs.Newf(errs.Encoding, "traversal nesting deeper than %d", maxDepth)
	}
	e.u32(uint32(len(expr.Steps)))
	for _, step := range expr.Steps {
		e.str(step.Name)
		e.u32(uint32(len(step.Args)))
		for i, arg := range step.Args {
			if err := e.arg(arg, depth); err != nil {
				if errs.KindOf(err) != "" {
					return err
				}
				return errs.Wrap(errs.Encoding, fmt.Sprintf("step %s argument %d", step.Name, i), err)
			}
		}
	}
	return nil
}

func (e *encoder) arg(v traversal.Value, depth int) error {
	switch v.Kind {
	case traversal.KindString:
		e.u8(tagString)
		e.str(v.Str)
	case traversal.KindInt32:
		e.u8(tagInt32)
		e.u32(uint32(int32(v.Int)))
	case traversal.KindInt64:
		e.u8(tagInt64)
		e.u64(uint64(v.Int))
	case traversal.KindFloat32:
		e.u8(tagFloat32)
		e.u32(math.Float32bits(float32(v.Float)))
	case traversal.KindFloat64:
		e.u8(tagFloat64)
		e.u64(math.Float64bits(v.Float))
	case traversal.KindBool:
		e.u8(tagBool)
		e.u8(boolByte(v.Bool))
	case traversal.KindUUID:
		e.u8(tagUUID)
		e.id(v.UUID)
	case traversal.KindCardinality:
		e.u8(tagCardinality)
		e.u8(byte(v.Int))
	case traversal.KindToken:
		e.u8(tagToken)
		e.u8(byte(v.Int))
	case traversal.KindTraversal:
		if v.Traversal == nil {
			return errors.New("nil nested traversal")
		}
		e.u8(tagTraversal)
		return e.steps(v.Traversal, depth+1)
	case traversal.KindAlias:
		if e.next >= len(e.refs) {
			return errs.Newf(errs.UnresolvedAlias, "alias %q was not resolved", v.Str)
		}
		e.u8(tagAlias)
		e.str(v.Str)
		e.u32(uint32(int32(e.refs[e.next])))
		e.next++
	default:
		return fmt.Errorf("unsupported value of type %T", v.Unsupported())
	}
	return nil
}

// result writes a server-side result value.
func (e *encoder) result(v any) error {
	switch x := v.(type) {
	case nil:
		e.u8(tagNull)
	case string:
		e.u8(tagString)
		e.str(x)
	case int:
		e.u8(tagInt64)
		e.u64(uint64(int64(x)))
	case int32:
		e.u8(tagInt32)
		e.u32(uint32(x))
	case int64:
		e.u8(tagInt64)
		e.u64(uint64(x))
	case float32:
		e.u8(tagFloat32)
		e.u32(math.Float32bits(x))
	case float64:
		e.u8(tagFloat64)
		e.u64(math.Float64bits(x))
	case bool:
		e.u8(tagBool)
		e.u8(boolByte(x))
	case uuid.UUID:
		e.u8(tagUUID)
		e.id(x)
	case traversal.Cardinality:
		e.u8(tagCardinality)
		e.u8(byte(x))
	case traversal.Token:
		e.u8(tagToken)
		e.u8(byte(x))
	case []any:
		e.u8(tagList)
		e.u32(uint32(len(x)))
		for _, item := range x {
			if err := e.result(item); err != nil {
				return err
			}
		}
	case *Map:
		e.u8(tagMap)
		e.u32(uint32(x.Len()))
		for _, entry := range x.Entries {
			if err := e.result(entry.Key); err != nil {
				return err
			}
			if err := e.result(entry.Value); err != nil {
				return err
			}
		}
	case Vertex:
		e.u8(tagVertex)
		if err := e.result(x.ID); err != nil {
			return err
		}
		e.str(x.Label)
	case Edge:
		e.u8(tagEdge)
		if err := e.result(x.ID); err != nil {
			return err
		}
		e.str(x.Label)
		if err := e.result(x.OutV); err != nil {
			return err
		}
		if err := e.result(x.InV); err != nil {
			return err
		}
	default:
		return errs.Newf(errs.Encoding, "unsupported result of type %T", v)
	}
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// --- decoding ---

type decoder struct {
	b    []byte
	off  int
	refs []int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || len(d.b)-d.off < n {
		return nil, errShortBuffer
	}
	p := d.b[d.off : d.off+n]
	d.off += n
	return p, nil
}

func (d *decoder) u8() (byte, error) {
	p, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (d *decoder) u32() (uint32, error) {
	p, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

func (d *decoder) u64() (uint64, error) {
	p, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}

func (d *decoder) str() (string, error) {
	n, err := d.u32()
	if err != nil {
		return "", err
	}
	p, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	return string(p), nil
}

func (d *decoder) id() (uuid.UUID, error) {
	var u uuid.UUID
	p, err := d.take(16)
	if err != nil {
		return u, err
	}
	copy(u[:], p)
	return u, nil
}

// count reads a collection length and rejects values that cannot fit in the
// remaining payload, each element needing at least minSize bytes.
func (d *decoder) count(minSize int) (int, error) {
	n, err := d.u32()
	if err != nil {
		return 0, err
	}
	if int(n) > (len(d.b)-d.off)/minSize {
		return 0, errShortBuffer
	}
	return int(n), nil
}

// DecodeExpression parses an expression written by EncodeExpression and
// checks that every alias index matches the label it names.
func DecodeExpression(b []byte) (*traversal.Expression, error) {
	d := &decoder{b: b}
	expr, err := d.expression()
	if err != nil {
		return nil, err
	}
	if d.off != len(d.b) {
		return nil, errs.Wrap(errs.Protocol, "decode expression", ErrTrailingData)
	}
	return expr, nil
}

func (d *decoder) expression() (*traversal.Expression, error) {
	d.refs = d.refs[:0]
	expr, err := d.steps(0)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "decode expression", err)
	}
	want, err := expr.Resolve()
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "decode expression", err)
	}
	if len(want) != len(d.refs) {
		return nil, errs.New(errs.Protocol, "alias reference count mismatch")
	}
	for i := range want {
		if want[i] != d.refs[i] {
			return nil, errs.Newf(errs.Protocol, "alias reference %d points to step %d, expected %d", i, d.refs[i], want[i])
		}
	}
	return expr, nil
}

func (d *decoder) steps(depth int) (*traversal.Expression, error) {
	if depth > maxDepth {
		return nil, errors.New("traversal nesting too deep")
	}
	n, err := d.count(8)
	if err != nil {
		return nil, err
	}
	expr := &traversal.Expression{Steps: make([]traversal.Step, 0, n)}
	for i := 0; i < n; i++ {
		name, err := d.str()
		if err != nil {
			return nil, err
		}
		argc, err := d.count(1)
		if err != nil {
			return nil, err
		}
		step := traversal.Step{Name: name, Args: make([]traversal.Value, 0, argc)}
		for j := 0; j < argc; j++ {
			v, err := d.arg(depth)
			if err != nil {
				return nil, err
			}
			step.Args = append(step.Args, v)
		}
		expr.Steps = append(expr.Steps, step)
	}
	return expr, nil
}

func (d *decoder) arg(depth int) (traversal.Value, error) {
	tag, err := d.u8()
	if err != nil {
		return traversal.Value{}, err
	}
	switch tag {
	case tagString:
		s, err := d.str()
		return traversal.String(s), err
	case tagInt32:
		v, err := d.u32()
		return traversal.Int32(int32(v)), err
	case tagInt64:
		v, err := d.u64()
		return traversal.Int64(int64(v)), err
	case tagFloat32:
		v, err := d.u32()
		return traversal.Float32(math.Float32frombits(v)), err
	case tagFloat64:
		v, err := d.u64()
		return traversal.Float64(math.Float64frombits(v)), err
	case tagBool:
		v, err := d.u8()
		return traversal.Bool(v != 0), err
	case tagUUID:
		u, err := d.id()
		return traversal.UUID(u), err
	case tagCardinality:
		v, err := d.u8()
		return traversal.CardinalityOf(traversal.Cardinality(v)), err
	case tagToken:
		v, err := d.u8()
		return traversal.TokenOf(traversal.Token(v)), err
	case tagTraversal:
		nested, err := d.steps(depth + 1)
		if err != nil {
			return traversal.Value{}, err
		}
		return traversal.Nested(nested), nil
	case tagAlias:
		name, err := d.str()
		if err != nil {
			return traversal.Value{}, err
		}
		idx, err := d.u32()
		if err != nil {
			return traversal.Value{}, err
		}
		d.refs = append(d.refs, int(int32(idx)))
		return traversal.AliasRef(name), nil
	}
	return traversal.Value{}, fmt.Errorf("unknown argument tag 0x%02x", tag)
}

func (d *decoder) result(depth int) (any, error) {
	if depth > maxDepth {
		return nil, errors.New("result nesting too deep")
	}
	tag, err := d.u8()
	if err != nil {
		return nil, err
	}
	switch tag {
	case tagNull:
		return nil, nil
	case tagString:
		return d.str()
	case tagInt32:
		v, err := d.u32()
		return int32(v), err
	case tagInt64:
		v, err := d.u64()
		return int64(v), err
	case tagFloat32:
		v, err := d.u32()
		return math.Float32frombits(v), err
	case tagFloat64:
		v, err := d.u64()
		return math.Float64frombits(v), err
	case tagBool:
		v, err := d.u8()
		return v != 0, err
	case tagUUID:
		return d.id()
	case tagCardinality:
		v, err := d.u8()
		return traversal.Cardinality(v), err
	case tagToken:
		v, err := d.u8()
		return traversal.Token(v), err
	case tagList:
		n, err := d.count(1)
		if err != nil {
			return nil, err
		}
		list := make([]any, 0, n)
		for i := 0; i < n; i++ {
			item, err := d.result(depth + 1)
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil
	case tagMap:
		n, err := d.count(2)
		if err != nil {
			return nil, err
		}
		m := &Map{Entries: make([]Entry, 0, n)}
		for i := 0; i < n; i++ {
			k, err := d.result(depth + 1)
			if err != nil {
				return nil, err
			}
			v, err := d.result(depth + 1)
			if err != nil {
				return nil, err
			}
			m.Entries = append(m.Entries, Entry{Key: k, Value: v})
		}
		return m, nil
	case tagVertex:
		id, err := d.result(depth + 1)
		if err != nil {
			return nil, err
		}
		label, err := d.str()
		return Vertex{ID: id, Label: label}, err
	case tagEdge:
		id, err := d.result(depth + 1)
		if err != nil {
			return nil, err
		}
		label, err := d.str()
		if err != nil {
			return nil, err
		}
		out, err := d.result(depth + 1)
		if err != nil {
			return nil, err
		}
		in, err := d.result(depth + 1)
		return Edge{ID: id, Label: label, OutV: out, InV: in}, err
	}
	return nil, fmt.Errorf("unknown result tag 0x%02x", tag)
}

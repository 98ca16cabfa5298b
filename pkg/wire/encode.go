package wire

import (
	"errors"
	"sort"

	"github.com/sanonone/graphwire/pkg/errs"
)

// Request payload: [ID(16)][Op(1)][Processor][ArgCount(4)]{[Key][Value]}[HasExpr(1)][Expression]
// Response payload: [ID(16)][Code(4)][Message][More(1)][Count(4)]{[Value]}
// Strings are [Length(4)][Bytes]; integers are little endian.

// EncodeRequest serializes req into a complete frame.
//
// Args are written sorted by key so the same request always yields the same
// bytes. Encoding and alias errors are returned as is and must not be retried.
func EncodeRequest(req *Request) ([]byte, error) {
	e := &encoder{}
	e.id(req.ID)
	e.u8(byte(req.Op))
	e.str(req.Processor)

	keys := make([]string, 0, len(req.Args))
	for k := range req.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.u32(uint32(len(keys)))
	for _, k := range keys {
		e.str(k)
		e.str(req.Args[k])
	}

	if req.Expression == nil {
		e.u8(0)
	} else {
		e.u8(1)
		if err := e.expression(req.Expression); err != nil {
			return nil, err
		}
	}
	return AppendFrame(nil, FrameRequest, e.buf), nil
}

// DecodeRequest parses one request frame.
func DecodeRequest(b []byte) (*Request, error) {
	payload, err := splitFrame(b, FrameRequest)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "decode request frame", err)
	}
	d := &decoder{b: payload}
	req := &Request{}
	if req.ID, err = d.id(); err != nil {
		return nil, protocolErr("request id", err)
	}
	op, err := d.u8()
	if err != nil {
		return nil, protocolErr("request op", err)
	}
	req.Op = Op(op)
	if req.Processor, err = d.str(); err != nil {
		return nil, protocolErr("request processor", err)
	}
	n, err := d.count(8)
	if err != nil {
		return nil, protocolErr("request args", err)
	}
	if n > 0 {
		req.Args = make(map[string]string, n)
	}
	for i := 0; i < n; i++ {
		k, err := d.str()
		if err != nil {
			return nil, protocolErr("request arg key", err)
		}
		v, err := d.str()
		if err != nil {
			return nil, protocolErr("request arg value", err)
		}
		req.Args[k] = v
	}
	hasExpr, err := d.u8()
	if err != nil {
		return nil, protocolErr("request expression flag", err)
	}
	if hasExpr != 0 {
		if req.Expression, err = d.expression(); err != nil {
			return nil, err
		}
	}
	if d.off != len(d.b) {
		return nil, protocolErr("request", ErrTrailingData)
	}
	return req, nil
}

// EncodeResponse serializes resp into a complete frame.
func EncodeResponse(resp *Response) ([]byte, error) {
	e := &encoder{}
	e.id(resp.ID)
	e.u32(uint32(int32(resp.Status.Code)))
	e.str(resp.Status.Message)
	e.u8(boolByte(resp.More))
	e.u32(uint32(len(resp.Result)))
	for _, item := range resp.Result {
		if err := e.result(item); err != nil {
			return nil, err
		}
	}
	return AppendFrame(nil, FrameResponse, e.buf), nil
}

// DecodeFrame parses one response frame. Bad magic, truncation, trailing
// bytes and checksum mismatches are all reported as errs.Protocol.
func DecodeFrame(b []byte) (*Response, error) {
	payload, err := splitFrame(b, FrameResponse)
	if err != nil {
		return nil, errs.Wrap(errs.Protocol, "decode response frame", err)
	}
	d := &decoder{b: payload}
	resp := &Response{}
	if resp.ID, err = d.id(); err != nil {
		return nil, protocolErr("response id", err)
	}
	code, err := d.u32()
	if err != nil {
		return nil, protocolErr("response status", err)
	}
	resp.Status.Code = int(int32(code))
	if resp.Status.Message, err = d.str(); err != nil {
		return nil, protocolErr("response message", err)
	}
	more, err := d.u8()
	if err != nil {
		return nil, protocolErr("response more flag", err)
	}
	resp.More = more != 0
	n, err := d.count(1)
	if err != nil {
		return nil, protocolErr("response result count", err)
	}
	resp.Result = make([]any, 0, n)
	for i := 0; i < n; i++ {
		item, err := d.result(0)
		if err != nil {
			return nil, protocolErr("response result", err)
		}
		resp.Result = append(resp.Result, item)
	}
	if d.off != len(d.b) {
		return nil, protocolErr("response", ErrTrailingData)
	}
	return resp, nil
}

func protocolErr(what string, err error) error {
	var e *errs.E
	if errors.As(err, &e) {
		return err
	}
	return errs.Wrap(errs.Protocol, "decode "+what, err)
}

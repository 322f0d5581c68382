package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Tag identifies the on-wire envelope shape of a Frame. The codec is
// identical across versions once negotiated; only the set of valid tags a
// connection will exchange differs by Version.
type Tag uint8

const (
	TagHandshake Tag = iota + 1
	TagNginxRequest
	TagNginxResponse
	TagWasmNextAction
	TagWasmHostFunction
	TagFilterEntrypoint
	TagFilterNextAction
	TagHostFunction
	TagHostError
)

// frameHeaderLen is the length, in bytes, of the fixed frame header: a tag
// byte followed by a big-endian u32 payload length.
const frameHeaderLen = 5

// MaxFrameSize guards against a misbehaving peer driving unbounded
// allocation; frames larger than this are a codec error.
const MaxFrameSize = 64 << 20

// Frame is one decoded ProxyMessage envelope: a tag plus its opaque
// payload bytes. Higher-level encode/decode helpers interpret the payload
// according to the tag.
type Frame struct {
	Tag     Tag
	Payload []byte
}

// ReadFrame reads one length-prefixed frame from r. Grounded on the
// fixed-header-then-payload idiom used by caddy's FastCGI client
// (caddyhttp/fastcgi/fcgiclient.go) for its own binary protocol.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	tag := Tag(hdr[0])
	size := binary.BigEndian.Uint32(hdr[1:5])
	if size > MaxFrameSize {
		return Frame{}, fmt.Errorf("wire: frame of %d bytes exceeds max %d", size, MaxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("wire: short frame body: %w", err)
	}
	return Frame{Tag: tag, Payload: payload}, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	var hdr [frameHeaderLen]byte
	hdr[0] = byte(f.Tag)
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(f.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.Payload) == 0 {
		return nil
	}
	_, err := w.Write(f.Payload)
	return err
}

// --- payload builders/readers: a small TLV helper so each message type
// below can be encoded/decoded without reflection or a generic codec
// dependency. Every variable-length field is length-prefixed (u32 BE).

type payloadWriter struct {
	buf []byte
}

func (p *payloadWriter) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	p.buf = append(p.buf, b[:]...)
}

func (p *payloadWriter) i32(v int32) { p.u32(uint32(v)) }

func (p *payloadWriter) u8(v uint8) { p.buf = append(p.buf, v) }

func (p *payloadWriter) bytes(b []byte) {
	p.u32(uint32(len(b)))
	p.buf = append(p.buf, b...)
}

func (p *payloadWriter) bool(b bool) {
	if b {
		p.u8(1)
	} else {
		p.u8(0)
	}
}

type payloadReader struct {
	buf []byte
	pos int
}

func (p *payloadReader) u32() (uint32, error) {
	if p.pos+4 > len(p.buf) {
		return 0, fmt.Errorf("wire: truncated u32 at %d", p.pos)
	}
	v := binary.BigEndian.Uint32(p.buf[p.pos : p.pos+4])
	p.pos += 4
	return v, nil
}

func (p *payloadReader) i32() (int32, error) {
	v, err := p.u32()
	return int32(v), err
}

func (p *payloadReader) u8() (uint8, error) {
	if p.pos+1 > len(p.buf) {
		return 0, fmt.Errorf("wire: truncated u8 at %d", p.pos)
	}
	v := p.buf[p.pos]
	p.pos++
	return v, nil
}

func (p *payloadReader) bytes() ([]byte, error) {
	n, err := p.u32()
	if err != nil {
		return nil, err
	}
	if p.pos+int(n) > len(p.buf) {
		return nil, fmt.Errorf("wire: truncated bytes field (want %d) at %d", n, p.pos)
	}
	b := p.buf[p.pos : p.pos+int(n)]
	p.pos += int(n)
	return b, nil
}

func (p *payloadReader) bool() (bool, error) {
	v, err := p.u8()
	return v != 0, err
}

func (p *payloadReader) requestId() (RequestId, error) {
	idx, err := p.u32()
	if err != nil {
		return RequestId{}, err
	}
	gen, err := p.u32()
	if err != nil {
		return RequestId{}, err
	}
	return RequestId{Index: idx, Generation: gen}, nil
}

func (p *payloadWriter) requestId(r RequestId) {
	p.u32(r.Index)
	p.u32(r.Generation)
}

// EncodeHandshake builds the payload for Handshake{supported_versions}.
func EncodeHandshake(versions []Version) []byte {
	w := &payloadWriter{}
	w.u32(uint32(len(versions)))
	for _, v := range versions {
		w.u32(uint32(v))
	}
	return w.buf
}

// DecodeHandshake parses a Handshake payload.
func DecodeHandshake(payload []byte) ([]Version, error) {
	r := &payloadReader{buf: payload}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	out := make([]Version, n)
	for i := range out {
		v, err := r.u32()
		if err != nil {
			return nil, err
		}
		out[i] = Version(v)
	}
	return out, nil
}

// EncodeNginxRequest builds a v1 NginxMessage::Request(app, payload).
func EncodeNginxRequest(id RequestId, app string, payload []byte) []byte {
	w := &payloadWriter{}
	w.requestId(id)
	w.bytes([]byte(app))
	w.bytes(payload)
	return w.buf
}

// DecodeNginxRequest parses a v1 NginxMessage::Request.
func DecodeNginxRequest(p []byte) (id RequestId, app string, payload []byte, err error) {
	r := &payloadReader{buf: p}
	if id, err = r.requestId(); err != nil {
		return
	}
	var appb []byte
	if appb, err = r.bytes(); err != nil {
		return
	}
	app = string(appb)
	payload, err = r.bytes()
	return
}

// EncodeNextAction builds a NextAction(i32) reply, shared by v1's
// WasmMessage and v2/v2a's FilterCallback.
func EncodeNextAction(id RequestId, action int32) []byte {
	w := &payloadWriter{}
	w.requestId(id)
	w.i32(action)
	return w.buf
}

// DecodeNextAction parses a NextAction(i32) reply.
func DecodeNextAction(p []byte) (id RequestId, action int32, err error) {
	r := &payloadReader{buf: p}
	if id, err = r.requestId(); err != nil {
		return
	}
	action, err = r.i32()
	return
}

// EncodeEntrypoint builds a FilterCallback::Entrypoint envelope.
func EncodeEntrypoint(id RequestId, ep Entrypoint) []byte {
	w := &payloadWriter{}
	w.requestId(id)
	w.u32(ep.Application)
	w.i32(int32(ep.Handler.Kind))
	w.i32(ep.Handler.Ctx)
	w.i32(ep.Handler.N)
	w.i32(ep.Handler.Size)
	w.bool(ep.Handler.EndOfStream)
	if ep.AdditionalInfo == nil {
		w.u8(0)
	} else {
		w.u8(1)
		w.u32(uint32(len(ep.AdditionalInfo.RequestHeaders)))
		for _, h := range ep.AdditionalInfo.RequestHeaders {
			w.bytes(h.Name)
			w.bytes(h.Value)
		}
		w.u32(uint32(len(ep.AdditionalInfo.Properties)))
		for k, v := range ep.AdditionalInfo.Properties {
			w.bytes([]byte(k))
			w.bytes(v)
		}
	}
	return w.buf
}

// DecodeEntrypoint parses a FilterCallback::Entrypoint envelope.
func DecodeEntrypoint(p []byte) (id RequestId, ep Entrypoint, err error) {
	r := &payloadReader{buf: p}
	if id, err = r.requestId(); err != nil {
		return
	}
	if ep.Application, err = r.u32(); err != nil {
		return
	}
	var kind int32
	if kind, err = r.i32(); err != nil {
		return
	}
	ep.Handler.Kind = HandlerKind(kind)
	if ep.Handler.Ctx, err = r.i32(); err != nil {
		return
	}
	if ep.Handler.N, err = r.i32(); err != nil {
		return
	}
	if ep.Handler.Size, err = r.i32(); err != nil {
		return
	}
	if ep.Handler.EndOfStream, err = r.bool(); err != nil {
		return
	}
	var hasInfo uint8
	if hasInfo, err = r.u8(); err != nil {
		return
	}
	if hasInfo == 1 {
		info := &AdditionalInfo{Properties: map[string][]byte{}}
		var hc uint32
		if hc, err = r.u32(); err != nil {
			return
		}
		for i := uint32(0); i < hc; i++ {
			var name, value []byte
			if name, err = r.bytes(); err != nil {
				return
			}
			if value, err = r.bytes(); err != nil {
				return
			}
			info.RequestHeaders = append(info.RequestHeaders, HeaderPair{Name: name, Value: value})
		}
		var pc uint32
		if pc, err = r.u32(); err != nil {
			return
		}
		for i := uint32(0); i < pc; i++ {
			var k, v []byte
			if k, err = r.bytes(); err != nil {
				return
			}
			if v, err = r.bytes(); err != nil {
				return
			}
			info.Properties[string(k)] = v
		}
		ep.AdditionalInfo = info
	}
	ep.RequestId = id
	return
}

// EncodeHostFunction builds a HostFunction request envelope (v1's
// WasmMessage(msg) and v2/v2a's HostFunction(msg) share this shape).
func EncodeHostFunction(hf HostFunction) []byte {
	w := &payloadWriter{}
	w.requestId(hf.Kind)
	w.i32(int32(hf.Op))
	w.i32(int32(hf.MapType))
	w.i32(int32(hf.BufferType))
	w.i32(hf.Offset)
	w.i32(hf.MaxSize)
	w.bytes(hf.Key)
	w.bytes(hf.Value)
	w.bytes(hf.Path)
	w.i32(hf.StatusCode)
	w.bytes(hf.Details)
	w.bytes(hf.Body)
	w.bytes(hf.Headers)
	w.i32(hf.GrpcStatus)
	return w.buf
}

// DecodeHostFunction parses a HostFunction request envelope.
func DecodeHostFunction(p []byte) (hf HostFunction, err error) {
	r := &payloadReader{buf: p}
	if hf.Kind, err = r.requestId(); err != nil {
		return
	}
	var op, mt, bt int32
	if op, err = r.i32(); err != nil {
		return
	}
	hf.Op = HostFunctionKind(op)
	if mt, err = r.i32(); err != nil {
		return
	}
	hf.MapType = MapType(mt)
	if bt, err = r.i32(); err != nil {
		return
	}
	hf.BufferType = BufferType(bt)
	if hf.Offset, err = r.i32(); err != nil {
		return
	}
	if hf.MaxSize, err = r.i32(); err != nil {
		return
	}
	if hf.Key, err = r.bytes(); err != nil {
		return
	}
	if hf.Value, err = r.bytes(); err != nil {
		return
	}
	if hf.Path, err = r.bytes(); err != nil {
		return
	}
	if hf.StatusCode, err = r.i32(); err != nil {
		return
	}
	if hf.Details, err = r.bytes(); err != nil {
		return
	}
	if hf.Body, err = r.bytes(); err != nil {
		return
	}
	if hf.Headers, err = r.bytes(); err != nil {
		return
	}
	hf.GrpcStatus, err = r.i32()
	return
}

// EncodeHostFunctionResponse builds the terminal HostFunction::Response
// reply frame.
func EncodeHostFunctionResponse(id RequestId, status ProxyStatus, returnValue []byte) []byte {
	w := &payloadWriter{}
	w.requestId(id)
	w.i32(int32(status))
	w.bytes(returnValue)
	return w.buf
}

// DecodeHostFunctionResponse parses a HostFunction::Response reply frame.
func DecodeHostFunctionResponse(p []byte) (id RequestId, status ProxyStatus, returnValue []byte, err error) {
	r := &payloadReader{buf: p}
	if id, err = r.requestId(); err != nil {
		return
	}
	var s int32
	if s, err = r.i32(); err != nil {
		return
	}
	status = ProxyStatus(s)
	returnValue, err = r.bytes()
	return
}

// EncodeHostError builds the v2a-only terminal HostError(bytes) frame.
func EncodeHostError(msg []byte) []byte {
	w := &payloadWriter{}
	w.bytes(msg)
	return w.buf
}

// DecodeHostError parses a HostError(bytes) frame.
func DecodeHostError(p []byte) ([]byte, error) {
	r := &payloadReader{buf: p}
	return r.bytes()
}

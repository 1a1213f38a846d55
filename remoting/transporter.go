package remoting

import (
	"go.uber.org/zap/zapcore"

	"github.com/ozontech/registrar/consts"
	"github.com/ozontech/registrar/frameheader"
	"github.com/ozontech/registrar/protocol"
)

// Transporter фрейм в памяти. После Send или передачи в обработчик
// принадлежит транспорту, изменять его нельзя.
type Transporter struct {
	Type   protocol.TransporterType
	Code   protocol.Code
	Opaque int64
	Bytes  []byte

	// Body типизированное тело, заполняется DecodeBody.
	Body protocol.Body
}

func NewRequest(code protocol.Code, b []byte) *Transporter {
	return &Transporter{Type: protocol.TypeRequest, Code: code, Bytes: b}
}

func NewRequestBody(codec protocol.Codec, code protocol.Code, body protocol.Body) (*Transporter, error) {
	b, err := codec.Marshal(body)
	if err != nil {
		return nil, &SerializationError{Code: code, Codec: codec.Name(), Err: err}
	}
	t := NewRequest(code, b)
	t.Body = body
	return t, nil
}

// NewResponse ответ на req, opaque берется из запроса.
func NewResponse(req *Transporter, code protocol.Code, b []byte) *Transporter {
	return &Transporter{Type: protocol.TypeResponse, Code: code, Opaque: req.Opaque, Bytes: b}
}

func NewResponseBody(req *Transporter, codec protocol.Codec, code protocol.Code, body protocol.Body) (*Transporter, error) {
	b, err := codec.Marshal(body)
	if err != nil {
		return nil, &SerializationError{Code: code, Codec: codec.Name(), Err: err}
	}
	t := NewResponse(req, code, b)
	t.Body = body
	return t, nil
}

func NewHeartbeat() *Transporter {
	return &Transporter{Type: protocol.TypeHeartbeat, Code: protocol.Heartbeat}
}

// DecodeBody разбирает Bytes в v и запоминает результат в Body.
func (t *Transporter) DecodeBody(codec protocol.Codec, v protocol.Body) error {
	if err := codec.Unmarshal(t.Bytes, v); err != nil {
		return &SerializationError{Code: t.Code, Codec: codec.Name(), Err: err}
	}
	t.Body = v
	return nil
}

func (t *Transporter) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("type", t.Type.String())
	enc.AddString("code", t.Code.String())
	enc.AddInt64("opaque", t.Opaque)
	enc.AddInt("length", len(t.Bytes))
	return nil
}

// Encode дописывает фрейм в dst.
func Encode(dst []byte, t *Transporter) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, consts.HeaderSize)...)
	fillHeader(frameheader.FrameHeader(dst[start:start+consts.HeaderSize]), t)
	return append(dst, t.Bytes...)
}

func fillHeader(h frameheader.FrameHeader, t *Transporter) {
	h.Fill(uint8(t.Type), uint8(t.Code), t.Opaque, len(t.Bytes))
}

package remoting

import (
	"strconv"

	"github.com/ozontech/registrar/consts"
	"github.com/ozontech/registrar/frameheader"
	"github.com/ozontech/registrar/protocol"
)

// Framer инкрементальный декодер фреймов. Fill передает очередной кусок
// потока, Next достает из него фреймы, пока не попросит еще данных.
type Framer struct {
	maxBodySize int

	header     frameheader.FrameHeader
	headerDone bool
	body       []byte
	bodyLeft   int
	buf        []byte
}

type Status int

const (
	StatusFrameDone Status = iota
	StatusFrameDoneBufEmpty
	StatusHeaderIncomplete
	StatusBodyIncomplete
)

func NewFramer(maxBodySize int) *Framer {
	if maxBodySize <= 0 {
		maxBodySize = consts.MaxBodySize
	}
	return &Framer{
		maxBodySize: maxBodySize,
		header:      make(frameheader.FrameHeader, 0, consts.HeaderSize),
	}
}

func (f *Framer) Fill(b []byte) {
	f.buf = b
}

// Next возвращает фрейм, если он собран целиком. Тело копируется,
// буфер из Fill можно переиспользовать после StatusFrameDoneBufEmpty
// или статусов *Incomplete.
func (f *Framer) Next() (*Transporter, Status, error) {
	if !f.headerDone {
		need := consts.HeaderSize - len(f.header)
		if len(f.buf) < need {
			f.header = append(f.header, f.buf...)
			f.buf = nil
			return nil, StatusHeaderIncomplete, nil
		}
		f.header = append(f.header, f.buf[:need]...)
		f.buf = f.buf[need:]
		if err := f.checkHeader(); err != nil {
			return nil, StatusHeaderIncomplete, err
		}
		f.headerDone = true
		f.bodyLeft = f.header.Length()
		if f.bodyLeft > 0 {
			f.body = make([]byte, 0, f.bodyLeft)
		}
	}

	if len(f.buf) < f.bodyLeft {
		f.body = append(f.body, f.buf...)
		f.bodyLeft -= len(f.buf)
		f.buf = nil
		return nil, StatusBodyIncomplete, nil
	}

	f.body = append(f.body, f.buf[:f.bodyLeft]...)
	f.buf = f.buf[f.bodyLeft:]
	t := &Transporter{
		Type:   protocol.TransporterType(f.header.Type()),
		Code:   protocol.Code(f.header.Code()),
		Opaque: f.header.Opaque(),
		Bytes:  f.body,
	}
	f.reset()

	if len(f.buf) == 0 {
		return t, StatusFrameDoneBufEmpty, nil
	}
	return t, StatusFrameDone, nil
}

func (f *Framer) checkHeader() error {
	if !f.header.ValidMagic() {
		return &ProtocolError{Reason: "bad magic 0x" + strconv.FormatUint(uint64(f.header.Magic()), 16)}
	}
	l := f.header.Length()
	if l < 0 || l > f.maxBodySize {
		return &ProtocolError{Reason: "bad body length " + strconv.Itoa(l)}
	}
	return nil
}

func (f *Framer) reset() {
	f.header = f.header[:0]
	f.headerDone = false
	f.body = nil
	f.bodyLeft = 0
}

package frameheader

import (
	"encoding/binary"
	"strconv"

	"github.com/ozontech/registrar/consts"
)

// FrameHeader заголовок фрейма:
// magic(2) | type(1) | code(1) | opaque(8) | bodyLength(4), big-endian.
type FrameHeader []byte

func NewFrameHeader() FrameHeader { return make([]byte, consts.HeaderSize) }

func (f FrameHeader) Fill(
	t uint8,
	code uint8,
	opaque int64,
	length int,
) {
	_ = f[15]
	binary.BigEndian.PutUint16(f[0:2], consts.Magic)
	f[2] = t
	f[3] = code
	binary.BigEndian.PutUint64(f[4:12], uint64(opaque))
	binary.BigEndian.PutUint32(f[12:16], uint32(int32(length)))
}

func (f FrameHeader) Magic() uint16     { return binary.BigEndian.Uint16(f[0:2]) }
func (f FrameHeader) SetMagic(m uint16) { binary.BigEndian.PutUint16(f[0:2], m) }
func (f FrameHeader) ValidMagic() bool  { return f.Magic() == consts.Magic }

func (f FrameHeader) Type() uint8     { return f[2] }
func (f FrameHeader) SetType(t uint8) { f[2] = t }

func (f FrameHeader) Code() uint8     { return f[3] }
func (f FrameHeader) SetCode(c uint8) { f[3] = c }

func (f FrameHeader) Opaque() int64 { return int64(binary.BigEndian.Uint64(f[4:12])) }
func (f FrameHeader) SetOpaque(opaque int64) {
	binary.BigEndian.PutUint64(f[4:12], uint64(opaque))
}

// Length длина тела. Может быть отрицательной в битом фрейме.
func (f FrameHeader) Length() int {
	_ = f[15]
	return int(int32(binary.BigEndian.Uint32(f[12:16])))
}

func (f FrameHeader) SetLength(l int) {
	binary.BigEndian.PutUint32(f[12:16], uint32(int32(l)))
}

func (f FrameHeader) String() string {
	return "type=" + strconv.FormatUint(uint64(f.Type()), 10) +
		"/ code=" + strconv.FormatUint(uint64(f.Code()), 10) +
		"/ opaque=" + strconv.FormatInt(f.Opaque(), 10) +
		"/ length=" + strconv.Itoa(f.Length())
}

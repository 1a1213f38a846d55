package protocol

import (
	"fmt"

	"github.com/mailru/easyjson"

	"github.com/ozontech/registrar/utils/lru"
)

// Codec сериализатор тел фреймов. Транспорт не знает ничего о формате,
// тип тела задает вызывающая сторона.
type Codec interface {
	Name() string
	Marshal(b Body) ([]byte, error)
	Unmarshal(data []byte, b Body) error
}

type jsonCodec struct{}

// JSON кодек на easyjson.
var JSON Codec = jsonCodec{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(b Body) ([]byte, error) {
	return easyjson.Marshal(b)
}

func (jsonCodec) Unmarshal(data []byte, b Body) error {
	return easyjson.Unmarshal(data, b)
}

const internedNamesSize = 4096

// BinaryCodec кодек на protowire. Имена сервисов интернируются,
// т.к. один и тот же небольшой набор имен приходит в каждом фрейме.
type BinaryCodec struct {
	names *lru.Interner
}

func NewBinaryCodec() *BinaryCodec {
	return &BinaryCodec{names: lru.NewInterner(internedNamesSize)}
}

func (*BinaryCodec) Name() string { return "binary" }

func (c *BinaryCodec) Marshal(b Body) ([]byte, error) {
	return b.AppendWire(nil), nil
}

func (c *BinaryCodec) Unmarshal(data []byte, b Body) error {
	return b.consumeWire(wireDecoder{intern: c.names.GetOrAdd}, data)
}

func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON, nil
	case "binary", "protowire":
		return NewBinaryCodec(), nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

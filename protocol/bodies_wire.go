package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Бинарный формат тел: protobuf wire format без .proto схем.
// Номера полей совпадают с порядком полей в структурах, нулевые значения не пишутся.

type wireDecoder struct {
	intern func([]byte) string
}

// name возвращает имя сервиса, по возможности из интернера.
func (d wireDecoder) name(v []byte) string {
	if d.intern == nil || len(v) == 0 {
		return string(v)
	}
	return d.intern(v)
}

type wireField struct {
	num protowire.Number
	typ protowire.Type
	b   []byte
	n   int
}

func (f *wireField) varint() uint64 {
	if f.typ != protowire.VarintType {
		f.skip()
		return 0
	}
	v, n := protowire.ConsumeVarint(f.b)
	f.n = n
	return v
}

func (f *wireField) int() int     { return int(int64(f.varint())) }
func (f *wireField) int64() int64 { return int64(f.varint()) }
func (f *wireField) bool() bool   { return f.varint() != 0 }

func (f *wireField) bytes() []byte {
	if f.typ != protowire.BytesType {
		f.skip()
		return nil
	}
	v, n := protowire.ConsumeBytes(f.b)
	f.n = n
	return v
}

func (f *wireField) string() string { return string(f.bytes()) }

// copyBytes копирует значение: буфер чтения переиспользуется.
func (f *wireField) copyBytes() []byte {
	v := f.bytes()
	if len(v) == 0 {
		return nil
	}
	return append([]byte(nil), v...)
}

func (f *wireField) skip() {
	f.n = protowire.ConsumeFieldValue(f.num, f.typ, f.b)
}

func consumeFields(b []byte, field func(f *wireField) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		f := wireField{num: num, typ: typ, b: b, n: -1}
		if err := field(&f); err != nil {
			return err
		}
		if f.n < 0 {
			return protowire.ParseError(f.n)
		}
		b = b[f.n:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendAddress(b []byte, a Address) []byte {
	b = appendString(b, 1, a.Host)
	return appendInt(b, 2, int64(a.Port))
}

func consumeAddress(b []byte, a *Address) error {
	return consumeFields(b, func(f *wireField) error {
		switch f.num {
		case 1:
			a.Host = f.string()
		case 2:
			a.Port = f.int()
		default:
			f.skip()
		}
		return nil
	})
}

func appendRegisterMeta(b []byte, m *RegisterMeta) []byte {
	b = appendString(b, 1, m.ServiceName)
	b = appendMessage(b, 2, appendAddress(nil, m.Address))
	b = appendInt(b, 3, int64(m.Weight))
	b = appendInt(b, 4, int64(m.ConnCount))
	b = appendBool(b, 5, m.IsVIPService)
	b = appendBool(b, 6, m.IsSupportDegradeService)
	b = appendBool(b, 7, m.HasDegradeService)
	b = appendString(b, 8, m.DegradeServicePath)
	b = appendString(b, 9, m.DegradeServiceDesc)
	return appendInt(b, 10, int64(m.IsReviewed))
}

func consumeRegisterMeta(d wireDecoder, b []byte, m *RegisterMeta) error {
	return consumeFields(b, func(f *wireField) error {
		switch f.num {
		case 1:
			m.ServiceName = d.name(f.bytes())
		case 2:
			return consumeAddress(f.bytes(), &m.Address)
		case 3:
			m.Weight = f.int()
		case 4:
			m.ConnCount = f.int()
		case 5:
			m.IsVIPService = f.bool()
		case 6:
			m.IsSupportDegradeService = f.bool()
		case 7:
			m.HasDegradeService = f.bool()
		case 8:
			m.DegradeServicePath = f.string()
		case 9:
			m.DegradeServiceDesc = f.string()
		case 10:
			m.IsReviewed = ReviewState(f.varint())
		default:
			f.skip()
		}
		return nil
	})
}

func (b *PublishServiceBody) AppendWire(dst []byte) []byte {
	dst = appendString(dst, 1, b.ServiceName)
	dst = appendString(dst, 2, b.Host)
	dst = appendInt(dst, 3, int64(b.Port))
	dst = appendInt(dst, 4, int64(b.Weight))
	dst = appendInt(dst, 5, int64(b.ConnCount))
	dst = appendBool(dst, 6, b.IsVIPService)
	dst = appendBool(dst, 7, b.SupportDegradeService)
	dst = appendBool(dst, 8, b.HasDegradeService)
	dst = appendString(dst, 9, b.DegradeServicePath)
	return appendString(dst, 10, b.DegradeServiceDesc)
}

func (b *PublishServiceBody) consumeWire(d wireDecoder, src []byte) error {
	return consumeFields(src, func(f *wireField) error {
		switch f.num {
		case 1:
			b.ServiceName = d.name(f.bytes())
		case 2:
			b.Host = f.string()
		case 3:
			b.Port = f.int()
		case 4:
			b.Weight = f.int()
		case 5:
			b.ConnCount = f.int()
		case 6:
			b.IsVIPService = f.bool()
		case 7:
			b.SupportDegradeService = f.bool()
		case 8:
			b.HasDegradeService = f.bool()
		case 9:
			b.DegradeServicePath = f.string()
		case 10:
			b.DegradeServiceDesc = f.string()
		default:
			f.skip()
		}
		return nil
	})
}

func (b *SubscribeRequestBody) AppendWire(dst []byte) []byte {
	return appendString(dst, 1, b.ServiceName)
}

func (b *SubscribeRequestBody) consumeWire(d wireDecoder, src []byte) error {
	return consumeFields(src, func(f *wireField) error {
		if f.num == 1 {
			b.ServiceName = d.name(f.bytes())
		} else {
			f.skip()
		}
		return nil
	})
}

func (b *SubscribeResultBody) AppendWire(dst []byte) []byte {
	dst = appendString(dst, 1, b.ServiceName)
	for i := range b.RegisterMeta {
		dst = appendMessage(dst, 2, appendRegisterMeta(nil, &b.RegisterMeta[i]))
	}
	return dst
}

func (b *SubscribeResultBody) consumeWire(d wireDecoder, src []byte) error {
	return consumeFields(src, func(f *wireField) error {
		switch f.num {
		case 1:
			b.ServiceName = d.name(f.bytes())
		case 2:
			var m RegisterMeta
			if err := consumeRegisterMeta(d, f.bytes(), &m); err != nil {
				return err
			}
			b.RegisterMeta = append(b.RegisterMeta, m)
		default:
			f.skip()
		}
		return nil
	})
}

func (b *ReviewServiceBody) AppendWire(dst []byte) []byte {
	dst = appendString(dst, 1, b.ServiceName)
	dst = appendMessage(dst, 2, appendAddress(nil, b.Address))
	return appendInt(dst, 3, int64(b.ReviewState))
}

func (b *ReviewServiceBody) consumeWire(d wireDecoder, src []byte) error {
	return consumeFields(src, func(f *wireField) error {
		switch f.num {
		case 1:
			b.ServiceName = d.name(f.bytes())
		case 2:
			return consumeAddress(f.bytes(), &b.Address)
		case 3:
			b.ReviewState = ReviewState(f.varint())
		default:
			f.skip()
		}
		return nil
	})
}

func (b *DegradeServiceBody) AppendWire(dst []byte) []byte {
	dst = appendString(dst, 1, b.ServiceName)
	dst = appendMessage(dst, 2, appendAddress(nil, b.Address))
	return appendBool(dst, 3, b.Degrade)
}

func (b *DegradeServiceBody) consumeWire(d wireDecoder, src []byte) error {
	return consumeFields(src, func(f *wireField) error {
		switch f.num {
		case 1:
			b.ServiceName = d.name(f.bytes())
		case 2:
			return consumeAddress(f.bytes(), &b.Address)
		case 3:
			b.Degrade = f.bool()
		default:
			f.skip()
		}
		return nil
	})
}

func (b *AckBody) AppendWire(dst []byte) []byte {
	dst = appendInt(dst, 1, b.Opaque)
	dst = appendBool(dst, 2, b.Success)
	return appendString(dst, 3, b.Desc)
}

func (b *AckBody) consumeWire(_ wireDecoder, src []byte) error {
	return consumeFields(src, func(f *wireField) error {
		switch f.num {
		case 1:
			b.Opaque = f.int64()
		case 2:
			b.Success = f.bool()
		case 3:
			b.Desc = f.string()
		default:
			f.skip()
		}
		return nil
	})
}

func (b *MetricsRequestBody) AppendWire(dst []byte) []byte {
	return appendString(dst, 1, b.ServiceName)
}

func (b *MetricsRequestBody) consumeWire(d wireDecoder, src []byte) error {
	return consumeFields(src, func(f *wireField) error {
		if f.num == 1 {
			b.ServiceName = d.name(f.bytes())
		} else {
			f.skip()
		}
		return nil
	})
}

func appendServiceMetrics(b []byte, m *ServiceMetrics) []byte {
	b = appendString(b, 1, m.ServiceName)
	for _, p := range m.ProviderInfos {
		var pb []byte
		pb = appendString(pb, 1, p.Host)
		pb = appendInt(pb, 2, int64(p.Port))
		pb = appendInt(pb, 3, int64(p.Weight))
		pb = appendInt(pb, 4, int64(p.ReviewState))
		pb = appendBool(pb, 5, p.IsDegradeService)
		pb = appendBool(pb, 6, p.IsSupportDegrade)
		pb = appendBool(pb, 7, p.IsVIPService)
		b = appendMessage(b, 2, pb)
	}
	for _, c := range m.ConsumerInfos {
		b = appendMessage(b, 3, appendAddress(nil, Address(c)))
	}
	return b
}

func consumeServiceMetrics(d wireDecoder, b []byte, m *ServiceMetrics) error {
	return consumeFields(b, func(f *wireField) error {
		switch f.num {
		case 1:
			m.ServiceName = d.name(f.bytes())
		case 2:
			var p ProviderInfo
			err := consumeFields(f.bytes(), func(f *wireField) error {
				switch f.num {
				case 1:
					p.Host = f.string()
				case 2:
					p.Port = f.int()
				case 3:
					p.Weight = f.int()
				case 4:
					p.ReviewState = ReviewState(f.varint())
				case 5:
					p.IsDegradeService = f.bool()
				case 6:
					p.IsSupportDegrade = f.bool()
				case 7:
					p.IsVIPService = f.bool()
				default:
					f.skip()
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.ProviderInfos = append(m.ProviderInfos, p)
		case 3:
			var a Address
			if err := consumeAddress(f.bytes(), &a); err != nil {
				return err
			}
			m.ConsumerInfos = append(m.ConsumerInfos, ConsumerInfo(a))
		default:
			f.skip()
		}
		return nil
	})
}

func (b *RegistryMetricsBody) AppendWire(dst []byte) []byte {
	for i := range b.ServiceMetrics {
		dst = appendMessage(dst, 1, appendServiceMetrics(nil, &b.ServiceMetrics[i]))
	}
	return dst
}

func (b *RegistryMetricsBody) consumeWire(d wireDecoder, src []byte) error {
	return consumeFields(src, func(f *wireField) error {
		if f.num != 1 {
			f.skip()
			return nil
		}
		var m ServiceMetrics
		if err := consumeServiceMetrics(d, f.bytes(), &m); err != nil {
			return err
		}
		b.ServiceMetrics = append(b.ServiceMetrics, m)
		return nil
	})
}

func (b *RPCRequestBody) AppendWire(dst []byte) []byte {
	dst = appendString(dst, 1, b.ServiceName)
	return appendBytes(dst, 2, b.Args)
}

func (b *RPCRequestBody) consumeWire(d wireDecoder, src []byte) error {
	return consumeFields(src, func(f *wireField) error {
		switch f.num {
		case 1:
			b.ServiceName = d.name(f.bytes())
		case 2:
			b.Args = f.copyBytes()
		default:
			f.skip()
		}
		return nil
	})
}

func (b *RPCResponseBody) AppendWire(dst []byte) []byte {
	dst = appendBytes(dst, 1, b.Result)
	return appendString(dst, 2, b.Error)
}

func (b *RPCResponseBody) consumeWire(_ wireDecoder, src []byte) error {
	return consumeFields(src, func(f *wireField) error {
		switch f.num {
		case 1:
			b.Result = f.copyBytes()
		case 2:
			b.Error = f.string()
		default:
			f.skip()
		}
		return nil
	})
}

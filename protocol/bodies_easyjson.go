package protocol

import (
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Маршалеры написаны вручную в стиле кода, который генерирует easyjson:
// без рефлексии, неизвестные поля пропускаются.

type jsonObject struct {
	w     *jwriter.Writer
	comma bool
}

func beginObject(w *jwriter.Writer) *jsonObject {
	w.RawByte('{')
	return &jsonObject{w: w}
}

func (o *jsonObject) field(name string) *jwriter.Writer {
	if o.comma {
		o.w.RawByte(',')
	}
	o.comma = true
	o.w.String(name)
	o.w.RawByte(':')
	return o.w
}

func (o *jsonObject) end() { o.w.RawByte('}') }

func decodeObject(in *jlexer.Lexer, field func(key string)) {
	isTopLevel := in.IsStart()
	if in.IsNull() {
		if isTopLevel {
			in.Consumed()
		}
		in.Skip()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeFieldName(false)
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		field(key)
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}

func decodeArray(in *jlexer.Lexer, elem func()) {
	in.Delim('[')
	for !in.IsDelim(']') {
		elem()
		in.WantComma()
	}
	in.Delim(']')
}

func encodeAddress(w *jwriter.Writer, a Address) {
	o := beginObject(w)
	o.field("host").String(a.Host)
	o.field("port").Int(a.Port)
	o.end()
}

func decodeAddress(in *jlexer.Lexer, a *Address) {
	decodeObject(in, func(key string) {
		switch key {
		case "host":
			a.Host = in.String()
		case "port":
			a.Port = in.Int()
		default:
			in.SkipRecursive()
		}
	})
}

func encodeRegisterMeta(w *jwriter.Writer, m *RegisterMeta) {
	o := beginObject(w)
	o.field("serviceName").String(m.ServiceName)
	encodeAddress(o.field("address"), m.Address)
	o.field("weight").Int(m.Weight)
	o.field("connCount").Int(m.ConnCount)
	o.field("isVIPService").Bool(m.IsVIPService)
	o.field("isSupportDegradeService").Bool(m.IsSupportDegradeService)
	o.field("hasDegradeService").Bool(m.HasDegradeService)
	o.field("degradeServicePath").String(m.DegradeServicePath)
	o.field("degradeServiceDesc").String(m.DegradeServiceDesc)
	o.field("isReviewed").Uint8(uint8(m.IsReviewed))
	o.end()
}

func decodeRegisterMeta(in *jlexer.Lexer, m *RegisterMeta) {
	decodeObject(in, func(key string) {
		switch key {
		case "serviceName":
			m.ServiceName = in.String()
		case "address":
			decodeAddress(in, &m.Address)
		case "weight":
			m.Weight = in.Int()
		case "connCount":
			m.ConnCount = in.Int()
		case "isVIPService":
			m.IsVIPService = in.Bool()
		case "isSupportDegradeService":
			m.IsSupportDegradeService = in.Bool()
		case "hasDegradeService":
			m.HasDegradeService = in.Bool()
		case "degradeServicePath":
			m.DegradeServicePath = in.String()
		case "degradeServiceDesc":
			m.DegradeServiceDesc = in.String()
		case "isReviewed":
			m.IsReviewed = ReviewState(in.Uint8())
		default:
			in.SkipRecursive()
		}
	})
}

func (b PublishServiceBody) MarshalEasyJSON(w *jwriter.Writer) {
	o := beginObject(w)
	o.field("serviceName").String(b.ServiceName)
	o.field("host").String(b.Host)
	o.field("port").Int(b.Port)
	o.field("weight").Int(b.Weight)
	o.field("connCount").Int(b.ConnCount)
	o.field("isVIPService").Bool(b.IsVIPService)
	o.field("supportDegradeService").Bool(b.SupportDegradeService)
	o.field("hasDegradeService").Bool(b.HasDegradeService)
	o.field("degradeServicePath").String(b.DegradeServicePath)
	o.field("degradeServiceDesc").String(b.DegradeServiceDesc)
	o.end()
}

func (b *PublishServiceBody) UnmarshalEasyJSON(in *jlexer.Lexer) {
	decodeObject(in, func(key string) {
		switch key {
		case "serviceName":
			b.ServiceName = in.String()
		case "host":
			b.Host = in.String()
		case "port":
			b.Port = in.Int()
		case "weight":
			b.Weight = in.Int()
		case "connCount":
			b.ConnCount = in.Int()
		case "isVIPService":
			b.IsVIPService = in.Bool()
		case "supportDegradeService":
			b.SupportDegradeService = in.Bool()
		case "hasDegradeService":
			b.HasDegradeService = in.Bool()
		case "degradeServicePath":
			b.DegradeServicePath = in.String()
		case "degradeServiceDesc":
			b.DegradeServiceDesc = in.String()
		default:
			in.SkipRecursive()
		}
	})
}

func (b SubscribeRequestBody) MarshalEasyJSON(w *jwriter.Writer) {
	o := beginObject(w)
	o.field("serviceName").String(b.ServiceName)
	o.end()
}

func (b *SubscribeRequestBody) UnmarshalEasyJSON(in *jlexer.Lexer) {
	decodeObject(in, func(key string) {
		switch key {
		case "serviceName":
			b.ServiceName = in.String()
		default:
			in.SkipRecursive()
		}
	})
}

func (b SubscribeResultBody) MarshalEasyJSON(w *jwriter.Writer) {
	o := beginObject(w)
	o.field("serviceName").String(b.ServiceName)
	o.field("registerMeta").RawByte('[')
	for i := range b.RegisterMeta {
		if i > 0 {
			w.RawByte(',')
		}
		encodeRegisterMeta(w, &b.RegisterMeta[i])
	}
	w.RawByte(']')
	o.end()
}

func (b *SubscribeResultBody) UnmarshalEasyJSON(in *jlexer.Lexer) {
	decodeObject(in, func(key string) {
		switch key {
		case "serviceName":
			b.ServiceName = in.String()
		case "registerMeta":
			b.RegisterMeta = b.RegisterMeta[:0]
			decodeArray(in, func() {
				var m RegisterMeta
				decodeRegisterMeta(in, &m)
				b.RegisterMeta = append(b.RegisterMeta, m)
			})
		default:
			in.SkipRecursive()
		}
	})
}

func (b ReviewServiceBody) MarshalEasyJSON(w *jwriter.Writer) {
	o := beginObject(w)
	o.field("serviceName").String(b.ServiceName)
	encodeAddress(o.field("address"), b.Address)
	o.field("reviewState").Uint8(uint8(b.ReviewState))
	o.end()
}

func (b *ReviewServiceBody) UnmarshalEasyJSON(in *jlexer.Lexer) {
	decodeObject(in, func(key string) {
		switch key {
		case "serviceName":
			b.ServiceName = in.String()
		case "address":
			decodeAddress(in, &b.Address)
		case "reviewState":
			b.ReviewState = ReviewState(in.Uint8())
		default:
			in.SkipRecursive()
		}
	})
}

func (b DegradeServiceBody) MarshalEasyJSON(w *jwriter.Writer) {
	o := beginObject(w)
	o.field("serviceName").String(b.ServiceName)
	encodeAddress(o.field("address"), b.Address)
	o.field("degrade").Bool(b.Degrade)
	o.end()
}

func (b *DegradeServiceBody) UnmarshalEasyJSON(in *jlexer.Lexer) {
	decodeObject(in, func(key string) {
		switch key {
		case "serviceName":
			b.ServiceName = in.String()
		case "address":
			decodeAddress(in, &b.Address)
		case "degrade":
			b.Degrade = in.Bool()
		default:
			in.SkipRecursive()
		}
	})
}

func (b AckBody) MarshalEasyJSON(w *jwriter.Writer) {
	o := beginObject(w)
	o.field("opaque").Int64(b.Opaque)
	o.field("success").Bool(b.Success)
	o.field("desc").String(b.Desc)
	o.end()
}

func (b *AckBody) UnmarshalEasyJSON(in *jlexer.Lexer) {
	decodeObject(in, func(key string) {
		switch key {
		case "opaque":
			b.Opaque = in.Int64()
		case "success":
			b.Success = in.Bool()
		case "desc":
			b.Desc = in.String()
		default:
			in.SkipRecursive()
		}
	})
}

func (b MetricsRequestBody) MarshalEasyJSON(w *jwriter.Writer) {
	o := beginObject(w)
	o.field("serviceName").String(b.ServiceName)
	o.end()
}

func (b *MetricsRequestBody) UnmarshalEasyJSON(in *jlexer.Lexer) {
	decodeObject(in, func(key string) {
		switch key {
		case "serviceName":
			b.ServiceName = in.String()
		default:
			in.SkipRecursive()
		}
	})
}

func encodeServiceMetrics(w *jwriter.Writer, m *ServiceMetrics) {
	o := beginObject(w)
	o.field("serviceName").String(m.ServiceName)
	o.field("providerInfos").RawByte('[')
	for i, p := range m.ProviderInfos {
		if i > 0 {
			w.RawByte(',')
		}
		po := beginObject(w)
		po.field("host").String(p.Host)
		po.field("port").Int(p.Port)
		po.field("weight").Int(p.Weight)
		po.field("reviewState").Uint8(uint8(p.ReviewState))
		po.field("isDegradeService").Bool(p.IsDegradeService)
		po.field("isSupportDegrade").Bool(p.IsSupportDegrade)
		po.field("isVIPService").Bool(p.IsVIPService)
		po.end()
	}
	w.RawByte(']')
	o.field("consumerInfos").RawByte('[')
	for i, c := range m.ConsumerInfos {
		if i > 0 {
			w.RawByte(',')
		}
		co := beginObject(w)
		co.field("host").String(c.Host)
		co.field("port").Int(c.Port)
		co.end()
	}
	w.RawByte(']')
	o.end()
}

func decodeServiceMetrics(in *jlexer.Lexer, m *ServiceMetrics) {
	decodeObject(in, func(key string) {
		switch key {
		case "serviceName":
			m.ServiceName = in.String()
		case "providerInfos":
			decodeArray(in, func() {
				var p ProviderInfo
				decodeObject(in, func(key string) {
					switch key {
					case "host":
						p.Host = in.String()
					case "port":
						p.Port = in.Int()
					case "weight":
						p.Weight = in.Int()
					case "reviewState":
						p.ReviewState = ReviewState(in.Uint8())
					case "isDegradeService":
						p.IsDegradeService = in.Bool()
					case "isSupportDegrade":
						p.IsSupportDegrade = in.Bool()
					case "isVIPService":
						p.IsVIPService = in.Bool()
					default:
						in.SkipRecursive()
					}
				})
				m.ProviderInfos = append(m.ProviderInfos, p)
			})
		case "consumerInfos":
			decodeArray(in, func() {
				var c ConsumerInfo
				decodeAddress(in, (*Address)(&c))
				m.ConsumerInfos = append(m.ConsumerInfos, c)
			})
		default:
			in.SkipRecursive()
		}
	})
}

func (b RegistryMetricsBody) MarshalEasyJSON(w *jwriter.Writer) {
	o := beginObject(w)
	o.field("serviceMetrics").RawByte('[')
	for i := range b.ServiceMetrics {
		if i > 0 {
			w.RawByte(',')
		}
		encodeServiceMetrics(w, &b.ServiceMetrics[i])
	}
	w.RawByte(']')
	o.end()
}

func (b *RegistryMetricsBody) UnmarshalEasyJSON(in *jlexer.Lexer) {
	decodeObject(in, func(key string) {
		switch key {
		case "serviceMetrics":
			decodeArray(in, func() {
				var m ServiceMetrics
				decodeServiceMetrics(in, &m)
				b.ServiceMetrics = append(b.ServiceMetrics, m)
			})
		default:
			in.SkipRecursive()
		}
	})
}

func (b RPCRequestBody) MarshalEasyJSON(w *jwriter.Writer) {
	o := beginObject(w)
	o.field("serviceName").String(b.ServiceName)
	o.field("args").Base64Bytes(b.Args)
	o.end()
}

func (b *RPCRequestBody) UnmarshalEasyJSON(in *jlexer.Lexer) {
	decodeObject(in, func(key string) {
		switch key {
		case "serviceName":
			b.ServiceName = in.String()
		case "args":
			b.Args = in.Bytes()
		default:
			in.SkipRecursive()
		}
	})
}

func (b RPCResponseBody) MarshalEasyJSON(w *jwriter.Writer) {
	o := beginObject(w)
	o.field("result").Base64Bytes(b.Result)
	o.field("error").String(b.Error)
	o.end()
}

func (b *RPCResponseBody) UnmarshalEasyJSON(in *jlexer.Lexer) {
	decodeObject(in, func(key string) {
		switch key {
		case "result":
			b.Result = in.Bytes()
		case "error":
			b.Error = in.String()
		default:
			in.SkipRecursive()
		}
	})
}

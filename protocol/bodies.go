package protocol

import (
	"github.com/mailru/easyjson"

	"github.com/ozontech/registrar/consts"
)

// Body тело фрейма. Реализуется только типами этого пакета:
// каждое тело умеет кодироваться в json (easyjson) и в protowire.
type Body interface {
	easyjson.Marshaler
	easyjson.Unmarshaler
	AppendWire(b []byte) []byte
	consumeWire(d wireDecoder, b []byte) error
}

type PublishServiceBody struct {
	ServiceName           string
	Host                  string
	Port                  int
	Weight                int
	ConnCount             int
	IsVIPService          bool
	SupportDegradeService bool
	HasDegradeService     bool
	DegradeServicePath    string
	DegradeServiceDesc    string
}

// ToMeta превращает тело публикации в регистрацию в состоянии Unreviewed.
func (b *PublishServiceBody) ToMeta() RegisterMeta {
	m := RegisterMeta{
		ServiceName:             b.ServiceName,
		Address:                 Address{Host: b.Host, Port: b.Port},
		Weight:                  b.Weight,
		ConnCount:               b.ConnCount,
		IsVIPService:            b.IsVIPService,
		IsSupportDegradeService: b.SupportDegradeService,
		HasDegradeService:       b.HasDegradeService,
		DegradeServicePath:      b.DegradeServicePath,
		DegradeServiceDesc:      b.DegradeServiceDesc,
		IsReviewed:              Unreviewed,
	}
	if m.Weight <= 0 {
		m.Weight = consts.DefaultWeight
	}
	if m.ConnCount <= 0 {
		m.ConnCount = consts.DefaultConnectionCount
	}
	return m
}

type SubscribeRequestBody struct {
	ServiceName string
}

// SubscribeResultBody снапшот (ответ на SUBSCRIBE_SERVICE) или дельта (пуш).
type SubscribeResultBody struct {
	ServiceName  string
	RegisterMeta []RegisterMeta
}

type ReviewServiceBody struct {
	ServiceName string
	Address     Address
	ReviewState ReviewState
}

type DegradeServiceBody struct {
	ServiceName string
	Address     Address
	Degrade     bool
}

type AckBody struct {
	Opaque  int64
	Success bool
	Desc    string
}

// MetricsRequestBody пустое ServiceName означает "все сервисы".
type MetricsRequestBody struct {
	ServiceName string
}

type RegistryMetricsBody struct {
	ServiceMetrics []ServiceMetrics
}

type ServiceMetrics struct {
	ServiceName   string
	ProviderInfos []ProviderInfo
	ConsumerInfos []ConsumerInfo
}

type ProviderInfo struct {
	Host             string
	Port             int
	Weight           int
	ReviewState      ReviewState
	IsDegradeService bool
	IsSupportDegrade bool
	IsVIPService     bool
}

type ConsumerInfo struct {
	Host string
	Port int
}

type RPCRequestBody struct {
	ServiceName string
	Args        []byte
}

type RPCResponseBody struct {
	Result []byte
	Error  string
}

var (
	_ Body = (*PublishServiceBody)(nil)
	_ Body = (*SubscribeRequestBody)(nil)
	_ Body = (*SubscribeResultBody)(nil)
	_ Body = (*ReviewServiceBody)(nil)
	_ Body = (*DegradeServiceBody)(nil)
	_ Body = (*AckBody)(nil)
	_ Body = (*MetricsRequestBody)(nil)
	_ Body = (*RegistryMetricsBody)(nil)
	_ Body = (*RPCRequestBody)(nil)
	_ Body = (*RPCResponseBody)(nil)
)

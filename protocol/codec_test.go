package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func sampleResult() *SubscribeResultBody {
	return &SubscribeResultBody{
		ServiceName: "orders",
		RegisterMeta: []RegisterMeta{
			{
				ServiceName:             "orders",
				Address:                 Address{Host: "10.0.0.1", Port: 8080},
				Weight:                  70,
				ConnCount:               2,
				IsSupportDegradeService: true,
				DegradeServicePath:      "/degrade/orders",
				IsReviewed:              PassReview,
			},
			{
				ServiceName: "orders",
				Address:     Address{Host: "10.0.0.2", Port: 8080},
				Weight:      50,
				ConnCount:   1,
				IsReviewed:  PassReview,
			},
		},
	}
}

func TestCodecs(t *testing.T) {
	t.Parallel()

	for _, c := range []Codec{JSON, NewBinaryCodec()} {
		c := c
		t.Run(c.Name(), func(t *testing.T) {
			t.Parallel()
			a := assert.New(t)

			in := sampleResult()
			data, err := c.Marshal(in)
			require.NoError(t, err)
			out := new(SubscribeResultBody)
			require.NoError(t, c.Unmarshal(data, out))
			a.Equal(in, out)

			metrics := &RegistryMetricsBody{ServiceMetrics: []ServiceMetrics{{
				ServiceName:   "orders",
				ProviderInfos: []ProviderInfo{{Host: "10.0.0.1", Port: 8080, Weight: 50, ReviewState: Forbidden, IsVIPService: true}},
				ConsumerInfos: []ConsumerInfo{{Host: "10.0.1.1", Port: 40000}},
			}}}
			data, err = c.Marshal(metrics)
			require.NoError(t, err)
			gotMetrics := new(RegistryMetricsBody)
			require.NoError(t, c.Unmarshal(data, gotMetrics))
			a.Equal(metrics, gotMetrics)

			req := &RPCRequestBody{ServiceName: "echo", Args: []byte{0, 1, 2, 0xff}}
			data, err = c.Marshal(req)
			require.NoError(t, err)
			gotReq := new(RPCRequestBody)
			require.NoError(t, c.Unmarshal(data, gotReq))
			a.Equal(req, gotReq)

			ack := &AckBody{Opaque: -42, Success: true, Desc: "ok"}
			data, err = c.Marshal(ack)
			require.NoError(t, err)
			gotAck := new(AckBody)
			require.NoError(t, c.Unmarshal(data, gotAck))
			a.Equal(ack, gotAck)
		})
	}
}

func TestJSONUnknownFields(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	data := []byte(`{"serviceName":"orders","extra":{"nested":[1,2,{"x":null}]},"address":{"host":"h","port":1,"zone":"a"},"reviewState":1}`)
	b := new(ReviewServiceBody)
	a.NoError(JSON.Unmarshal(data, b))
	a.Equal(ReviewServiceBody{ServiceName: "orders", Address: Address{Host: "h", Port: 1}, ReviewState: PassReview}, *b)

	a.Error(JSON.Unmarshal([]byte(`{"serviceName":`), new(ReviewServiceBody)))
}

func TestBinaryUnknownFieldsAndTruncation(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	c := NewBinaryCodec()

	data, err := c.Marshal(&DegradeServiceBody{ServiceName: "orders", Address: Address{Host: "h", Port: 9}, Degrade: true})
	a.NoError(err)
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "future field")

	b := new(DegradeServiceBody)
	a.NoError(c.Unmarshal(data, b))
	a.Equal("orders", b.ServiceName)
	a.Equal(Address{Host: "h", Port: 9}, b.Address)
	a.True(b.Degrade)

	a.Error(c.Unmarshal(data[:len(data)-3], new(DegradeServiceBody)))
	a.Equal(1, c.names.Len())
}

func TestCodecByName(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	c, err := CodecByName("")
	a.NoError(err)
	a.Equal("json", c.Name())
	c, err = CodecByName("protowire")
	a.NoError(err)
	a.Equal("binary", c.Name())
	_, err = CodecByName("xml")
	a.Error(err)
}

func TestPublishToMetaDefaults(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	m := (&PublishServiceBody{ServiceName: "orders", Host: "h", Port: 1}).ToMeta()
	a.Equal(50, m.Weight)
	a.Equal(1, m.ConnCount)
	a.Equal(Unreviewed, m.IsReviewed)
	a.Equal(MetaKey{ServiceName: "orders", Address: Address{Host: "h", Port: 1}}, m.Key())
}

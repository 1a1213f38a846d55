package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozontech/registrar/protocol"
)

func TestParseBench(t *testing.T) {
	a := assert.New(t)

	parser, err := kong.New(&CLI, kong.Vars{"registry": "127.0.0.1:18010"})
	require.NoError(t, err)

	_, err = parser.Parse([]string{"--codec=binary", "bench", "--service=echo", "const", "100", "--duration=5s"})
	require.NoError(t, err)
	a.Equal("echo", CLI.Bench.Service)
	a.Equal(uint64(100), CLI.Bench.Const.Freq)
	a.Equal(5*time.Second, CLI.Bench.Const.Duration)
	a.Equal("binary", CLI.Codec)

	addr, err := CLI.registry()
	require.NoError(t, err)
	a.Equal(protocol.Address{Host: "127.0.0.1", Port: 18010}, addr)

	_, err = parser.Parse([]string{"review", "echo", "10.0.0.1:80", "maybe"})
	a.Error(err)

	_, err = parser.Parse([]string{"serve", "--listen=127.0.0.1:0", "--auto-review"})
	require.NoError(t, err)
	a.True(CLI.Serve.AutoReview)

	_, err = parser.Parse([]string{"bench", "unlimited"})
	a.Error(err, "service is required")
}

func TestPrintMetrics(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	b := new(bytes.Buffer)
	a.NoError(printMetrics(b, []protocol.ServiceMetrics{{
		ServiceName: "echo",
		ProviderInfos: []protocol.ProviderInfo{
			{Host: "10.0.0.1", Port: 80, Weight: 50, ReviewState: protocol.PassReview, IsSupportDegrade: true},
			{Host: "10.0.0.2", Port: 80, Weight: 10, ReviewState: protocol.Unreviewed},
		},
		ConsumerInfos: []protocol.ConsumerInfo{{Host: "10.0.1.1", Port: 5000}},
	}}))

	out := b.String()
	a.Contains(out, "echo\n")
	a.Regexp(`10\.0\.0\.1:80\s+50\s+pass\s+false\s+off`, out)
	a.Regexp(`10\.0\.0\.2:80\s+10\s+unreviewed\s+false\s+-`, out)
	a.Contains(out, "consumer 10.0.1.1:5000")
	a.Contains(out, "services=1 providers=2 consumers=1")
}

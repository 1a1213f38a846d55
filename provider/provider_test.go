package provider_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ozontech/registrar/consumer"
	"github.com/ozontech/registrar/protocol"
	"github.com/ozontech/registrar/provider"
	"github.com/ozontech/registrar/registry"
)

func startRegistry(t *testing.T, cfg registry.Config) (*registry.Registry, protocol.Address) {
	t.Helper()
	reg := registry.New(cfg, zaptest.NewLogger(t), nil)
	addr, err := reg.Listen("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return reg, protocol.AddressFromNet(addr)
}

func startProvider(t *testing.T, registryAddr protocol.Address, setup func(p *provider.Provider), opts ...provider.Option) *provider.Provider {
	t.Helper()
	cfg := provider.DefaultConfig()
	cfg.Registry = registryAddr
	p := provider.New(cfg, zaptest.NewLogger(t), opts...)
	setup(p)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { assert.NoError(t, p.Close()) })
	return p
}

func newConsumer(t *testing.T, registryAddr protocol.Address) *consumer.Consumer {
	t.Helper()
	cfg := consumer.DefaultConfig()
	cfg.Registry = registryAddr
	c := consumer.New(cfg, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func echo(_ context.Context, args []byte) ([]byte, error) {
	return args, nil
}

func TestPublishAndCall(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ctx := context.Background()

	_, regAddr := startRegistry(t, registry.Config{AutoReview: true})
	p := startProvider(t, regAddr, func(p *provider.Provider) {
		p.Handle("echo", echo)
		p.Handle("fail", func(context.Context, []byte) ([]byte, error) { return nil, errors.New("boom") })
		a.NoError(p.Publish(ctx,
			provider.Descriptor{Service: "echo", Weight: 10},
			provider.Descriptor{Service: "fail"},
		))
	})
	a.True(p.Healthy())

	c := newConsumer(t, regAddr)
	metas, err := c.Subscribe(ctx, "echo")
	require.NoError(t, err)
	require.Len(t, metas, 1)
	a.Equal(protocol.AddressFromNet(p.Addr()), metas[0].Address)
	a.Equal(10, metas[0].Weight)

	out, err := c.Call(ctx, "echo", []byte("hello"), time.Second)
	a.NoError(err)
	a.Equal([]byte("hello"), out)

	_, err = c.Subscribe(ctx, "fail")
	require.NoError(t, err)
	_, err = c.Call(ctx, "fail", nil, time.Second)
	var remote *consumer.RemoteError
	require.ErrorAs(t, err, &remote)
	a.Equal("boom", remote.Msg)

	_, err = c.Call(ctx, "missing", nil, time.Second)
	a.ErrorIs(err, consumer.ErrNoProviders)
}

func TestDescriptorName(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	a.Equal("echo", provider.Descriptor{Service: "echo"}.Name())
	a.Equal("demo.echo:1.0", provider.Descriptor{Service: "echo", Group: "demo", Version: "1.0"}.Name())
}

func TestFlowLimit(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ctx := context.Background()

	mock := clock.NewMock()
	mock.Set(time.Unix(0, 0).Add(1000 * time.Minute))

	_, regAddr := startRegistry(t, registry.Config{AutoReview: true})
	p := startProvider(t, regAddr, func(p *provider.Provider) {
		p.Handle("echo", echo)
		a.NoError(p.Publish(ctx, provider.Descriptor{Service: "echo"}))
	}, provider.WithClock(mock), provider.WithFlowLimit("echo", 2))

	c := newConsumer(t, regAddr)
	_, err := c.Subscribe(ctx, "echo")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := c.Call(ctx, "echo", []byte("x"), time.Second)
		require.NoError(t, err)
	}
	_, err = c.Call(ctx, "echo", []byte("x"), time.Second)
	var remote *consumer.RemoteError
	require.ErrorAs(t, err, &remote)
	a.Contains(remote.Msg, "flow limit")
	a.Equal(int64(3), p.Flows().Get("echo").Current())

	mock.Add(time.Minute)
	_, err = c.Call(ctx, "echo", []byte("x"), time.Second)
	a.NoError(err)
	a.Equal(int64(3), p.Flows().Get("echo").LastMinute())
}

func TestDegrade(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ctx := context.Background()

	reg, regAddr := startRegistry(t, registry.Config{AutoReview: true})
	p := startProvider(t, regAddr, func(p *provider.Provider) {
		p.Handle("echo", echo)
		p.HandleDegrade("echo", func(context.Context, []byte) ([]byte, error) { return []byte("fallback"), nil })
		p.Handle("plain", echo)
		a.NoError(p.Publish(ctx,
			provider.Descriptor{Service: "echo", SupportDegrade: true},
			provider.Descriptor{Service: "plain"},
		))
	})
	advertise := protocol.AddressFromNet(p.Addr())

	c := newConsumer(t, regAddr)
	_, err := c.Subscribe(ctx, "echo")
	require.NoError(t, err)

	ack, err := reg.Directory().Degrade(ctx, &protocol.DegradeServiceBody{ServiceName: "echo", Address: advertise, Degrade: true})
	require.NoError(t, err)
	a.True(ack.Success)

	out, err := c.Call(ctx, "echo", []byte("x"), time.Second)
	a.NoError(err)
	a.Equal([]byte("fallback"), out)

	ack, err = reg.Directory().Degrade(ctx, &protocol.DegradeServiceBody{ServiceName: "echo", Address: advertise, Degrade: false})
	require.NoError(t, err)
	a.True(ack.Success)
	out, err = c.Call(ctx, "echo", []byte("x"), time.Second)
	a.NoError(err)
	a.Equal([]byte("x"), out)

	ack, err = reg.Directory().Degrade(ctx, &protocol.DegradeServiceBody{ServiceName: "plain", Address: advertise, Degrade: true})
	require.NoError(t, err)
	a.False(ack.Success)
}

func TestRepublishAfterRegistryConnLoss(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ctx := context.Background()
	mock := clock.NewMock()

	reg, regAddr := startRegistry(t, registry.Config{AutoReview: true})
	p := startProvider(t, regAddr, func(p *provider.Provider) {
		p.Handle("echo", echo)
		a.NoError(p.Publish(ctx, provider.Descriptor{Service: "echo"}))
	}, provider.WithClock(mock))
	key := protocol.MetaKey{ServiceName: "echo", Address: protocol.AddressFromNet(p.Addr())}

	_, ok := reg.Directory().Lookup(key)
	require.True(t, ok)

	for _, c := range reg.Server().Conns() {
		_ = c.Close()
	}
	a.Eventually(func() bool { return !p.Healthy() }, time.Second, 5*time.Millisecond)
	a.Eventually(func() bool {
		_, ok := reg.Directory().Lookup(key)
		return !ok
	}, time.Second, 5*time.Millisecond)

	a.Eventually(func() bool {
		mock.Add(provider.DefaultConfig().RepublishInterval)
		return p.Healthy()
	}, time.Second, 10*time.Millisecond)
	_, ok = reg.Directory().Lookup(key)
	a.True(ok)
}

func TestUnpublish(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ctx := context.Background()

	_, regAddr := startRegistry(t, registry.Config{AutoReview: true})
	p := startProvider(t, regAddr, func(p *provider.Provider) {
		p.Handle("echo", echo)
		a.NoError(p.Publish(ctx, provider.Descriptor{Service: "echo"}))
	})

	c := newConsumer(t, regAddr)
	changes := make(chan int, 8)
	c.OnChange(func(_ string, providers []protocol.RegisterMeta) { changes <- len(providers) })
	_, err := c.Subscribe(ctx, "echo")
	require.NoError(t, err)
	a.Equal(1, <-changes)

	a.NoError(p.Unpublish(ctx, "echo"))
	select {
	case n := <-changes:
		a.Zero(n)
	case <-time.After(time.Second):
		t.Fatal("no cancel push")
	}
	a.Empty(c.Providers("echo"))
	a.Error(p.Unpublish(ctx, "echo"), "second cancel must be rejected")
}

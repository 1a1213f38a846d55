package registry

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/registrar/protocol"
	"github.com/ozontech/registrar/remoting"
)

type push struct {
	code protocol.Code
	body protocol.SubscribeResultBody
}

// peer клиент реестра на другом конце net.Pipe.
type peer struct {
	conn   *remoting.Conn // сторона клиента
	server *remoting.Conn // сторона реестра
	pushes chan push
}

type env struct {
	t   *testing.T
	reg *Registry
	ctx context.Context
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	cfg.Remoting.ReadIdle = 0
	cfg.Remoting.WriteIdle = 0

	reg := New(cfg, zaptest.NewLogger(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = reg.RunNotifier(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = reg.Close()
	})
	return &env{t: t, reg: reg, ctx: ctx}
}

func (e *env) connect(degrade bool) *peer {
	e.t.Helper()
	clientCfg := remoting.DefaultConfig()
	clientCfg.ReadIdle = 0
	clientCfg.WriteIdle = 0
	client := remoting.NewClient(clientCfg, zaptest.NewLogger(e.t))
	e.t.Cleanup(func() { _ = client.Close() })

	p := &peer{pushes: make(chan push, 64)}
	onPush := remoting.ProcessorFunc(func(_ context.Context, _ *remoting.Conn, req *remoting.Transporter) (*remoting.Transporter, error) {
		var body protocol.SubscribeResultBody
		if err := req.DecodeBody(protocol.JSON, &body); err != nil {
			return nil, err
		}
		p.pushes <- push{code: req.Code, body: body}
		return remoting.NewResponseBody(req, protocol.JSON, protocol.Ack, &protocol.AckBody{Opaque: req.Opaque, Success: true})
	})
	client.Register(protocol.SubscribeResult, onPush, nil)
	client.Register(protocol.SubscribeResultCancel, onPush, nil)
	client.Register(protocol.DegradeService, remoting.ProcessorFunc(
		func(_ context.Context, _ *remoting.Conn, req *remoting.Transporter) (*remoting.Transporter, error) {
			return remoting.NewResponseBody(req, protocol.JSON, protocol.Ack, &protocol.AckBody{Opaque: req.Opaque, Success: degrade, Desc: "degrade"})
		},
	), nil)

	a, b := net.Pipe()
	p.server = e.reg.ServeConn(e.ctx, a)
	p.conn = client.ServeConn(e.ctx, b)
	return p
}

func (p *peer) call(t *testing.T, code protocol.Code, in, out protocol.Body) {
	t.Helper()
	req, err := remoting.NewRequestBody(protocol.JSON, code, in)
	require.NoError(t, err)
	resp, err := p.conn.InvokeSync(context.Background(), req, time.Second)
	require.NoError(t, err)
	require.NoError(t, resp.DecodeBody(protocol.JSON, out))
}

func (p *peer) publish(t *testing.T, service string, port int) *protocol.AckBody {
	ack := new(protocol.AckBody)
	p.call(t, protocol.PublishService, &protocol.PublishServiceBody{ServiceName: service, Host: "10.0.0.1", Port: port}, ack)
	return ack
}

func (p *peer) subscribe(t *testing.T, service string) []protocol.RegisterMeta {
	res := new(protocol.SubscribeResultBody)
	p.call(t, protocol.SubscribeService, &protocol.SubscribeRequestBody{ServiceName: service}, res)
	return res.RegisterMeta
}

func (p *peer) review(t *testing.T, service string, port int, state protocol.ReviewState) *protocol.AckBody {
	ack := new(protocol.AckBody)
	p.call(t, protocol.ReviewService, &protocol.ReviewServiceBody{
		ServiceName: service,
		Address:     protocol.Address{Host: "10.0.0.1", Port: port},
		ReviewState: state,
	}, ack)
	return ack
}

func (p *peer) next(t *testing.T) push {
	t.Helper()
	select {
	case ps := <-p.pushes:
		return ps
	case <-time.After(time.Second):
		t.Fatal("no push")
		return push{}
	}
}

// checkIndexes сверяет прямой и обратный индексы.
func (d *Directory) checkIndexes() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for service, svc := range d.byService {
		if len(svc) == 0 {
			return fmt.Errorf("empty service %s left", service)
		}
		for addr := range svc {
			if _, ok := d.byAddress[addr][service]; !ok {
				return fmt.Errorf("%s@%s missing in byAddress", service, addr)
			}
		}
	}
	for addr, services := range d.byAddress {
		if len(services) == 0 {
			return fmt.Errorf("empty address %s left", addr)
		}
		if _, ok := d.providerConn[addr]; !ok {
			return fmt.Errorf("no provider conn for %s", addr)
		}
		for service := range services {
			if _, ok := d.byService[service][addr]; !ok {
				return fmt.Errorf("%s@%s missing in byService", service, addr)
			}
		}
	}
	for addr := range d.providerConn {
		if _, ok := d.byAddress[addr]; !ok {
			return fmt.Errorf("stale provider conn for %s", addr)
		}
	}
	return nil
}

func TestRegisterIdempotent(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	e := newEnv(t, DefaultConfig())
	provider := e.connect(true)

	ack := provider.publish(t, "orders", 8080)
	a.True(ack.Success)
	a.Equal(ackPublished, ack.Desc)
	a.True(provider.review(t, "orders", 8080, protocol.PassReview).Success)

	a.True(provider.publish(t, "orders", 8080).Success)

	d := e.reg.Directory()
	d.mu.RLock()
	a.Len(d.byService["orders"], 1)
	d.mu.RUnlock()
	meta, ok := d.Lookup(protocol.MetaKey{ServiceName: "orders", Address: protocol.Address{Host: "10.0.0.1", Port: 8080}})
	a.True(ok)
	a.Equal(protocol.PassReview, meta.IsReviewed)
	a.NoError(d.checkIndexes())
}

func TestIndexSymmetry(t *testing.T) {
	t.Parallel()
	e := newEnv(t, DefaultConfig())
	d := e.reg.Directory()
	conns := []*remoting.Conn{e.connect(true).server, e.connect(true).server}

	rnd := rand.New(rand.NewSource(1))
	services := []string{"a", "b", "c"}
	for i := 0; i < 500; i++ {
		c := conns[rnd.Intn(len(conns))]
		meta := protocol.RegisterMeta{
			ServiceName: services[rnd.Intn(len(services))],
			Address:     protocol.Address{Host: "10.0.0.1", Port: 8000 + rnd.Intn(4)},
		}
		if rnd.Intn(3) == 0 {
			d.Cancel(c, meta.Key())
		} else {
			d.Register(c, meta)
		}
		require.NoError(t, d.checkIndexes(), "step %d", i)
	}

	for _, c := range conns {
		d.ConnectionInactive(c.RemoteAddr(), c.ID())
		require.NoError(t, d.checkIndexes())
	}
	assert.Empty(t, d.byService)
	assert.Empty(t, d.byAddress)
}

func TestIndexSymmetryConcurrentWriters(t *testing.T) {
	t.Parallel()
	e := newEnv(t, Config{AutoReview: true})
	d := e.reg.Directory()
	conns := make([]*remoting.Conn, 4)
	for i := range conns {
		conns[i] = e.connect(true).server
	}

	services := []string{"a", "b", "c"}
	var writers errgroup.Group
	for i, c := range conns {
		c := c
		rnd := rand.New(rand.NewSource(int64(i)))
		writers.Go(func() error {
			for j := 0; j < 300; j++ {
				meta := protocol.RegisterMeta{
					ServiceName: services[rnd.Intn(len(services))],
					Address:     protocol.Address{Host: "10.0.0.1", Port: 8000 + rnd.Intn(4)},
				}
				switch rnd.Intn(4) {
				case 0:
					d.Cancel(c, meta.Key())
				case 1:
					d.Review(meta.Key(), protocol.Reject)
				case 2:
					d.Subscribe(c, meta.ServiceName)
				default:
					d.Register(c, meta)
				}
			}
			return nil
		})
	}

	// читатель сверяет индексы, пока пишут остальные
	stop := make(chan struct{})
	checked := make(chan error, 1)
	go func() {
		for {
			if err := d.checkIndexes(); err != nil {
				checked <- err
				return
			}
			select {
			case <-stop:
				checked <- nil
				return
			default:
			}
		}
	}()

	require.NoError(t, writers.Wait())
	close(stop)
	require.NoError(t, <-checked)

	var cleanup errgroup.Group
	for _, c := range conns {
		c := c
		cleanup.Go(func() error {
			d.ConnectionInactive(c.RemoteAddr(), c.ID())
			return d.checkIndexes()
		})
	}
	require.NoError(t, cleanup.Wait())
	assert.Empty(t, d.byService)
	assert.Empty(t, d.byAddress)
	assert.Empty(t, d.providerConn)
}

func TestClosedConnRejected(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	e := newEnv(t, Config{AutoReview: true})
	d := e.reg.Directory()
	p := e.connect(true)

	a.NoError(p.server.Close())
	<-p.server.Done()

	meta := protocol.RegisterMeta{ServiceName: "orders", Address: protocol.Address{Host: "10.0.0.1", Port: 8080}}
	a.False(d.Register(p.server, meta))
	_, ok := d.Lookup(meta.Key())
	a.False(ok)
	_, ok = d.Subscribe(p.server, "orders")
	a.False(ok)
	a.Empty(d.Metrics("orders")[0].ConsumerInfos)
	a.NoError(d.checkIndexes())
}

func TestCancelUnknown(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	e := newEnv(t, DefaultConfig())
	provider := e.connect(true)

	ack := new(protocol.AckBody)
	provider.call(t, protocol.PublishCancelService, &protocol.PublishServiceBody{ServiceName: "nope", Host: "h", Port: 1}, ack)
	a.False(ack.Success)
	a.Equal(ackCancelFailed, ack.Desc)

	a.False(provider.review(t, "nope", 1, protocol.PassReview).Success)

	ack = new(protocol.AckBody)
	provider.call(t, protocol.SubscribeServiceCancel, &protocol.SubscribeRequestBody{ServiceName: "nope"}, ack)
	a.False(ack.Success)
}

func TestNotificationGating(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	e := newEnv(t, DefaultConfig())
	provider := e.connect(true)
	consumer := e.connect(true)

	a.Empty(consumer.subscribe(t, "orders"))
	a.True(provider.publish(t, "orders", 8080).Success)
	a.Empty(consumer.subscribe(t, "orders"), "unreviewed registration leaked into snapshot")

	a.True(provider.review(t, "orders", 8080, protocol.PassReview).Success)
	// публикация без ревью не рассылается, первым приходит пуш ревью
	ps := consumer.next(t)
	a.Equal(protocol.SubscribeResult, ps.code)
	a.Equal("orders", ps.body.ServiceName)
	require.Len(t, ps.body.RegisterMeta, 1)
	a.Equal(protocol.PassReview, ps.body.RegisterMeta[0].IsReviewed)

	// повторная публикация не сбрасывает ревью и не рассылается
	a.True(provider.publish(t, "orders", 8080).Success)
	a.Len(consumer.subscribe(t, "orders"), 1)

	a.True(provider.review(t, "orders", 8080, protocol.Reject).Success)
	ps = consumer.next(t)
	a.Equal(protocol.SubscribeResultCancel, ps.code)
	a.Empty(consumer.subscribe(t, "orders"))

	// отклоненная регистрация снимается без уведомления
	ack := new(protocol.AckBody)
	provider.call(t, protocol.PublishCancelService, &protocol.PublishServiceBody{ServiceName: "orders", Host: "10.0.0.1", Port: 8080}, ack)
	a.True(ack.Success)

	a.True(provider.publish(t, "orders", 8081).Success)
	a.True(provider.review(t, "orders", 8081, protocol.PassReview).Success)
	ps = consumer.next(t)
	a.Equal(protocol.SubscribeResult, ps.code)
	a.Equal(8081, ps.body.RegisterMeta[0].Address.Port)
	a.Empty(consumer.pushes)
}

func TestUnsubscribeStopsPushes(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	e := newEnv(t, Config{AutoReview: true})
	provider := e.connect(true)
	consumer := e.connect(true)

	consumer.subscribe(t, "orders")
	ack := new(protocol.AckBody)
	consumer.call(t, protocol.SubscribeServiceCancel, &protocol.SubscribeRequestBody{ServiceName: "orders"}, ack)
	a.True(ack.Success)

	a.True(provider.publish(t, "orders", 8080).Success)
	// контрольная подписка: ее пуш придет после возможного пуша orders
	consumer.subscribe(t, "payments")
	a.True(provider.publish(t, "payments", 8080).Success)
	ps := consumer.next(t)
	a.Equal("payments", ps.body.ServiceName)
}

func TestDisconnectCleanup(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	e := newEnv(t, Config{AutoReview: true})
	provider := e.connect(true)
	consumer := e.connect(true)
	d := e.reg.Directory()

	consumer.subscribe(t, "A")
	a.True(provider.publish(t, "A", 8080).Success)
	a.True(provider.publish(t, "B", 8080).Success)
	provider.subscribe(t, "C")
	a.Equal(protocol.SubscribeResult, consumer.next(t).code)

	_ = provider.conn.Close()

	a.Eventually(func() bool {
		d.mu.RLock()
		defer d.mu.RUnlock()
		return len(d.byService) == 0 && len(d.byAddress) == 0
	}, time.Second, 5*time.Millisecond)
	a.Eventually(func() bool {
		d.subMu.RLock()
		defer d.subMu.RUnlock()
		_, ok := d.subscribers["C"]
		return !ok
	}, time.Second, 5*time.Millisecond)
	a.NoError(d.checkIndexes())

	ps := consumer.next(t)
	a.Equal(protocol.SubscribeResultCancel, ps.code)
	a.Equal("A", ps.body.ServiceName)
}

func TestRepublishOnNewConnSurvivesOldClose(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	e := newEnv(t, Config{AutoReview: true})
	old := e.connect(true)
	fresh := e.connect(true)
	d := e.reg.Directory()

	a.True(old.publish(t, "orders", 8080).Success)
	a.True(fresh.publish(t, "orders", 8080).Success)

	_ = old.conn.Close()
	<-old.server.Done()
	// inactive колбэк отрабатывает после закрытия соединения
	a.Never(func() bool {
		_, ok := d.Lookup(protocol.MetaKey{ServiceName: "orders", Address: protocol.Address{Host: "10.0.0.1", Port: 8080}})
		return !ok
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestDegrade(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	e := newEnv(t, DefaultConfig())
	provider := e.connect(true)
	monitor := e.connect(false)
	d := e.reg.Directory()
	key := protocol.MetaKey{ServiceName: "orders", Address: protocol.Address{Host: "10.0.0.1", Port: 8080}}

	a.True(provider.publish(t, "orders", 8080).Success)

	degrade := &protocol.DegradeServiceBody{ServiceName: "orders", Address: key.Address, Degrade: true}
	ack := new(protocol.AckBody)
	monitor.call(t, protocol.DegradeService, degrade, ack)
	a.False(ack.Success, "unreviewed service can't be degraded")

	a.True(monitor.review(t, "orders", 8080, protocol.PassReview).Success)
	ack = new(protocol.AckBody)
	monitor.call(t, protocol.DegradeService, degrade, ack)
	a.True(ack.Success)
	a.Equal("degrade", ack.Desc)

	meta, ok := d.Lookup(key)
	a.True(ok)
	a.True(meta.HasDegradeService)

	_, err := d.Degrade(context.Background(), &protocol.DegradeServiceBody{ServiceName: "missing", Address: key.Address})
	a.ErrorIs(err, ErrNotFound)
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	e := newEnv(t, DefaultConfig())
	provider := e.connect(true)
	consumer := e.connect(true)

	a.True(provider.publish(t, "orders", 8081).Success)
	a.True(provider.publish(t, "orders", 8080).Success)
	a.True(provider.publish(t, "payments", 8080).Success)
	a.True(provider.review(t, "orders", 8080, protocol.PassReview).Success)
	consumer.subscribe(t, "orders")

	res := new(protocol.RegistryMetricsBody)
	consumer.call(t, protocol.MetricsService, &protocol.MetricsRequestBody{}, res)
	require.Len(t, res.ServiceMetrics, 2)
	orders := res.ServiceMetrics[0]
	a.Equal("orders", orders.ServiceName)
	require.Len(t, orders.ProviderInfos, 2)
	a.Equal(8080, orders.ProviderInfos[0].Port)
	a.Equal(protocol.PassReview, orders.ProviderInfos[0].ReviewState)
	a.Equal(protocol.Unreviewed, orders.ProviderInfos[1].ReviewState)
	a.Len(orders.ConsumerInfos, 1)
	a.Equal("payments", res.ServiceMetrics[1].ServiceName)
	a.Empty(res.ServiceMetrics[1].ConsumerInfos)

	res = new(protocol.RegistryMetricsBody)
	consumer.call(t, protocol.MetricsService, &protocol.MetricsRequestBody{ServiceName: "payments"}, res)
	require.Len(t, res.ServiceMetrics, 1)
	a.Equal("payments", res.ServiceMetrics[0].ServiceName)
}

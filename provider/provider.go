// Package provider публикует сервисы в реестре и обслуживает их RPC вызовы.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/registrar/consts"
	"github.com/ozontech/registrar/flowcounter"
	"github.com/ozontech/registrar/metrics"
	"github.com/ozontech/registrar/protocol"
	"github.com/ozontech/registrar/remoting"
)

var (
	ErrNotStarted = errors.New("provider is not started")
	ErrRejected   = errors.New("registry rejected publication")
)

// Descriptor описание публикуемого сервиса.
type Descriptor struct {
	Service        string
	Version        string
	Group          string
	Weight         int
	ConnCount      int
	VIP            bool
	SupportDegrade bool
	DegradePath    string
	DegradeDesc    string
}

// Name имя, под которым сервис регистрируется: [group.]service[:version].
func (d Descriptor) Name() string {
	name := d.Service
	if d.Group != "" {
		name = d.Group + "." + name
	}
	if d.Version != "" {
		name += ":" + d.Version
	}
	return name
}

// HandlerFunc обработчик вызова сервиса. Ошибка передается вызывающему
// текстом в RPCResponseBody.Error.
type HandlerFunc func(ctx context.Context, args []byte) ([]byte, error)

type service struct {
	desc      Descriptor
	published bool
	handler   HandlerFunc
	fallback  HandlerFunc
	degraded  atomic.Bool
}

type Provider struct {
	cfg     Config
	log     *zap.Logger
	id      uuid.UUID
	clock   clock.Clock
	metrics *metrics.Metrics
	limits  map[string]int64
	flows   *flowcounter.Group

	registry *remoting.Client
	server   *remoting.Server
	vip      *remoting.Server
	workers  *remoting.Pool
	vipPool  *remoting.Pool

	mu        sync.RWMutex
	services  map[string]*service
	advertise protocol.Address

	healthy atomic.Bool
	cancel  context.CancelFunc
	g       *errgroup.Group
}

func New(cfg Config, log *zap.Logger, opts ...Option) *Provider {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()
	id := uuid.New()
	log = log.Named("provider").With(zap.Stringer("instance", id))

	p := &Provider{
		cfg:      cfg,
		log:      log,
		id:       id,
		clock:    o.clock,
		metrics:  o.metrics,
		limits:   o.limits,
		flows:    flowcounter.NewGroup(o.clock, log),
		registry: remoting.NewClient(cfg.Remoting, log, remoting.WithMetrics(o.metrics)),
		server:   remoting.NewServer(cfg.Remoting, log, remoting.WithMetrics(o.metrics)),
		vip:      remoting.NewServer(cfg.Remoting, log.Named("vip"), remoting.WithMetrics(o.metrics)),
		workers:  remoting.NewPool(cfg.Workers),
		vipPool:  remoting.NewPool(cfg.VIPWorkers),
		services: make(map[string]*service),
	}

	p.registry.Register(protocol.DegradeService, remoting.ProcessorFunc(p.degrade), nil)
	p.registry.OnInactive(func(addr protocol.Address, _ remoting.ConnID) {
		if p.healthy.Swap(false) {
			p.log.Warn("registry connection lost, publications will be resent", zap.Stringer("registry", addr))
		}
	})
	p.server.Register(protocol.RequestRemoting, remoting.ProcessorFunc(p.serve), p.workers)
	p.vip.Register(protocol.RequestRemoting, remoting.ProcessorFunc(p.serve), p.vipPool)
	return p
}

func (p *Provider) ID() uuid.UUID     { return p.id }
func (p *Provider) Healthy() bool     { return p.healthy.Load() }
func (p *Provider) Addr() net.Addr    { return p.server.Addr() }
func (p *Provider) VIPAddr() net.Addr { return p.vip.Addr() }

// Flows счетчики вызовов по сервисам.
func (p *Provider) Flows() *flowcounter.Group { return p.flows }

// Handle задает обработчик сервиса. Опубликовать сервис можно и до,
// и после Handle, но вызовы без обработчика получают ошибку.
func (p *Provider) Handle(name string, h HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.service(name).handler = h
}

// HandleDegrade обработчик, который отвечает вместо основного,
// пока реестр держит сервис деградированным.
func (p *Provider) HandleDegrade(name string, h HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.service(name).fallback = h
}

// Вызывается под mu.
func (p *Provider) service(name string) *service {
	s, ok := p.services[name]
	if !ok {
		s = &service{desc: Descriptor{Service: name}}
		p.services[name] = s
	}
	return s
}

// Publish добавляет сервисы к публикации. После Start они сразу
// отправляются в реестр.
func (p *Provider) Publish(ctx context.Context, descs ...Descriptor) error {
	p.mu.Lock()
	for _, d := range descs {
		s := p.service(d.Name())
		s.desc = d
		s.published = true
	}
	started := p.cancel != nil
	p.mu.Unlock()

	if !started {
		return nil
	}
	return p.publish(ctx, descs)
}

// Unpublish снимает сервис с публикации.
func (p *Provider) Unpublish(ctx context.Context, name string) error {
	p.mu.Lock()
	s, ok := p.services[name]
	var desc Descriptor
	if ok {
		s.published = false
		desc = s.desc
	}
	advertise := p.advertise
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("unpublish %s: unknown service", name)
	}

	ack, err := p.invoke(ctx, protocol.PublishCancelService, p.publishBody(desc, advertise))
	if err != nil {
		return fmt.Errorf("unpublish %s: %w", name, err)
	}
	if !ack.Success {
		return fmt.Errorf("unpublish %s: %w: %s", name, ErrRejected, ack.Desc)
	}
	p.log.Info("service unpublished", zap.String("service", name))
	return nil
}

// Start открывает RPC серверы и публикует сервисы. Неудачная публикация
// не ошибка: провайдер помечается нездоровым и повторит ее по таймеру.
func (p *Provider) Start(ctx context.Context) error {
	addr, err := p.server.Listen(p.cfg.ListenAddr)
	if err != nil {
		return err
	}
	advertise := p.cfg.Advertise
	if advertise.IsZero() {
		advertise = protocol.AddressFromNet(addr)
	}

	p.mu.Lock()
	p.advertise = advertise
	hasVIP := false
	for _, s := range p.services {
		hasVIP = hasVIP || s.desc.VIP
	}
	p.mu.Unlock()

	if hasVIP {
		if _, err := p.vip.Listen(vipAddr(addr)); err != nil {
			_ = p.server.Close()
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	ticker := p.clock.Ticker(p.cfg.RepublishInterval)
	g.Go(func() error { return p.server.Serve(ctx) })
	if hasVIP {
		g.Go(func() error { return p.vip.Serve(ctx) })
	}
	g.Go(func() error { return p.flows.RunRollover(ctx) })
	g.Go(func() error {
		defer ticker.Stop()
		return p.republish(ctx, ticker)
	})

	p.mu.Lock()
	p.cancel, p.g = cancel, g
	p.mu.Unlock()

	if err := p.PublishAll(ctx); err != nil {
		p.log.Warn("publish failed, will retry", zap.Error(err))
	}
	p.log.Info("provider started", zap.Stringer("addr", addr), zap.Stringer("advertise", advertise))
	return nil
}

func vipAddr(addr net.Addr) string {
	a := protocol.AddressFromNet(addr)
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port+consts.VIPPortOffset))
}

// PublishAll отправляет в реестр все опубликованные сервисы.
// Провайдер считается здоровым, только если реестр принял все.
func (p *Provider) PublishAll(ctx context.Context) error {
	p.mu.RLock()
	descs := make([]Descriptor, 0, len(p.services))
	for _, s := range p.services {
		if s.published {
			descs = append(descs, s.desc)
		}
	}
	p.mu.RUnlock()
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name() < descs[j].Name() })

	err := p.publish(ctx, descs)
	p.healthy.Store(err == nil)
	return err
}

func (p *Provider) publish(ctx context.Context, descs []Descriptor) error {
	p.mu.RLock()
	advertise := p.advertise
	p.mu.RUnlock()

	var errs error
	for _, d := range descs {
		ack, err := p.invoke(ctx, protocol.PublishService, p.publishBody(d, advertise))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("publish %s: %w", d.Name(), err))
			continue
		}
		if !ack.Success {
			errs = multierr.Append(errs, fmt.Errorf("publish %s: %w: %s", d.Name(), ErrRejected, ack.Desc))
			continue
		}
		p.log.Debug("service published", zap.String("service", d.Name()))
	}
	return errs
}

func (p *Provider) publishBody(d Descriptor, advertise protocol.Address) *protocol.PublishServiceBody {
	return &protocol.PublishServiceBody{
		ServiceName:           d.Name(),
		Host:                  advertise.Host,
		Port:                  advertise.Port,
		Weight:                d.Weight,
		ConnCount:             d.ConnCount,
		IsVIPService:          d.VIP,
		SupportDegradeService: d.SupportDegrade,
		DegradeServicePath:    d.DegradePath,
		DegradeServiceDesc:    d.DegradeDesc,
	}
}

func (p *Provider) invoke(ctx context.Context, code protocol.Code, body protocol.Body) (*protocol.AckBody, error) {
	req, err := remoting.NewRequestBody(p.cfg.Codec, code, body)
	if err != nil {
		return nil, err
	}
	resp, err := p.registry.InvokeSync(ctx, p.cfg.Registry, req, p.cfg.PublishTimeout)
	if err != nil {
		return nil, err
	}
	ack := new(protocol.AckBody)
	if err := resp.DecodeBody(p.cfg.Codec, ack); err != nil {
		return nil, err
	}
	return ack, nil
}

func (p *Provider) republish(ctx context.Context, ticker *clock.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if p.healthy.Load() {
				continue
			}
			if err := p.PublishAll(ctx); err != nil {
				p.log.Warn("republish failed", zap.Error(err))
				continue
			}
			p.log.Info("services republished")
		}
	}
}

// Wait дожидается остановки, начатой отменой контекста Start или Close.
func (p *Provider) Wait() error {
	p.mu.RLock()
	g := p.g
	p.mu.RUnlock()
	if g == nil {
		return ErrNotStarted
	}
	return g.Wait()
}

func (p *Provider) Close() error {
	p.mu.RLock()
	cancel, g := p.cancel, p.g
	p.mu.RUnlock()

	var err error
	if cancel != nil {
		cancel()
		err = g.Wait()
	}
	err = multierr.Combine(err, p.registry.Close(), p.server.Close(), p.vip.Close())
	p.workers.Wait()
	p.vipPool.Wait()
	return err
}

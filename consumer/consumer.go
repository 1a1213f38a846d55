// Package consumer подписывается на сервисы в реестре и вызывает
// их провайдеров с выбором по весу.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ozontech/registrar/consts"
	"github.com/ozontech/registrar/metrics"
	"github.com/ozontech/registrar/protocol"
	"github.com/ozontech/registrar/remoting"
)

var (
	ErrNoProviders   = errors.New("no providers")
	ErrNotSubscribed = errors.New("not subscribed")
)

// RemoteError ошибка, которую вернул обработчик провайдера.
type RemoteError struct {
	Service  string
	Provider protocol.Address
	Msg      string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s@%s: %s", e.Service, e.Provider, e.Msg)
}

type Config struct {
	Registry         protocol.Address
	Remoting         remoting.Config
	Codec            protocol.Codec
	SubscribeTimeout time.Duration
	CallTimeout      time.Duration
	// ResubscribeInterval как часто проверять, не потеряны ли подписки
	// после обрыва соединения с реестром.
	ResubscribeInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Registry:            protocol.Address{Host: "127.0.0.1", Port: consts.DefaultRegistryPort},
		Remoting:            remoting.DefaultConfig(),
		Codec:               protocol.JSON,
		SubscribeTimeout:    consts.DefaultTimeout,
		CallTimeout:         consts.DefaultTimeout,
		ResubscribeInterval: consts.DefaultRepublish,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Codec == nil {
		c.Codec = d.Codec
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = d.SubscribeTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.ResubscribeInterval <= 0 {
		c.ResubscribeInterval = d.ResubscribeInterval
	}
	return c
}

// ChangeFunc получает актуальный список провайдеров сервиса после
// каждого снапшота или пуша.
type ChangeFunc func(service string, providers []protocol.RegisterMeta)

type options struct {
	clock   clock.Clock
	metrics *metrics.Metrics
	rand    *rand.Rand
}

type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRand источник случайности для выбора провайдера.
func WithRand(r *rand.Rand) Option {
	return func(o *options) { o.rand = r }
}

type Consumer struct {
	cfg   Config
	log   *zap.Logger
	id    uuid.UUID
	clock clock.Clock

	registry  *remoting.Client
	providers *remoting.Client

	randMu sync.Mutex
	rand   *rand.Rand

	mu       sync.RWMutex
	views    map[string]map[protocol.Address]protocol.RegisterMeta
	onChange []ChangeFunc
	// inflight пуши, пришедшие пока запрос подписки ждет снапшот.
	// Наличие ключа означает, что подписка в процессе.
	inflight map[string][]push

	// stale подписки потеряны вместе с соединением реестра.
	stale atomic.Bool
}

func New(cfg Config, log *zap.Logger, opts ...Option) *Consumer {
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rand == nil {
		o.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	cfg = cfg.withDefaults()
	id := uuid.New()
	log = log.Named("consumer").With(zap.Stringer("instance", id))

	c := &Consumer{
		cfg:       cfg,
		log:       log,
		id:        id,
		clock:     o.clock,
		registry:  remoting.NewClient(cfg.Remoting, log.Named("registry"), remoting.WithMetrics(o.metrics)),
		providers: remoting.NewClient(cfg.Remoting, log.Named("providers"), remoting.WithMetrics(o.metrics)),
		rand:      o.rand,
		views:     make(map[string]map[protocol.Address]protocol.RegisterMeta),
		inflight:  make(map[string][]push),
	}
	push := remoting.ProcessorFunc(c.onPush)
	c.registry.Register(protocol.SubscribeResult, push, nil)
	c.registry.Register(protocol.SubscribeResultCancel, push, nil)
	c.registry.OnInactive(func(addr protocol.Address, _ remoting.ConnID) {
		c.mu.RLock()
		subscribed := len(c.views) != 0
		c.mu.RUnlock()
		if subscribed && !c.stale.Swap(true) {
			c.log.Warn("registry connection lost, subscriptions will be renewed", zap.Stringer("registry", addr))
		}
	})
	return c
}

func (c *Consumer) ID() uuid.UUID { return c.id }

// OnChange добавляет колбэк изменений. Колбэки вызываются из горутины
// соединения с реестром и не должны блокироваться.
func (c *Consumer) OnChange(fn ChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

type push struct {
	code  protocol.Code
	metas []protocol.RegisterMeta
}

func (p push) apply(view map[protocol.Address]protocol.RegisterMeta) {
	for _, m := range p.metas {
		if p.code == protocol.SubscribeResultCancel {
			delete(view, m.Address)
		} else {
			view[m.Address] = m
		}
	}
}

// Subscribe подписывается на сервис и возвращает снапшот провайдеров.
// Дальнейшие изменения приходят пушами. Реестр может прислать пуш раньше
// ответа с снапшотом, такие пуши применяются поверх снапшота по порядку.
func (c *Consumer) Subscribe(ctx context.Context, service string) ([]protocol.RegisterMeta, error) {
	req, err := remoting.NewRequestBody(c.cfg.Codec, protocol.SubscribeService, &protocol.SubscribeRequestBody{ServiceName: service})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, ok := c.inflight[service]; !ok {
		c.inflight[service] = nil
	}
	c.mu.Unlock()

	res := new(protocol.SubscribeResultBody)
	resp, err := c.registry.InvokeSync(ctx, c.cfg.Registry, req, c.cfg.SubscribeTimeout)
	if err == nil {
		err = resp.DecodeBody(c.cfg.Codec, res)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.inflight, service)
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", service, err)
	}

	view := make(map[protocol.Address]protocol.RegisterMeta, len(res.RegisterMeta))
	for _, m := range res.RegisterMeta {
		view[m.Address] = m
	}
	c.mu.Lock()
	early := c.inflight[service]
	delete(c.inflight, service)
	for _, p := range early {
		p.apply(view)
	}
	c.views[service] = view
	c.mu.Unlock()

	c.log.Debug("subscribed", zap.String("service", service),
		zap.Int("providers", len(view)), zap.Int("early-pushes", len(early)))
	c.changed(service)
	return res.RegisterMeta, nil
}

func (c *Consumer) Unsubscribe(ctx context.Context, service string) error {
	c.mu.Lock()
	_, ok := c.views[service]
	delete(c.views, service)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unsubscribe %s: %w", service, ErrNotSubscribed)
	}

	req, err := remoting.NewRequestBody(c.cfg.Codec, protocol.SubscribeServiceCancel, &protocol.SubscribeRequestBody{ServiceName: service})
	if err != nil {
		return err
	}
	resp, err := c.registry.InvokeSync(ctx, c.cfg.Registry, req, c.cfg.SubscribeTimeout)
	if err != nil {
		return fmt.Errorf("unsubscribe %s: %w", service, err)
	}
	ack := new(protocol.AckBody)
	if err := resp.DecodeBody(c.cfg.Codec, ack); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("unsubscribe %s: %s", service, ack.Desc)
	}
	return nil
}

// Providers текущие провайдеры сервиса, отсортированные по адресу.
func (c *Consumer) Providers(service string) []protocol.RegisterMeta {
	c.mu.RLock()
	view := c.views[service]
	metas := make([]protocol.RegisterMeta, 0, len(view))
	for _, m := range view {
		metas = append(metas, m)
	}
	c.mu.RUnlock()

	sort.Slice(metas, func(i, j int) bool {
		a, b := metas[i].Address, metas[j].Address
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		return a.Port < b.Port
	})
	return metas
}

func (c *Consumer) onPush(_ context.Context, _ *remoting.Conn, req *remoting.Transporter) (*remoting.Transporter, error) {
	body := new(protocol.SubscribeResultBody)
	if err := req.DecodeBody(c.cfg.Codec, body); err != nil {
		return nil, err
	}

	p := push{code: req.Code, metas: body.RegisterMeta}
	c.mu.Lock()
	view, applied := c.views[body.ServiceName]
	if applied {
		p.apply(view)
	}
	early, pending := c.inflight[body.ServiceName]
	if pending {
		c.inflight[body.ServiceName] = append(early, p)
	}
	c.mu.Unlock()

	ok := applied || pending
	if applied {
		c.log.Debug("providers changed", zap.Stringer("code", req.Code),
			zap.String("service", body.ServiceName), zap.Int("metas", len(body.RegisterMeta)))
		c.changed(body.ServiceName)
	}
	return remoting.NewResponseBody(req, c.cfg.Codec, protocol.Ack, &protocol.AckBody{Opaque: req.Opaque, Success: ok})
}

func (c *Consumer) changed(service string) {
	c.mu.RLock()
	fns := c.onChange
	c.mu.RUnlock()
	if len(fns) == 0 {
		return
	}
	providers := c.Providers(service)
	for _, fn := range fns {
		fn(service, providers)
	}
}

// pick выбирает провайдера случайно с вероятностью, пропорциональной весу.
func (c *Consumer) pick(providers []protocol.RegisterMeta) protocol.RegisterMeta {
	total := 0
	for _, m := range providers {
		total += weight(m)
	}
	c.randMu.Lock()
	n := c.rand.Intn(total)
	c.randMu.Unlock()
	for _, m := range providers {
		n -= weight(m)
		if n < 0 {
			return m
		}
	}
	return providers[len(providers)-1]
}

func weight(m protocol.RegisterMeta) int {
	if m.Weight <= 0 {
		return consts.DefaultWeight
	}
	return m.Weight
}

// dialAddr VIP сервисы обслуживаются на отдельном порту.
func dialAddr(m protocol.RegisterMeta) protocol.Address {
	if m.IsVIPService {
		return protocol.Address{Host: m.Address.Host, Port: m.Address.Port + consts.VIPPortOffset}
	}
	return m.Address
}

// Call вызывает сервис у одного из его провайдеров. timeout <= 0
// означает Config.CallTimeout.
func (c *Consumer) Call(ctx context.Context, service string, args []byte, timeout time.Duration) ([]byte, error) {
	providers := c.Providers(service)
	if len(providers) == 0 {
		return nil, fmt.Errorf("call %s: %w", service, ErrNoProviders)
	}
	if timeout <= 0 {
		timeout = c.cfg.CallTimeout
	}
	m := c.pick(providers)
	addr := dialAddr(m)

	req, err := remoting.NewRequestBody(c.cfg.Codec, protocol.RequestRemoting, &protocol.RPCRequestBody{ServiceName: service, Args: args})
	if err != nil {
		return nil, err
	}
	resp, err := c.providers.InvokeSync(ctx, addr, req, timeout)
	if err != nil {
		return nil, fmt.Errorf("call %s@%s: %w", service, addr, err)
	}
	res := new(protocol.RPCResponseBody)
	if err := resp.DecodeBody(c.cfg.Codec, res); err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, &RemoteError{Service: service, Provider: addr, Msg: res.Error}
	}
	return res.Result, nil
}

// Run продлевает подписки после обрыва соединения с реестром до отмены ctx.
func (c *Consumer) Run(ctx context.Context) error {
	ticker := c.clock.Ticker(c.cfg.ResubscribeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !c.stale.Load() {
				continue
			}
			if err := c.Resubscribe(ctx); err != nil {
				c.log.Warn("resubscribe failed", zap.Error(err))
			}
		}
	}
}

// Resubscribe заново подписывается на все сервисы, заменяя их снапшоты.
func (c *Consumer) Resubscribe(ctx context.Context) error {
	c.mu.RLock()
	services := make([]string, 0, len(c.views))
	for s := range c.views {
		services = append(services, s)
	}
	c.mu.RUnlock()
	sort.Strings(services)

	var errs error
	for _, s := range services {
		if _, err := c.Subscribe(ctx, s); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs == nil {
		c.stale.Store(false)
		c.log.Info("subscriptions renewed", zap.Int("services", len(services)))
	}
	return errs
}

func (c *Consumer) Close() error {
	return multierr.Combine(c.registry.Close(), c.providers.Close())
}

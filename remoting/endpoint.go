package remoting

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/ozontech/registrar/consts"
	"github.com/ozontech/registrar/metrics"
	"github.com/ozontech/registrar/protocol"
	"github.com/ozontech/registrar/utils/pool"
)

// Listener получает события жизненного цикла соединений.
// Вызывается из горутин соединения, блокировать нельзя.
type Listener interface {
	OnConnected(c *Conn)
	OnDisconnected(c *Conn, err error)
	OnIdle(c *Conn, state IdleState)
}

// ListenerFuncs Listener из функций, nil поля пропускаются.
type ListenerFuncs struct {
	Connected    func(c *Conn)
	Disconnected func(c *Conn, err error)
	Idle         func(c *Conn, state IdleState)
}

func (l ListenerFuncs) OnConnected(c *Conn) {
	if l.Connected != nil {
		l.Connected(c)
	}
}

func (l ListenerFuncs) OnDisconnected(c *Conn, err error) {
	if l.Disconnected != nil {
		l.Disconnected(c, err)
	}
}

func (l ListenerFuncs) OnIdle(c *Conn, state IdleState) {
	if l.Idle != nil {
		l.Idle(c, state)
	}
}

// InactiveFunc вызывается ровно один раз на каждое закрытое соединение,
// до удаления его атрибутов.
type InactiveFunc func(addr protocol.Address, id ConnID)

// Endpoint общая часть клиента и сервера: живые соединения,
// диспетчер входящих запросов и движок исходящих вызовов.
type Endpoint struct {
	cfg        Config
	log        *zap.Logger
	metrics    *metrics.Metrics
	invoker    *Invoker
	dispatcher *Dispatcher
	attrs      *Attributes
	headers    *pool.SlicePool[[]byte]

	mu        sync.RWMutex
	conns     map[ConnID]*Conn
	listeners []Listener
	inactive  []InactiveFunc
	wg        sync.WaitGroup
}

func newEndpoint(cfg Config, log *zap.Logger, opts []Option) *Endpoint {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = consts.SendQueueSize
	}
	if cfg.PendingShards <= 0 {
		cfg.PendingShards = DefaultConfig().PendingShards
	}
	return &Endpoint{
		cfg:        cfg,
		log:        log,
		metrics:    o.metrics,
		invoker:    NewInvoker(log, cfg.PendingShards, o.metrics),
		dispatcher: NewDispatcher(log),
		attrs:      NewAttributes(),
		headers: pool.NewSlicePool(consts.SendQueueSize, func() []byte {
			return make([]byte, consts.HeaderSize)
		}),
		conns: make(map[ConnID]*Conn),
	}
}

func (e *Endpoint) Register(code protocol.Code, p Processor, workers *Pool) {
	e.dispatcher.Register(code, p, workers)
}

func (e *Endpoint) RegisterDefault(p Processor, workers *Pool) {
	e.dispatcher.RegisterDefault(p, workers)
}

func (e *Endpoint) AddListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

func (e *Endpoint) OnInactive(fn InactiveFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inactive = append(e.inactive, fn)
}

func (e *Endpoint) Attributes() *Attributes { return e.attrs }
func (e *Endpoint) Invoker() *Invoker       { return e.invoker }

func (e *Endpoint) Conn(id ConnID) (*Conn, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.conns[id]
	return c, ok
}

func (e *Endpoint) Conns() []*Conn {
	e.mu.RLock()
	defer e.mu.RUnlock()
	conns := make([]*Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	return conns
}

// ServeConn обслуживает уже установленное соединение до отмены ctx
// или его закрытия.
func (e *Endpoint) ServeConn(ctx context.Context, nc net.Conn) *Conn {
	c := newConn(ctx, e, nc)

	e.mu.Lock()
	e.conns[c.id] = c
	listeners := e.listeners
	e.mu.Unlock()

	e.metrics.ConnOpened()
	c.log.Debug("connected")
	for _, l := range listeners {
		l.OnConnected(c)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.closed(c, c.run())
	}()
	return c
}

func (e *Endpoint) closed(c *Conn, err error) {
	e.mu.Lock()
	delete(e.conns, c.id)
	listeners, inactive := e.listeners, e.inactive
	e.mu.Unlock()

	e.metrics.ConnClosed()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		c.log.Info("disconnected", zap.Error(err))
	} else {
		c.log.Debug("disconnected", zap.Error(err))
	}

	e.invoker.ConnectionLost(c.id, err)
	for _, l := range listeners {
		l.OnDisconnected(c, err)
	}
	for _, fn := range inactive {
		fn(c.remote, c.id)
	}
	e.attrs.drop(c.id)
}

func (e *Endpoint) idle(c *Conn, state IdleState) {
	c.log.Debug("connection idle", zap.Stringer("state", state))
	e.mu.RLock()
	listeners := e.listeners
	e.mu.RUnlock()
	for _, l := range listeners {
		l.OnIdle(c, state)
	}
}

// Drain дожидается завершения всех ожидающих вызовов.
func (e *Endpoint) Drain(ctx context.Context) error {
	if e.invoker.InUse() == 0 {
		return nil
	}
	select {
	case <-e.invoker.WaitAllReleased():
		e.log.Debug("all calls released")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown закрывает все соединения и ждет их горутины.
func (e *Endpoint) shutdown() {
	for _, c := range e.Conns() {
		_ = c.Close()
	}
	e.wg.Wait()
	e.invoker.Close()
}

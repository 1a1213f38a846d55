package remoting

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ozontech/registrar/protocol"
)

// Processor обрабатывает входящий запрос. nil ответ означает
// "ничего не отправлять", ошибка логируется и ответ тоже не отправляется.
type Processor interface {
	Process(ctx context.Context, c *Conn, req *Transporter) (*Transporter, error)
}

type ProcessorFunc func(ctx context.Context, c *Conn, req *Transporter) (*Transporter, error)

func (f ProcessorFunc) Process(ctx context.Context, c *Conn, req *Transporter) (*Transporter, error) {
	return f(ctx, c, req)
}

// Pool ограниченный пул горутин для обработчиков.
// Без пула обработчик выполняется в горутине обработки соединения
// и не должен делать синхронных вызовов через это же соединение.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Go блокируется, пока пул занят.
func (p *Pool) Go(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		fn()
	}()
	return nil
}

func (p *Pool) Wait() { p.wg.Wait() }

type route struct {
	processor Processor
	pool      *Pool
}

// Dispatcher маршрутизирует запросы по коду. На неизвестный код
// ничего не отвечает: вызывающая сторона получит таймаут.
type Dispatcher struct {
	log *zap.Logger

	mu    sync.RWMutex
	table [256]*route
	def   *route
}

func NewDispatcher(log *zap.Logger) *Dispatcher {
	return &Dispatcher{log: log.Named("dispatcher")}
}

func (d *Dispatcher) Register(code protocol.Code, p Processor, workers *Pool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.table[code] = &route{p, workers}
}

// RegisterDefault обработчик для кодов без своего обработчика.
func (d *Dispatcher) RegisterDefault(p Processor, workers *Pool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.def = &route{p, workers}
}

func (d *Dispatcher) Dispatch(c *Conn, req *Transporter) {
	d.mu.RLock()
	r := d.table[req.Code]
	if r == nil {
		r = d.def
	}
	d.mu.RUnlock()

	if r == nil {
		c.log.Debug("no processor for code, request dropped", zap.Object("frame", req))
		return
	}
	if r.pool == nil {
		d.process(c, r.processor, req)
		return
	}
	err := r.pool.Go(c.ctx, func() { d.process(c, r.processor, req) })
	if err != nil {
		c.log.Debug("request dropped, connection closing", zap.Object("frame", req), zap.Error(err))
	}
}

func (d *Dispatcher) process(c *Conn, p Processor, req *Transporter) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error("processor panicked", zap.Object("frame", req), zap.Any("panic", rec))
		}
	}()

	resp, err := p.Process(c.ctx, c, req)
	if err != nil {
		c.log.Warn("processor failed", zap.Object("frame", req), zap.Error(err))
		return
	}
	if resp == nil {
		return
	}
	resp.Type = protocol.TypeResponse
	resp.Opaque = req.Opaque
	if err := c.Send(resp); err != nil {
		c.log.Debug("response not sent", zap.Object("frame", resp), zap.Error(err))
	}
}

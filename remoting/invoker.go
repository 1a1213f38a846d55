package remoting

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ozontech/registrar/consts"
	"github.com/ozontech/registrar/metrics"
	"github.com/ozontech/registrar/protocol"
	"github.com/ozontech/registrar/remoting/pending"
)

// ResponseFunc вызывается ровно один раз: с ответом или с ошибкой.
// Ответ приходит в горутине обработки соединения, таймаут в горутине
// таймаутов, поэтому блокировать нельзя.
type ResponseFunc func(resp *Transporter, err error)

const expiredCacheSize = 4096

type callResult struct {
	resp *Transporter
	err  error
}

type call struct {
	opaque  int64
	code    protocol.Code
	connID  ConnID
	timeout time.Duration

	done chan callResult // для синхронных
	fn   ResponseFunc    // для асинхронных
}

func (c *call) complete(resp *Transporter, err error) {
	if c.fn != nil {
		c.fn(resp, err)
		return
	}
	c.done <- callResult{resp, err}
}

// Invoker сопоставляет ответы запросам по opaque. Ответ, таймаут
// и обрыв соединения конкурируют за вызов через GetAndDelete,
// поэтому каждый вызов завершается один раз.
type Invoker struct {
	log     *zap.Logger
	metrics *metrics.Metrics

	opaque   atomic.Int64
	calls    pending.Store[*call]
	timeouts *timeoutQueue
	// недавно истекшие opaque, чтобы отличать опоздавший ответ от чужого
	expired *lru.Cache[int64, protocol.Code]

	cond  *sync.Cond
	inUse int

	closeOnce sync.Once
	closed    atomic.Bool
}

func NewInvoker(log *zap.Logger, shards int, m *metrics.Metrics) *Invoker {
	expired, err := lru.New[int64, protocol.Code](expiredCacheSize)
	if err != nil {
		panic("assertion error: " + err.Error())
	}
	inv := &Invoker{
		log:     log.Named("invoker"),
		metrics: m,
		calls: pending.NewSharded(shards, func() pending.Store[*call] {
			return pending.NewMap[*call](64)
		}),
		timeouts: newTimeoutQueue(),
		expired:  expired,
		cond:     sync.NewCond(&sync.Mutex{}),
	}
	go inv.runTimeouts()
	return inv
}

func (inv *Invoker) InvokeSync(ctx context.Context, c *Conn, t *Transporter, timeout time.Duration) (*Transporter, error) {
	cl := &call{done: make(chan callResult, 1)}
	if err := inv.start(c, t, timeout, cl); err != nil {
		return nil, err
	}

	select {
	case r := <-cl.done:
		return r.resp, r.err
	case <-ctx.Done():
		if _, ok := inv.calls.GetAndDelete(cl.opaque); ok {
			inv.finish(cl, nil, ctx.Err(), "canceled")
		}
		// если вызов уже завершил кто-то другой, результат будет в done
		r := <-cl.done
		return r.resp, r.err
	}
}

// InvokeAsync при ошибке постановки в очередь fn не вызывается.
func (inv *Invoker) InvokeAsync(c *Conn, t *Transporter, timeout time.Duration, fn ResponseFunc) error {
	return inv.start(c, t, timeout, &call{fn: fn})
}

// InvokeOneway отправляет запрос без ожидания ответа.
func (inv *Invoker) InvokeOneway(c *Conn, t *Transporter) error {
	if inv.closed.Load() {
		return &SendError{Err: ErrClosed}
	}
	t.Type = protocol.TypeRequest
	t.Opaque = inv.opaque.Add(1)
	return c.Send(t)
}

func (inv *Invoker) start(c *Conn, t *Transporter, timeout time.Duration, cl *call) error {
	if inv.closed.Load() {
		return &SendError{Err: ErrClosed}
	}
	if timeout <= 0 {
		timeout = consts.DefaultTimeout
	}

	t.Type = protocol.TypeRequest
	t.Opaque = inv.opaque.Add(1)
	cl.opaque = t.Opaque
	cl.code = t.Code
	cl.connID = c.id
	cl.timeout = timeout

	inv.acquire()
	inv.calls.Set(cl.opaque, cl)
	inv.timeouts.Add(cl.opaque, time.Now().Add(timeout))

	if err := c.Send(t); err != nil {
		if _, ok := inv.calls.GetAndDelete(cl.opaque); ok {
			inv.release(cl.code, "send_error")
			return err
		}
		// вызов уже завершен обрывом соединения
	}
	return nil
}

// OnResponse вызывается для каждого входящего ответа.
func (inv *Invoker) OnResponse(c *Conn, resp *Transporter) {
	cl, ok := inv.calls.GetAndDelete(resp.Opaque)
	if !ok {
		if code, late := inv.expired.Get(resp.Opaque); late {
			c.log.Debug("late response discarded",
				zap.Object("frame", resp), zap.Stringer("request-code", code))
		} else {
			c.log.Debug("unexpected response discarded", zap.Object("frame", resp))
		}
		return
	}
	inv.finish(cl, resp, nil, "ok")
}

// ConnectionLost завершает все вызовы соединения с ConnectionLostError,
// не дожидаясь их таймаутов.
func (inv *Invoker) ConnectionLost(id ConnID, cause error) {
	var lost []int64
	// GetAndDelete нельзя звать внутри Each: Each держит RLock шарда
	inv.calls.Each(func(opaque int64, cl *call) {
		if cl.connID == id {
			lost = append(lost, opaque)
		}
	})
	for _, opaque := range lost {
		cl, ok := inv.calls.GetAndDelete(opaque)
		if !ok {
			continue
		}
		inv.finish(cl, nil, &ConnectionLostError{Opaque: opaque, ConnID: id, Err: cause}, "lost")
	}
	if len(lost) != 0 {
		inv.log.Debug("pending calls failed on connection loss",
			zap.Uint64("conn-id", uint64(id)), zap.Int("calls", len(lost)))
	}
}

func (inv *Invoker) runTimeouts() {
	for {
		opaque, ok := inv.timeouts.Next()
		if !ok {
			return
		}
		cl, ok := inv.calls.GetAndDelete(opaque)
		if !ok {
			continue
		}
		inv.expired.Add(opaque, cl.code)
		inv.finish(cl, nil, &TimeoutError{Opaque: opaque, Code: cl.code, Timeout: cl.timeout}, "timeout")
	}
}

func (inv *Invoker) finish(cl *call, resp *Transporter, err error, result string) {
	cl.complete(resp, err)
	inv.release(cl.code, result)
}

func (inv *Invoker) acquire() {
	inv.cond.L.Lock()
	inv.inUse++
	inv.cond.L.Unlock()
	inv.metrics.CallStarted()
}

func (inv *Invoker) release(code protocol.Code, result string) {
	inv.metrics.CallDone(code, result)
	inv.cond.L.Lock()
	defer inv.cond.Broadcast()
	defer inv.cond.L.Unlock()
	inv.inUse--
}

func (inv *Invoker) InUse() int {
	inv.cond.L.Lock()
	defer inv.cond.L.Unlock()
	return inv.inUse
}

func (inv *Invoker) WaitAllReleased() <-chan struct{} {
	ch := make(chan struct{})

	go func() {
		inv.cond.L.Lock()
		defer inv.cond.L.Unlock()

		for inv.inUse != 0 {
			inv.cond.Wait()
		}

		close(ch)
	}()

	return ch
}

// Close останавливает таймауты и завершает оставшиеся вызовы с ErrClosed.
func (inv *Invoker) Close() {
	inv.closeOnce.Do(func() {
		inv.closed.Store(true)
		inv.timeouts.Close()

		var left []int64
		inv.calls.Each(func(opaque int64, _ *call) { left = append(left, opaque) })
		for _, opaque := range left {
			if cl, ok := inv.calls.GetAndDelete(opaque); ok {
				inv.finish(cl, nil, &ConnectionLostError{Opaque: opaque, ConnID: cl.connID, Err: ErrClosed}, "closed")
			}
		}
	})
}

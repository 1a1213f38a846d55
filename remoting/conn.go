package remoting

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/registrar/protocol"
)

type ConnID uint64

func (id ConnID) String() string { return strconv.FormatUint(uint64(id), 10) }

var lastConnID atomic.Uint64

type IdleState int

const (
	IdleRead IdleState = iota + 1
	IdleWrite
)

func (s IdleState) String() string {
	switch s {
	case IdleRead:
		return "read"
	case IdleWrite:
		return "write"
	}
	return "idle_" + strconv.Itoa(int(s))
}

var (
	errReadIdle  = errors.New("read idle timeout")
	errQueueFull = errors.New("send queue is full")
)

const minIdleCheckInterval = 10 * time.Millisecond

// Conn одно TCP соединение. Читает, пишет и следит за простоем
// в своих горутинах, пока не будет закрыто.
type Conn struct {
	id       ConnID
	conn     net.Conn
	remote   protocol.Address
	endpoint *Endpoint
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sendQueue chan *Transporter
	lastRead  atomic.Int64
	lastWrite atomic.Int64
}

func newConn(ctx context.Context, e *Endpoint, nc net.Conn) *Conn {
	id := ConnID(lastConnID.Add(1))
	remote := protocol.AddressFromNet(nc.RemoteAddr())
	c := &Conn{
		id:        id,
		conn:      nc,
		remote:    remote,
		endpoint:  e,
		log:       e.log.With(zap.Uint64("conn-id", uint64(id)), zap.Stringer("remote", remote)),
		sendQueue: make(chan *Transporter, e.cfg.SendQueueSize),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	now := time.Now().UnixNano()
	c.lastRead.Store(now)
	c.lastWrite.Store(now)
	return c
}

func (c *Conn) ID() ConnID                   { return c.id }
func (c *Conn) RemoteAddr() protocol.Address { return c.remote }
func (c *Conn) LocalAddr() net.Addr          { return c.conn.LocalAddr() }
func (c *Conn) Done() <-chan struct{}        { return c.ctx.Done() }
func (c *Conn) Closed() bool                 { return c.ctx.Err() != nil }
func (c *Conn) Log() *zap.Logger             { return c.log }

// Close закрывает соединение асинхронно; ожидающие вызовы
// завершатся с ConnectionLostError.
func (c *Conn) Close() error {
	c.cancel()
	return nil
}

// Send ставит фрейм в очередь отправки, не дожидаясь записи в сеть.
func (c *Conn) Send(t *Transporter) error {
	if c.ctx.Err() != nil {
		return &SendError{Err: ErrClosed}
	}
	select {
	case c.sendQueue <- t:
		return nil
	case <-c.ctx.Done():
		return &SendError{Err: ErrClosed}
	default:
		return &SendError{Err: errQueueFull}
	}
}

func (c *Conn) InvokeSync(ctx context.Context, t *Transporter, timeout time.Duration) (*Transporter, error) {
	return c.endpoint.invoker.InvokeSync(ctx, c, t, timeout)
}

func (c *Conn) InvokeAsync(t *Transporter, timeout time.Duration, fn ResponseFunc) error {
	return c.endpoint.invoker.InvokeAsync(c, t, timeout, fn)
}

func (c *Conn) InvokeOneway(t *Transporter) error {
	return c.endpoint.invoker.InvokeOneway(c, t)
}

func (c *Conn) run() error {
	defer c.cancel()

	g, ctx := errgroup.WithContext(c.ctx)
	g.Go(func() error {
		<-ctx.Done()
		// разблокирует Read и Write
		_ = c.conn.SetDeadline(time.Now())
		return nil
	})
	g.Go(func() error {
		defer c.cancel()
		return c.stopped(ctx, newReciever(c).Run(ctx))
	})
	g.Go(func() error {
		defer c.cancel()
		return c.stopped(ctx, newSender(c).Run(ctx))
	})
	g.Go(func() error {
		defer c.cancel()
		return c.watchIdle(ctx)
	})

	err := g.Wait()
	return multierr.Append(err, c.conn.Close())
}

// stopped глушит ошибки чтения и записи, вызванные нашей же остановкой.
func (c *Conn) stopped(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			return nil
		}
	}
	return err
}

func (c *Conn) handle(t *Transporter) {
	if !t.Type.Valid() {
		c.log.Debug("unknown transporter type, frame dropped", zap.Object("frame", t))
		return
	}
	c.endpoint.metrics.FrameIn(t.Type, t.Code)
	switch t.Type {
	case protocol.TypeRequest:
		c.endpoint.dispatcher.Dispatch(c, t)
	case protocol.TypeResponse:
		c.endpoint.invoker.OnResponse(c, t)
	}
}

func (c *Conn) watchIdle(ctx context.Context) error {
	cfg := c.endpoint.cfg
	interval := idleCheckInterval(cfg.ReadIdle, cfg.WriteIdle)
	if interval == 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if cfg.ReadIdle > 0 && now.Sub(time.Unix(0, c.lastRead.Load())) >= cfg.ReadIdle {
				c.endpoint.idle(c, IdleRead)
				return errReadIdle
			}
			if cfg.WriteIdle > 0 && now.Sub(time.Unix(0, c.lastWrite.Load())) >= cfg.WriteIdle {
				// до реальной записи не шлем heartbeat повторно
				c.lastWrite.Store(now.UnixNano())
				if err := c.Send(NewHeartbeat()); err != nil {
					c.log.Debug("heartbeat not sent", zap.Error(err))
				}
				c.endpoint.idle(c, IdleWrite)
			}
		}
	}
}

func idleCheckInterval(readIdle, writeIdle time.Duration) time.Duration {
	var d time.Duration
	for _, idle := range []time.Duration{readIdle, writeIdle} {
		if idle > 0 && (d == 0 || idle < d) {
			d = idle
		}
	}
	if d == 0 {
		return 0
	}
	return max(d/4, minIdleCheckInterval)
}

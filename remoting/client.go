package remoting

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ozontech/registrar/protocol"
)

// Client держит одно соединение на удаленный адрес и переиспользует его
// всеми вызовами. Упавшее соединение не переподключается само:
// следующий вызов на этот адрес откроет новое.
type Client struct {
	*Endpoint

	ctx    context.Context
	cancel context.CancelFunc
	dialer net.Dialer

	mu    sync.Mutex
	slots map[protocol.Address]*dialSlot
}

type dialSlot struct {
	mu   sync.Mutex
	conn *Conn
}

func NewClient(cfg Config, log *zap.Logger, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		Endpoint: newEndpoint(cfg, log.Named("client"), opts),
		ctx:      ctx,
		cancel:   cancel,
		dialer:   net.Dialer{Timeout: cfg.DialTimeout},
		slots:    make(map[protocol.Address]*dialSlot),
	}
}

// Dial возвращает живое соединение с addr, при необходимости открывая его.
// Одновременные вызовы на один адрес откроют одно соединение.
func (cl *Client) Dial(ctx context.Context, addr protocol.Address) (*Conn, error) {
	cl.mu.Lock()
	if cl.ctx.Err() != nil {
		cl.mu.Unlock()
		return nil, &SendError{Err: ErrClosed}
	}
	slot, ok := cl.slots[addr]
	if !ok {
		slot = new(dialSlot)
		cl.slots[addr] = slot
	}
	cl.mu.Unlock()

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.conn != nil && !slot.conn.Closed() {
		return slot.conn, nil
	}

	nc, err := cl.dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, &SendError{Err: fmt.Errorf("dial %s: %w", addr, err)}
	}
	slot.conn = cl.ServeConn(cl.ctx, nc)
	return slot.conn, nil
}

func (cl *Client) InvokeSync(
	ctx context.Context,
	addr protocol.Address,
	t *Transporter,
	timeout time.Duration,
) (*Transporter, error) {
	c, err := cl.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return c.InvokeSync(ctx, t, timeout)
}

func (cl *Client) InvokeAsync(
	ctx context.Context,
	addr protocol.Address,
	t *Transporter,
	timeout time.Duration,
	fn ResponseFunc,
) error {
	c, err := cl.Dial(ctx, addr)
	if err != nil {
		return err
	}
	return c.InvokeAsync(t, timeout, fn)
}

func (cl *Client) InvokeOneway(ctx context.Context, addr protocol.Address, t *Transporter) error {
	c, err := cl.Dial(ctx, addr)
	if err != nil {
		return err
	}
	return c.InvokeOneway(t)
}

// Close закрывает все соединения; ожидающие вызовы завершатся с ошибкой.
func (cl *Client) Close() error {
	cl.mu.Lock()
	cl.cancel()
	cl.mu.Unlock()
	cl.shutdown()
	return nil
}

package remoting

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ozontech/registrar/consts"
)

// reciever читает соединение в два буфера по очереди: пока обработчик
// разбирает один, в другой уже читаются следующие байты.
type reciever struct {
	c      *Conn
	buf1   []byte
	buf2   []byte
	framer *Framer
}

func newReciever(c *Conn) *reciever {
	return &reciever{
		c,
		make([]byte, consts.RecieveBufferSize),
		make([]byte, consts.RecieveBufferSize),
		NewFramer(c.endpoint.cfg.MaxBodySize),
	}
}

func (r *reciever) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	ch := make(chan []byte)
	g.Go(func() error {
		return r.process(ch)
	})
	g.Go(func() error {
		defer close(ch)
		for ctx.Err() == nil {
			err := r.read(ctx, ch, r.buf1)
			if err != nil {
				return err
			}
			err = r.read(ctx, ch, r.buf2)
			if err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

func (r *reciever) read(ctx context.Context, ch chan<- []byte, b []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	n, err := r.c.conn.Read(b)
	if n > 0 {
		r.c.lastRead.Store(time.Now().UnixNano())
	}
	if err != nil {
		return fmt.Errorf("reading error: %w", err)
	}
	b = b[:n]

	select {
	case ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// process выполняется в одной горутине: фреймы соединения
// обрабатываются в порядке получения.
func (r *reciever) process(ch <-chan []byte) error {
	for b := range ch {
		r.framer.Fill(b)
		for {
			t, status, err := r.framer.Next()
			if err != nil {
				// читатель может висеть в Read: останавливаем соединение целиком
				r.c.cancel()
				return err
			}
			if t == nil {
				break
			}
			r.c.handle(t)
			if status == StatusFrameDoneBufEmpty {
				break
			}
		}
	}
	return nil
}

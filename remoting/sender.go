package remoting

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ozontech/registrar/consts"
	"github.com/ozontech/registrar/frameheader"
)

// sender пишет фреймы пачками через net.Buffers (writev):
// забирает из очереди все, что успело накопиться, одним вызовом.
type sender struct {
	c *Conn

	// net.Buffers.WriteTo уменьшает слайс,
	// поэтому буферы каждый раз нарезаются заново из массива
	chunks  [consts.ChunksBufferSize][]byte
	headers [consts.ChunksBufferSize / 2][]byte
}

func newSender(c *Conn) *sender {
	return &sender{c: c}
}

func (s *sender) Run(ctx context.Context) error {
	queue := s.c.sendQueue
	bufs := s.chunks[:0]
	headers := s.headers[:0]

	push := func(t *Transporter) {
		h := s.c.endpoint.headers.Acquire()
		fillHeader(frameheader.FrameHeader(h), t)
		headers = append(headers, h)
		bufs = append(bufs, h)
		if len(t.Bytes) > 0 {
			bufs = append(bufs, t.Bytes)
		}
		s.c.endpoint.metrics.FrameOut(t.Type, t.Code)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-queue:
			push(t)
		}

	batch:
		for len(headers) < len(s.headers) {
			select {
			case t := <-queue:
				push(t)
			default:
				break batch
			}
		}

		b := net.Buffers(bufs)
		_, err := b.WriteTo(s.c.conn)
		for _, h := range headers {
			s.c.endpoint.headers.Release(h)
		}
		bufs, headers = s.chunks[:0], s.headers[:0]
		if err != nil {
			return fmt.Errorf("writing error: %w", err)
		}
		s.c.lastWrite.Store(time.Now().UnixNano())
	}
}

package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ozontech/registrar/metrics"
	"github.com/ozontech/registrar/protocol"
	"github.com/ozontech/registrar/remoting"
)

var errQueueOverflow = errors.New("notification queue overflow")

// event изменение директории, которое надо разослать подписчикам.
// code SubscribeResult для добавления, SubscribeResultCancel для удаления.
type event struct {
	code        protocol.Code
	meta        protocol.RegisterMeta
	subscribers []*remoting.Conn
}

// Notifier рассылает изменения директории подписчикам в одной горутине,
// поэтому порядок событий для подписчика сохраняется. Доставка без
// повторов: ошибка отправки только логируется.
type Notifier struct {
	log     *zap.Logger
	codec   protocol.Codec
	metrics *metrics.Metrics
	timeout time.Duration
	limit   int

	mu      sync.Mutex
	pending []event
	wake    chan struct{}
}

func NewNotifier(log *zap.Logger, codec protocol.Codec, queueSize int, timeout time.Duration, m *metrics.Metrics) *Notifier {
	return &Notifier{
		log:     log.Named("notifier"),
		codec:   codec,
		metrics: m,
		timeout: timeout,
		limit:   queueSize,
		wake:    make(chan struct{}, 1),
	}
}

// enqueue никогда не блокируется. Если в очереди уже limit событий,
// новое отбрасывается.
func (n *Notifier) enqueue(events ...event) {
	n.mu.Lock()
	for _, ev := range events {
		if len(ev.subscribers) == 0 {
			continue
		}
		if len(n.pending) >= n.limit {
			n.metrics.Notification(ev.code, errQueueOverflow)
			n.log.Warn("notification queue overflow, event dropped",
				zap.Stringer("code", ev.code), zap.Stringer("meta", ev.meta))
			continue
		}
		n.pending = append(n.pending, ev)
	}
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Run рассылает события до отмены ctx.
func (n *Notifier) Run(ctx context.Context) error {
	var batch []event
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-n.wake:
		}

		n.mu.Lock()
		batch, n.pending = n.pending, batch[:0]
		n.mu.Unlock()

		for i := range batch {
			n.send(batch[i])
			batch[i] = event{}
		}
	}
}

func (n *Notifier) send(ev event) {
	body := &protocol.SubscribeResultBody{
		ServiceName:  ev.meta.ServiceName,
		RegisterMeta: []protocol.RegisterMeta{ev.meta},
	}
	b, err := n.codec.Marshal(body)
	if err != nil {
		n.log.Error("can't marshal notification", zap.Stringer("meta", ev.meta), zap.Error(err))
		return
	}

	for _, c := range ev.subscribers {
		c := c
		t := remoting.NewRequest(ev.code, b)
		err := c.InvokeAsync(t, n.timeout, func(resp *remoting.Transporter, err error) {
			n.metrics.Notification(ev.code, err)
			if err != nil {
				c.Log().Info("notification failed",
					zap.Stringer("code", ev.code), zap.Stringer("meta", ev.meta), zap.Error(err))
			}
		})
		if err != nil {
			n.metrics.Notification(ev.code, err)
			c.Log().Info("notification not sent",
				zap.Stringer("code", ev.code), zap.Stringer("meta", ev.meta), zap.Error(err))
		}
	}
}

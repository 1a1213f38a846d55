package registry

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ozontech/registrar/protocol"
	"github.com/ozontech/registrar/remoting"
)

const (
	ackPublished       = "publish success"
	ackPublishFailed   = "publish failed"
	ackCanceled        = "publish cancel success"
	ackCancelFailed    = "publish cancel failed: registration not found"
	ackUnsubscribed    = "unsubscribe success"
	ackNotSubscribed   = "unsubscribe failed: not subscribed"
	ackOperationDone   = "operation success"
	ackOperationFailed = "operation failed"
)

// processor обрабатывает команды реестра поверх Directory.
// Бизнес-ошибки уходят в AckBody с Success=false, ошибка обработчика
// означает только битый запрос.
type processor struct {
	dir   *Directory
	codec protocol.Codec
	log   *zap.Logger
}

func (p *processor) register(e *remoting.Endpoint, workers *remoting.Pool) {
	for code, fn := range map[protocol.Code]remoting.ProcessorFunc{
		protocol.PublishService:         p.publish,
		protocol.PublishCancelService:   p.publishCancel,
		protocol.SubscribeService:       p.subscribe,
		protocol.SubscribeServiceCancel: p.unsubscribe,
		protocol.ReviewService:          p.review,
		protocol.DegradeService:         p.degrade,
		protocol.MetricsService:         p.metrics,
	} {
		e.Register(code, fn, workers)
	}
}

func (p *processor) ack(req *remoting.Transporter, ok bool, desc string) (*remoting.Transporter, error) {
	return remoting.NewResponseBody(req, p.codec, protocol.Ack, &protocol.AckBody{
		Opaque:  req.Opaque,
		Success: ok,
		Desc:    desc,
	})
}

func (p *processor) publish(_ context.Context, c *remoting.Conn, req *remoting.Transporter) (*remoting.Transporter, error) {
	body := new(protocol.PublishServiceBody)
	if err := req.DecodeBody(p.codec, body); err != nil {
		return nil, err
	}
	if !p.dir.Register(c, body.ToMeta()) {
		return p.ack(req, false, ackPublishFailed)
	}
	return p.ack(req, true, ackPublished)
}

func (p *processor) publishCancel(_ context.Context, c *remoting.Conn, req *remoting.Transporter) (*remoting.Transporter, error) {
	body := new(protocol.PublishServiceBody)
	if err := req.DecodeBody(p.codec, body); err != nil {
		return nil, err
	}
	meta := body.ToMeta()
	if !p.dir.Cancel(c, meta.Key()) {
		return p.ack(req, false, ackCancelFailed)
	}
	return p.ack(req, true, ackCanceled)
}

func (p *processor) subscribe(_ context.Context, c *remoting.Conn, req *remoting.Transporter) (*remoting.Transporter, error) {
	body := new(protocol.SubscribeRequestBody)
	if err := req.DecodeBody(p.codec, body); err != nil {
		return nil, err
	}
	metas, ok := p.dir.Subscribe(c, body.ServiceName)
	if !ok {
		// соединение закрыто, отвечать некому
		return nil, nil
	}
	c.Log().Debug("subscribed", zap.String("service", body.ServiceName), zap.Int("providers", len(metas)))
	return remoting.NewResponseBody(req, p.codec, protocol.SubscribeResult, &protocol.SubscribeResultBody{
		ServiceName:  body.ServiceName,
		RegisterMeta: metas,
	})
}

func (p *processor) unsubscribe(_ context.Context, c *remoting.Conn, req *remoting.Transporter) (*remoting.Transporter, error) {
	body := new(protocol.SubscribeRequestBody)
	if err := req.DecodeBody(p.codec, body); err != nil {
		return nil, err
	}
	if !p.dir.Unsubscribe(c, body.ServiceName) {
		return p.ack(req, false, ackNotSubscribed)
	}
	return p.ack(req, true, ackUnsubscribed)
}

func (p *processor) review(_ context.Context, _ *remoting.Conn, req *remoting.Transporter) (*remoting.Transporter, error) {
	body := new(protocol.ReviewServiceBody)
	if err := req.DecodeBody(p.codec, body); err != nil {
		return nil, err
	}
	key := protocol.MetaKey{ServiceName: body.ServiceName, Address: body.Address}
	if !p.dir.Review(key, body.ReviewState) {
		return p.ack(req, false, ackOperationFailed+": "+ErrNotFound.Error())
	}
	return p.ack(req, true, ackOperationDone)
}

func (p *processor) degrade(ctx context.Context, _ *remoting.Conn, req *remoting.Transporter) (*remoting.Transporter, error) {
	body := new(protocol.DegradeServiceBody)
	if err := req.DecodeBody(p.codec, body); err != nil {
		return nil, err
	}
	ack, err := p.dir.Degrade(ctx, body)
	if err != nil {
		var timeout *remoting.TimeoutError
		if errors.As(err, &timeout) {
			p.log.Warn("provider did not answer degrade", zap.Error(err))
		}
		return p.ack(req, false, ackOperationFailed+": "+err.Error())
	}
	return p.ack(req, ack.Success, ack.Desc)
}

func (p *processor) metrics(_ context.Context, _ *remoting.Conn, req *remoting.Transporter) (*remoting.Transporter, error) {
	body := new(protocol.MetricsRequestBody)
	if err := req.DecodeBody(p.codec, body); err != nil {
		return nil, err
	}
	return remoting.NewResponseBody(req, p.codec, protocol.MetricsService, &protocol.RegistryMetricsBody{
		ServiceMetrics: p.dir.Metrics(body.ServiceName),
	})
}

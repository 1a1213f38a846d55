package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ozontech/registrar/protocol"
	"github.com/ozontech/registrar/remoting"
)

const (
	resultOK       = "ok"
	resultError    = "error"
	resultLimited  = "limited"
	resultDegraded = "degraded"
	resultUnknown  = "unknown"
)

func (p *Provider) lookup(name string) (*service, HandlerFunc, HandlerFunc) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.services[name]
	if !ok {
		return nil, nil, nil
	}
	return s, s.handler, s.fallback
}

// serve обрабатывает REQUEST_REMOTING. Любая ошибка вызова уходит
// вызывающему в теле ответа, соединение при этом не страдает.
func (p *Provider) serve(ctx context.Context, _ *remoting.Conn, req *remoting.Transporter) (*remoting.Transporter, error) {
	body := new(protocol.RPCRequestBody)
	if err := req.DecodeBody(p.cfg.Codec, body); err != nil {
		return nil, err
	}

	result, res := p.call(ctx, body)
	p.metrics.ProviderCall(body.ServiceName, result)
	return remoting.NewResponseBody(req, p.cfg.Codec, protocol.ResponseRemoting, res)
}

func (p *Provider) call(ctx context.Context, body *protocol.RPCRequestBody) (string, *protocol.RPCResponseBody) {
	s, handler, fallback := p.lookup(body.ServiceName)
	if s == nil || handler == nil {
		return resultUnknown, &protocol.RPCResponseBody{Error: fmt.Sprintf("service %q not found", body.ServiceName)}
	}

	calls := p.flows.Get(body.ServiceName).Increment()
	if limit, ok := p.limits[body.ServiceName]; ok && calls > limit {
		return resultLimited, &protocol.RPCResponseBody{
			Error: fmt.Sprintf("service %q flow limit %d per minute exceeded", body.ServiceName, limit),
		}
	}

	result := resultOK
	if s.degraded.Load() && fallback != nil {
		handler, result = fallback, resultDegraded
	}
	out, err := handler(ctx, body.Args)
	if err != nil {
		return resultError, &protocol.RPCResponseBody{Error: err.Error()}
	}
	return result, &protocol.RPCResponseBody{Result: out}
}

// degrade переключает деградацию по команде реестра.
func (p *Provider) degrade(_ context.Context, _ *remoting.Conn, req *remoting.Transporter) (*remoting.Transporter, error) {
	body := new(protocol.DegradeServiceBody)
	if err := req.DecodeBody(p.cfg.Codec, body); err != nil {
		return nil, err
	}

	ack := &protocol.AckBody{Opaque: req.Opaque}
	p.mu.RLock()
	s, ok := p.services[body.ServiceName]
	supported := ok && s.desc.SupportDegrade
	p.mu.RUnlock()

	switch {
	case !ok:
		ack.Desc = "unknown service"
	case !supported:
		ack.Desc = "degrade is not supported"
	default:
		s.degraded.Store(body.Degrade)
		ack.Success = true
		ack.Desc = "degrade switched"
		p.log.Info("service degrade switched", zap.String("service", body.ServiceName), zap.Bool("degrade", body.Degrade))
	}
	return remoting.NewResponseBody(req, p.cfg.Codec, protocol.Ack, ack)
}

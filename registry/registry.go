// Package registry реестр сервисов: принимает публикации провайдеров,
// раздает их подписчикам после ревью и следит за закрытием соединений.
package registry

import (
	"context"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/registrar/metrics"
	"github.com/ozontech/registrar/remoting"
)

type Registry struct {
	cfg      Config
	log      *zap.Logger
	server   *remoting.Server
	dir      *Directory
	notifier *Notifier
	workers  *remoting.Pool
}

func New(cfg Config, log *zap.Logger, m *metrics.Metrics) *Registry {
	cfg = cfg.withDefaults()
	log = log.Named("registry")

	server := remoting.NewServer(cfg.Remoting, log, remoting.WithMetrics(m))
	notifier := NewNotifier(log, cfg.Codec, cfg.NotifyQueueSize, cfg.NotifyTimeout, m)
	dir := NewDirectory(cfg, log, server.Attributes(), server, notifier, m)
	workers := remoting.NewPool(cfg.Workers)

	p := &processor{dir: dir, codec: cfg.Codec, log: log}
	p.register(server.Endpoint, workers)
	server.OnInactive(dir.ConnectionInactive)

	return &Registry{
		cfg:      cfg,
		log:      log,
		server:   server,
		dir:      dir,
		notifier: notifier,
		workers:  workers,
	}
}

func (r *Registry) Directory() *Directory    { return r.dir }
func (r *Registry) Server() *remoting.Server { return r.server }

func (r *Registry) Listen(addr string) (net.Addr, error) {
	return r.server.Listen(addr)
}

// Serve обслуживает соединения и рассылает уведомления до отмены ctx.
func (r *Registry) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.notifier.Run(ctx) })
	g.Go(func() error { return r.server.Serve(ctx) })
	err := g.Wait()
	r.workers.Wait()
	return err
}

// ServeConn обслуживает одно уже принятое соединение, в основном для тестов.
func (r *Registry) ServeConn(ctx context.Context, nc net.Conn) *remoting.Conn {
	return r.server.ServeConn(ctx, nc)
}

// RunNotifier рассылка без accept-цикла, в паре с ServeConn.
func (r *Registry) RunNotifier(ctx context.Context) error {
	return r.notifier.Run(ctx)
}

func (r *Registry) Close() error {
	err := r.server.Close()
	r.workers.Wait()
	return err
}

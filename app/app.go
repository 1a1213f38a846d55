// Package app собирает реестр в fx-приложение: метрики, сервер реестра
// и http-эндпоинт prometheus с общим жизненным циклом.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/ozontech/registrar/metrics"
	"github.com/ozontech/registrar/registry"
)

type Config struct {
	Listen      string
	MetricsAddr string // пусто - эндпоинт метрик не поднимается
	Registry    registry.Config
}

// Registry модуль реестра. Ожидает в графе Config и *zap.Logger.
var Registry = fx.Module("registry",
	fx.Provide(
		prometheus.NewRegistry,
		newMetrics,
		newRegistry,
		newMetricsEndpoint,
	),
	fx.Invoke(
		serveRegistry,
		func(*MetricsEndpoint) {},
	),
)

// New приложение реестра с логами fx через zap.
func New(cfg Config, log *zap.Logger, opts ...fx.Option) *fx.App {
	return fx.New(append([]fx.Option{
		fx.Supply(cfg, log),
		WithLogger(log),
		Registry,
	}, opts...)...)
}

func WithLogger(log *zap.Logger) fx.Option {
	return fx.WithLogger(func() fxevent.Logger {
		return &fxevent.ZapLogger{Logger: log.Named("fx")}
	})
}

func newMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func newRegistry(cfg Config, log *zap.Logger, m *metrics.Metrics) *registry.Registry {
	return registry.New(cfg.Registry, log, m)
}

// serveRegistry слушает адрес на старте и держит Serve до остановки.
// Если Serve завершился сам, приложение останавливается.
func serveRegistry(lc fx.Lifecycle, sd fx.Shutdowner, cfg Config, r *registry.Registry, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			addr, err := r.Listen(cfg.Listen)
			if err != nil {
				return err
			}
			log.Info("registry listening", zap.Stringer("addr", addr))
			go func() {
				err := r.Serve(ctx)
				done <- err
				if ctx.Err() == nil {
					log.Error("registry stopped", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case err := <-done:
				return err
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

// MetricsEndpoint http-сервер с метриками prometheus.
type MetricsEndpoint struct {
	srv  *http.Server
	addr net.Addr
}

// Addr адрес, на котором отдаются метрики, nil если эндпоинт выключен
// или еще не запущен.
func (e *MetricsEndpoint) Addr() net.Addr { return e.addr }

func newMetricsEndpoint(lc fx.Lifecycle, cfg Config, reg *prometheus.Registry, log *zap.Logger) *MetricsEndpoint {
	e := &MetricsEndpoint{}
	if cfg.MetricsAddr == "" {
		return e
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	e.srv = &http.Server{Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				return err
			}
			e.addr = ln.Addr()
			log.Info("metrics listening", zap.Stringer("addr", e.addr))
			go func() {
				if err := e.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return e.srv.Shutdown(ctx)
		},
	})
	return e
}

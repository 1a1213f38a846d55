package main

import (
	"context"
	"time"

	"github.com/ozontech/registrar/app"
	"github.com/ozontech/registrar/registry"
)

type ServeCommand struct {
	Listen         string        `default:"${registry}" help:"Listen address."`
	MetricsAddr    string        `placeholder:":9100" help:"Prometheus endpoint address, disabled when empty."`
	AutoReview     bool          `help:"Pass review for new registrations right away."`
	NotifyTimeout  time.Duration `default:"3s" help:"Timeout of a push to a subscriber."`
	DegradeTimeout time.Duration `default:"3s" help:"Timeout of a degrade command to a provider."`
	MaxConns       int           `help:"Limit of simultaneous connections, 0 is unlimited."`
}

func (c *ServeCommand) Run(ctx context.Context, g *Globals) error {
	log := g.logger()
	defer log.Sync() //nolint:errcheck

	codec, err := g.codec()
	if err != nil {
		return err
	}
	cfg := registry.DefaultConfig()
	cfg.Codec = codec
	cfg.AutoReview = c.AutoReview
	cfg.NotifyTimeout = c.NotifyTimeout
	cfg.DegradeTimeout = c.DegradeTimeout
	cfg.Remoting.MaxConns = c.MaxConns

	fxApp := app.New(app.Config{
		Listen:      c.Listen,
		MetricsAddr: c.MetricsAddr,
		Registry:    cfg,
	}, log)
	if err := fxApp.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-fxApp.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), fxApp.StopTimeout())
	defer cancel()
	return fxApp.Stop(stopCtx)
}

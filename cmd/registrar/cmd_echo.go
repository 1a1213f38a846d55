package main

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ozontech/registrar/protocol"
	"github.com/ozontech/registrar/provider"
)

type EchoCommand struct {
	Listen    string `default:"127.0.0.1:0" help:"RPC listen address."`
	Advertise string `placeholder:"host:port" help:"Address published in the registry, listen address by default."`
	Service   string `default:"echo" help:"Service name."`
	Group     string `help:"Service group."`
	Version   string `help:"Service version."`
	Weight    int    `default:"50" help:"Load balancing weight."`
	VIP       bool   `name:"vip" help:"Also serve on the VIP port (listen port - 2)."`
	Degrade   bool   `help:"Support degrade: answer in upper case while degraded."`
	FlowLimit int64  `help:"Calls per minute, 0 is unlimited."`
}

func (c *EchoCommand) Run(ctx context.Context, g *Globals) error {
	log := g.logger()
	defer log.Sync() //nolint:errcheck

	cfg := provider.DefaultConfig()
	var err error
	if cfg.Registry, err = g.registry(); err != nil {
		return err
	}
	if cfg.Codec, err = g.codec(); err != nil {
		return err
	}
	cfg.ListenAddr = c.Listen
	if c.Advertise != "" {
		if cfg.Advertise, err = protocol.ParseAddress(c.Advertise); err != nil {
			return err
		}
	}

	desc := provider.Descriptor{
		Service:        c.Service,
		Group:          c.Group,
		Version:        c.Version,
		Weight:         c.Weight,
		VIP:            c.VIP,
		SupportDegrade: c.Degrade,
	}
	var opts []provider.Option
	if c.FlowLimit > 0 {
		opts = append(opts, provider.WithFlowLimit(desc.Name(), c.FlowLimit))
	}

	p := provider.New(cfg, log, opts...)
	p.Handle(desc.Name(), func(_ context.Context, args []byte) ([]byte, error) {
		return args, nil
	})
	p.HandleDegrade(desc.Name(), func(_ context.Context, args []byte) ([]byte, error) {
		return []byte(strings.ToUpper(string(args))), nil
	})
	if err := p.Publish(ctx, desc); err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	log.Info("echo provider running", zap.String("service", desc.Name()), zap.Stringer("id", p.ID()))

	<-ctx.Done()
	if err := p.Unpublish(context.Background(), desc.Name()); err != nil {
		log.Warn("unpublish failed", zap.Error(err))
	}
	return p.Close()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/ozontech/registrar/protocol"
	"github.com/ozontech/registrar/remoting"
)

// adminClient разовые команды реестру поверх одного соединения.
type adminClient struct {
	addr    protocol.Address
	codec   protocol.Codec
	timeout time.Duration
	client  *remoting.Client
}

func newAdminClient(g *Globals, timeout time.Duration, log *zap.Logger) (*adminClient, error) {
	addr, err := g.registry()
	if err != nil {
		return nil, err
	}
	codec, err := g.codec()
	if err != nil {
		return nil, err
	}
	return &adminClient{
		addr:    addr,
		codec:   codec,
		timeout: timeout,
		client:  remoting.NewClient(remoting.DefaultConfig(), log),
	}, nil
}

func (a *adminClient) invoke(ctx context.Context, code protocol.Code, body, out protocol.Body) error {
	req, err := remoting.NewRequestBody(a.codec, code, body)
	if err != nil {
		return err
	}
	resp, err := a.client.InvokeSync(ctx, a.addr, req, a.timeout)
	if err != nil {
		return err
	}
	return resp.DecodeBody(a.codec, out)
}

func (a *adminClient) ack(ctx context.Context, code protocol.Code, body protocol.Body) error {
	ack := new(protocol.AckBody)
	if err := a.invoke(ctx, code, body, ack); err != nil {
		return err
	}
	if !ack.Success {
		return fmt.Errorf("%s rejected: %s", code, ack.Desc)
	}
	fmt.Println(ack.Desc)
	return nil
}

func (a *adminClient) Close() error { return a.client.Close() }

type ReviewCommand struct {
	Service string        `arg:"" help:"Service name."`
	Address string        `arg:"" placeholder:"host:port" help:"Provider address."`
	State   string        `arg:"" enum:"pass,reject,forbidden,unreviewed" help:"Review state: ${enum}."`
	Timeout time.Duration `default:"3s" help:"Call timeout."`
}

func (c *ReviewCommand) Run(ctx context.Context, g *Globals) error {
	addr, err := protocol.ParseAddress(c.Address)
	if err != nil {
		return err
	}
	state, err := protocol.ParseReviewState(c.State)
	if err != nil {
		return err
	}

	client, err := newAdminClient(g, c.Timeout, g.logger())
	if err != nil {
		return err
	}
	defer client.Close()
	return client.ack(ctx, protocol.ReviewService, &protocol.ReviewServiceBody{
		ServiceName: c.Service,
		Address:     addr,
		ReviewState: state,
	})
}

type DegradeCommand struct {
	Service string        `arg:"" help:"Service name."`
	Address string        `arg:"" placeholder:"host:port" help:"Provider address."`
	Off     bool          `help:"Turn degrade off."`
	Timeout time.Duration `default:"5s" help:"Call timeout."`
}

func (c *DegradeCommand) Run(ctx context.Context, g *Globals) error {
	addr, err := protocol.ParseAddress(c.Address)
	if err != nil {
		return err
	}
	client, err := newAdminClient(g, c.Timeout, g.logger())
	if err != nil {
		return err
	}
	defer client.Close()
	return client.ack(ctx, protocol.DegradeService, &protocol.DegradeServiceBody{
		ServiceName: c.Service,
		Address:     addr,
		Degrade:     !c.Off,
	})
}

type MetricsCommand struct {
	Service string        `arg:"" optional:"" help:"Service name, all services when omitted."`
	Timeout time.Duration `default:"3s" help:"Call timeout."`
}

func (c *MetricsCommand) Run(ctx context.Context, g *Globals) error {
	client, err := newAdminClient(g, c.Timeout, g.logger())
	if err != nil {
		return err
	}
	defer client.Close()

	out := new(protocol.RegistryMetricsBody)
	if err := client.invoke(ctx, protocol.MetricsService, &protocol.MetricsRequestBody{ServiceName: c.Service}, out); err != nil {
		return err
	}
	if len(out.ServiceMetrics) == 0 {
		return errors.New("no services")
	}
	return printMetrics(os.Stdout, out.ServiceMetrics)
}

func printMetrics(w io.Writer, services []protocol.ServiceMetrics) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	var providers, consumers int64
	for _, s := range services {
		fmt.Fprintf(tw, "%s\n", s.ServiceName)
		fmt.Fprintf(tw, "  PROVIDER\tWEIGHT\tREVIEW\tVIP\tDEGRADE\n")
		for _, p := range s.ProviderInfos {
			degrade := "-"
			switch {
			case p.IsDegradeService:
				degrade = "on"
			case p.IsSupportDegrade:
				degrade = "off"
			}
			fmt.Fprintf(tw, "  %s\t%d\t%s\t%t\t%s\n",
				protocol.Address{Host: p.Host, Port: p.Port}, p.Weight, p.ReviewState, p.IsVIPService, degrade)
		}
		for _, c := range s.ConsumerInfos {
			fmt.Fprintf(tw, "  consumer %s\n", protocol.Address{Host: c.Host, Port: c.Port})
		}
		providers += int64(len(s.ProviderInfos))
		consumers += int64(len(s.ConsumerInfos))
	}
	fmt.Fprintf(tw, "services=%s providers=%s consumers=%s\n",
		humanize.Comma(int64(len(services))), humanize.Comma(providers), humanize.Comma(consumers))
	return tw.Flush()
}

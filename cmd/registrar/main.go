package main

import (
	"context"
	"math"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alecthomas/kong"
	mangokong "github.com/alecthomas/mango-kong"
	"go.uber.org/zap"

	"github.com/ozontech/registrar/consts"
	"github.com/ozontech/registrar/protocol"
)

type Globals struct {
	Registry string            `default:"${registry}" env:"REGISTRAR_ADDR" help:"Registry address."`
	Codec    string            `default:"json" enum:"json,binary" help:"Body codec: ${enum}."`
	Verbose  bool              `short:"v" help:"Verbose output."`
	Config   kong.ConfigFlag   `help:"JSON file with flag values."`
	Man      mangokong.ManFlag `help:"Write man page." hidden:""`
}

func (g *Globals) logger() *zap.Logger {
	if g.Verbose {
		return zap.Must(zap.NewDevelopment())
	}
	return zap.Must(zap.NewProduction())
}

func (g *Globals) registry() (protocol.Address, error) {
	return protocol.ParseAddress(g.Registry)
}

func (g *Globals) codec() (protocol.Codec, error) {
	return protocol.CodecByName(g.Codec)
}

var CLI struct {
	Globals

	Serve   ServeCommand   `cmd:"" help:"Run the registry."`
	Review  ReviewCommand  `cmd:"" help:"Set review state of a registration."`
	Degrade DegradeCommand `cmd:"" help:"Switch service degrade on a provider."`
	Metrics MetricsCommand `cmd:"" help:"Print registrations and subscribers."`
	Echo    EchoCommand    `cmd:"" help:"Run a demo echo provider."`
	Bench   BenchCommand   `cmd:"" help:"Load a service through the registry."`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(
		&CLI,
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Bind(&CLI.Globals),
		kong.Bind(DurationLimit{Duration: math.MaxInt64}),
		kong.Configuration(kong.JSON, "/etc/registrar.json", "~/.registrar.json"),
		kong.Vars{
			"registry": net.JoinHostPort("127.0.0.1", strconv.Itoa(consts.DefaultRegistryPort)),
		},
		kong.Groups(map[string]string{
			"rps": `Rate flags:`,
		}),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description(`service registry with push notifications

The registrar keeps providers' registrations, pushes changes to subscribed consumers and drops registrations of closed connections.
		`),
	)
	err := kongCtx.Run()
	kongCtx.FatalIfErrorf(err)
}

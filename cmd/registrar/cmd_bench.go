package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/alecthomas/kong"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/registrar/consumer"
	"github.com/ozontech/registrar/loader"
	"github.com/ozontech/registrar/loader/types"
	"github.com/ozontech/registrar/report/multi"
	phoutReporter "github.com/ozontech/registrar/report/phout"
	supersimpleReporter "github.com/ozontech/registrar/report/supersimple"
	"github.com/ozontech/registrar/scheduler"
)

type RPSConst struct {
	Freq     uint64        `arg:"" required:"" help:"Value req/s."`
	Duration time.Duration `help:"Limit duration (10s, 2h...)."`
}

func (r RPSConst) AfterApply(kongCtx *kong.Context) error {
	sched, err := scheduler.NewConstant(r.Freq)
	if err != nil {
		return err
	}
	kongCtx.BindTo(sched, (*scheduler.Scheduler)(nil))
	if r.Duration != 0 {
		kongCtx.Bind(DurationLimit{r.Duration})
	}
	return nil
}

type RPSLine struct {
	From     float64       `arg:"" required:"" help:"Starting req/s."`
	To       float64       `arg:"" required:"" help:"Ending req/s."`
	Duration time.Duration `arg:"" required:"" help:"Duration (10s, 2h...)."`
}

func (r RPSLine) AfterApply(kongCtx *kong.Context) error {
	sched, err := scheduler.NewLine(r.From, r.To, r.Duration)
	if err != nil {
		return err
	}
	kongCtx.BindTo(sched, (*scheduler.Scheduler)(nil))
	kongCtx.Bind(DurationLimit{r.Duration})
	return nil
}

type RPSUnlimited struct {
	Duration time.Duration `help:"Limit duration (10s, 2h...)."`
	Count    uint64        `help:"Limit requests count"`
}

func (r RPSUnlimited) AfterApply(kongCtx *kong.Context) error {
	var sched scheduler.Scheduler = scheduler.Unlimited{}
	if r.Count != 0 {
		sched = scheduler.NewCountLimiter(sched, int64(r.Count))
	}
	if r.Duration != 0 {
		kongCtx.Bind(DurationLimit{r.Duration})
	}
	kongCtx.BindTo(sched, (*scheduler.Scheduler)(nil))
	return nil
}

type RPS struct {
	Const     RPSConst     `cmd:"" group:"rps" help:"Const rps."`
	Line      RPSLine      `cmd:"" group:"rps" help:"Linear rps."`
	Unlimited RPSUnlimited `cmd:"" group:"rps" help:"Unlimited rps (default one)." default:""`
}

type DurationLimit struct {
	Duration time.Duration
}

type BenchCommand struct {
	Service     string        `required:"" help:"Service to call."`
	Payload     string        `default:"ping" help:"Call argument."`
	Timeout     time.Duration `default:"3s" help:"Call timeout."`
	MaxInFlight int64         `default:"128" help:"Simultaneous calls."`
	Phout       string        `help:"Phout report file." type:"path"`

	RPS
}

func (c *BenchCommand) Run(
	ctx context.Context,
	g *Globals,
	sched scheduler.Scheduler,
	d DurationLimit,
) error {
	log := g.logger()
	defer log.Sync() //nolint:errcheck

	cfg := consumer.DefaultConfig()
	var err error
	if cfg.Registry, err = g.registry(); err != nil {
		return err
	}
	if cfg.Codec, err = g.codec(); err != nil {
		return err
	}
	cfg.CallTimeout = c.Timeout
	cons := consumer.New(cfg, log)
	defer cons.Close()

	providers, err := cons.Subscribe(ctx, c.Service)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.Service, err)
	}
	log.Info("subscribed", zap.String("service", c.Service), zap.Int("providers", len(providers)))

	clk := clock.New()
	var reporter types.Reporter = supersimpleReporter.New(os.Stdout, clk, c.Timeout)
	if c.Phout != "" {
		f, err := os.Create(c.Phout)
		if err != nil {
			return fmt.Errorf("creating phout file(%s): %w", c.Phout, err)
		}
		defer f.Close()
		reporter = multi.New(phoutReporter.New(f, clk, c.Timeout), reporter)
	}

	bctx, stop := context.WithCancel(ctx)
	defer stop()
	eg, bctx := errgroup.WithContext(bctx)
	eg.Go(reporter.Run)
	eg.Go(func() error { return cons.Run(bctx) })

	lcfg := loader.Config{
		Service:     c.Service,
		Timeout:     c.Timeout,
		MaxInFlight: c.MaxInFlight,
		Duration:    d.Duration,
	}
	_, runErr := loader.New(lcfg, cons, reporter, clk, log).Run(bctx, sched, []byte(c.Payload))
	stop()

	if err := reporter.Close(); err != nil {
		return fmt.Errorf("close reporter: %w", err)
	}
	defer memStats(log)
	if err := eg.Wait(); err != nil {
		return err
	}
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}

func memStats(log *zap.Logger) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	log.Info(
		"memory stats",
		zap.Uint64("Alloc (MiB)", bToMb(m.Alloc)),
		zap.Uint64("TotalAlloc (MiB)", bToMb(m.TotalAlloc)),
		zap.Uint64("Sys (MiB)", bToMb(m.Sys)),
		zap.Uint64("HeapInuse (MiB)", bToMb(m.HeapInuse)),
		zap.Uint32("NumGC (count)", m.NumGC),
	)
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}

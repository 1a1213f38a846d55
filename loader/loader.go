// Package loader подает нагрузку на сервис через потребителя: вызовы
// по расписанию, не больше MaxInFlight одновременно, результаты в отчет.
package loader

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ozontech/registrar/consts"
	"github.com/ozontech/registrar/loader/types"
	"github.com/ozontech/registrar/scheduler"
)

type Config struct {
	Service     string
	Timeout     time.Duration
	MaxInFlight int64
	// Duration предел длительности теста, 0 - пока не кончится расписание.
	Duration time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:     consts.DefaultTimeout,
		MaxInFlight: 128,
	}
}

type Loader struct {
	cfg      Config
	caller   types.Caller
	reporter types.LoaderReporter
	clock    clock.Clock
	log      *zap.Logger
	sem      *semaphore.Weighted
}

func New(cfg Config, caller types.Caller, reporter types.LoaderReporter, clk clock.Clock, log *zap.Logger) *Loader {
	d := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = d.MaxInFlight
	}
	return &Loader{
		cfg:      cfg,
		caller:   caller,
		reporter: reporter,
		clock:    clk,
		log:      log.Named("loader").With(zap.String("service", cfg.Service)),
		sem:      semaphore.NewWeighted(cfg.MaxInFlight),
	}
}

// Run отправляет вызовы с аргументом args, пока расписание не кончится,
// не выйдет Duration или не отменят ctx, и дожидается всех ответов.
// Возвращает число отправленных вызовов.
func (l *Loader) Run(ctx context.Context, s scheduler.Scheduler, args []byte) (int64, error) {
	begin := l.clock.Now()
	var n int64
loop:
	for ; ; n++ {
		at, ok := s.Next(n)
		if !ok || (l.cfg.Duration > 0 && at > l.cfg.Duration) {
			break
		}
		if wait := at - l.clock.Since(begin); wait > 0 {
			t := l.clock.Timer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				break loop
			}
		}
		if err := l.sem.Acquire(ctx, 1); err != nil {
			break
		}
		go l.call(ctx, args)
	}

	// все слоты свободны - значит все вызовы завершились
	if err := l.sem.Acquire(context.Background(), l.cfg.MaxInFlight); err != nil {
		return n, err
	}
	l.sem.Release(l.cfg.MaxInFlight)
	l.log.Info("load finished", zap.Int64("calls", n), zap.Duration("took", l.clock.Since(begin)))
	return n, ctx.Err()
}

func (l *Loader) call(ctx context.Context, args []byte) {
	defer l.sem.Release(1)

	state := l.reporter.Acquire(l.cfg.Service)
	out, err := l.caller.Call(ctx, l.cfg.Service, args, l.cfg.Timeout)
	if err != nil {
		l.log.Debug("call failed", zap.Error(err))
		state.Error(err)
	}
	state.SetSize(len(args), len(out))
	state.End()
}

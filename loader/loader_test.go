package loader_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ozontech/registrar/consumer"
	"github.com/ozontech/registrar/loader"
	"github.com/ozontech/registrar/loader/types"
	"github.com/ozontech/registrar/protocol"
	"github.com/ozontech/registrar/provider"
	"github.com/ozontech/registrar/registry"
	"github.com/ozontech/registrar/report/supersimple"
	"github.com/ozontech/registrar/scheduler"
)

type fakeCaller struct {
	calls    atomic.Int64
	inFlight atomic.Int64
	maxSeen  atomic.Int64
}

var errEveryThird = errors.New("every third call fails")

func (f *fakeCaller) Call(_ context.Context, _ string, args []byte, _ time.Duration) ([]byte, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if cur <= m || f.maxSeen.CompareAndSwap(m, cur) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	if f.calls.Add(1)%3 == 0 {
		return nil, errEveryThird
	}
	return args, nil
}

type countingReporter struct {
	mu     sync.Mutex
	ends   int
	errs   int
	bytes  int
	tagged map[string]int
}

func (r *countingReporter) Acquire(tag string) types.CallState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tagged == nil {
		r.tagged = map[string]int{}
	}
	r.tagged[tag]++
	return &countingState{r: r}
}

type countingState struct {
	r    *countingReporter
	err  bool
	size int
}

func (s *countingState) SetSize(req, resp int) { s.size = req + resp }
func (s *countingState) Error(error)           { s.err = true }

func (s *countingState) End() {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.r.ends++
	s.r.bytes += s.size
	if s.err {
		s.r.errs++
	}
}

func TestRunCountLimited(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	caller := new(fakeCaller)
	rep := new(countingReporter)
	cfg := loader.DefaultConfig()
	cfg.Service = "echo"
	cfg.MaxInFlight = 4
	l := loader.New(cfg, caller, rep, clock.New(), zaptest.NewLogger(t))

	n, err := l.Run(context.Background(), scheduler.NewCountLimiter(scheduler.Unlimited{}, 99), []byte("ab"))
	a.NoError(err)
	a.Equal(int64(99), n)
	a.Equal(99, rep.ends)
	a.Equal(33, rep.errs)
	a.Equal(99, rep.tagged["echo"])
	// 66 удачных: 2 байта туда и 2 обратно, 33 неудачных: только аргументы
	a.Equal(66*4+33*2, rep.bytes)
	a.LessOrEqual(caller.maxSeen.Load(), int64(4))
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	mock := clock.NewMock()
	rep := new(countingReporter)
	l := loader.New(loader.DefaultConfig(), new(fakeCaller), rep, mock, zaptest.NewLogger(t))
	s, err := scheduler.NewConstant(1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int64, 1)
	go func() {
		n, err := l.Run(ctx, s, nil)
		a.ErrorIs(err, context.Canceled)
		done <- n
	}()

	// первый вызов уходит сразу, второй ждет секунду по часам, которые стоят
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case n := <-done:
		a.Equal(int64(1), n)
	case <-time.After(time.Second):
		t.Fatal("loader did not stop")
	}
	a.Equal(1, rep.ends)
}

func TestRunDurationLimit(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	rep := new(countingReporter)
	cfg := loader.DefaultConfig()
	cfg.Duration = 90 * time.Millisecond
	l := loader.New(cfg, new(fakeCaller), rep, clock.New(), zaptest.NewLogger(t))
	s, err := scheduler.NewConstant(100)
	require.NoError(t, err)

	// вызовы на 0, 10, ..., 90мс
	n, err := l.Run(context.Background(), s, nil)
	a.NoError(err)
	a.Equal(int64(10), n)
	a.Equal(10, rep.ends)
}

func TestLoadThroughRegistry(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	ctx := context.Background()
	log := zaptest.NewLogger(t)

	reg := registry.New(registry.Config{AutoReview: true}, log, nil)
	addr, err := reg.Listen("127.0.0.1:0")
	require.NoError(t, err)
	regCtx, cancel := context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() { served <- reg.Serve(regCtx) }()
	t.Cleanup(func() {
		cancel()
		a.NoError(<-served)
	})
	regAddr := protocol.AddressFromNet(addr)

	pcfg := provider.DefaultConfig()
	pcfg.Registry = regAddr
	p := provider.New(pcfg, log)
	p.Handle("echo", func(_ context.Context, args []byte) ([]byte, error) { return args, nil })
	require.NoError(t, p.Publish(ctx, provider.Descriptor{Service: "echo"}))
	require.NoError(t, p.Start(ctx))
	t.Cleanup(func() { _ = p.Close() })

	ccfg := consumer.DefaultConfig()
	ccfg.Registry = regAddr
	c := consumer.New(ccfg, log)
	t.Cleanup(func() { _ = c.Close() })
	_, err = c.Subscribe(ctx, "echo")
	require.NoError(t, err)

	out := new(bytes.Buffer)
	rep := supersimple.New(out, clock.New(), time.Second)
	reported := make(chan error, 1)
	go func() { reported <- rep.Run() }()

	cfg := loader.DefaultConfig()
	cfg.Service = "echo"
	cfg.MaxInFlight = 8
	n, err := loader.New(cfg, c, rep, clock.New(), log).Run(ctx, scheduler.NewCountLimiter(scheduler.Unlimited{}, 50), []byte("ping"))
	a.NoError(err)
	a.Equal(int64(50), n)

	a.NoError(rep.Close())
	a.NoError(<-reported)
	a.Contains(out.String(), "total=50 ok=50 nook=0 req=50")
	a.Equal(int64(50), p.Flows().Get("echo").Current())
}

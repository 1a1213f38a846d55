package supersimple

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"

	"github.com/ozontech/registrar/loader/types"
	"github.com/ozontech/registrar/utils/pool"
)

// Reporter раз в секунду печатает счетчики вызовов, в конце итог.
type Reporter struct {
	w       io.Writer
	clock   clock.Clock
	pool    *pool.SlicePool[*callState]
	closeCh chan struct{}

	timeout time.Duration

	start time.Time
	ok    atomic.Uint32
	nook  atomic.Uint32
	req   atomic.Uint32
	size  atomic.Uint64

	lastOk   uint32
	lastNook uint32
	lastReq  uint32
	lastSize uint64
	lastTime time.Time
}

func New(w io.Writer, clk clock.Clock, timeout time.Duration) *Reporter {
	now := clk.Now()
	r := &Reporter{
		w:        w,
		clock:    clk,
		closeCh:  make(chan struct{}),
		start:    now,
		lastTime: now,
		timeout:  timeout,
	}
	r.pool = pool.NewSlicePool(100, func() *callState { return &callState{reporter: r} })
	return r
}

func (a *Reporter) Run() error {
	t := a.clock.Ticker(time.Second)
	defer t.Stop()
	defer a.total()
	for {
		select {
		case now := <-t.C:
			a.report(now)
		case <-a.closeCh:
			return nil
		}
	}
}

func (a *Reporter) Close() error {
	close(a.closeCh)
	return nil
}

func (a *Reporter) Acquire(string) types.CallState {
	a.req.Add(1)
	s := a.pool.Acquire()
	s.reset()
	return s
}

func (a *Reporter) accept(s *callState) {
	if s.result() {
		a.ok.Add(1)
	} else {
		a.nook.Add(1)
	}
	a.pool.Release(s)
}

func (a *Reporter) write(ok, nook, req uint32, size uint64, d time.Duration) {
	total := ok + nook
	ms := d.Milliseconds()
	if ms > 0 {
		fmt.Fprintf(a.w,
			"total=%d ok=%d nook=%d req=%d size=%s/s req/s=%.2f resp/s=%.2f\n",
			total, ok, nook, req,
			humanize.Bytes(size*1000/uint64(ms)),
			float64(req)*1000/float64(ms), float64(total)*1000/float64(ms),
		)
	} else {
		fmt.Fprintf(a.w, "total=%d ok=%d nook=%d req=%d\n", total, ok, nook, req)
	}
}

func (a *Reporter) total() {
	fmt.Fprintln(a.w, "total")
	a.write(a.ok.Load(), a.nook.Load(), a.req.Load(), a.size.Load(), a.clock.Since(a.start))
}

func (a *Reporter) report(now time.Time) {
	ok, nook, req, size, period := a.ok.Load(), a.nook.Load(), a.req.Load(), a.size.Load(), now.Sub(a.lastTime)
	a.write(ok-a.lastOk, nook-a.lastNook, req-a.lastReq, size-a.lastSize, period)
	a.lastOk, a.lastNook, a.lastTime, a.lastReq, a.lastSize = ok, nook, now, req, size
}

type callState struct {
	reporter *Reporter
	failed   bool
	start    time.Time
}

func (s *callState) reset() {
	s.start = s.reporter.clock.Now()
	s.failed = false
}

func (s *callState) SetSize(req, resp int) {
	s.reporter.size.Add(uint64(req + resp))
}

func (s *callState) Error(error) { s.failed = true }

func (s *callState) result() (ok bool) {
	return !s.failed && s.reporter.clock.Since(s.start) <= s.reporter.timeout
}

func (s *callState) End() {
	s.reporter.accept(s)
}

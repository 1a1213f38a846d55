// Package phout пишет результат каждого вызова строкой в формате phout
// (yandex-tank): время, тег, rtt, размеры, errno и код результата.
package phout

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ozontech/registrar/consumer"
	"github.com/ozontech/registrar/loader/types"
	"github.com/ozontech/registrar/remoting"
	"github.com/ozontech/registrar/utils/pool"
)

// Коды результата в последней колонке.
const (
	CodeOK      = "ok"
	CodeTimeout = "timeout"
	CodeLost    = "lost"
	CodeSend    = "send"
	CodeRemote  = "remote"
	CodeNoProv  = "no_providers"
	CodeError   = "error"
)

type Reporter struct {
	w       *bufio.Writer
	clock   clock.Clock
	ch      chan *callState
	pool    *pool.SlicePool[*callState]
	timeout time.Duration
}

func New(w io.Writer, clk clock.Clock, timeout time.Duration) *Reporter {
	r := &Reporter{
		w:       bufio.NewWriter(w),
		clock:   clk,
		ch:      make(chan *callState, 256),
		timeout: timeout,
	}
	r.pool = pool.NewSlicePool(256, func() *callState {
		return &callState{reportLine: make([]byte, 0, 128), reporter: r}
	})
	return r
}

func (r *Reporter) Run() error {
	for s := range r.ch {
		_, err := r.w.Write(s.result())
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		r.pool.Release(s)
	}
	return r.w.Flush()
}

func (r *Reporter) Close() error {
	close(r.ch)
	return nil
}

func (r *Reporter) Acquire(tag string) types.CallState {
	s := r.pool.Acquire()
	s.reset(tag)
	return s
}

type callState struct {
	reportLine []byte
	reporter   *Reporter

	err       error
	reqSize   int
	respSize  int
	startTime time.Time
	endTime   time.Time
	tag       string
}

func (s *callState) reset(tag string) {
	s.tag = tag
	s.startTime = s.reporter.clock.Now()
	s.err = nil
	s.reqSize, s.respSize = 0, 0
}

func (s *callState) SetSize(req, resp int) {
	s.reqSize, s.respSize = req, resp
}

func (s *callState) Error(err error) {
	s.err = err
}

func (s *callState) End() {
	s.endTime = s.reporter.clock.Now()
	s.reporter.ch <- s
}

const tabChar = '\t'

func (s *callState) result() []byte {
	l := s.reportLine[:0]
	l = strconv.AppendInt(l, s.startTime.Unix(), 10)
	l = append(l, '.')
	l = strconv.AppendInt(l, int64(s.startTime.Nanosecond()/1e6), 10)
	l = append(l, tabChar)
	l = append(l, s.tag...)
	l = append(l, tabChar)

	rtt := s.endTime.Sub(s.startTime)
	l = strconv.AppendInt(l, rtt.Microseconds(), 10)
	l = append(l, tabChar)

	// connect, send, latency, receive, interval_event
	l = append(l, "0\t0\t0\t0\t0\t"...)
	l = strconv.AppendInt(l, int64(s.reqSize), 10)
	l = append(l, tabChar)
	l = strconv.AppendInt(l, int64(s.respSize), 10)
	l = append(l, tabChar)

	var errNo syscall.Errno
	switch {
	case s.err == nil:
		l = append(l, '0')
	case errors.As(s.err, &errNo):
		l = strconv.AppendInt(l, int64(errNo), 10)
	default:
		l = append(l, "999"...)
	}
	l = append(l, tabChar)
	l = append(l, s.code(rtt)...)
	l = append(l, '\n')
	s.reportLine = l
	return l
}

func (s *callState) code(rtt time.Duration) string {
	var (
		timeoutErr *remoting.TimeoutError
		lostErr    *remoting.ConnectionLostError
		sendErr    *remoting.SendError
		remoteErr  *consumer.RemoteError
	)
	switch {
	case errors.As(s.err, &timeoutErr):
		return CodeTimeout
	case errors.As(s.err, &lostErr):
		return CodeLost
	case errors.As(s.err, &sendErr):
		return CodeSend
	case errors.As(s.err, &remoteErr):
		return CodeRemote
	case errors.Is(s.err, consumer.ErrNoProviders):
		return CodeNoProv
	case s.err != nil:
		return CodeError
	case rtt > s.reporter.timeout:
		return CodeTimeout
	}
	return CodeOK
}

package multi

import (
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/registrar/loader/types"
	"github.com/ozontech/registrar/utils/pool"
)

// Multi раздает каждый вызов всем вложенным отчетам.
type Multi struct {
	nested []types.Reporter
	pool   *pool.SlicePool[multiState]
}

func New(nested ...types.Reporter) *Multi {
	return &Multi{
		nested: nested,
		pool: pool.NewSlicePool(128, func() multiState {
			return make(multiState, len(nested))
		}),
	}
}

func (m *Multi) Run() error {
	g := new(errgroup.Group)
	for _, r := range m.nested {
		g.Go(r.Run)
	}
	return g.Wait()
}

func (m *Multi) Close() error {
	g := new(errgroup.Group)
	for _, r := range m.nested {
		g.Go(r.Close)
	}
	return g.Wait()
}

func (m *Multi) Acquire(tag string) types.CallState {
	ms := m.pool.Acquire()
	for i, r := range m.nested {
		ms[i] = r.Acquire(tag)
	}
	return &multiCall{ms, m}
}

type multiState []types.CallState

type multiCall struct {
	states multiState
	m      *Multi
}

func (c *multiCall) SetSize(req, resp int) {
	for _, s := range c.states {
		s.SetSize(req, resp)
	}
}

func (c *multiCall) Error(err error) {
	for _, s := range c.states {
		s.Error(err)
	}
}

func (c *multiCall) End() {
	for _, s := range c.states {
		s.End()
	}
	c.m.pool.Release(c.states)
}

package pending_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ozontech/registrar/remoting/pending"
)

func newStore() *pending.Sharded[string] {
	return pending.NewSharded(8, func() pending.Store[string] {
		return pending.NewMap[string](4)
	})
}

func TestSharded(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	s := newStore()

	for i := int64(-5); i < 20; i++ {
		s.Set(i, "call")
	}
	a.Equal(25, s.Len())

	v, ok := s.Get(-5)
	a.True(ok)
	a.Equal("call", v)

	_, ok = s.GetAndDelete(-5)
	a.True(ok)
	_, ok = s.GetAndDelete(-5)
	a.False(ok)

	var n int
	s.Each(func(int64, string) { n++ })
	a.Equal(24, n)
}

func TestShardedGetAndDeleteExclusive(t *testing.T) {
	t.Parallel()
	a := assert.New(t)
	s := newStore()

	const calls = 1000
	for i := int64(0); i < calls; i++ {
		s.Set(i, "call")
	}

	// ответ, таймаут и обрыв соединения гоняются за одними и теми же opaque
	var won atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(0); i < calls; i++ {
				if _, ok := s.GetAndDelete(i); ok {
					won.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	a.Equal(int64(calls), won.Load())
	a.Zero(s.Len())
}

func TestShardedSizeAssertion(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() {
		pending.NewSharded(3, func() pending.Store[string] { return pending.NewMap[string](1) })
	})
}

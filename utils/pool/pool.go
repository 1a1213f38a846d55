package pool

import "sync"

// SlicePool стек переиспользуемых значений. В отличие от sync.Pool
// не очищается сборщиком мусора и ограничен по размеру.
type SlicePool[T any] struct {
	mu    sync.Mutex
	s     []T
	limit int
	new   func() T
}

func NewSlicePool[T any](limit int, newFn func() T) *SlicePool[T] {
	return &SlicePool[T]{s: make([]T, 0, min(limit, 64)), limit: limit, new: newFn}
}

func (p *SlicePool[T]) Acquire() T {
	p.mu.Lock()
	l := len(p.s)
	if l == 0 {
		p.mu.Unlock()
		return p.new()
	}
	v := p.s[l-1]
	p.s = p.s[:l-1]
	p.mu.Unlock()
	return v
}

// Release возвращает значение; лишнее сверх limit выбрасывается.
func (p *SlicePool[T]) Release(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.s) >= p.limit {
		return
	}
	p.s = append(p.s, v)
}

func (p *SlicePool[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.s)
}

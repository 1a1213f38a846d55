package pending

import "sync"

// Store хранилище ожидающих ответа вызовов по opaque.
// GetAndDelete атомарен: из ответа, таймаута и обрыва соединения
// вызов получит только один.
type Store[V any] interface {
	Each(fn func(opaque int64, v V))
	Set(opaque int64, v V)
	Get(opaque int64) (V, bool)
	GetAndDelete(opaque int64) (V, bool)
	Len() int
}

// MapUnlocked без синхронизации, для одного шарда под локом.
type MapUnlocked[V any] map[int64]V

func (m MapUnlocked[V]) Each(fn func(int64, V)) {
	for opaque, v := range m {
		fn(opaque, v)
	}
}

func (m MapUnlocked[V]) Set(opaque int64, v V) { m[opaque] = v }

func (m MapUnlocked[V]) Get(opaque int64) (V, bool) {
	v, ok := m[opaque]
	return v, ok
}

func (m MapUnlocked[V]) GetAndDelete(opaque int64) (V, bool) {
	v, ok := m[opaque]
	if ok {
		delete(m, opaque)
	}
	return v, ok
}

func (m MapUnlocked[V]) Len() int { return len(m) }

// Map имплементация на map под RWMutex.
type Map[V any] struct {
	m  MapUnlocked[V]
	mu sync.RWMutex
}

func NewMap[V any](size int) *Map[V] {
	return &Map[V]{m: make(MapUnlocked[V], size)}
}

// Each держит RLock: fn не должна обращаться к этому же хранилищу на запись.
func (s *Map[V]) Each(fn func(int64, V)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.m.Each(fn)
}

func (s *Map[V]) Set(opaque int64, v V) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.m.Set(opaque, v)
}

func (s *Map[V]) Get(opaque int64) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.m.Get(opaque)
}

func (s *Map[V]) GetAndDelete(opaque int64) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.m.GetAndDelete(opaque)
}

func (s *Map[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.m.Len()
}

// Sharded имплементация с шардированием по младшим битам opaque.
// Opaque выдаются подряд, поэтому соседние вызовы попадают в разные шарды.
type Sharded[V any] struct {
	shards []Store[V]
	mask   int64
}

// NewSharded size должен быть степенью двойки.
func NewSharded[V any](size int, build func() Store[V]) *Sharded[V] {
	if size < 1 || size&(size-1) != 0 {
		panic("assertion error: shards count must be a power of two")
	}
	shards := make([]Store[V], size)
	for i := range shards {
		shards[i] = build()
	}
	return &Sharded[V]{shards, int64(size - 1)}
}

func (s *Sharded[V]) shard(opaque int64) Store[V] {
	return s.shards[opaque&s.mask]
}

func (s *Sharded[V]) Each(fn func(int64, V)) {
	for _, shard := range s.shards {
		shard.Each(fn)
	}
}

func (s *Sharded[V]) Set(opaque int64, v V) { s.shard(opaque).Set(opaque, v) }

func (s *Sharded[V]) Get(opaque int64) (V, bool) { return s.shard(opaque).Get(opaque) }

func (s *Sharded[V]) GetAndDelete(opaque int64) (V, bool) {
	return s.shard(opaque).GetAndDelete(opaque)
}

func (s *Sharded[V]) Len() int {
	var n int
	for _, shard := range s.shards {
		n += shard.Len()
	}
	return n
}

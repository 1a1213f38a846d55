package lru

import (
	"container/list"
	"sync"
)

// Interner хранит ограниченное число строк и отдает одну и ту же строку
// для одинаковых байт. Вытесняется самая давно использованная.
type Interner struct {
	mu        sync.Mutex
	maxSize   int
	items     map[string]*list.Element
	order     *list.List
	evictions uint64
}

func NewInterner(maxSize int) *Interner {
	if maxSize < 1 {
		panic("assertion error: maxSize < 1")
	}
	return &Interner{
		maxSize: maxSize,
		items:   make(map[string]*list.Element, maxSize),
		order:   list.New(),
	}
}

// GetOrAdd не аллоцирует, если строка уже есть.
func (l *Interner) GetOrAdd(b []byte) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.items[string(b)]; ok {
		l.order.MoveToFront(el)
		return el.Value.(string)
	}

	if l.order.Len() >= l.maxSize {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.items, oldest.Value.(string))
		l.evictions++
	}

	s := string(b)
	l.items[s] = l.order.PushFront(s)
	return s
}

func (l *Interner) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

func (l *Interner) Evictions() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evictions
}

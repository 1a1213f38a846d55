package remoting

import "sync"

// AttrKey типизированный ключ атрибута соединения. Сравнивается по указателю.
type AttrKey[T any] struct {
	name string
}

func NewAttrKey[T any](name string) *AttrKey[T] {
	return &AttrKey[T]{name: name}
}

func (k *AttrKey[T]) String() string { return k.name }

// Attributes таблица атрибутов соединений, которой владеет Endpoint.
// Атрибуты соединения удаляются после всех InactiveFunc.
type Attributes struct {
	mu sync.Mutex
	m  map[ConnID]map[any]any
}

func NewAttributes() *Attributes {
	return &Attributes{m: make(map[ConnID]map[any]any)}
}

func (a *Attributes) drop(id ConnID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.m, id)
}

func (a *Attributes) conns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.m)
}

func LoadAttr[T any](a *Attributes, id ConnID, k *AttrKey[T]) (v T, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	raw, ok := a.m[id][k]
	if !ok {
		return v, false
	}
	return raw.(T), true
}

// UpdateAttr атомарно заменяет значение на fn(старое). fn вызывается под локом.
func UpdateAttr[T any](a *Attributes, id ConnID, k *AttrKey[T], fn func(v T, ok bool) T) T {
	a.mu.Lock()
	defer a.mu.Unlock()

	attrs, ok := a.m[id]
	if !ok {
		attrs = make(map[any]any)
		a.m[id] = attrs
	}
	var old T
	raw, ok := attrs[k]
	if ok {
		old = raw.(T)
	}
	v := fn(old, ok)
	attrs[k] = v
	return v
}

func DeleteAttr[T any](a *Attributes, id ConnID, k *AttrKey[T]) {
	a.mu.Lock()
	defer a.mu.Unlock()

	attrs, ok := a.m[id]
	if !ok {
		return
	}
	delete(attrs, k)
	if len(attrs) == 0 {
		delete(a.m, id)
	}
}

// TakeAttr достает значение и удаляет его. После TakeAttr значение
// принадлежит вызывающему, UpdateAttr его больше не увидит.
func TakeAttr[T any](a *Attributes, id ConnID, k *AttrKey[T]) (v T, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	attrs := a.m[id]
	raw, ok := attrs[k]
	if !ok {
		return v, false
	}
	delete(attrs, k)
	if len(attrs) == 0 {
		delete(a.m, id)
	}
	return raw.(T), true
}

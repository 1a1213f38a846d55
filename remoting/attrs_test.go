package remoting

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttributes(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	attrs := NewAttributes()
	names := NewAttrKey[map[string]struct{}]("names")
	count := NewAttrKey[int]("count")

	add := func(id ConnID, name string) {
		UpdateAttr(attrs, id, names, func(v map[string]struct{}, ok bool) map[string]struct{} {
			if !ok {
				v = make(map[string]struct{})
			}
			v[name] = struct{}{}
			return v
		})
	}
	add(1, "a")
	add(1, "b")
	add(2, "c")
	a.Equal(1, UpdateAttr(attrs, 1, count, func(v int, _ bool) int { return v + 1 }))

	v, ok := TakeAttr(attrs, 1, names)
	a.True(ok)
	a.Len(v, 2)
	_, ok = LoadAttr(attrs, 1, names)
	a.False(ok)
	a.Equal(2, attrs.conns())

	DeleteAttr(attrs, 1, count)
	a.Equal(1, attrs.conns())

	attrs.drop(2)
	_, ok = TakeAttr(attrs, 2, names)
	a.False(ok)
	a.Equal(0, attrs.conns())
}

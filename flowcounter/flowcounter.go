// Package flowcounter поминутный счетчик вызовов по сервисам.
//
// Счетчик хранит три слота: прошлая минута, текущая и следующая.
// Слот выбирается как (unixMillis/60000) % 3, поэтому слот следующей
// минуты содержит данные двухминутной давности и должен обнуляться
// раз в минуту до того, как в него начнут писать (ClearNextMinute).
package flowcounter

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const slots = 3

type Counter struct {
	clock clock.Clock
	slots [slots]atomic.Int64
}

func New(c clock.Clock) *Counter {
	if c == nil {
		c = clock.New()
	}
	return &Counter{clock: c}
}

func (c *Counter) minute() int64 {
	return c.clock.Now().UnixMilli() / time.Minute.Milliseconds()
}

func slot(minute int64) int {
	return int((minute%slots + slots) % slots)
}

// Increment увеличивает счетчик текущей минуты и возвращает его значение.
func (c *Counter) Increment() int64 {
	return c.slots[slot(c.minute())].Add(1)
}

func (c *Counter) LastMinute() int64 { return c.slots[slot(c.minute()-1)].Load() }
func (c *Counter) Current() int64    { return c.slots[slot(c.minute())].Load() }
func (c *Counter) NextMinute() int64 { return c.slots[slot(c.minute()+1)].Load() }

func (c *Counter) ClearNextMinute() {
	c.slots[slot(c.minute()+1)].Store(0)
}

// Group счетчики по именам сервисов с общими часами.
type Group struct {
	clock clock.Clock
	log   *zap.Logger

	mu       sync.RWMutex
	counters map[string]*Counter
}

func NewGroup(c clock.Clock, log *zap.Logger) *Group {
	if c == nil {
		c = clock.New()
	}
	return &Group{
		clock:    c,
		log:      log.Named("flowcounter"),
		counters: make(map[string]*Counter),
	}
}

func (g *Group) Get(service string) *Counter {
	g.mu.RLock()
	c, ok := g.counters[service]
	g.mu.RUnlock()
	if ok {
		return c
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok = g.counters[service]; !ok {
		c = New(g.clock)
		g.counters[service] = c
	}
	return c
}

// Each обходит сервисы в алфавитном порядке.
func (g *Group) Each(fn func(service string, c *Counter)) {
	g.mu.RLock()
	names := make([]string, 0, len(g.counters))
	for name := range g.counters {
		names = append(names, name)
	}
	counters := make(map[string]*Counter, len(g.counters))
	for name, c := range g.counters {
		counters[name] = c
	}
	g.mu.RUnlock()

	sort.Strings(names)
	for _, name := range names {
		fn(name, counters[name])
	}
}

func (g *Group) ClearNextMinute() {
	g.Each(func(_ string, c *Counter) { c.ClearNextMinute() })
}

// RunRollover обнуляет слоты следующей минуты сразу и далее раз в минуту.
func (g *Group) RunRollover(ctx context.Context) error {
	ticker := g.clock.Ticker(time.Minute)
	defer ticker.Stop()

	g.ClearNextMinute()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.ClearNextMinute()
			g.log.Debug("next minute slots cleared")
		}
	}
}

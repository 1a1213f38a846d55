package remoting

import (
	"container/heap"
	"sync"
	"time"
)

// очередь проверки таймаутов, упорядоченная по дедлайну:
// у вызовов могут быть разные таймауты.
type timeoutQueueItem struct {
	opaque   int64
	deadline time.Time
}

type timeoutHeap []timeoutQueueItem

func (h timeoutHeap) Len() int           { return len(h) }
func (h timeoutHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h timeoutHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *timeoutHeap) Push(x any)        { *h = append(*h, x.(timeoutQueueItem)) }
func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type timeoutQueue struct {
	mu    sync.Mutex
	items timeoutHeap
	// timer читается только из Next, Next вызывается из одной горутины
	timer *time.Timer

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newTimeoutQueue() *timeoutQueue {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	return &timeoutQueue{
		items: make(timeoutHeap, 0, 64),
		timer: timer,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (q *timeoutQueue) Add(opaque int64, deadline time.Time) {
	q.mu.Lock()
	heap.Push(&q.items, timeoutQueueItem{opaque, deadline})
	first := q.items[0].opaque == opaque
	q.mu.Unlock()

	if first {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
}

func (q *timeoutQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Next блокируется до ближайшего дедлайна. false после Close.
func (q *timeoutQueue) Next() (int64, bool) {
	for {
		var timerC <-chan time.Time
		q.mu.Lock()
		if len(q.items) > 0 {
			wait := time.Until(q.items[0].deadline)
			if wait <= 0 {
				item := heap.Pop(&q.items).(timeoutQueueItem)
				q.mu.Unlock()
				return item.opaque, true
			}
			q.resetTimer(wait)
			timerC = q.timer.C
		}
		q.mu.Unlock()

		select {
		case <-q.done:
			return 0, false
		case <-q.wake:
		case <-timerC:
		}
	}
}

func (q *timeoutQueue) resetTimer(d time.Duration) {
	if !q.timer.Stop() {
		select {
		case <-q.timer.C:
		default:
		}
	}
	q.timer.Reset(d)
}

func (q *timeoutQueue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

package inspector

import (
	"container/heap"
	"sync"
	"time"
)

// mailbox is an unbounded FIFO whose producers never block. wake holds at
// most one pending signal.
type mailbox[T any] struct {
	mu    sync.Mutex
	items []T
	wake  chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{wake: make(chan struct{}, 1)}
}

func (m *mailbox[T]) put(v T) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// take removes and returns everything queued so far.
func (m *mailbox[T]) take() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

type pending[T any] struct {
	at  time.Time
	seq uint64
	v   T
}

// expiryQueue is a min-heap on expiry time. Equal times pop in insertion
// order.
type expiryQueue[T any] struct {
	items []pending[T]
	seq   uint64
}

func (q *expiryQueue[T]) Len() int { return len(q.items) }

func (q *expiryQueue[T]) Less(i, j int) bool {
	if q.items[i].at.Equal(q.items[j].at) {
		return q.items[i].seq < q.items[j].seq
	}
	return q.items[i].at.Before(q.items[j].at)
}

func (q *expiryQueue[T]) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *expiryQueue[T]) Push(x any) { q.items = append(q.items, x.(pending[T])) }

func (q *expiryQueue[T]) Pop() any {
	n := len(q.items)
	it := q.items[n-1]
	q.items = q.items[:n-1]
	return it
}

func (q *expiryQueue[T]) schedule(at time.Time, v T) {
	q.seq++
	heap.Push(q, pending[T]{at: at, seq: q.seq, v: v})
}

// next returns the earliest expiry time.
func (q *expiryQueue[T]) next() (time.Time, bool) {
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].at, true
}

// popDue removes the head if it has expired by now.
func (q *expiryQueue[T]) popDue(now time.Time) (T, bool) {
	if len(q.items) == 0 || q.items[0].at.After(now) {
		var zero T
		return zero, false
	}
	return heap.Pop(q).(pending[T]).v, true
}

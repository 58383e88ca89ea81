package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// Backlog is a bounded FIFO of items waiting for a pool slot. Every item
// leaves the backlog exactly once: popped by a worker handing over its slot,
// expired after the wait timeout, or drained by Close.
type Backlog[T any] struct {
	limit   int
	timeout time.Duration
	expire  func(T)

	mu     sync.Mutex
	items  *queue.Queue
	live   int
	closed bool
}

type waiter[T any] struct {
	value   T
	claimed atomic.Bool
	timer   *time.Timer
	queued  time.Time
}

// claim marks the waiter as taken. Only the first caller wins.
func (w *waiter[T]) claim() bool {
	return w.claimed.CompareAndSwap(false, true)
}

// NewBacklog creates a backlog holding at most limit live items. An item
// still waiting after timeout is removed and passed to expire, which runs on
// its own goroutine. A zero timeout means items wait until popped or drained.
func NewBacklog[T any](limit int, timeout time.Duration, expire func(T)) *Backlog[T] {
	return &Backlog[T]{
		limit:   limit,
		timeout: timeout,
		expire:  expire,
		items:   queue.New(),
	}
}

// Push appends v. It returns false when the backlog is full or closed, in
// which case the caller still owns v.
func (b *Backlog[T]) Push(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.live >= b.limit {
		return false
	}

	b.compact()

	w := &waiter[T]{value: v, queued: time.Now()}
	if b.timeout > 0 {
		w.timer = time.AfterFunc(b.timeout, func() { b.expireWaiter(w) })
	}
	b.items.Add(w)
	b.live++
	return true
}

// Pop removes the oldest live item.
func (b *Backlog[T]) Pop() (T, time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.items.Length() > 0 {
		w := b.items.Remove().(*waiter[T])
		if !w.claim() {
			continue
		}
		if w.timer != nil {
			w.timer.Stop()
		}
		b.live--
		return w.value, time.Since(w.queued), true
	}

	var zero T
	return zero, 0, false
}

// Len returns the number of live items.
func (b *Backlog[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live
}

// Close rejects future pushes and returns every item still waiting.
func (b *Backlog[T]) Close() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	var drained []T
	for b.items.Length() > 0 {
		w := b.items.Remove().(*waiter[T])
		if !w.claim() {
			continue
		}
		if w.timer != nil {
			w.timer.Stop()
		}
		drained = append(drained, w.value)
	}
	b.live = 0
	return drained
}

func (b *Backlog[T]) expireWaiter(w *waiter[T]) {
	if !w.claim() {
		return
	}

	b.mu.Lock()
	if !b.closed {
		b.live--
	}
	b.mu.Unlock()

	if b.expire != nil {
		b.expire(w.value)
	}
}

// compact drops expired waiters from the head of the queue. Waiters share
// one timeout, so expired entries form a prefix. Callers hold b.mu.
func (b *Backlog[T]) compact() {
	for b.items.Length() > 0 {
		w := b.items.Peek().(*waiter[T])
		if !w.claimed.Load() {
			return
		}
		b.items.Remove()
	}
}

package util

import "sync/atomic"

type qnode[T any] struct {
	value T
	next  *qnode[T]
}

// Queue is an unbounded multi-producer single-consumer queue. Producers push onto a lock-free
// stack and never block. The consumer waits on Ready and takes everything pushed so far with
// Drain, in push order.
type Queue[T any] struct {
	top    atomic.Pointer[qnode[T]]
	size   atomic.Int64
	ready  chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push adds v to the queue. It returns false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *Queue[T]) Push(v T) bool {
	if q.closed.Load() {
		return false
	}
	n := &qnode[T]{value: v}
	for {
		old := q.top.Load()
		n.next = old
		if q.top.CompareAndSwap(old, n) {
			break
		}
	}
	q.size.Add(1)

	// one pending signal is enough, the consumer drains everything
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready receives a value after items were pushed.
func (q *Queue[T]) Ready() <-chan struct{} { return q.ready }

// Done is closed when the queue is closed.
func (q *Queue[T]) Done() <-chan struct{} { return q.done }

// Drain removes all queued items and calls fn for each of them, oldest first. It returns the
// number of items. Only the consumer may call Drain.
func (q *Queue[T]) Drain(fn func(T)) int {
	n := q.top.Swap(nil)
	if n == nil {
		return 0
	}

	// the stack holds the newest item first
	var rev *qnode[T]
	for n != nil {
		next := n.next
		n.next = rev
		rev = n
		n = next
	}

	count := 0
	for ; rev != nil; rev = rev.next {
		fn(rev.value)
		count++
	}
	q.size.Add(int64(-count))
	return count
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return int(q.size.Load()) }

// Close rejects further pushes and closes Done. Items already queued can still be drained.
func (q *Queue[T]) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
	}
}

// Closed reports whether Close was called.
func (q *Queue[T]) Closed() bool { return q.closed.Load() }

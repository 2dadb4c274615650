// Lock-free Multi-Producer Single-Consumer (MPSC) queue.
//
// Features and Guarantees:
//
//   - Lock-Free producers: Push() only uses atomic operations on the linked list
//   - Unbounded Size: the queue grows as needed, limited only by available memory
//   - Single Consumer: values are handed out in list order on the Recv() channel
//   - Per-Producer FIFO: values pushed by one goroutine are received in push order.
//     Across producers the order is the order in which the appends succeeded.
//   - Drain on Close: values pushed before Close() are still delivered, then the
//     Recv() channel is closed.

package util

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// mpscNode represents a single element in the queue
type mpscNode[T any] struct {
	value T
	next  atomic.Pointer[mpscNode[T]]
}

// MPSC is a lock-free multi-producer single-consumer queue.
// It is implemented as a linked list with a sentinel head; producers append at
// the tail with CAS, a single internal goroutine moves values to the out channel.
type MPSC[T any] struct {
	head   atomic.Pointer[mpscNode[T]]
	tail   atomic.Pointer[mpscNode[T]]
	out    chan T
	closed atomic.Bool

	// condition variable used by the consumer goroutine to sleep when idle
	mu   sync.Mutex
	cond *sync.Cond
}

// NewMPSC creates a new queue and starts its consumer goroutine
func NewMPSC[T any]() *MPSC[T] {
	sentinel := &mpscNode[T]{}

	q := &MPSC[T]{
		out: make(chan T),
	}
	q.cond = sync.NewCond(&q.mu)
	q.head.Store(sentinel)
	q.tail.Store(sentinel)

	go q.consume()

	return q
}

// Push appends a value to the queue.
// Returns false if the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *MPSC[T]) Push(value T) bool {
	if q.closed.Load() {
		return false
	}

	newNode := &mpscNode[T]{value: value}
	var spins uint8 = 0

	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()

		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// swinging the tail may fail if another producer already helped, that is fine
				q.tail.CompareAndSwap(tailNode, newNode)

				// take the lock so the signal cannot slip between the consumer's check and its Wait
				q.mu.Lock()
				q.cond.Signal()
				q.mu.Unlock()
				return true
			}
		} else {
			// another producer appended but did not move the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		// exponential backoff under contention
		if spins < 8 {
			spins++
			for i := 0; i < 1<<spins; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// consume moves values from the linked list to the out channel
func (q *MPSC[T]) consume() {
	defer close(q.out)

	for {
		head := q.head.Load()
		next := head.next.Load()

		if next != nil {
			value := next.value
			q.head.Store(next)
			q.out <- value

			// help the gc, the node is the new sentinel
			var zero T
			next.value = zero
			continue
		}

		if q.closed.Load() {
			// a producer may have appended between the load above and Close
			if q.head.Load().next.Load() == nil {
				return
			}
			continue
		}

		q.mu.Lock()
		if q.head.Load().next.Load() == nil && !q.closed.Load() {
			q.cond.Wait()
		}
		q.mu.Unlock()
	}
}

// Recv returns the receive-only channel of the consumer side.
// The channel is closed after Close() once all queued values have been received.
func (q *MPSC[T]) Recv() <-chan T {
	return q.out
}

// Close prevents further pushes. Already queued values are still delivered.
func (q *MPSC[T]) Close() {
	q.closed.Store(true)

	q.mu.Lock()
	q.cond.Signal()
	q.mu.Unlock()
}

// IsClosed returns true if the queue is closed
func (q *MPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns an approximate count of queued values. O(n), for debugging only.
func (q *MPSC[T]) Len() int {
	count := 0
	current := q.head.Load()
	for {
		next := current.next.Load()
		if next == nil {
			return count
		}
		count++
		current = next
	}
}

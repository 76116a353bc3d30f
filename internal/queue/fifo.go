// Package queue implements the two bounded chunk-reference queues used by
// a subscriber's inbox: FIFO (rejects the newest entry once full, causing
// producer backpressure) and SOFI (single-overflowing FIFO: admits the
// newest entry by evicting the oldest once full).
//
// FIFO is Dmitry Vyukov's bounded MPMC array queue: each slot carries its
// own sequence counter, so producers and consumers coordinate with a
// per-slot CAS instead of a single shared lock, and the queue supports
// any mix of producer/consumer counts (the router feeds a queue from one
// publish call at a time per connected publisher, so more than one
// producer is the expected case whenever a service has several
// publishers).
package queue

import "sync/atomic"

type fifoCell[T any] struct {
	sequence atomic.Uint64
	value    T
}

// FIFO is a bounded, lock-free, multi-producer multi-consumer queue.
// Push fails once the queue is full: the caller is responsible for
// turning that into backpressure (BLOCK_PRODUCER) or a connect-time
// policy rejection, per the queue-full policy matrix.
type FIFO[T any] struct {
	mask   uint64
	buffer []fifoCell[T]

	enqueuePos atomic.Uint64
	dequeuePos atomic.Uint64
}

// NewFIFO creates a FIFO with room for capacity entries. capacity is
// rounded up to the next power of two, as required by the mask-based
// slot indexing.
func NewFIFO[T any](capacity int) *FIFO[T] {
	n := nextPowerOfTwo(capacity)
	q := &FIFO[T]{
		mask:   uint64(n - 1),
		buffer: make([]fifoCell[T], n),
	}
	for i := range q.buffer {
		q.buffer[i].sequence.Store(uint64(i))
	}
	return q
}

func nextPowerOfTwo(n int) int {
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Capacity returns the queue's fixed slot count (a power of two, possibly
// larger than what was requested at construction).
func (q *FIFO[T]) Capacity() int { return len(q.buffer) }

// Push attempts to enqueue value. Returns false if the queue is full.
func (q *FIFO[T]) Push(value T) bool {
	for {
		pos := q.enqueuePos.Load()
		if int64(pos-q.dequeuePos.Load()) >= int64(len(q.buffer)) {
			return false // full (the per-slot check below cannot see this with a single slot)
		}
		cell := &q.buffer[pos&q.mask]
		seq := cell.sequence.Load()
		diff := int64(seq) - int64(pos)

		switch {
		case diff == 0:
			if q.enqueuePos.CompareAndSwap(pos, pos+1) {
				cell.value = value
				cell.sequence.Store(pos + 1)
				return true
			}
		case diff < 0:
			return false // full
		default:
			// Another producer has already claimed this slot; retry.
		}
	}
}

// TryPop attempts to dequeue the oldest value. Returns ok=false if the
// queue is empty.
func (q *FIFO[T]) TryPop() (value T, ok bool) {
	for {
		pos := q.dequeuePos.Load()
		cell := &q.buffer[pos&q.mask]
		seq := cell.sequence.Load()
		diff := int64(seq) - int64(pos+1)

		switch {
		case diff == 0:
			if q.dequeuePos.CompareAndSwap(pos, pos+1) {
				value = cell.value
				var zero T
				cell.value = zero
				cell.sequence.Store(pos + q.mask + 1)
				return value, true
			}
		case diff < 0:
			return value, false // empty
		default:
			// Another consumer has already claimed this slot; retry.
		}
	}
}

// Len returns an approximate current occupancy; useful for introspection
// only, since producers and consumers may race with the read.
func (q *FIFO[T]) Len() int {
	enq := q.enqueuePos.Load()
	deq := q.dequeuePos.Load()
	if enq < deq {
		return 0
	}
	return int(enq - deq)
}

// Drain pops every available entry, oldest first. Used for releaseAll on
// port teardown; not safe to call concurrently with other poppers since
// it is a convenience loop over TryPop, not a single atomic operation.
func (q *FIFO[T]) Drain() []T {
	out := make([]T, 0, q.Len())
	for {
		v, ok := q.TryPop()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

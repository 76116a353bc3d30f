// Package port implements the publisher and subscriber building blocks
// above the chunk queues: ChunkSender/ChunkDistributor on the publish
// side, ChunkReceiver on the subscribe side, and the policy matrix that
// governs what happens when a subscriber's queue is full.
package port

import "errors"

// PublisherPolicy governs what a publisher does when one of its
// subscribers' queues is full.
type PublisherPolicy int

const (
	// WaitForConsumer makes sendChunk block until a BlockProducer
	// subscriber's queue has room, or the port is torn down. It is
	// compatible with both subscriber policies: a DiscardOldest
	// subscriber's queue drops its oldest entry instead, so the publisher
	// does not block on it.
	WaitForConsumer PublisherPolicy = iota
	// DiscardOldestData never blocks the publisher. It is compatible only
	// with a DiscardOldest subscriber, whose queue absorbs the overflow by
	// dropping its oldest entry; pairing it with a BlockProducer
	// subscriber is rejected at connect time by CheckCompatible.
	DiscardOldestData
)

func (p PublisherPolicy) String() string {
	if p == WaitForConsumer {
		return "WAIT_FOR_CONSUMER"
	}
	return "DISCARD_OLDEST_DATA"
}

// QueueFullPolicy governs what a subscriber's queue does when it is full
// and a new chunk arrives.
type QueueFullPolicy int

const (
	// BlockProducer backs a subscriber with a FIFO: pushes fail once full,
	// and it is up to the connected publisher's policy whether that
	// translates into blocking sendChunk or a configuration error.
	BlockProducer QueueFullPolicy = iota
	// DiscardOldest backs a subscriber with a SOFI: the queue always
	// admits the newest chunk, evicting the oldest if necessary.
	DiscardOldest
)

func (p QueueFullPolicy) String() string {
	if p == BlockProducer {
		return "BLOCK_PRODUCER"
	}
	return "DISCARD_OLDEST_DATA"
}

// ErrIncompatiblePolicies is returned at connect time when a
// DiscardOldestData publisher is paired with a BlockProducer subscriber:
// neither side is willing to absorb overflow, which the specification
// calls out as a configuration error rather than a runtime behavior.
var ErrIncompatiblePolicies = errors.New("port: DISCARD_OLDEST_DATA publisher is incompatible with a BLOCK_PRODUCER subscriber")

// CheckCompatible validates the publisher/subscriber policy pairing at
// connect time, per the queue-full policy matrix:
//
//	any                | DISCARD_OLDEST_DATA | queue drops its oldest entry
//	WAIT_FOR_CONSUMER   | BLOCK_PRODUCER       | sendChunk blocks
//	DISCARD_OLDEST_DATA | BLOCK_PRODUCER       | rejected here
func CheckCompatible(pub PublisherPolicy, sub QueueFullPolicy) error {
	if sub == DiscardOldest {
		return nil
	}
	if pub == WaitForConsumer {
		return nil
	}
	return ErrIncompatiblePolicies
}

var (
	// ErrEmpty is returned by TryGetChunk when the subscriber's queue has
	// nothing to deliver.
	ErrEmpty = errors.New("port: queue is empty")
	// ErrTooManyHeld is returned by TryGetChunk when the caller already
	// holds maxHeldSimultaneously chunks without releasing any.
	ErrTooManyHeld = errors.New("port: too many chunks held simultaneously")
	// ErrNotHeld is returned by ReleaseChunk for a chunk the receiver did
	// not hand out, or already released.
	ErrNotHeld = errors.New("port: chunk is not currently held by this receiver")
	// ErrNotLoaned is returned by ReleaseLoan/SendChunk for a chunk the
	// sender did not loan, or already sent/released.
	ErrNotLoaned = errors.New("port: chunk is not currently on loan from this sender")
	// ErrPortTornDown is returned by a blocked SendChunk when the port is
	// destroyed while the call is suspended.
	ErrPortTornDown = errors.New("port: port was torn down while the call was suspended")
	// ErrTooManyChunksHeldInParallel is returned by Loan when the caller
	// already has maxAllocated chunks loaned out without sending or
	// releasing them. Distinct from the store's own NoMemory: this is a
	// per-port policy limit, not pool exhaustion.
	ErrTooManyChunksHeldInParallel = errors.New("port: too many chunks loaned simultaneously")
)

package port

import (
	"fmt"
	"sync"

	"membrane/internal/chunk"
	"membrane/internal/queue"
)

// PortRef identifies a subscriber port without the distributor holding an
// owning Go reference to its ChunkReceiver. The specification calls out
// the cyclic reference between a ChunkDistributor and the ChunkQueues it
// fans out to as a known issue and resolves it by storing relocatable
// references to peer queues, with the queue itself owned by the
// subscriber port in PortPool; PortRef plus a QueueResolver is that same
// shape expressed in Go, where the hazard isn't use-after-relocation but
// lifetime: resolving through PortPool (rather than holding *ChunkReceiver
// directly) keeps teardown order explicit — detach from the distributor
// first, then destroy the queue — instead of relying on GC to notice a
// cycle is garbage.
type PortRef uint64

// QueueResolver resolves a PortRef to its live ChunkReceiver. PortPool
// implements this.
type QueueResolver interface {
	Resolve(ref PortRef) (*ChunkReceiver, bool)
}

// ChunkDistributor is the publisher-side building block: the list of
// connected subscriber queues (by reference, not ownership) plus a
// bounded history buffer replayed to newly connected subscribers.
type ChunkDistributor struct {
	resolver QueueResolver
	policy   PublisherPolicy

	mu          sync.RWMutex
	subscribers []PortRef
	history     *queue.SOFI[chunk.SharedChunk]
}

// NewChunkDistributor builds a distributor with the given too-slow-
// subscriber policy and history capacity. historyCapacity of 0 disables
// history: deliver never retains a chunk for replay.
func NewChunkDistributor(resolver QueueResolver, policy PublisherPolicy, historyCapacity uint32) *ChunkDistributor {
	d := &ChunkDistributor{resolver: resolver, policy: policy}
	if historyCapacity > 0 {
		d.history = queue.NewSOFI[chunk.SharedChunk](int(historyCapacity))
	}
	return d
}

// Subscribers returns the currently connected subscriber refs.
func (d *ChunkDistributor) Subscribers() []PortRef {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]PortRef(nil), d.subscribers...)
}

// AddQueue connects ref and, if requestedHistory > 0, replays up to
// min(requestedHistory, the subscriber's own queue capacity, the chunks
// actually held in history) most recent chunks to it, in publication
// order. Connecting an already-connected ref is a no-op.
func (d *ChunkDistributor) AddQueue(ref PortRef, requestedHistory uint32) error {
	d.mu.Lock()
	for _, existing := range d.subscribers {
		if existing == ref {
			d.mu.Unlock()
			return nil
		}
	}
	d.subscribers = append(d.subscribers, ref)
	d.mu.Unlock()

	if requestedHistory == 0 || d.history == nil {
		return nil
	}

	recv, ok := d.resolver.Resolve(ref)
	if !ok {
		return fmt.Errorf("port: subscriber %d not resolvable", ref)
	}

	items := d.history.Snapshot()
	n := int(requestedHistory)
	if n > len(items) {
		n = len(items)
	}
	if n > recv.Capacity() {
		n = recv.Capacity()
	}
	for _, c := range items[len(items)-n:] {
		dup := c.Retain()
		if !recv.enqueue(dup) {
			// Subscriber's own policy rejected the replay chunk
			// (BLOCK_PRODUCER, full): drop it rather than stall connect.
			dup.Release()
		}
	}
	return nil
}

// RemoveQueue disconnects ref. It does not touch the subscriber's queue
// contents or held chunks; that is ChunkReceiver.ReleaseAll's job, called
// by the router during port teardown after the queue has been detached
// from every distributor.
func (d *ChunkDistributor) RemoveQueue(ref PortRef) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, existing := range d.subscribers {
		if existing == ref {
			d.subscribers = append(d.subscribers[:i], d.subscribers[i+1:]...)
			return
		}
	}
}

// Deliver fans c out to every connected subscriber and into history, then
// releases the caller's reference (sendChunk removes the chunk from the
// sender's allocated list: ownership passes entirely to the subscribers
// and the history buffer, each of which hold their own retained copy).
//
// teardown is consulted only on the WAIT_FOR_CONSUMER suspension path: a
// WAIT_FOR_CONSUMER publisher against a full BLOCK_PRODUCER subscriber
// blocks until the subscriber makes room or teardown fires.
func (d *ChunkDistributor) Deliver(c chunk.SharedChunk, teardown <-chan struct{}) error {
	defer c.Release()

	d.mu.RLock()
	subs := append([]PortRef(nil), d.subscribers...)
	d.mu.RUnlock()

	for _, ref := range subs {
		recv, ok := d.resolver.Resolve(ref)
		if !ok {
			continue
		}
		dup := c.Retain()
		if recv.enqueue(dup) {
			continue
		}
		if d.policy != WaitForConsumer {
			// DISCARD_OLDEST_DATA subscribers never reject a push; this
			// branch is an incompatible pairing that should have been
			// rejected at connect time (CheckCompatible), not here.
			dup.Release()
			continue
		}
		for !recv.enqueue(dup) {
			if !recv.waitForSpace(teardown) {
				dup.Release()
				return ErrPortTornDown
			}
		}
	}

	if d.history != nil {
		evicted, overflowed := d.history.Push(c.Retain())
		if overflowed {
			evicted.Release()
		}
	}
	return nil
}

// ReleaseHistory drops the distributor's retained history entries. Called
// at port destroy time.
func (d *ChunkDistributor) ReleaseHistory() {
	if d.history == nil {
		return
	}
	for _, c := range d.history.Drain() {
		c.Release()
	}
}

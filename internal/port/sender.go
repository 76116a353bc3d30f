package port

import (
	"sync"
	"time"

	"membrane/internal/chunk"
	"membrane/internal/relptr"
)

// ChunkSender is the publisher-side building block above ChunkDistributor:
// it owns chunk allocation and the list of chunks currently loaned to the
// user (reserved via Loan, not yet sent or explicitly released).
type ChunkSender struct {
	store       *chunk.Store
	distributor *ChunkDistributor
	clock       func() time.Time
	maxAllocated int

	mu     sync.Mutex
	loaned map[relptr.Pointer]chunk.SharedChunk
}

// NewChunkSender builds a ChunkSender over store, fanning sent chunks out
// through distributor. clock stamps each chunk's transmit time; if nil,
// time.Now is used. maxAllocated bounds how many chunks the user may hold
// on loan at once via Loan before ErrTooManyChunksHeldInParallel; 0 means
// unbounded (pool exhaustion is still enforced by store.AllocateChunk).
func NewChunkSender(store *chunk.Store, distributor *ChunkDistributor, maxAllocated int, clock func() time.Time) *ChunkSender {
	if clock == nil {
		clock = time.Now
	}
	return &ChunkSender{
		store:        store,
		distributor:  distributor,
		clock:        clock,
		maxAllocated: maxAllocated,
		loaned:       make(map[relptr.Pointer]chunk.SharedChunk),
	}
}

// Loan reserves a chunk of the given payload capacity and adds it to the
// allocated list. The caller must eventually either SendChunk or
// ReleaseLoan it. Enforces maxAllocated per port (spec's
// maxChunksAllocatedSimultaneously), distinct from pool exhaustion.
func (s *ChunkSender) Loan(payloadSize uint32) (chunk.SharedChunk, error) {
	s.mu.Lock()
	if s.maxAllocated > 0 && len(s.loaned) >= s.maxAllocated {
		s.mu.Unlock()
		return chunk.SharedChunk{}, ErrTooManyChunksHeldInParallel
	}
	s.mu.Unlock()

	c, err := s.store.AllocateChunk(payloadSize)
	if err != nil {
		return chunk.SharedChunk{}, err
	}
	s.mu.Lock()
	if s.maxAllocated > 0 && len(s.loaned) >= s.maxAllocated {
		s.mu.Unlock()
		c.Release()
		return chunk.SharedChunk{}, ErrTooManyChunksHeldInParallel
	}
	s.loaned[c.Pointer()] = c
	s.mu.Unlock()
	return c, nil
}

// ReleaseLoan abandons a loaned chunk without sending it.
func (s *ChunkSender) ReleaseLoan(c chunk.SharedChunk) error {
	if !s.takeLoan(c) {
		return ErrNotLoaned
	}
	return c.Release()
}

func (s *ChunkSender) takeLoan(c chunk.SharedChunk) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ptr := c.Pointer()
	if _, ok := s.loaned[ptr]; !ok {
		return false
	}
	delete(s.loaned, ptr)
	return true
}

// SendChunk stamps c's transmit timestamp and sequence information, fans
// it out to every connected subscriber honoring each one's queue-full
// policy, and appends it to history, removing it from the allocated list.
// teardown is consulted only on the WAIT_FOR_CONSUMER suspension path.
func (s *ChunkSender) SendChunk(c chunk.SharedChunk, teardown <-chan struct{}) error {
	if !s.takeLoan(c) {
		return ErrNotLoaned
	}
	c.SetTransmitTimestampNs(s.clock().UnixNano())
	return s.distributor.Deliver(c, teardown)
}

// ReleaseAll drops every still-loaned chunk. Used on port teardown.
func (s *ChunkSender) ReleaseAll() {
	s.mu.Lock()
	loaned := s.loaned
	s.loaned = make(map[relptr.Pointer]chunk.SharedChunk)
	s.mu.Unlock()

	for _, c := range loaned {
		c.Release()
	}
}

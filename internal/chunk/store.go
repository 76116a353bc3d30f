package chunk

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"membrane/internal/mempool"
	"membrane/internal/relptr"
)

// Segment is the minimal view of a shared-memory segment the Store needs:
// an id for building relocatable pointers, and a base address for turning
// a segment-relative offset into a live address in this process.
// *shm.Segment satisfies this structurally.
type Segment interface {
	ID() relptr.SegmentID
	Base() unsafe.Pointer
}

// Store places a set of size-classed chunk pools inside one segment,
// starting at regionOffset, and issues/reclaims SharedChunk handles
// against them. Store itself holds no bytes: everything it touches lives
// in the segment, so a Store built with the same configuration and
// regionOffset in another process addresses the exact same chunks.
type Store struct {
	segment  Segment
	registry *relptr.Registry
	mgr      *mempool.Manager
	poolBase []uintptr // segment-relative offset of pool i's slot 0
	seq      atomic.Uint64
	now      func() time.Time
}

// NewStore builds a Store whose pools start at regionOffset bytes into
// segment. payloadConfigs describes the PAYLOAD capacity and count of each
// size class; Store adds and aligns the Header overhead itself to arrive
// at each pool's actual slot size. Returns the Store and the number of
// bytes its pools occupy, so a caller laying out further regions (e.g.
// portpool.MemoryBlocks) knows where the next region may begin.
func NewStore(segment Segment, registry *relptr.Registry, regionOffset uintptr, payloadConfigs []mempool.PoolConfig, now func() time.Time) (*Store, uintptr, error) {
	if now == nil {
		now = time.Now
	}

	slotConfigs := make([]mempool.PoolConfig, len(payloadConfigs))
	for i, c := range payloadConfigs {
		slotConfigs[i] = mempool.PoolConfig{ChunkSize: slotSizeFor(c.ChunkSize), ChunkCount: c.ChunkCount}
	}

	mgr, err := mempool.NewManager(slotConfigs)
	if err != nil {
		return nil, 0, fmt.Errorf("chunk: building pools: %w", err)
	}

	base := make([]uintptr, len(mgr.Pools()))
	offset := regionOffset
	for i, p := range mgr.Pools() {
		base[i] = offset
		offset += uintptr(p.ChunkSize()) * uintptr(p.ChunkCount())
	}

	s := &Store{
		segment:  segment,
		registry: registry,
		mgr:      mgr,
		poolBase: base,
		now:      now,
	}
	return s, offset - regionOffset, nil
}

// slotSizeFor returns the total bytes a pool slot needs to carry a chunk
// whose payload capacity is payloadSize.
func slotSizeFor(payloadSize uint32) uint32 {
	return uint32(HeaderSize) + Align(payloadSize)
}

// Pools exposes the underlying mempool.Manager, e.g. for introspection
// snapshots reporting per-pool used/free/min-free counts.
func (s *Store) Pools() []*mempool.Pool { return s.mgr.Pools() }

func (s *Store) poolIndex(pool *mempool.Pool) int {
	for i, p := range s.mgr.Pools() {
		if p == pool {
			return i
		}
	}
	return -1
}

func (s *Store) poolIndexForChunkSize(chunkSize uint32) int {
	for i, p := range s.mgr.Pools() {
		if p.ChunkSize() == chunkSize {
			return i
		}
	}
	return -1
}

func (s *Store) header(ptr relptr.Pointer) (*Header, error) {
	addr, err := s.registry.PtrOf(ptr)
	if err != nil {
		return nil, fmt.Errorf("chunk: resolving chunk pointer: %w", err)
	}
	return headerAt(addr), nil
}

// AllocateChunk reserves a slot from the smallest pool that fits
// payloadSize, placement-constructs a Header in it with refcount 1, and
// returns a SharedChunk owning that single reference.
func (s *Store) AllocateChunk(payloadSize uint32) (SharedChunk, error) {
	slotSize := slotSizeFor(payloadSize)
	pool, slot, err := s.mgr.Allocate(slotSize)
	if err != nil {
		return SharedChunk{}, err
	}

	idx := s.poolIndex(pool)
	relOffset := s.poolBase[idx] + uintptr(slot)*uintptr(pool.ChunkSize())
	addr := uintptr(s.segment.Base()) + relOffset

	h := headerAt(addr)
	*h = Header{}
	h.PayloadSize = payloadSize
	h.PoolChunkSize = pool.ChunkSize()
	h.Sequence = s.seq.Add(1)
	h.refcount = 1

	ptr := relptr.Pointer{Segment: s.segment.ID(), Offset: relOffset}
	return SharedChunk{store: s, ptr: ptr}, nil
}

// free returns ptr's slot to its owning pool. Called once a chunk's
// refcount reaches zero.
func (s *Store) free(ptr relptr.Pointer) error {
	h, err := s.header(ptr)
	if err != nil {
		return err
	}
	idx := s.poolIndexForChunkSize(h.PoolChunkSize)
	if idx < 0 {
		return fmt.Errorf("chunk: no pool matches chunk size %d for offset %d", h.PoolChunkSize, ptr.Offset)
	}
	slot := int32((ptr.Offset - s.poolBase[idx]) / uintptr(h.PoolChunkSize))
	s.mgr.Pools()[idx].Free(slot)
	return nil
}

// Now returns the Store's injected clock, used for transmit timestamps.
func (s *Store) Now() time.Time { return s.now() }

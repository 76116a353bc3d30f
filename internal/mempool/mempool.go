// Package mempool implements the size-classed chunk allocator that backs
// shared-memory chunks. A Pool is a fixed-size-class, fixed-count array of
// chunk slots with a lock-free LIFO free list. A Manager holds an ordered
// collection of Pools by ascending chunk size and routes allocation
// requests to the smallest pool that satisfies them.
//
// The free list is index-based rather than pointer-based: each slot keeps
// a "next free slot" link in a side array, and the head is a single
// atomic word packing a slot index together with a generation counter.
// The generation counter is bumped on every successful pop, which defeats
// the ABA problem that a bare index-only CAS would be vulnerable to (slot
// N being popped and freed back to the head between a reader's load and
// its CAS).
package mempool

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrEmpty is returned by Pool.Allocate when the pool has no free chunks.
	ErrEmpty = errors.New("mempool: pool exhausted")
	// ErrNoMemory is returned by Manager.Allocate when no configured pool
	// can satisfy the requested size (or the matching pool is exhausted).
	ErrNoMemory = errors.New("mempool: no memory available for requested size")
)

// noneIdx is the sentinel "no slot" value in the free-list links.
const noneIdx int32 = -1

// packedHead packs a free-list head (slot index, generation) into one
// 64-bit word so it can be updated with a single CAS.
type packedHead uint64

func pack(idx int32, gen uint32) packedHead {
	return packedHead(uint32(idx))<<32 | packedHead(gen)
}

func (h packedHead) idx() int32  { return int32(uint32(h >> 32)) }
func (h packedHead) gen() uint32 { return uint32(h) }

// Pool is a fixed-size-class, fixed-count pool of chunk slots.
//
// Chunks are identified by slot index, not by address: callers combine a
// slot index with the pool's base offset and chunk size to compute the
// chunk's offset within the owning segment. This keeps Pool itself
// allocation-free and independent of how the backing bytes are mapped.
type Pool struct {
	chunkSize  uint32
	chunkCount uint32

	head atomic.Uint64 // packedHead
	next []int32        // per-slot "next free slot" link

	used         atomic.Int64
	minFree      atomic.Int64 // low-water mark, set to chunkCount by NewPool
	minFreeKnown atomic.Bool
}

// NewPool creates a Pool with chunkCount slots, each chunkSize bytes.
// All slots start free.
func NewPool(chunkSize, chunkCount uint32) *Pool {
	p := &Pool{
		chunkSize:  chunkSize,
		chunkCount: chunkCount,
		next:       make([]int32, chunkCount),
	}
	for i := range p.next {
		if uint32(i) == chunkCount-1 {
			p.next[i] = noneIdx
		} else {
			p.next[i] = int32(i) + 1
		}
	}
	head := pack(0, 0)
	if chunkCount == 0 {
		head = pack(noneIdx, 0)
	}
	p.head.Store(uint64(head))
	p.minFree.Store(int64(chunkCount))
	p.minFreeKnown.Store(true)
	return p
}

// ChunkSize returns the fixed slot size of this pool.
func (p *Pool) ChunkSize() uint32 { return p.chunkSize }

// ChunkCount returns the total number of slots in this pool.
func (p *Pool) ChunkCount() uint32 { return p.chunkCount }

// UsedChunks returns the number of slots currently allocated.
func (p *Pool) UsedChunks() int64 { return p.used.Load() }

// FreeChunks returns the number of slots currently free.
func (p *Pool) FreeChunks() int64 { return int64(p.chunkCount) - p.used.Load() }

// MinFreeChunks returns the low-water mark of free chunks observed so far.
func (p *Pool) MinFreeChunks() int64 { return p.minFree.Load() }

// Allocate pops a free slot index off the LIFO free list. Returns
// ErrEmpty if the pool is exhausted.
func (p *Pool) Allocate() (int32, error) {
	for {
		old := packedHead(p.head.Load())
		idx := old.idx()
		if idx == noneIdx {
			return 0, ErrEmpty
		}
		newHead := pack(p.next[idx], old.gen()+1)
		if p.head.CompareAndSwap(uint64(old), uint64(newHead)) {
			p.used.Add(1)
			p.updateMinFree()
			return idx, nil
		}
	}
}

// Free pushes slot idx back onto the LIFO free list.
func (p *Pool) Free(idx int32) {
	for {
		old := packedHead(p.head.Load())
		p.next[idx] = old.idx()
		newHead := pack(idx, old.gen()+1)
		if p.head.CompareAndSwap(uint64(old), uint64(newHead)) {
			p.used.Add(-1)
			return
		}
	}
}

func (p *Pool) updateMinFree() {
	free := p.FreeChunks()
	for {
		cur := p.minFree.Load()
		if free >= cur {
			return
		}
		if p.minFree.CompareAndSwap(cur, free) {
			return
		}
	}
}

// Manager is an ordered collection of Pools by ascending chunk size.
// Allocation picks the smallest pool whose chunk size is >= the request.
type Manager struct {
	pools []*Pool
}

// PoolConfig describes one size class before optimization.
type PoolConfig struct {
	ChunkSize  uint32
	ChunkCount uint32
}

// Optimize sorts configs by ascending size, merges entries with equal
// size (summing their counts), and drops zero-size entries. This mirrors
// the MemoryManager configuration rule in the specification.
func Optimize(configs []PoolConfig) []PoolConfig {
	bySize := make(map[uint32]uint32)
	var order []uint32
	for _, c := range configs {
		if c.ChunkSize == 0 {
			continue
		}
		if _, ok := bySize[c.ChunkSize]; !ok {
			order = append(order, c.ChunkSize)
		}
		bySize[c.ChunkSize] += c.ChunkCount
	}
	// Simple insertion sort: config lists are small (a handful of size classes).
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j-1] > order[j]; j-- {
			order[j-1], order[j] = order[j], order[j-1]
		}
	}
	out := make([]PoolConfig, 0, len(order))
	for _, sz := range order {
		out = append(out, PoolConfig{ChunkSize: sz, ChunkCount: bySize[sz]})
	}
	return out
}

// NewManager builds a Manager from pool configs, after running them
// through Optimize. Returns an error if two configs collide post-merge
// in a way that would violate strict size ordering (cannot happen after
// Optimize, but New validates anyway since Manager may be built directly
// from already-sorted Pools via NewManagerFromPools).
func NewManager(configs []PoolConfig) (*Manager, error) {
	opt := Optimize(configs)
	pools := make([]*Pool, 0, len(opt))
	for _, c := range opt {
		pools = append(pools, NewPool(c.ChunkSize, c.ChunkCount))
	}
	return NewManagerFromPools(pools)
}

// NewManagerFromPools builds a Manager directly from already-constructed
// pools. Pools must be in strictly increasing chunk-size order.
func NewManagerFromPools(pools []*Pool) (*Manager, error) {
	for i := 1; i < len(pools); i++ {
		if pools[i].ChunkSize() <= pools[i-1].ChunkSize() {
			return nil, fmt.Errorf("mempool: pool sizes must be strictly increasing, got %d after %d",
				pools[i].ChunkSize(), pools[i-1].ChunkSize())
		}
	}
	return &Manager{pools: pools}, nil
}

// Pools returns the manager's pools in ascending chunk-size order.
func (m *Manager) Pools() []*Pool { return m.pools }

// PoolFor returns the smallest pool whose chunk size is >= requested size,
// or nil if no pool is large enough.
func (m *Manager) PoolFor(size uint32) *Pool {
	for _, p := range m.pools {
		if p.ChunkSize() >= size {
			return p
		}
	}
	return nil
}

// Allocate finds the smallest pool that fits size and pops a slot from it.
// Returns the chosen pool and slot index. There is no fall-through to a
// larger pool when the chosen pool is exhausted: sizing pools correctly
// is the operator's responsibility (spec.md §4.2).
func (m *Manager) Allocate(size uint32) (*Pool, int32, error) {
	pool := m.PoolFor(size)
	if pool == nil {
		return nil, 0, ErrNoMemory
	}
	idx, err := pool.Allocate()
	if err != nil {
		return nil, 0, ErrNoMemory
	}
	return pool, idx, nil
}

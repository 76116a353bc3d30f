package mempool_test

import (
	"sync"
	"testing"

	"membrane/internal/mempool"
)

func TestPoolAllocateFreeRoundTrip(t *testing.T) {
	p := mempool.NewPool(128, 4)

	var idxs []int32
	for i := 0; i < 4; i++ {
		idx, err := p.Allocate()
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		idxs = append(idxs, idx)
	}

	if _, err := p.Allocate(); err != mempool.ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if p.UsedChunks() != 4 {
		t.Fatalf("UsedChunks = %d, want 4", p.UsedChunks())
	}

	for _, idx := range idxs {
		p.Free(idx)
	}
	if p.UsedChunks() != 0 {
		t.Fatalf("UsedChunks after free = %d, want 0", p.UsedChunks())
	}

	// Pool must be fully reusable after being drained once.
	for i := 0; i < 4; i++ {
		if _, err := p.Allocate(); err != nil {
			t.Fatalf("re-Allocate %d: %v", i, err)
		}
	}
}

func TestPoolConcurrentAllocateFree(t *testing.T) {
	const chunks = 64
	const workers = 16
	p := mempool.NewPool(64, chunks)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				idx, err := p.Allocate()
				if err != nil {
					continue
				}
				p.Free(idx)
			}
		}()
	}
	wg.Wait()

	if p.UsedChunks() != 0 {
		t.Fatalf("UsedChunks after concurrent churn = %d, want 0", p.UsedChunks())
	}

	// No double-issued slot: pool must still be able to allocate exactly
	// chunkCount distinct slots with no duplicates and no exhaustion.
	seen := make(map[int32]bool)
	for i := 0; i < chunks; i++ {
		idx, err := p.Allocate()
		if err != nil {
			t.Fatalf("final Allocate %d: %v", i, err)
		}
		if seen[idx] {
			t.Fatalf("slot %d issued twice", idx)
		}
		seen[idx] = true
	}
	if _, err := p.Allocate(); err != mempool.ErrEmpty {
		t.Fatalf("expected pool exhausted, got %v", err)
	}
}

func TestOptimizeMergesSortsDropsZero(t *testing.T) {
	in := []mempool.PoolConfig{
		{ChunkSize: 256, ChunkCount: 4},
		{ChunkSize: 0, ChunkCount: 99},
		{ChunkSize: 64, ChunkCount: 2},
		{ChunkSize: 256, ChunkCount: 6},
	}
	out := mempool.Optimize(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 size classes, got %d: %+v", len(out), out)
	}
	if out[0].ChunkSize != 64 || out[0].ChunkCount != 2 {
		t.Fatalf("unexpected first class: %+v", out[0])
	}
	if out[1].ChunkSize != 256 || out[1].ChunkCount != 10 {
		t.Fatalf("unexpected merged class: %+v", out[1])
	}
}

func TestManagerAllocatesSmallestFittingPool(t *testing.T) {
	m, err := mempool.NewManager([]mempool.PoolConfig{
		{ChunkSize: 64, ChunkCount: 2},
		{ChunkSize: 256, ChunkCount: 2},
		{ChunkSize: 1024, ChunkCount: 2},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	pool, _, err := m.Allocate(100)
	if err != nil {
		t.Fatalf("Allocate(100): %v", err)
	}
	if pool.ChunkSize() != 256 {
		t.Fatalf("expected 256-byte pool for a 100-byte request, got %d", pool.ChunkSize())
	}
}

func TestManagerNoFallThroughOnExhaustion(t *testing.T) {
	m, err := mempool.NewManager([]mempool.PoolConfig{
		{ChunkSize: 64, ChunkCount: 1},
		{ChunkSize: 1024, ChunkCount: 1},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, _, err := m.Allocate(64); err != nil {
		t.Fatalf("first Allocate(64): %v", err)
	}
	// The 64-byte pool is now exhausted; even though the 1024-byte pool
	// has room, there must be no fall-through.
	if _, _, err := m.Allocate(64); err != mempool.ErrNoMemory {
		t.Fatalf("expected ErrNoMemory with no fall-through, got %v", err)
	}
}

func TestManagerRejectsNonIncreasingSizes(t *testing.T) {
	_, err := mempool.NewManagerFromPools([]*mempool.Pool{
		mempool.NewPool(256, 1),
		mempool.NewPool(128, 1),
	})
	if err == nil {
		t.Fatal("expected error for non-increasing pool sizes")
	}
}

func TestBoundarySizes(t *testing.T) {
	m, err := mempool.NewManager([]mempool.PoolConfig{{ChunkSize: 128, ChunkCount: 3}})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, _, err := m.Allocate(0); err != nil {
		t.Fatalf("Allocate(0): %v", err)
	}
	if _, _, err := m.Allocate(128); err != nil {
		t.Fatalf("Allocate(128) at exact pool size: %v", err)
	}
	if _, _, err := m.Allocate(129); err != mempool.ErrNoMemory {
		t.Fatalf("Allocate(129), one byte over largest pool, expected ErrNoMemory, got %v", err)
	}
}

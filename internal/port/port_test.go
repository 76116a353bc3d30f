package port_test

import (
	"sync"
	"testing"
	"time"

	"membrane/internal/chunk"
	"membrane/internal/mempool"
	"membrane/internal/port"
	"membrane/internal/relptr"
	"membrane/internal/shm"
)

type mapResolver struct {
	mu   sync.RWMutex
	recv map[port.PortRef]*port.ChunkReceiver
}

func newMapResolver() *mapResolver {
	return &mapResolver{recv: make(map[port.PortRef]*port.ChunkReceiver)}
}

func (m *mapResolver) add(ref port.PortRef, r *port.ChunkReceiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recv[ref] = r
}

func (m *mapResolver) Resolve(ref port.PortRef) (*port.ChunkReceiver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recv[ref]
	return r, ok
}

func newTestStore(t *testing.T) *chunk.Store {
	t.Helper()
	seg, err := shm.CreateAnonymous(1, 1<<20)
	if err != nil {
		t.Fatalf("CreateAnonymous: %v", err)
	}
	t.Cleanup(func() { seg.Destroy() })

	reg := relptr.New(4)
	if err := reg.Register(seg.ID(), uintptr(seg.Base()), seg.Size()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	store, _, err := chunk.NewStore(seg, reg, 0, []mempool.PoolConfig{{ChunkSize: 128, ChunkCount: 64}}, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

// TestHistoryReplayDeliversInOrder mirrors scenario S1: a subscriber
// connecting with historyRequest=2 after 3 chunks were already published
// with history capacity 2 must receive the 2 most recent, in order.
func TestHistoryReplayDeliversInOrder(t *testing.T) {
	store := newTestStore(t)
	resolver := newMapResolver()
	dist := port.NewChunkDistributor(resolver, port.DiscardOldestData, 2)
	sender := port.NewChunkSender(store, dist, 0, func() time.Time { return time.Unix(0, 0) })

	for i := 0; i < 3; i++ {
		c, err := sender.Loan(8)
		if err != nil {
			t.Fatalf("Loan %d: %v", i, err)
		}
		if err := sender.SendChunk(c, nil); err != nil {
			t.Fatalf("SendChunk %d: %v", i, err)
		}
	}

	recv := port.NewChunkReceiver(store, port.DiscardOldest, 8, 8, nil)
	resolver.add(1, recv)
	if err := dist.AddQueue(1, 2); err != nil {
		t.Fatalf("AddQueue: %v", err)
	}

	var seqs []uint64
	for i := 0; i < 2; i++ {
		c, err := recv.TryGetChunk()
		if err != nil {
			t.Fatalf("TryGetChunk %d: %v", i, err)
		}
		seqs = append(seqs, c.Sequence())
		recv.ReleaseChunk(c)
	}
	if len(seqs) != 2 || seqs[0] >= seqs[1] {
		t.Fatalf("replayed sequences %v not in increasing order", seqs)
	}
	if recv.HasMissedChunks() {
		t.Fatal("replay should not set the missed-chunks flag")
	}
}

// TestDiscardOldestSubscriberDropsUnderLoad mirrors scenario S3.
func TestDiscardOldestSubscriberDropsUnderLoad(t *testing.T) {
	store := newTestStore(t)
	resolver := newMapResolver()
	dist := port.NewChunkDistributor(resolver, port.DiscardOldestData, 0)
	sender := port.NewChunkSender(store, dist, 0, nil)

	recv := port.NewChunkReceiver(store, port.DiscardOldest, 4, 8, nil)
	resolver.add(1, recv)
	dist.AddQueue(1, 0)

	for i := 0; i < 10; i++ {
		c, err := sender.Loan(8)
		if err != nil {
			t.Fatalf("Loan %d: %v", i, err)
		}
		if err := sender.SendChunk(c, nil); err != nil {
			t.Fatalf("SendChunk %d: %v", i, err)
		}
	}

	if !recv.HasMissedChunks() {
		t.Fatal("expected hasMissedChunks to be true after overflow")
	}

	var seqs []uint64
	for {
		c, err := recv.TryGetChunk()
		if err == port.ErrEmpty {
			break
		}
		if err != nil {
			t.Fatalf("TryGetChunk: %v", err)
		}
		seqs = append(seqs, c.Sequence())
		recv.ReleaseChunk(c)
	}
	if len(seqs) != 4 {
		t.Fatalf("held %d chunks, want 4 (queue capacity)", len(seqs))
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("sequences %v not increasing", seqs)
		}
	}
}

// TestBlockProducerSuspendsAndResumes mirrors scenario S4: a
// WAIT_FOR_CONSUMER publisher against a full BLOCK_PRODUCER subscriber of
// capacity 1 blocks on the second send, and completes once the subscriber
// calls TryGetChunk.
func TestBlockProducerSuspendsAndResumes(t *testing.T) {
	store := newTestStore(t)
	resolver := newMapResolver()
	dist := port.NewChunkDistributor(resolver, port.WaitForConsumer, 0)
	sender := port.NewChunkSender(store, dist, 0, nil)

	recv := port.NewChunkReceiver(store, port.BlockProducer, 1, 8, nil)
	resolver.add(1, recv)
	dist.AddQueue(1, 0)

	first, err := sender.Loan(8)
	if err != nil {
		t.Fatalf("Loan: %v", err)
	}
	if err := sender.SendChunk(first, nil); err != nil {
		t.Fatalf("first SendChunk: %v", err)
	}

	second, err := sender.Loan(8)
	if err != nil {
		t.Fatalf("Loan: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- sender.SendChunk(second, nil)
	}()

	select {
	case <-done:
		t.Fatal("second SendChunk completed while the subscriber's queue was still full")
	case <-time.After(50 * time.Millisecond):
	}

	c, err := recv.TryGetChunk()
	if err != nil {
		t.Fatalf("TryGetChunk: %v", err)
	}
	recv.ReleaseChunk(c)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second SendChunk returned error after space freed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second SendChunk did not complete after TryGetChunk freed space")
	}
}

func TestCheckCompatibleRejectsDiscardOldestPublisherWithBlockProducerSubscriber(t *testing.T) {
	if err := port.CheckCompatible(port.DiscardOldestData, port.BlockProducer); err != port.ErrIncompatiblePolicies {
		t.Fatalf("CheckCompatible = %v, want ErrIncompatiblePolicies", err)
	}
	if err := port.CheckCompatible(port.WaitForConsumer, port.BlockProducer); err != nil {
		t.Fatalf("CheckCompatible(WaitForConsumer, BlockProducer) = %v, want nil", err)
	}
	if err := port.CheckCompatible(port.DiscardOldestData, port.DiscardOldest); err != nil {
		t.Fatalf("CheckCompatible(DiscardOldestData, DiscardOldest) = %v, want nil", err)
	}
}

func TestLoanEnforcesMaxAllocatedPerPort(t *testing.T) {
	store := newTestStore(t)
	resolver := newMapResolver()
	dist := port.NewChunkDistributor(resolver, port.DiscardOldestData, 0)
	sender := port.NewChunkSender(store, dist, 2, nil)

	first, err := sender.Loan(8)
	if err != nil {
		t.Fatalf("Loan 1: %v", err)
	}
	if _, err := sender.Loan(8); err != nil {
		t.Fatalf("Loan 2: %v", err)
	}
	if _, err := sender.Loan(8); err != port.ErrTooManyChunksHeldInParallel {
		t.Fatalf("Loan 3 = %v, want ErrTooManyChunksHeldInParallel", err)
	}

	if err := sender.ReleaseLoan(first); err != nil {
		t.Fatalf("ReleaseLoan: %v", err)
	}
	if _, err := sender.Loan(8); err != nil {
		t.Fatalf("Loan after release = %v, want nil", err)
	}
}

func TestReleaseAllReturnsChunksToPool(t *testing.T) {
	store := newTestStore(t)
	resolver := newMapResolver()
	dist := port.NewChunkDistributor(resolver, port.DiscardOldestData, 4)
	sender := port.NewChunkSender(store, dist, 0, nil)

	recv := port.NewChunkReceiver(store, port.DiscardOldest, 4, 8, nil)
	resolver.add(1, recv)
	dist.AddQueue(1, 0)

	for i := 0; i < 4; i++ {
		c, err := sender.Loan(8)
		if err != nil {
			t.Fatalf("Loan %d: %v", i, err)
		}
		if err := sender.SendChunk(c, nil); err != nil {
			t.Fatalf("SendChunk %d: %v", i, err)
		}
	}

	recv.ReleaseAll()
	dist.ReleaseHistory()

	if free := store.Pools()[0].FreeChunks(); free != int64(store.Pools()[0].ChunkCount()) {
		t.Fatalf("FreeChunks after full release = %d, want %d", free, store.Pools()[0].ChunkCount())
	}
}

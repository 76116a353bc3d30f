package router_test

import (
	"testing"
	"time"

	"membrane/internal/capro"
	"membrane/internal/chunk"
	"membrane/internal/mempool"
	"membrane/internal/port"
	"membrane/internal/portpool"
	"membrane/internal/process"
	"membrane/internal/relptr"
	"membrane/internal/router"
	"membrane/internal/shm"
)

func processRegRequest(name string) process.RegRequest {
	return process.RegRequest{RuntimeName: name, Monitored: true}
}

func assignSegment(id relptr.SegmentID) func() (process.RegReply, error) {
	return func() (process.RegReply, error) {
		return process.RegReply{SegmentID: id}, nil
	}
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

func newTestRouter(t *testing.T) (*router.Router, *chunk.Store) {
	t.Helper()
	pool := portpool.New(portpool.Capacities{
		Publishers: 4, Subscribers: 4, Interfaces: 2, Applications: 2, Nodes: 2, ConditionVariables: 2,
	})
	store := newTestStore(t)
	r := router.New(pool, router.Config{Stores: []*chunk.Store{store}})
	return r, store
}

func addPublisher(t *testing.T, r *router.Router, store *chunk.Store, desc capro.Descriptor, runtimeName string) *port.PublisherPort {
	t.Helper()
	p, _, err := r.CreatePublisherPort(desc, runtimeName, port.WaitForConsumer, 4, 0)
	if err != nil {
		t.Fatalf("CreatePublisherPort: %v", err)
	}
	return p
}

func addSubscriber(t *testing.T, r *router.Router, store *chunk.Store, desc capro.Descriptor, runtimeName string) *port.SubscriberPort {
	t.Helper()
	s, _, err := r.CreateSubscriberPort(desc, runtimeName, port.BlockProducer, 0, false, 4, 8)
	if err != nil {
		t.Fatalf("CreateSubscriberPort: %v", err)
	}
	return s
}

func TestDiscoveryPassCompletesOfferSubscribeHandshake(t *testing.T) {
	r, store := newTestRouter(t)
	desc := capro.Descriptor{Service: "Radar", Instance: "FrontRight", Event: "Obj"}

	pub := addPublisher(t, r, store, desc, "producer")
	sub := addSubscriber(t, r, store, desc, "consumer")

	if err := pub.Offer(); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	r.DiscoveryPass()
	if pub.State() != port.Offered {
		t.Fatalf("publisher state = %v, want Offered", pub.State())
	}

	if err := sub.Subscribe(); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	r.DiscoveryPass()
	if sub.State() != port.Subscribed {
		t.Fatalf("subscriber state = %v, want Subscribed", sub.State())
	}
	if !pub.HasSubscribers() {
		t.Fatal("publisher should have a connected subscriber after discovery pass")
	}
	if r.Registry.Len() != 1 {
		t.Fatalf("Registry.Len() = %d, want 1", r.Registry.Len())
	}
}

func TestDiscoveryPassNotifiesChangedOnOffer(t *testing.T) {
	r, store := newTestRouter(t)
	desc := capro.Descriptor{Service: "Radar", Instance: "FrontRight", Event: "Obj"}
	pub := addPublisher(t, r, store, desc, "producer")

	waited := r.Changed.C()
	if err := pub.Offer(); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	r.DiscoveryPass()

	select {
	case <-waited:
	default:
		t.Fatal("Changed should have fired after an offer was registered")
	}
}

func TestDiscoveryPassParksUnmatchedSubscriberInWaitForOffer(t *testing.T) {
	r, store := newTestRouter(t)
	desc := capro.Descriptor{Service: "S", Instance: "I", Event: "E"}
	sub := addSubscriber(t, r, store, desc, "consumer")

	if err := sub.Subscribe(); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	r.DiscoveryPass()
	if sub.State() != port.WaitForOffer {
		t.Fatalf("subscriber state = %v, want WaitForOffer with no matching publisher", sub.State())
	}
}

func TestDiscoveryPassReOffersToWaitingSubscriber(t *testing.T) {
	r, store := newTestRouter(t)
	desc := capro.Descriptor{Service: "S", Instance: "I", Event: "E"}
	sub := addSubscriber(t, r, store, desc, "consumer")
	sub.Subscribe()
	r.DiscoveryPass()
	if sub.State() != port.WaitForOffer {
		t.Fatalf("precondition: subscriber state = %v, want WaitForOffer", sub.State())
	}

	pub := addPublisher(t, r, store, desc, "producer")
	pub.Offer()
	r.DiscoveryPass()

	if sub.State() != port.Subscribed {
		t.Fatalf("subscriber state after late offer = %v, want Subscribed", sub.State())
	}
	if !pub.HasSubscribers() {
		t.Fatal("publisher should have picked up the waiting subscriber")
	}
}

func TestKeepAliveSweepMarksOwnedPortsToBeDestroyed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := now
	pool := portpool.New(portpool.Capacities{Publishers: 2, Subscribers: 2, Interfaces: 1, Applications: 1, Nodes: 1, ConditionVariables: 1})
	store := newTestStore(t)
	r := router.New(pool, router.Config{
		KeepAliveTimeout: 50 * time.Millisecond,
		Now:              func() time.Time { return clock },
		Stores:           []*chunk.Store{store},
	})
	desc := capro.Descriptor{Service: "S", Instance: "I", Event: "E"}
	pub := addPublisher(t, r, store, desc, "doomed")

	if _, _, err := r.Processes.Register(processRegRequest("doomed"), assignSegment(1)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	clock = clock.Add(100 * time.Millisecond)
	r.KeepAliveSweep()

	if !pub.ToBeDestroyed() {
		t.Fatal("publisher owned by reaped process should be marked to-be-destroyed")
	}
	if r.Processes.Len() != 0 {
		t.Fatalf("Processes.Len() = %d, want 0 after reap", r.Processes.Len())
	}
}

func TestDiscoveryPassTearsDownMarkedPublisher(t *testing.T) {
	r, store := newTestRouter(t)
	desc := capro.Descriptor{Service: "S", Instance: "I", Event: "E"}
	pub := addPublisher(t, r, store, desc, "producer")
	sub := addSubscriber(t, r, store, desc, "consumer")
	pub.Offer()
	r.DiscoveryPass()
	sub.Subscribe()
	r.DiscoveryPass()

	pub.MarkToBeDestroyed()
	r.DiscoveryPass()

	if r.Pool.Publishers.Len() != 0 {
		t.Fatalf("Publishers.Len() = %d, want 0 after teardown", r.Pool.Publishers.Len())
	}
	if r.Registry.Len() != 0 {
		t.Fatalf("Registry.Len() = %d, want 0 after publisher teardown", r.Registry.Len())
	}
	if sub.State() != port.WaitForOffer {
		t.Fatalf("subscriber state after peer teardown = %v, want WaitForOffer", sub.State())
	}
}

// TestDiscoveryPassTearsDownMarkedSubscriberDetachesFromLivePublisher covers
// the opposite direction of TestDiscoveryPassTearsDownMarkedPublisher: a
// subscriber destroyed while its publisher is still offered must be
// detached from that publisher's distributor, so a later subscriber
// reusing the same PortPool slot never receives chunks meant for the one
// that was torn down.
func TestDiscoveryPassTearsDownMarkedSubscriberDetachesFromLivePublisher(t *testing.T) {
	r, store := newTestRouter(t)
	desc := capro.Descriptor{Service: "S", Instance: "I", Event: "E"}

	pub := addPublisher(t, r, store, desc, "producer")
	pub.Offer()
	r.DiscoveryPass()

	sub := addSubscriber(t, r, store, desc, "consumer")
	sub.Subscribe()
	r.DiscoveryPass()
	if !pub.HasSubscribers() {
		t.Fatal("precondition: publisher should have a connected subscriber")
	}

	sub.MarkToBeDestroyed()
	r.DiscoveryPass()

	if pub.HasSubscribers() {
		t.Fatal("publisher should have no subscribers after the sole subscriber was torn down")
	}
	if r.Pool.Subscribers.Len() != 0 {
		t.Fatalf("Subscribers.Len() = %d, want 0 after teardown", r.Pool.Subscribers.Len())
	}

	sub2 := addSubscriber(t, r, store, desc, "consumer2")
	sub2.Subscribe()
	r.DiscoveryPass()
	if !pub.HasSubscribers() {
		t.Fatal("publisher should pick up the new subscriber via a fresh SUB/ACK, not stale state")
	}

	c, err := pub.Sender.Loan(8)
	if err != nil {
		t.Fatalf("Loan: %v", err)
	}
	if err := pub.Sender.SendChunk(c, nil); err != nil {
		t.Fatalf("SendChunk: %v", err)
	}
	got, err := sub2.Receiver.TryGetChunk()
	if err != nil {
		t.Fatalf("sub2 TryGetChunk: %v", err)
	}
	sub2.Receiver.ReleaseChunk(got)
}

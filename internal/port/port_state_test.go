package port_test

import (
	"testing"

	"membrane/internal/capro"
	"membrane/internal/port"
)

func newWiredPorts(t *testing.T) (*port.PublisherPort, *port.SubscriberPort, *mapResolver) {
	t.Helper()
	store := newTestStore(t)
	resolver := newMapResolver()

	desc := capro.Descriptor{Service: "Radar", Instance: "FrontRight", Event: "Obj"}

	dist := port.NewChunkDistributor(resolver, port.WaitForConsumer, 4)
	sender := port.NewChunkSender(store, dist, 0, nil)
	pub := port.NewPublisherPort(1, 100, desc, "producer", port.WaitForConsumer, 4, sender, dist)

	recv := port.NewChunkReceiver(store, port.BlockProducer, 4, 8, nil)
	sub := port.NewSubscriberPort(2, 200, desc, "consumer", port.BlockProducer, 0, false, recv)
	resolver.add(sub.ID, recv)

	return pub, sub, resolver
}

func TestOfferSubscribeHandshake(t *testing.T) {
	pub, sub, _ := newWiredPorts(t)

	if err := pub.Offer(); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if msg, ok := pub.TryGetCaProMessage(); !ok || msg.Type != capro.Offer {
		t.Fatalf("expected pending OFFER message, got %+v, %v", msg, ok)
	}
	pub.AcknowledgeOffer()
	if pub.State() != port.Offered {
		t.Fatalf("publisher state = %v, want Offered", pub.State())
	}

	if err := sub.Subscribe(); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	msg, ok := sub.TryGetCaProMessage()
	if !ok || msg.Type != capro.Sub {
		t.Fatalf("expected pending SUB message, got %+v, %v", msg, ok)
	}

	reply := pub.DispatchSub(sub.ID, msg, sub.QueueFullPolicy, sub.RequiresHistorySupport)
	if reply.Type != capro.Ack {
		t.Fatalf("DispatchSub reply = %v, want ACK", reply.Type)
	}
	sub.HandleReply(reply)
	if sub.State() != port.Subscribed {
		t.Fatalf("subscriber state = %v, want Subscribed", sub.State())
	}
	if !pub.HasSubscribers() {
		t.Fatal("publisher should now have a connected subscriber")
	}
}

func TestDispatchSubRejectsIncompatiblePolicies(t *testing.T) {
	store := newTestStore(t)
	resolver := newMapResolver()
	desc := capro.Descriptor{Service: "S", Instance: "I", Event: "E"}

	dist := port.NewChunkDistributor(resolver, port.DiscardOldestData, 0)
	sender := port.NewChunkSender(store, dist, 0, nil)
	pub := port.NewPublisherPort(1, 100, desc, "producer", port.DiscardOldestData, 0, sender, dist)
	pub.Offer()
	pub.AcknowledgeOffer()

	recv := port.NewChunkReceiver(store, port.BlockProducer, 4, 8, nil)
	sub := port.NewSubscriberPort(2, 200, desc, "consumer", port.BlockProducer, 0, false, recv)
	resolver.add(sub.ID, recv)
	sub.Subscribe()
	msg, _ := sub.TryGetCaProMessage()

	reply := pub.DispatchSub(sub.ID, msg, sub.QueueFullPolicy, sub.RequiresHistorySupport)
	if reply.Type != capro.Nack {
		t.Fatalf("DispatchSub reply = %v, want NACK for DISCARD_OLDEST_DATA/BLOCK_PRODUCER pairing", reply.Type)
	}
	sub.HandleReply(reply)
	if sub.State() != port.WaitForOffer {
		t.Fatalf("subscriber state = %v, want WaitForOffer after NACK", sub.State())
	}
}

func TestStopOfferParksSubscriberInWaitForOffer(t *testing.T) {
	pub, sub, _ := newWiredPorts(t)
	pub.Offer()
	pub.AcknowledgeOffer()
	sub.Subscribe()
	msg, _ := sub.TryGetCaProMessage()
	reply := pub.DispatchSub(sub.ID, msg, sub.QueueFullPolicy, sub.RequiresHistorySupport)
	sub.HandleReply(reply)

	if err := pub.StopOffer(); err != nil {
		t.Fatalf("StopOffer: %v", err)
	}
	if _, ok := pub.TryGetCaProMessage(); !ok {
		t.Fatal("expected a pending STOP_OFFER message")
	}
	sub.HandlePeerStopOffer()
	if sub.State() != port.WaitForOffer {
		t.Fatalf("subscriber state after peer STOP_OFFER = %v, want WaitForOffer", sub.State())
	}
}

func TestPublisherTeardownReleasesChunksAndDetachesSubscribers(t *testing.T) {
	pub, sub, _ := newWiredPorts(t)
	pub.Offer()
	pub.AcknowledgeOffer()
	sub.Subscribe()
	msg, _ := sub.TryGetCaProMessage()
	reply := pub.DispatchSub(sub.ID, msg, sub.QueueFullPolicy, sub.RequiresHistorySupport)
	sub.HandleReply(reply)

	c, err := pub.Sender.Loan(16)
	if err != nil {
		t.Fatalf("Loan: %v", err)
	}
	if err := pub.Sender.SendChunk(c, nil); err != nil {
		t.Fatalf("SendChunk: %v", err)
	}

	pub.MarkToBeDestroyed()
	if !pub.ToBeDestroyed() {
		t.Fatal("ToBeDestroyed should report true after MarkToBeDestroyed")
	}
	pub.ReleaseAllChunks()
	if pub.HasSubscribers() {
		t.Fatal("subscribers should be detached after ReleaseAllChunks")
	}

	sub.ReleaseQueuedChunks()
}

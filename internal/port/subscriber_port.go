package port

import (
	"errors"
	"sync"

	"membrane/internal/capro"
	"membrane/internal/chunk"
)

// SubscriptionState is the subscriber port's state machine (spec §4.6).
type SubscriptionState int32

const (
	NotSubscribed SubscriptionState = iota
	SubscribeRequested
	Subscribed
	UnsubscribeRequested
	WaitForOffer
)

func (s SubscriptionState) String() string {
	switch s {
	case NotSubscribed:
		return "NOT_SUBSCRIBED"
	case SubscribeRequested:
		return "SUBSCRIBE_REQUESTED"
	case Subscribed:
		return "SUBSCRIBED"
	case UnsubscribeRequested:
		return "UNSUBSCRIBE_REQUESTED"
	case WaitForOffer:
		return "WAIT_FOR_OFFER"
	default:
		return "UNKNOWN"
	}
}

// ErrAlreadySubscribed and ErrNotSubscribed report misuse of
// subscribe/unsubscribe from the wrong state.
var (
	ErrAlreadySubscribed = errors.New("port: subscriber already subscribed or awaiting a reply")
	ErrNotSubscribed     = errors.New("port: subscriber is not currently subscribed")
)

// SubscriberPort combines a SubscriberPortData's user view (Subscribe,
// TryGetChunk, ReleaseChunk, HasData, HasMissedData) and router view
// (dispatch, ReleaseQueuedChunks, ToBeDestroyed) over one ChunkReceiver.
type SubscriberPort struct {
	ID          PortRef
	Ref         capro.PortRef
	Descriptor  capro.Descriptor
	RuntimeName string

	QueueFullPolicy        QueueFullPolicy
	HistoryRequest         uint32
	RequiresHistorySupport bool

	Receiver *ChunkReceiver

	mu            sync.Mutex
	state         SubscriptionState
	outbox        []capro.Message
	toBeDestroyed bool
}

// NewSubscriberPort wires a SubscriberPort over an already-built receiver.
func NewSubscriberPort(id PortRef, ref capro.PortRef, desc capro.Descriptor, runtimeName string,
	policy QueueFullPolicy, historyRequest uint32, requiresHistorySupport bool, receiver *ChunkReceiver) *SubscriberPort {
	return &SubscriberPort{
		ID:                     id,
		Ref:                    ref,
		Descriptor:             desc,
		RuntimeName:            runtimeName,
		QueueFullPolicy:        policy,
		HistoryRequest:         historyRequest,
		RequiresHistorySupport: requiresHistorySupport,
		Receiver:               receiver,
	}
}

// --- user view ---

// Subscribe transitions NOT_SUBSCRIBED -> SUBSCRIBE_REQUESTED and queues a
// SUB message for the discovery pass to route to a matching publisher.
func (s *SubscriberPort) Subscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != NotSubscribed && s.state != WaitForOffer {
		return ErrAlreadySubscribed
	}
	s.state = SubscribeRequested
	s.outbox = append(s.outbox, capro.NewSub(s.Ref, s.Descriptor, capro.QueueOptions{
		HistoryRequest: s.HistoryRequest,
		QueueCapacity:  uint32(s.Receiver.Capacity()),
	}))
	return nil
}

// Unsubscribe transitions SUBSCRIBED -> UNSUBSCRIBE_REQUESTED and queues
// an UNSUB message.
func (s *SubscriberPort) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Subscribed {
		return ErrNotSubscribed
	}
	s.state = UnsubscribeRequested
	s.outbox = append(s.outbox, capro.NewUnsub(s.Ref, s.Descriptor))
	return nil
}

// TryGetChunk, ReleaseChunk delegate straight to the receiver.
func (s *SubscriberPort) TryGetChunk() (chunk.SharedChunk, error) { return s.Receiver.TryGetChunk() }
func (s *SubscriberPort) ReleaseChunk(c chunk.SharedChunk) error  { return s.Receiver.ReleaseChunk(c) }

// HasData reports whether the inbox currently has anything queued.
func (s *SubscriberPort) HasData() bool { return s.Receiver.inbox.len() > 0 }

// HasMissedData returns and clears the overflow-drop flag.
func (s *SubscriberPort) HasMissedData() bool { return s.Receiver.HasMissedChunks() }

// State returns the subscriber's current subscription state.
func (s *SubscriberPort) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// --- router view ---

// TryGetCaProMessage pops one outgoing message for the discovery pass.
func (s *SubscriberPort) TryGetCaProMessage() (capro.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outbox) == 0 {
		return capro.Message{}, false
	}
	msg := s.outbox[0]
	s.outbox = s.outbox[1:]
	return msg, true
}

// HandleReply applies a publisher's ACK/NACK to this subscriber's pending
// SUB or UNSUB.
func (s *SubscriberPort) HandleReply(msg capro.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case SubscribeRequested:
		if msg.Type == capro.Ack {
			s.state = Subscribed
		} else {
			s.state = WaitForOffer
		}
	case UnsubscribeRequested:
		s.state = NotSubscribed
	}
}

// HandlePeerStopOffer moves a SUBSCRIBED subscriber to WAIT_FOR_OFFER when
// its publisher stops offering.
func (s *SubscriberPort) HandlePeerStopOffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Subscribed {
		s.state = WaitForOffer
	}
}

// HandlePeerOffer re-requests a subscription when a previously-awaited
// publisher re-offers while this subscriber is parked in WAIT_FOR_OFFER.
func (s *SubscriberPort) HandlePeerOffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == WaitForOffer {
		s.state = SubscribeRequested
		s.outbox = append(s.outbox, capro.NewSub(s.Ref, s.Descriptor, capro.QueueOptions{
			HistoryRequest: s.HistoryRequest,
			QueueCapacity:  uint32(s.Receiver.Capacity()),
		}))
	}
}

// MarkToBeDestroyed flags the port for teardown on the next discovery pass.
func (s *SubscriberPort) MarkToBeDestroyed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toBeDestroyed = true
}

// ToBeDestroyed reports whether MarkToBeDestroyed has been called.
func (s *SubscriberPort) ToBeDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toBeDestroyed
}

// ReleaseQueuedChunks drops every held and queued chunk; called by the
// router's teardown step after this subscriber has been detached from
// its publisher's distributor.
func (s *SubscriberPort) ReleaseQueuedChunks() {
	s.Receiver.ReleaseAll()
}

package port

import (
	"errors"
	"sync"

	"membrane/internal/capro"
)

// PublisherState is the publisher port's offer state machine (spec §4.5).
type PublisherState int32

const (
	NotOffered PublisherState = iota
	OfferedPending
	Offered
)

func (s PublisherState) String() string {
	switch s {
	case NotOffered:
		return "NOT_OFFERED"
	case OfferedPending:
		return "OFFERED_PENDING"
	case Offered:
		return "OFFERED"
	default:
		return "UNKNOWN"
	}
}

// ErrAlreadyOffered and ErrNotOffered report misuse of Offer/StopOffer from
// the wrong state.
var (
	ErrAlreadyOffered = errors.New("port: publisher is already offered or has a pending offer")
	ErrNotOffered     = errors.New("port: publisher is not currently offered")
)

// PublisherPort combines a PublisherPortData's user view (Offer, Loan,
// Send, Release) and router view (Dispatch, ReleaseAllChunks,
// ToBeDestroyed) over one ChunkSender/ChunkDistributor pair.
type PublisherPort struct {
	ID  PortRef
	Ref capro.PortRef

	Descriptor      capro.Descriptor
	RuntimeName     string
	TooSlowPolicy   PublisherPolicy
	HistoryCapacity uint32

	Sender      *ChunkSender
	Distributor *ChunkDistributor

	mu             sync.Mutex
	state          PublisherState
	outbox         []capro.Message
	toBeDestroyed  bool
}

// NewPublisherPort wires a PublisherPort over an already-built sender and
// distributor (built by the caller from a chunk.Store and a
// QueueResolver, e.g. the owning PortPool).
func NewPublisherPort(id PortRef, ref capro.PortRef, desc capro.Descriptor, runtimeName string,
	tooSlow PublisherPolicy, historyCapacity uint32, sender *ChunkSender, dist *ChunkDistributor) *PublisherPort {
	return &PublisherPort{
		ID:              id,
		Ref:             ref,
		Descriptor:      desc,
		RuntimeName:     runtimeName,
		TooSlowPolicy:   tooSlow,
		HistoryCapacity: historyCapacity,
		Sender:          sender,
		Distributor:     dist,
	}
}

// --- user view ---

// Offer transitions NOT_OFFERED -> OFFERED_PENDING and queues an OFFER
// message for the router's discovery pass to broadcast.
func (p *PublisherPort) Offer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != NotOffered {
		return ErrAlreadyOffered
	}
	p.state = OfferedPending
	p.outbox = append(p.outbox, capro.NewOffer(p.Ref, p.Descriptor))
	return nil
}

// StopOffer transitions OFFERED -> NOT_OFFERED and queues a STOP_OFFER
// message, which the router's discovery pass broadcasts to every
// connected subscriber before detaching them.
func (p *PublisherPort) StopOffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != Offered && p.state != OfferedPending {
		return ErrNotOffered
	}
	p.state = NotOffered
	p.outbox = append(p.outbox, capro.NewStopOffer(p.Ref, p.Descriptor))
	return nil
}

// HasSubscribers reports whether at least one subscriber is connected.
func (p *PublisherPort) HasSubscribers() bool {
	return len(p.Distributor.Subscribers()) > 0
}

// State returns the publisher's current offer state.
func (p *PublisherPort) State() PublisherState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// --- router view ---

// AcknowledgeOffer completes OFFERED_PENDING -> OFFERED once the router
// has registered the descriptor with the ServiceRegistry. No peer
// involvement is required for this half of the transition.
func (p *PublisherPort) AcknowledgeOffer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == OfferedPending {
		p.state = Offered
	}
}

// TryGetCaProMessage pops one outgoing message for the discovery pass to
// process, or reports none pending.
func (p *PublisherPort) TryGetCaProMessage() (capro.Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.outbox) == 0 {
		return capro.Message{}, false
	}
	msg := p.outbox[0]
	p.outbox = p.outbox[1:]
	return msg, true
}

// DispatchSub handles an incoming SUB from a subscriber, enforcing the
// connect-time compatibility checks (queue-full policy pairing and
// history-support requirement) before wiring its queue into the
// distributor. Returns the ACK/NACK to deliver back to the subscriber.
func (p *PublisherPort) DispatchSub(subscriber PortRef, msg capro.Message, subPolicy QueueFullPolicy, requiresHistorySupport bool) capro.Message {
	p.mu.Lock()
	offered := p.state == Offered
	p.mu.Unlock()

	if !offered {
		return capro.NewNack(msg.RequestingPort, msg.Descriptor)
	}
	if err := CheckCompatible(p.TooSlowPolicy, subPolicy); err != nil {
		return capro.NewNack(msg.RequestingPort, msg.Descriptor)
	}
	if requiresHistorySupport && p.HistoryCapacity == 0 {
		return capro.NewNack(msg.RequestingPort, msg.Descriptor)
	}

	var requestedHistory uint32
	if msg.HasQueueOptions {
		requestedHistory = msg.QueueOptions.HistoryRequest
	}
	if err := p.Distributor.AddQueue(subscriber, requestedHistory); err != nil {
		return capro.NewNack(msg.RequestingPort, msg.Descriptor)
	}
	return capro.NewAck(msg.RequestingPort, msg.Descriptor)
}

// DispatchUnsub detaches subscriber from the distributor and acknowledges.
func (p *PublisherPort) DispatchUnsub(subscriber PortRef, msg capro.Message) capro.Message {
	p.Distributor.RemoveQueue(subscriber)
	return capro.NewAck(msg.RequestingPort, msg.Descriptor)
}

// MarkToBeDestroyed flags the port for teardown on the next discovery pass.
func (p *PublisherPort) MarkToBeDestroyed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toBeDestroyed = true
}

// ToBeDestroyed reports whether MarkToBeDestroyed has been called.
func (p *PublisherPort) ToBeDestroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.toBeDestroyed
}

// ReleaseAllChunks detaches every subscriber queue reference and drops the
// history buffer; called by the router's teardown step once STOP_OFFER
// has been emitted to every connected subscriber.
func (p *PublisherPort) ReleaseAllChunks() {
	for _, ref := range p.Distributor.Subscribers() {
		p.Distributor.RemoveQueue(ref)
	}
	p.Distributor.ReleaseHistory()
	p.Sender.ReleaseAll()
}

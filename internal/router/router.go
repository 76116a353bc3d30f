// Package router implements the supervisory loop: the discovery pass that
// matches publishers to subscribers over CaPro, the keep-alive sweep that
// reaps dead processes, and the ordered teardown of to-be-destroyed ports.
package router

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"membrane/internal/capro"
	"membrane/internal/chunk"
	"membrane/internal/logging"
	"membrane/internal/notify"
	"membrane/internal/port"
	"membrane/internal/portpool"
	"membrane/internal/process"
)

// Config configures a Router's timing and identity.
type Config struct {
	DiscoveryInterval time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	Version           string
	Logger            *slog.Logger
	Now               func() time.Time

	// Stores are the data segments publishers allocate chunks from.
	// CreatePublisherPort and CreateSubscriberPort always use
	// Stores[0]; a router with no stores can still run discovery
	// and process bookkeeping but cannot service CREATE_PUBLISHER.
	Stores []*chunk.Store
}

// Router owns the PortPool, ServiceRegistry, and ProcessManager, and runs
// the discovery pass described in spec.md §4.7 on a timer.
type Router struct {
	Pool      *portpool.PortPool
	Registry  *capro.Registry
	Processes *process.Manager
	Stores    []*chunk.Store

	// Changed broadcasts after every DiscoveryPass that added, removed,
	// or reassigned a service offer, so a waitset-style consumer can
	// block on Changed.C() instead of polling Snapshot on a timer.
	Changed *notify.Signal

	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	scheduler *Scheduler
}

// New builds a Router over an already-constructed PortPool.
func New(pool *portpool.PortPool, cfg Config) *Router {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		Pool:     pool,
		Registry: capro.New(),
		Processes: process.NewManager(process.Config{
			Version:          cfg.Version,
			KeepAliveTimeout: cfg.KeepAliveTimeout,
			Now:              now,
		}),
		Stores:  cfg.Stores,
		Changed: notify.NewSignal(),
		logger:  logging.Default(cfg.Logger).With("component", "router"),
		now:     now,
	}
}

// ErrNoDataSegment is returned by CreatePublisherPort/CreateSubscriberPort
// when the router was started with no data segments configured.
var ErrNoDataSegment = fmt.Errorf("router: no data segment configured")

// CreatePublisherPort builds and inserts a PublisherPort for a
// CREATE_PUBLISHER request: the store-allocation and distributor-wiring
// steps the IPC server needs, promoted out of test-only helpers so the
// real dispatcher and the test suite build ports identically.
func (r *Router) CreatePublisherPort(desc capro.Descriptor, runtimeName string, tooSlow port.PublisherPolicy, historyCapacity uint32, maxAllocated int) (*port.PublisherPort, int, error) {
	if len(r.Stores) == 0 {
		return nil, 0, ErrNoDataSegment
	}
	dist := port.NewChunkDistributor(r.Pool, tooSlow, historyCapacity)
	sender := port.NewChunkSender(r.Stores[0], dist, maxAllocated, nil)
	idx, err := r.Pool.Publishers.Insert(nil)
	if err != nil {
		return nil, 0, err
	}
	p := port.NewPublisherPort(port.PortRef(idx), capro.PortRef(idx), desc, runtimeName, tooSlow, historyCapacity, sender, dist)
	r.Pool.Publishers.Remove(idx)
	if _, err := r.Pool.Publishers.Insert(p); err != nil {
		return nil, 0, err
	}
	return p, idx, nil
}

// CreateSubscriberPort builds and inserts a SubscriberPort for a
// CREATE_SUBSCRIBER request, mirroring CreatePublisherPort.
func (r *Router) CreateSubscriberPort(desc capro.Descriptor, runtimeName string, policy port.QueueFullPolicy, historyRequest uint32, requiresHistorySupport bool, capacity, maxHeldSimultaneously int) (*port.SubscriberPort, int, error) {
	if len(r.Stores) == 0 {
		return nil, 0, ErrNoDataSegment
	}
	recv := port.NewChunkReceiver(r.Stores[0], policy, capacity, maxHeldSimultaneously, nil)
	idx, err := r.Pool.Subscribers.Insert(nil)
	if err != nil {
		return nil, 0, err
	}
	s := port.NewSubscriberPort(port.PortRef(idx), capro.PortRef(idx), desc, runtimeName, policy, historyRequest, requiresHistorySupport, recv)
	r.Pool.Subscribers.Remove(idx)
	if _, err := r.Pool.Subscribers.Insert(s); err != nil {
		return nil, 0, err
	}
	return s, idx, nil
}

// Start launches the discovery-pass and keep-alive-sweep tickers.
func (r *Router) Start(discoveryInterval, keepAliveInterval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sched, err := NewScheduler(r.logger)
	if err != nil {
		return err
	}
	if err := sched.AddInterval("discovery-pass", discoveryInterval, r.DiscoveryPass); err != nil {
		return err
	}
	if err := sched.AddInterval("keepalive-sweep", keepAliveInterval, r.KeepAliveSweep); err != nil {
		return err
	}
	r.scheduler = sched
	return nil
}

// Stop halts the tickers.
func (r *Router) Stop() error {
	r.mu.Lock()
	sched := r.scheduler
	r.scheduler = nil
	r.mu.Unlock()
	if sched == nil {
		return nil
	}
	return sched.Stop()
}

// KeepAliveSweep reaps processes that missed KEEP_ALIVE_TIMEOUT and marks
// every port they own to-be-destroyed, so the next DiscoveryPass tears
// them down cleanly (spec.md §4.10).
func (r *Router) KeepAliveSweep() {
	dead := r.Processes.ReapDead()
	for _, name := range dead {
		r.logger.Warn("process missed keepalive deadline, reaping", "runtime_name", name)
		r.deletePortsOfProcess(name)
	}
}

// deletePortsOfProcess marks every port owned by the named process
// to-be-destroyed. Ownership is tracked by RuntimeName on each port.
func (r *Router) deletePortsOfProcess(name string) {
	r.Pool.Publishers.ForEach(func(_ int, p *port.PublisherPort) bool {
		if p != nil && p.RuntimeName == name {
			p.MarkToBeDestroyed()
		}
		return true
	})
	r.Pool.Subscribers.ForEach(func(_ int, s *port.SubscriberPort) bool {
		if s != nil && s.RuntimeName == name {
			s.MarkToBeDestroyed()
		}
		return true
	})
	markInbox := func(c *portpool.Container[*portpool.InboxData]) {
		c.ForEach(func(_ int, d *portpool.InboxData) bool {
			if d != nil && d.RuntimeName == name {
				d.ToBeDestroyed = true
			}
			return true
		})
	}
	markInbox(r.Pool.Interfaces)
	markInbox(r.Pool.Applications)
	markInbox(r.Pool.Nodes)
	markInbox(r.Pool.ConditionVariables)
}

// DiscoveryPass runs the five steps of spec.md §4.7 exactly once.
func (r *Router) DiscoveryPass() {
	r.drainPublisherOffers()
	r.drainSubscriberRequests()
	r.forwardInterfaces()
	r.reapAuxiliaryPorts()
	r.teardownMarkedPorts()
}

// drainPublisherOffers implements step 1: OFFER adds to the registry and
// broadcasts to parked subscribers; STOP_OFFER is symmetric.
func (r *Router) drainPublisherOffers() {
	r.Pool.Publishers.ForEach(func(_ int, p *port.PublisherPort) bool {
		if p == nil {
			return true
		}
		for {
			msg, ok := p.TryGetCaProMessage()
			if !ok {
				break
			}
			switch msg.Type {
			case capro.Offer:
				r.Registry.Add(msg.Descriptor)
				p.AcknowledgeOffer()
				r.broadcastOffer(msg.Descriptor)
				r.Changed.Notify()
			case capro.StopOffer:
				r.Registry.Remove(msg.Descriptor)
				r.broadcastStopOffer(msg.Descriptor)
				r.Changed.Notify()
			default:
				r.logger.Warn("unexpected publisher CaPro message", "type", msg.Type.String())
			}
		}
		return true
	})
}

// broadcastOffer re-requests a subscription for every subscriber parked in
// WAIT_FOR_OFFER whose descriptor now matches.
func (r *Router) broadcastOffer(desc capro.Descriptor) {
	r.Pool.Subscribers.ForEach(func(_ int, s *port.SubscriberPort) bool {
		if s != nil && s.Descriptor == desc {
			s.HandlePeerOffer()
		}
		return true
	})
}

// broadcastStopOffer parks every subscriber currently attached to desc
// back into WAIT_FOR_OFFER.
func (r *Router) broadcastStopOffer(desc capro.Descriptor) {
	r.Pool.Subscribers.ForEach(func(_ int, s *port.SubscriberPort) bool {
		if s != nil && s.Descriptor == desc {
			s.HandlePeerStopOffer()
		}
		return true
	})
}

// drainSubscriberRequests implements step 2: for each pending SUB/UNSUB,
// find a matching publisher and exchange ACK/NACK. The first offered
// publisher with a matching descriptor answers the SUB, and its NACK
// (e.g. for an incompatible policy pairing) is final; an unmatched SUB parks the subscriber in
// WAIT_FOR_OFFER via its own NACK handling.
func (r *Router) drainSubscriberRequests() {
	r.Pool.Subscribers.ForEach(func(_ int, s *port.SubscriberPort) bool {
		if s == nil {
			return true
		}
		for {
			msg, ok := s.TryGetCaProMessage()
			if !ok {
				break
			}
			switch msg.Type {
			case capro.Sub:
				reply := r.dispatchSub(s, msg)
				s.HandleReply(reply)
			case capro.Unsub:
				reply := r.dispatchUnsub(s, msg)
				s.HandleReply(reply)
			default:
				r.logger.Warn("unexpected subscriber CaPro message", "type", msg.Type.String())
			}
		}
		return true
	})
}

func (r *Router) dispatchSub(s *port.SubscriberPort, msg capro.Message) capro.Message {
	var reply capro.Message
	matched := false
	r.Pool.Publishers.ForEach(func(_ int, p *port.PublisherPort) bool {
		if p == nil || p.Descriptor != msg.Descriptor || p.State() != port.Offered {
			return true
		}
		reply = p.DispatchSub(s.ID, msg, s.QueueFullPolicy, s.RequiresHistorySupport)
		matched = true
		return false
	})
	if !matched {
		return capro.NewNack(msg.RequestingPort, msg.Descriptor)
	}
	return reply
}

func (r *Router) dispatchUnsub(s *port.SubscriberPort, msg capro.Message) capro.Message {
	reply := capro.NewAck(msg.RequestingPort, msg.Descriptor)
	r.Pool.Publishers.ForEach(func(_ int, p *port.PublisherPort) bool {
		if p == nil || p.Descriptor != msg.Descriptor {
			return true
		}
		reply = p.DispatchUnsub(s.ID, msg)
		return false
	})
	return reply
}

// forwardInterfaces implements step 3: a freshly registered interface port
// is replayed the full set of currently-offered services as OFFER
// messages, exactly once.
func (r *Router) forwardInterfaces() {
	offered := r.Registry.Find(capro.Wildcard, capro.Wildcard)
	r.Pool.Interfaces.ForEach(func(_ int, d *portpool.InboxData) bool {
		if d == nil || d.ToBeDestroyed || d.Initialized {
			return true
		}
		for _, desc := range offered {
			d.PushMessage(capro.NewOffer(0, desc))
		}
		d.Initialized = true
		return true
	})
}

// reapAuxiliaryPorts implements step 4: node, condition-variable,
// interface, and application ports flagged to-be-destroyed are removed
// from their containers.
func (r *Router) reapAuxiliaryPorts() {
	reap := func(c *portpool.Container[*portpool.InboxData]) {
		var toRemove []int
		c.ForEach(func(idx int, d *portpool.InboxData) bool {
			if d != nil && d.ToBeDestroyed {
				toRemove = append(toRemove, idx)
			}
			return true
		})
		for _, idx := range toRemove {
			c.Remove(idx)
		}
	}
	reap(r.Pool.Interfaces)
	reap(r.Pool.Applications)
	reap(r.Pool.Nodes)
	reap(r.Pool.ConditionVariables)
}

// teardownMarkedPorts implements step 5: an offered publisher flagged
// to-be-destroyed is removed from the registry and its subscribers are
// sent back to WAIT_FOR_OFFER; a flagged subscriber is detached from
// matching publishers' distributors. Both release their chunks and are
// removed from the PortPool.
func (r *Router) teardownMarkedPorts() {
	var pubsToRemove []int
	r.Pool.Publishers.ForEach(func(idx int, p *port.PublisherPort) bool {
		if p == nil || !p.ToBeDestroyed() {
			return true
		}
		if p.State() == port.Offered {
			r.Registry.Remove(p.Descriptor)
			r.broadcastStopOffer(p.Descriptor)
		}
		p.ReleaseAllChunks()
		pubsToRemove = append(pubsToRemove, idx)
		return true
	})
	for _, idx := range pubsToRemove {
		r.Pool.Publishers.Remove(idx)
	}
	if len(pubsToRemove) > 0 {
		r.Changed.Notify()
	}

	var subsToRemove []int
	r.Pool.Subscribers.ForEach(func(idx int, s *port.SubscriberPort) bool {
		if s == nil || !s.ToBeDestroyed() {
			return true
		}
		r.detachSubscriberFromPublishers(s, port.PortRef(idx))
		s.ReleaseQueuedChunks()
		subsToRemove = append(subsToRemove, idx)
		return true
	})
	for _, idx := range subsToRemove {
		r.Pool.Subscribers.Remove(idx)
	}
}

// detachSubscriberFromPublishers removes ref from every publisher's
// ChunkDistributor whose descriptor matches s, mirroring
// broadcastStopOffer's iteration pattern. A to-be-destroyed subscriber
// may still be attached to a live, still-offered publisher (the peer
// hasn't torn down); without this the publisher's distributor keeps
// delivering to ref after the subscriber slot is reused by a later
// Insert, silently cross-talking to whatever port lands there next.
func (r *Router) detachSubscriberFromPublishers(s *port.SubscriberPort, ref port.PortRef) {
	r.Pool.Publishers.ForEach(func(_ int, p *port.PublisherPort) bool {
		if p != nil && p.Descriptor == s.Descriptor {
			p.Distributor.RemoveQueue(ref)
		}
		return true
	})
}

// Snapshot is a read-only view over router state for introspection and
// membranectl status, assembled from existing atomics/containers — no
// separate publishing mechanism.
type Snapshot struct {
	RegistryEpoch     uint64
	ServiceCount      int
	PublisherCount    int
	SubscriberCount   int
	ProcessCount      int
	SampledAt         time.Time
}

// Snapshot reports current router occupancy.
func (r *Router) Snapshot() Snapshot {
	return Snapshot{
		RegistryEpoch:   r.Registry.Epoch(),
		ServiceCount:    r.Registry.Len(),
		PublisherCount:  r.Pool.Publishers.Len(),
		SubscriberCount: r.Pool.Subscribers.Len(),
		ProcessCount:    r.Processes.Len(),
		SampledAt:       r.now(),
	}
}

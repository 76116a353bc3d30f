package portpool

import (
	"membrane/internal/capro"
	"membrane/internal/port"
)

// InboxData backs the small port kinds that are little more than a
// runtime name and an inbox of CaPro messages: interface, application,
// and node ports, plus condition variables (which additionally carry a
// notify count but no payload of their own).
type InboxData struct {
	RuntimeName   string
	Inbox         []capro.Message
	ToBeDestroyed bool

	// Initialized is set once the router has replayed the currently
	// offered service set to a freshly inserted interface port (spec.md
	// §4.7 step 3). Application/node/condition-variable ports never use it.
	Initialized bool
}

// PushMessage appends msg to the inbox.
func (d *InboxData) PushMessage(msg capro.Message) { d.Inbox = append(d.Inbox, msg) }

// TryGetMessage pops the oldest pending message, if any.
func (d *InboxData) TryGetMessage() (capro.Message, bool) {
	if len(d.Inbox) == 0 {
		return capro.Message{}, false
	}
	msg := d.Inbox[0]
	d.Inbox = d.Inbox[1:]
	return msg, true
}

// Capacities fixes each port-data container's size for one PortPool, the
// compile-time-constant-per-router-configuration capacity the
// specification calls for (here: a router startup configuration value
// rather than a literal compile-time constant, since Go has no template
// non-type parameters to fix it at build time).
type Capacities struct {
	Publishers         int
	Subscribers        int
	Interfaces         int
	Applications       int
	Nodes              int
	ConditionVariables int
}

// PortPool is the directory of all port metadata: one fixed-capacity
// Container per port-data kind. It implements port.QueueResolver by
// resolving a port.PortRef as a Subscribers container index — the same
// index handed out by Insert, and the same index a ChunkDistributor
// stores instead of an owning *port.ChunkReceiver.
type PortPool struct {
	Publishers         *Container[*port.PublisherPort]
	Subscribers        *Container[*port.SubscriberPort]
	Interfaces         *Container[*InboxData]
	Applications       *Container[*InboxData]
	Nodes              *Container[*InboxData]
	ConditionVariables *Container[*InboxData]
}

// New builds a PortPool with the given per-kind capacities. The returned
// pool's containers hold plain Go-heap slots; call PlaceDirectories to
// additionally mirror each container's occupancy into a shared-memory
// segment via a MemoryProvider, so a client process can confirm a port
// handle's liveness by reading memory directly instead of over the IPC
// channel.
func New(cap Capacities) *PortPool {
	return &PortPool{
		Publishers:         NewContainer[*port.PublisherPort](cap.Publishers),
		Subscribers:        NewContainer[*port.SubscriberPort](cap.Subscribers),
		Interfaces:         NewContainer[*InboxData](cap.Interfaces),
		Applications:       NewContainer[*InboxData](cap.Applications),
		Nodes:              NewContainer[*InboxData](cap.Nodes),
		ConditionVariables: NewContainer[*InboxData](cap.ConditionVariables),
	}
}

// directoryAttacher is the common shape of Container[T].Attach, letting
// PlaceDirectories register every container's block without repeating
// itself per port-data kind.
type directoryAttacher interface {
	Attach(*SlotDirectory)
}

// PlaceDirectories registers one SlotDirectory MemoryBlock per container
// with provider. It returns a finish function the caller must invoke
// after provider.Layout(segmentBase) has run: Layout placement-constructs
// each block and hands back its base via OnMemoryAvailable, and only then
// does a real *SlotDirectory exist to attach. Until finish is called, the
// containers behave exactly like a PortPool built with plain New — Insert
// and Remove work, they just don't mirror to shared memory yet.
func (p *PortPool) PlaceDirectories(provider *MemoryProvider, cap Capacities) (finish func()) {
	type pending struct {
		container directoryAttacher
		handle    **SlotDirectory
	}
	var all []pending
	register := func(name string, capacity int, container directoryAttacher) {
		block, handle := NewMemoryBlock(name, capacity)
		provider.Register(block)
		all = append(all, pending{container: container, handle: handle})
	}
	register("portpool.publishers", cap.Publishers, p.Publishers)
	register("portpool.subscribers", cap.Subscribers, p.Subscribers)
	register("portpool.interfaces", cap.Interfaces, p.Interfaces)
	register("portpool.applications", cap.Applications, p.Applications)
	register("portpool.nodes", cap.Nodes, p.Nodes)
	register("portpool.condition_variables", cap.ConditionVariables, p.ConditionVariables)

	return func() {
		for _, pe := range all {
			pe.container.Attach(*pe.handle)
		}
	}
}

// directoryNames lists the SlotDirectory kinds PlaceDirectories and
// OpenDirectories register, in the fixed order that determines their
// layout offsets. Both functions must register in this exact order for a
// client's OpenDirectories call to land on the same offsets the router's
// PlaceDirectories computed.
func directoryNames(cap Capacities) []struct {
	name     string
	capacity int
} {
	return []struct {
		name     string
		capacity int
	}{
		{"portpool.publishers", cap.Publishers},
		{"portpool.subscribers", cap.Subscribers},
		{"portpool.interfaces", cap.Interfaces},
		{"portpool.applications", cap.Applications},
		{"portpool.nodes", cap.Nodes},
		{"portpool.condition_variables", cap.ConditionVariables},
	}
}

// OpenDirectories replays the same SlotDirectory layout PlaceDirectories
// builds inside the router, against base — a client process's own
// mapping of the management segment — and returns each directory keyed by
// name. It never initializes the underlying bytes: the router already
// owns that, from its own call to PlaceDirectories/Layout against the
// same segment. A client that also knows cap (echoed back on REG_ACK)
// needs no further wire protocol to find any of these directories.
func OpenDirectories(base uintptr, cap Capacities) map[string]*SlotDirectory {
	provider := &MemoryProvider{}
	type pending struct {
		name   string
		handle **SlotDirectory
	}
	var all []pending
	for _, d := range directoryNames(cap) {
		block, handle := openMemoryBlock(d.name, d.capacity)
		provider.Register(block)
		all = append(all, pending{name: d.name, handle: handle})
	}
	provider.Layout(base)

	dirs := make(map[string]*SlotDirectory, len(all))
	for _, pe := range all {
		dirs[pe.name] = *pe.handle
	}
	return dirs
}

// Resolve implements port.QueueResolver.
func (p *PortPool) Resolve(ref port.PortRef) (*port.ChunkReceiver, bool) {
	sp, ok := p.Subscribers.Get(int(ref))
	if !ok {
		return nil, false
	}
	return sp.Receiver, true
}

// Package capro implements the router's internal discovery protocol: the
// small messages ports exchange to offer, subscribe to, and tear down a
// connection, and the ServiceRegistry the router matches them against.
package capro

import "fmt"

// Descriptor identifies a service as a (service, instance, event) triple.
// Any field may be the wildcard "*" when used as a find() key; a
// concrete Descriptor stored in the registry never contains a wildcard.
type Descriptor struct {
	Service  string
	Instance string
	Event    string
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s/%s/%s", d.Service, d.Instance, d.Event)
}

// Wildcard is the descriptor-field value that matches any concrete value
// in find().
const Wildcard = "*"

// MessageType enumerates the CaPro exchange's message kinds.
type MessageType int

const (
	Offer MessageType = iota
	StopOffer
	Sub
	Unsub
	Ack
	Nack
	Find
	Reply
)

func (t MessageType) String() string {
	switch t {
	case Offer:
		return "OFFER"
	case StopOffer:
		return "STOP_OFFER"
	case Sub:
		return "SUB"
	case Unsub:
		return "UNSUB"
	case Ack:
		return "ACK"
	case Nack:
		return "NACK"
	case Find:
		return "FIND"
	case Reply:
		return "REPLY"
	default:
		return "UNKNOWN"
	}
}

// PortRef identifies the port that originated or is addressed by a
// message; its concrete representation (a PortPool index) lives in the
// port package to avoid a dependency cycle, so capro only needs an opaque
// comparable handle here.
type PortRef uint64

// QueueOptions carries the optional history/queue-capacity negotiation that
// rides along a SUB message.
type QueueOptions struct {
	HistoryRequest uint32
	QueueCapacity  uint32
}

// Message is one CaPro protocol message.
type Message struct {
	Type             MessageType
	Descriptor       Descriptor
	RequestingPort   PortRef
	QueueOptions     QueueOptions
	HasQueueOptions  bool
}

// NewOffer builds an OFFER message for desc from port.
func NewOffer(port PortRef, desc Descriptor) Message {
	return Message{Type: Offer, Descriptor: desc, RequestingPort: port}
}

// NewStopOffer builds a STOP_OFFER message for desc from port.
func NewStopOffer(port PortRef, desc Descriptor) Message {
	return Message{Type: StopOffer, Descriptor: desc, RequestingPort: port}
}

// NewSub builds a SUB message for desc from port, with optional history
// and queue-capacity negotiation.
func NewSub(port PortRef, desc Descriptor, opts QueueOptions) Message {
	return Message{Type: Sub, Descriptor: desc, RequestingPort: port, QueueOptions: opts, HasQueueOptions: true}
}

// NewUnsub builds an UNSUB message for desc from port.
func NewUnsub(port PortRef, desc Descriptor) Message {
	return Message{Type: Unsub, Descriptor: desc, RequestingPort: port}
}

// NewAck/NewNack build responses addressed back to port about desc.
func NewAck(port PortRef, desc Descriptor) Message {
	return Message{Type: Ack, Descriptor: desc, RequestingPort: port}
}

func NewNack(port PortRef, desc Descriptor) Message {
	return Message{Type: Nack, Descriptor: desc, RequestingPort: port}
}

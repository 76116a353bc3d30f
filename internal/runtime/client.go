// Package runtime is the client-side half of spec.md §2's second tier:
// a client process dials the router's IPC channel, sends REG, maps the
// management segment it's handed, and requests publisher/subscriber
// ports over the same connection — the runtime library an application
// links against, as opposed to internal/router which is membraned's own
// side of the channel.
package runtime

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"membrane/internal/capro"
	"membrane/internal/logging"
	"membrane/internal/port"
	"membrane/internal/portpool"
	"membrane/internal/process"
	"membrane/internal/relptr"
	"membrane/internal/shm"

	"log/slog"
)

// PublisherHandle is what CreatePublisher hands back: enough to confirm,
// by reading shared memory, that the router hasn't torn down and reused
// this slot out from under the caller. It does not carry the router's
// own *port.PublisherPort — that object stays process-local to the
// router (internal/portpool's SlotDirectory doc comment explains why) —
// so a PublisherHandle's Loan/Send path necessarily still goes over the
// IPC channel or a future shared data-segment mapping, not a direct
// in-process call.
type PublisherHandle struct {
	Index      int
	Generation uint32
}

// SubscriberHandle is PublisherHandle's subscriber-side counterpart,
// returned by CreateSubscriber.
type SubscriberHandle struct {
	Index      int
	Generation uint32
}

// Client is one application process's connection to the router: a
// single persistent socket carrying every REG/CREATE_*/FIND_SERVICE/
// KEEPALIVE frame this process sends, matching the one-connection-per-
// process shape internal/router.IPCServer expects.
type Client struct {
	conn        net.Conn
	reader      *bufio.Scanner
	logger      *slog.Logger
	runtimeName string

	mu sync.Mutex

	mgmtSeg *shm.Segment
	// mgmtReg resolves any relocatable pointer this process is later
	// handed into the management segment (a data segment's pointers are
	// registered the same way once this client also maps one to loan and
	// receive chunks).
	mgmtReg     *relptr.Registry
	directories map[string]*portpool.SlotDirectory
}

// Dial opens the IPC channel and sends REG for runtimeName. On success
// the management segment named in the REG_ACK is mapped into this
// process via shm.Open and its per-kind SlotDirectories are located
// against this process's own mapping (portpool.OpenDirectories), without
// any additional round trip.
func Dial(socketPath, runtimeName, user, version string, monitored bool, logger *slog.Logger) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: dial %s: %w", socketPath, err)
	}

	c := &Client{
		conn:        conn,
		reader:      bufio.NewScanner(conn),
		logger:      logging.Default(logger).With("component", "runtime-client", "runtime_name", runtimeName),
		runtimeName: runtimeName,
	}

	monitoredField := "0"
	if monitored {
		monitoredField = "1"
	}
	req := process.Frame{
		Type: string(process.Reg),
		Fields: []string{
			runtimeName,
			strconv.Itoa(os.Getpid()),
			user,
			monitoredField,
			uuid.New().String(),
			version,
		},
	}
	reply, err := c.roundTrip(req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if process.ReplyType(reply.Type) == process.ErrorReply {
		conn.Close()
		return nil, fmt.Errorf("runtime: REG rejected: %s", reply.Field(0))
	}

	segID, _ := reply.FieldInt(0)
	segName := reply.Field(1)
	segSize, _ := reply.FieldInt(2)
	cap := portpool.Capacities{}
	if n, err := reply.FieldInt(4); err == nil {
		cap.Publishers = int(n)
	}
	if n, err := reply.FieldInt(5); err == nil {
		cap.Subscribers = int(n)
	}
	if n, err := reply.FieldInt(6); err == nil {
		cap.Interfaces = int(n)
	}
	if n, err := reply.FieldInt(7); err == nil {
		cap.Applications = int(n)
	}
	if n, err := reply.FieldInt(8); err == nil {
		cap.Nodes = int(n)
	}
	if n, err := reply.FieldInt(9); err == nil {
		cap.ConditionVariables = int(n)
	}

	seg, err := shm.Open(relptr.SegmentID(segID), segName, uintptr(segSize))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("runtime: map management segment %q: %w", segName, err)
	}

	reg := relptr.New(1)
	if err := reg.Register(relptr.SegmentID(segID), uintptr(seg.Base()), seg.Size()); err != nil {
		seg.Close()
		conn.Close()
		return nil, fmt.Errorf("runtime: register management segment: %w", err)
	}

	c.mgmtSeg = seg
	c.mgmtReg = reg
	c.directories = portpool.OpenDirectories(uintptr(seg.Base()), cap)

	c.logger.Info("registered with router", "segment", segName, "size", segSize)
	return c, nil
}

// DialStatusOnly opens the IPC channel without sending REG or mapping the
// management segment — enough to issue STATUS and FIND_SERVICE, which
// need no registered runtime name. Used by
// membranectl status, which is a diagnostic peek rather than a
// publishing/subscribing participant.
func DialStatusOnly(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: dial %s: %w", socketPath, err)
	}
	return &Client{
		conn:   conn,
		reader: bufio.NewScanner(conn),
		logger: logging.Discard(),
	}, nil
}

// roundTrip writes req and blocks for the next reply line. The channel
// is strictly request/reply per spec.md §6 except for the router-pushed
// PREPARE_APP_TERMINATION frame, which Close's caller is expected to
// watch for separately; ordinary request methods never see it because
// a well-behaved router only sends it once this process has stopped
// issuing requests of its own.
func (c *Client) roundTrip(req process.Frame) (process.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := fmt.Fprintf(c.conn, "%s\n", req.Encode()); err != nil {
		return process.Frame{}, fmt.Errorf("runtime: write %s: %w", req.Type, err)
	}
	if !c.reader.Scan() {
		if err := c.reader.Err(); err != nil {
			return process.Frame{}, fmt.Errorf("runtime: read reply to %s: %w", req.Type, err)
		}
		return process.Frame{}, fmt.Errorf("runtime: connection closed waiting for reply to %s", req.Type)
	}
	return process.Parse(c.reader.Text())
}

// CreatePublisher requests a publisher port for desc and returns a
// handle the caller can later validate with PublisherAlive.
func (c *Client) CreatePublisher(desc capro.Descriptor, policy port.PublisherPolicy, historyCapacity uint32, maxAllocated int) (PublisherHandle, error) {
	req := process.Frame{
		Type: string(process.CreatePublisher),
		Fields: []string{
			c.runtimeName,
			desc.Service, desc.Instance, desc.Event,
			strconv.Itoa(int(policy)),
			strconv.FormatUint(uint64(historyCapacity), 10),
			strconv.Itoa(maxAllocated),
		},
	}
	reply, err := c.roundTrip(req)
	if err != nil {
		return PublisherHandle{}, err
	}
	if process.ReplyType(reply.Type) == process.ErrorReply {
		return PublisherHandle{}, fmt.Errorf("runtime: CREATE_PUBLISHER rejected: %s", reply.Field(0))
	}
	idx, _ := reply.FieldInt(0)
	gen, _ := reply.FieldInt(1)
	return PublisherHandle{Index: int(idx), Generation: uint32(gen)}, nil
}

// CreateSubscriber requests a subscriber port for desc.
func (c *Client) CreateSubscriber(desc capro.Descriptor, policy port.QueueFullPolicy, historyRequest uint32, requiresHistorySupport bool, capacity, maxHeld int) (SubscriberHandle, error) {
	requiresField := "0"
	if requiresHistorySupport {
		requiresField = "1"
	}
	req := process.Frame{
		Type: string(process.CreateSubscriber),
		Fields: []string{
			c.runtimeName,
			desc.Service, desc.Instance, desc.Event,
			strconv.Itoa(int(policy)),
			strconv.FormatUint(uint64(historyRequest), 10),
			requiresField,
			strconv.Itoa(capacity),
			strconv.Itoa(maxHeld),
		},
	}
	reply, err := c.roundTrip(req)
	if err != nil {
		return SubscriberHandle{}, err
	}
	if process.ReplyType(reply.Type) == process.ErrorReply {
		return SubscriberHandle{}, fmt.Errorf("runtime: CREATE_SUBSCRIBER rejected: %s", reply.Field(0))
	}
	idx, _ := reply.FieldInt(0)
	gen, _ := reply.FieldInt(1)
	return SubscriberHandle{Index: int(idx), Generation: uint32(gen)}, nil
}

// Offer makes h visible to the next DiscoveryPass, so subscribers with a
// matching descriptor get connected.
func (c *Client) Offer(h PublisherHandle) error {
	return c.simpleRequest(process.Offer, h.Index)
}

// StopOffer is Offer's inverse.
func (c *Client) StopOffer(h PublisherHandle) error {
	return c.simpleRequest(process.StopOffer, h.Index)
}

// Subscribe requests delivery for h; until called the subscriber sits in
// WaitForOffer/Unsubscribed and receives nothing.
func (c *Client) Subscribe(h SubscriberHandle) error {
	return c.simpleRequest(process.Subscribe, h.Index)
}

// Unsubscribe is Subscribe's inverse.
func (c *Client) Unsubscribe(h SubscriberHandle) error {
	return c.simpleRequest(process.Unsubscribe, h.Index)
}

func (c *Client) simpleRequest(t process.RequestType, portIndex int) error {
	reply, err := c.roundTrip(process.Frame{
		Type:   string(t),
		Fields: []string{c.runtimeName, strconv.Itoa(portIndex)},
	})
	if err != nil {
		return err
	}
	if process.ReplyType(reply.Type) == process.ErrorReply {
		return fmt.Errorf("runtime: %s rejected: %s", t, reply.Field(0))
	}
	return nil
}

// FindService asks the router's ServiceRegistry for every Descriptor
// matching service/instance (capro.Wildcard matches any value in that
// field).
func (c *Client) FindService(service, instance string) ([]capro.Descriptor, error) {
	reply, err := c.roundTrip(process.Frame{
		Type:   string(process.FindService),
		Fields: []string{service, instance},
	})
	if err != nil {
		return nil, err
	}
	count, err := reply.FieldInt(0)
	if err != nil {
		return nil, fmt.Errorf("runtime: malformed FIND_SERVICE_REPLY: %w", err)
	}
	matches := make([]capro.Descriptor, 0, count)
	for i := int64(0); i < count; i++ {
		base := 1 + int(i)*3
		matches = append(matches, capro.Descriptor{
			Service:  reply.Field(base),
			Instance: reply.Field(base + 1),
			Event:    reply.Field(base + 2),
		})
	}
	return matches, nil
}

// Status is the client-side decoding of a STATUS_REPLY frame.
type Status struct {
	RegistryEpoch   uint64
	ServiceCount    int
	PublisherCount  int
	SubscriberCount int
	ProcessCount    int
	SampledAt       time.Time
}

// Status asks the router for a point-in-time Snapshot.
func (c *Client) Status() (Status, error) {
	reply, err := c.roundTrip(process.Frame{Type: string(process.Status)})
	if err != nil {
		return Status{}, err
	}
	if process.ReplyType(reply.Type) == process.ErrorReply {
		return Status{}, fmt.Errorf("runtime: STATUS rejected: %s", reply.Field(0))
	}
	epoch, _ := reply.FieldInt(0)
	services, _ := reply.FieldInt(1)
	publishers, _ := reply.FieldInt(2)
	subscribers, _ := reply.FieldInt(3)
	processes, _ := reply.FieldInt(4)
	sampledAtNanos, _ := reply.FieldInt(5)
	return Status{
		RegistryEpoch:   uint64(epoch),
		ServiceCount:    int(services),
		PublisherCount:  int(publishers),
		SubscriberCount: int(subscribers),
		ProcessCount:    int(processes),
		SampledAt:       time.Unix(0, sampledAtNanos),
	}, nil
}

// Keepalive sends one liveness beat. Call on KeepAliveInterval/2 or
// tighter so the router's sweep never reaps a live process.
func (c *Client) Keepalive() error {
	_, err := c.roundTrip(process.Frame{
		Type:   string(process.Keepalive),
		Fields: []string{c.runtimeName},
	})
	return err
}

// PublisherAlive reports whether h's slot is still occupied with h's
// generation, reading the management segment directly rather than
// asking the router. false means the port was torn down (and the slot
// may already belong to someone else); the caller must stop using
// whatever it built atop h.
func (c *Client) PublisherAlive(h PublisherHandle) bool {
	return c.slotAlive("portpool.publishers", h.Index, h.Generation)
}

// SubscriberAlive is PublisherAlive's subscriber-side counterpart.
func (c *Client) SubscriberAlive(h SubscriberHandle) bool {
	return c.slotAlive("portpool.subscribers", h.Index, h.Generation)
}

func (c *Client) slotAlive(kind string, idx int, generation uint32) bool {
	dir, ok := c.directories[kind]
	if !ok {
		return false
	}
	occupied, gen := dir.Lookup(idx)
	return occupied && gen == generation
}

// TerminationAck acknowledges a PREPARE_APP_TERMINATION push from the
// router, letting Manager.Shutdown skip the sigTerm/sigKill escalation
// for this process.
func (c *Client) TerminationAck() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.conn, "%s\n", process.Frame{
		Type:   string(process.TerminationAck),
		Fields: []string{c.runtimeName},
	}.Encode())
	return err
}

// Close unmaps the management segment and closes the IPC connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.mgmtSeg != nil {
		err = c.mgmtSeg.Close()
	}
	if cerr := c.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// keepaliveLoop runs Keepalive on interval until stop is closed, logging
// (not failing) transport errors — a single missed beat self-heals on
// the next tick rather than tearing down the client.
func (c *Client) keepaliveLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Keepalive(); err != nil {
				c.logger.Warn("keepalive failed", "error", err)
			}
		}
	}
}

// StartKeepalive launches the background keepalive loop and returns a
// function that stops it.
func (c *Client) StartKeepalive(interval time.Duration) (stop func()) {
	ch := make(chan struct{})
	go c.keepaliveLoop(interval, ch)
	return func() { close(ch) }
}

package router

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"membrane/internal/capro"
	"membrane/internal/logging"
	"membrane/internal/port"
	"membrane/internal/portpool"
	"membrane/internal/process"
	"membrane/internal/relptr"
)

// IPCServer is the router's end of the client-facing channel described by
// spec.md §6: a client dials in, sends REG, and is handed the management
// segment's mapping coordinates; every subsequent frame on that same
// connection (CREATE_PUBLISHER, CREATE_SUBSCRIBER, FIND_SERVICE,
// KEEPALIVE, TERMINATION_ACK) is dispatched against this Router's
// PortPool, ServiceRegistry, and ProcessManager, with the reply written
// back on the same connection.
//
// Wire format: newline-delimited process.Frame text, one frame per line,
// request and reply interleaved on one persistent connection per client
// process — the same shape message_queue_interface.hpp's RouDi/runtime
// channel uses (a bidirectional message queue carrying positionally-typed
// fields), expressed here over a Unix domain socket instead of a POSIX
// message queue.
type IPCServer struct {
	path      string
	mgmtSegID relptr.SegmentID
	mgmtName  string
	mgmtSize  uintptr
	cap       portpool.Capacities

	router *Router
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewIPCServer builds a server that hands REG replies pointing at the
// management segment by name, size, and relocatable-pointer identity —
// never by base address, since a base address is a virtual address in
// the router's own process and is meaningless to a client mapping the
// same /dev/shm object at its own (generally different) address. cap is
// echoed back on REG_ACK so a client can independently run
// portpool.OpenDirectories against its own mapping of the segment and
// land on the same per-kind SlotDirectory offsets the router computed,
// without either side sending raw offsets over the wire.
func NewIPCServer(socketPath string, mgmtSegID relptr.SegmentID, mgmtName string, mgmtSize uintptr, cap portpool.Capacities, r *Router, logger *slog.Logger) *IPCServer {
	return &IPCServer{
		path:      socketPath,
		mgmtSegID: mgmtSegID,
		mgmtName:  mgmtName,
		mgmtSize:  mgmtSize,
		cap:       cap,
		router:    r,
		logger:    logging.Default(logger).With("component", "ipc-server"),
	}
}

// ListenAndServe binds the Unix domain socket and starts accepting
// connections in the background. Call Close to stop.
func (s *IPCServer) ListenAndServe() error {
	_ = os.Remove(s.path)
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("router: listen on %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(l)
	return nil
}

// Close stops accepting new connections and removes the socket file.
// Already-accepted connections are left to drain/close on their own.
func (s *IPCServer) Close() error {
	s.mu.Lock()
	l := s.listener
	s.listener = nil
	s.mu.Unlock()
	if l == nil {
		return nil
	}
	err := l.Close()
	s.wg.Wait()
	_ = os.Remove(s.path)
	return err
}

func (s *IPCServer) acceptLoop(l net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *IPCServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	var runtimeName string
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		frame, err := process.Parse(line)
		if err != nil {
			s.writeFrame(conn, process.NewError(process.MessageNotSupported))
			continue
		}

		reply, registeredName := s.dispatch(runtimeName, conn, frame)
		if registeredName != "" {
			runtimeName = registeredName
		}
		s.writeFrame(conn, reply)
	}

	if runtimeName != "" {
		s.router.Processes.Remove(runtimeName)
	}
}

func (s *IPCServer) writeFrame(conn net.Conn, f process.Frame) {
	if _, err := fmt.Fprintf(conn, "%s\n", f.Encode()); err != nil {
		s.logger.Warn("write reply failed", "error", err)
	}
}

// dispatch handles one request frame and returns the reply to send back,
// plus the client's runtime name if this frame was (or confirmed) its
// REG. runtimeName is the name already associated with this connection,
// if any.
func (s *IPCServer) dispatch(runtimeName string, conn net.Conn, f process.Frame) (process.Frame, string) {
	switch process.RequestType(f.Type) {
	case process.Reg:
		return s.handleReg(conn, f)
	case process.CreatePublisher:
		return s.handleCreatePublisher(f), ""
	case process.CreateSubscriber:
		return s.handleCreateSubscriber(f), ""
	case process.FindService:
		return s.handleFindService(f), ""
	case process.Status:
		return s.handleStatus(), ""
	case process.Offer:
		return s.handleOffer(f), ""
	case process.StopOffer:
		return s.handleStopOffer(f), ""
	case process.Subscribe:
		return s.handleSubscribe(f), ""
	case process.Unsubscribe:
		return s.handleUnsubscribe(f), ""
	case process.Keepalive:
		if err := s.router.Processes.Touch(f.Field(0)); err != nil {
			s.logger.Warn("keepalive for unknown process", "runtime_name", f.Field(0))
		}
		return process.Frame{Type: string(process.RegAck)}, ""
	case process.TerminationAck:
		s.router.Processes.Acknowledge(f.Field(0))
		return process.Frame{Type: string(process.PrepareAppTerminationAck)}, ""
	default:
		return process.NewError(process.MessageNotSupported), ""
	}
}

// handleReg decodes a REG frame's fields (runtime_name | pid | user |
// monitored | session_id | version), registers the process, and wires
// Record.Send to write frames back over this same connection — this is
// how the router later pushes PREPARE_APP_TERMINATION during Shutdown.
// The REG_ACK reply carries the management segment's name and size, not
// a base address: the client maps the named segment itself via shm.Open
// and discovers its own base, exactly as spec.md §3's relocatable
// pointers are meant to work.
func (s *IPCServer) handleReg(conn net.Conn, f process.Frame) (process.Frame, string) {
	pid, _ := strconv.Atoi(f.Field(1))
	monitored := f.Field(3) == "1"
	sessionID, _ := uuid.Parse(f.Field(4))

	req := process.RegRequest{
		RuntimeName: f.Field(0),
		PID:         pid,
		User:        f.Field(2),
		Monitored:   monitored,
		SessionID:   sessionID,
		Version:     f.Field(5),
	}

	rec, reply, err := s.router.Processes.Register(req, func() (process.RegReply, error) {
		return process.RegReply{SegmentID: s.mgmtSegID}, nil
	})
	if err != nil {
		s.logger.Warn("REG rejected", "runtime_name", req.RuntimeName, "error", err)
		return process.NewError(process.VersionMismatch), ""
	}
	rec.Send = func(frame process.Frame) error {
		_, err := fmt.Fprintf(conn, "%s\n", frame.Encode())
		return err
	}

	return process.Frame{
		Type: string(process.RegAck),
		Fields: []string{
			strconv.FormatUint(uint64(reply.SegmentID), 10),
			s.mgmtName,
			strconv.FormatUint(uint64(s.mgmtSize), 10),
			strconv.FormatInt(reply.Timestamp.UnixNano(), 10),
			strconv.Itoa(s.cap.Publishers),
			strconv.Itoa(s.cap.Subscribers),
			strconv.Itoa(s.cap.Interfaces),
			strconv.Itoa(s.cap.Applications),
			strconv.Itoa(s.cap.Nodes),
			strconv.Itoa(s.cap.ConditionVariables),
		},
	}, req.RuntimeName
}

// handleCreatePublisher decodes (runtime_name | service | instance |
// event | policy | history_capacity | max_allocated) and replies with
// (port_index | generation): the (index, generation) pair the client
// keeps alongside its locally-built PublisherPort wrapper to confirm
// against the shared-memory SlotDirectory that its handle hasn't been
// invalidated by a reused slot (see portpool.SlotDirectory).
func (s *IPCServer) handleCreatePublisher(f process.Frame) process.Frame {
	desc := capro.Descriptor{Service: f.Field(1), Instance: f.Field(2), Event: f.Field(3)}
	policyN, _ := f.FieldInt(4)
	history, _ := f.FieldInt(5)
	maxAllocated, _ := f.FieldInt(6)

	_, idx, err := s.router.CreatePublisherPort(desc, f.Field(0), port.PublisherPolicy(policyN), uint32(history), int(maxAllocated))
	if err != nil {
		s.logger.Warn("CREATE_PUBLISHER failed", "error", err)
		return process.NewError(process.PublisherListFull)
	}
	gen, _ := s.router.Pool.Publishers.Generation(idx)
	return process.Frame{
		Type:   string(process.CreatePublisherAck),
		Fields: []string{strconv.Itoa(idx), strconv.FormatUint(uint64(gen), 10)},
	}
}

// handleCreateSubscriber decodes (runtime_name | service | instance |
// event | policy | history_request | requires_history_support | capacity
// | max_held) and replies with (port_index | generation).
func (s *IPCServer) handleCreateSubscriber(f process.Frame) process.Frame {
	desc := capro.Descriptor{Service: f.Field(1), Instance: f.Field(2), Event: f.Field(3)}
	policyN, _ := f.FieldInt(4)
	historyRequest, _ := f.FieldInt(5)
	requiresHistory, _ := f.FieldBool(6)
	capacity, _ := f.FieldInt(7)
	maxHeld, _ := f.FieldInt(8)

	_, idx, err := s.router.CreateSubscriberPort(desc, f.Field(0), port.QueueFullPolicy(policyN), uint32(historyRequest), requiresHistory, int(capacity), int(maxHeld))
	if err != nil {
		s.logger.Warn("CREATE_SUBSCRIBER failed", "error", err)
		return process.NewError(process.SubscriberListFull)
	}
	gen, _ := s.router.Pool.Subscribers.Generation(idx)
	return process.Frame{
		Type:   string(process.CreateSubscriberAck),
		Fields: []string{strconv.Itoa(idx), strconv.FormatUint(uint64(gen), 10)},
	}
}

// handleStatus replies with a STATUS_REPLY carrying router.Snapshot's
// fields (registry_epoch | service_count | publisher_count |
// subscriber_count | process_count | sampled_at_unix_nano) — the data
// membranectl status prints, read the same way the discovery loop's own
// introspection would.
func (s *IPCServer) handleStatus() process.Frame {
	snap := s.router.Snapshot()
	return process.Frame{
		Type: string(process.StatusReply),
		Fields: []string{
			strconv.FormatUint(snap.RegistryEpoch, 10),
			strconv.Itoa(snap.ServiceCount),
			strconv.Itoa(snap.PublisherCount),
			strconv.Itoa(snap.SubscriberCount),
			strconv.Itoa(snap.ProcessCount),
			strconv.FormatInt(snap.SampledAt.UnixNano(), 10),
		},
	}
}

// handleOffer decodes (runtime_name | port_index) and calls Offer on the
// router's own *port.PublisherPort for that index, making it visible to
// the next DiscoveryPass.
func (s *IPCServer) handleOffer(f process.Frame) process.Frame {
	idx, err := f.FieldInt(1)
	if err != nil {
		return process.NewError(process.PortNotFound)
	}
	p, ok := s.router.Pool.Publishers.Get(int(idx))
	if !ok || p == nil {
		return process.NewError(process.PortNotFound)
	}
	if err := p.Offer(); err != nil {
		s.logger.Warn("OFFER failed", "error", err)
		return process.NewError(process.PortNotFound)
	}
	return process.Frame{Type: string(process.OK)}
}

// handleStopOffer is handleOffer's inverse.
func (s *IPCServer) handleStopOffer(f process.Frame) process.Frame {
	idx, err := f.FieldInt(1)
	if err != nil {
		return process.NewError(process.PortNotFound)
	}
	p, ok := s.router.Pool.Publishers.Get(int(idx))
	if !ok || p == nil {
		return process.NewError(process.PortNotFound)
	}
	if err := p.StopOffer(); err != nil {
		s.logger.Warn("STOP_OFFER failed", "error", err)
		return process.NewError(process.PortNotFound)
	}
	return process.Frame{Type: string(process.OK)}
}

// handleSubscribe decodes (runtime_name | port_index) and calls
// Subscribe on the router's own *port.SubscriberPort for that index.
func (s *IPCServer) handleSubscribe(f process.Frame) process.Frame {
	idx, err := f.FieldInt(1)
	if err != nil {
		return process.NewError(process.PortNotFound)
	}
	sp, ok := s.router.Pool.Subscribers.Get(int(idx))
	if !ok || sp == nil {
		return process.NewError(process.PortNotFound)
	}
	if err := sp.Subscribe(); err != nil {
		s.logger.Warn("SUBSCRIBE failed", "error", err)
		return process.NewError(process.PortNotFound)
	}
	return process.Frame{Type: string(process.OK)}
}

// handleUnsubscribe is handleSubscribe's inverse.
func (s *IPCServer) handleUnsubscribe(f process.Frame) process.Frame {
	idx, err := f.FieldInt(1)
	if err != nil {
		return process.NewError(process.PortNotFound)
	}
	sp, ok := s.router.Pool.Subscribers.Get(int(idx))
	if !ok || sp == nil {
		return process.NewError(process.PortNotFound)
	}
	if err := sp.Unsubscribe(); err != nil {
		s.logger.Warn("UNSUBSCRIBE failed", "error", err)
		return process.NewError(process.PortNotFound)
	}
	return process.Frame{Type: string(process.OK)}
}

// handleFindService decodes (service | instance) and replies with a
// FIND_SERVICE_REPLY carrying (count, then service/instance/event per
// match).
func (s *IPCServer) handleFindService(f process.Frame) process.Frame {
	matches := s.router.Registry.Find(f.Field(0), f.Field(1))
	fields := []string{strconv.Itoa(len(matches))}
	for _, d := range matches {
		fields = append(fields, d.Service, d.Instance, d.Event)
	}
	return process.Frame{Type: string(process.FindServiceReply), Fields: fields}
}

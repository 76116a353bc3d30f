package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"membrane/internal/relptr"
)

// ErrVersionMismatch and ErrNameTaken report a rejected REG.
var (
	ErrVersionMismatch = errors.New("process: incompatible version-info")
	ErrNameTaken        = errors.New("process: runtime name already registered to a monitored process")
)

// RegRequest carries a decoded REG frame's fields.
type RegRequest struct {
	RuntimeName string
	PID         int
	User        string
	Monitored   bool
	TxTimestamp time.Time
	SessionID   uuid.UUID
	Version     string
}

// RegReply is what Register hands back on success: where the client should
// map the management segment.
type RegReply struct {
	MgmtBase   uintptr
	MgmtSize   uintptr
	MgmtOffset uintptr
	Timestamp  time.Time
	SegmentID  relptr.SegmentID
}

// Record is the router's bookkeeping for one registered client process.
// It does not itself live in shared memory — unlike port-data, a process
// record is pure router-side state consulted by the liveness sweep and by
// deletePortsOfProcess.
type Record struct {
	RuntimeName   string
	PID           int
	User          string
	Monitored     bool
	SessionID     uuid.UUID
	SegmentID     relptr.SegmentID
	RegisteredAt  time.Time
	LastKeepalive time.Time

	// Send delivers a frame to this process's inbox channel. The concrete
	// transport (a named pipe, local socket, or test double) is supplied by
	// whatever accepted this process's REG; Manager never dials it itself.
	Send func(Frame) error
}

// Manager tracks every registered process, matching names to session
// identity, and runs the liveness sweep that reaps dead clients.
type Manager struct {
	mu               sync.Mutex
	records          map[string]*Record
	version          string
	now              func() time.Time
	keepAliveTimeout time.Duration

	shutdownMu     sync.Mutex
	shutdownAcked  map[string]bool
}

// Config configures a Manager.
type Config struct {
	// Version is the router's own version-info string; REG requests
	// carrying an incompatible one are rejected.
	Version string

	// KeepAliveTimeout is how long a monitored process may go without a
	// KEEPALIVE before ReapDead considers it gone.
	KeepAliveTimeout time.Duration

	// Now returns the current time; defaults to time.Now. Tests inject a
	// deterministic clock.
	Now func() time.Time
}

// NewManager creates an empty Manager.
func NewManager(cfg Config) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	timeout := cfg.KeepAliveTimeout
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return &Manager{
		records:          make(map[string]*Record),
		version:          cfg.Version,
		now:              now,
		keepAliveTimeout: timeout,
	}
}

// compatibleVersion reports whether a client's version-info may register
// against this router. Exact match only — the wire format carries no
// negotiation, consistent with spec.md's "no dynamic type negotiation"
// non-goal.
func (m *Manager) compatibleVersion(v string) bool {
	return m.version == "" || v == m.version
}

// Register handles a REG request: version check, then name-uniqueness
// check. A name already held by a monitored, live process is rejected —
// the existing record will be reaped by the liveness sweep on its own. A
// name held by an unmonitored process is silently replaced (its ports are
// the caller's responsibility to mark to-be-destroyed before calling
// Register, mirroring deletePortsOfProcess).
func (m *Manager) Register(req RegRequest, assign func() (RegReply, error)) (*Record, RegReply, error) {
	if !m.compatibleVersion(req.Version) {
		return nil, RegReply{}, ErrVersionMismatch
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[req.RuntimeName]; ok && existing.Monitored {
		return nil, RegReply{}, ErrNameTaken
	}

	reply, err := assign()
	if err != nil {
		return nil, RegReply{}, fmt.Errorf("process: assign management segment: %w", err)
	}

	rec := &Record{
		RuntimeName:   req.RuntimeName,
		PID:           req.PID,
		User:          req.User,
		Monitored:     req.Monitored,
		SessionID:     req.SessionID,
		SegmentID:     reply.SegmentID,
		RegisteredAt:  m.now(),
		LastKeepalive: m.now(),
	}
	m.records[req.RuntimeName] = rec
	reply.Timestamp = rec.RegisteredAt

	return rec, reply, nil
}

// Touch records a KEEPALIVE for name. Unknown names are a protocol error,
// logged by the caller rather than returned as fatal.
func (m *Manager) Touch(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return fmt.Errorf("process: keepalive for unregistered process %q", name)
	}
	rec.LastKeepalive = m.now()
	return nil
}

// Get returns the record for name, if registered.
func (m *Manager) Get(name string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	return rec, ok
}

// Remove drops a process record unconditionally.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, name)
}

// ReapDead returns the runtime names of every monitored process whose last
// keepalive is older than the configured timeout, and removes their
// records. The caller (the router's discovery pass) is responsible for
// calling deletePortsOfProcess for each returned name so their ports are
// marked to-be-destroyed and torn down on the next pass.
func (m *Manager) ReapDead() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadline := m.now().Add(-m.keepAliveTimeout)
	var dead []string
	for name, rec := range m.records {
		if !rec.Monitored {
			continue
		}
		if rec.LastKeepalive.Before(deadline) {
			dead = append(dead, name)
			delete(m.records, name)
		}
	}
	return dead
}

// Snapshot returns a point-in-time copy of every registered process, for
// introspection.
func (m *Manager) Snapshot() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out
}

// Len returns the number of registered processes.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Signal delivers an OS signal to a process; injected so Shutdown is
// testable without touching real PIDs. The default, set by the router's
// entrypoint, wraps syscall.Kill.
type Signal func(pid int, sig int) error

// Shutdown runs the graceful-termination sequence over every currently
// registered process: send PREPARE_APP_TERMINATION, wait up to ackWait for
// each to reply TERMINATION_ACK (observed via Acknowledge), signal the
// stragglers with sigTerm, wait up to killWait, then sigKill whoever is
// still unacknowledged. Every record is removed by the time Shutdown
// returns, regardless of whether its process cooperated.
func (m *Manager) Shutdown(ctx context.Context, ackWait, killWait time.Duration, sig Signal, sigTerm, sigKill int) {
	m.mu.Lock()
	targets := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		targets = append(targets, rec)
	}
	m.mu.Unlock()

	m.shutdownMu.Lock()
	m.shutdownAcked = make(map[string]bool, len(targets))
	m.shutdownMu.Unlock()
	defer func() {
		m.shutdownMu.Lock()
		m.shutdownAcked = nil
		m.shutdownMu.Unlock()
	}()

	for _, rec := range targets {
		if rec.Send == nil {
			continue
		}
		_ = rec.Send(Frame{Type: string(PrepareAppTermination)})
	}

	m.waitForAcks(ctx, ackWait, targets)
	m.signalStragglers(targets, sig, sigTerm)
	m.waitForAcks(ctx, killWait, targets)
	m.signalStragglers(targets, sig, sigKill)

	m.mu.Lock()
	for _, rec := range targets {
		delete(m.records, rec.RuntimeName)
	}
	m.mu.Unlock()
}

// Acknowledge records that name replied TERMINATION_ACK. Called by the
// router's IPC listener when it sees such a frame during a Shutdown pass.
func (m *Manager) Acknowledge(name string) {
	m.shutdownMu.Lock()
	defer m.shutdownMu.Unlock()
	if m.shutdownAcked != nil {
		m.shutdownAcked[name] = true
	}
}

func (m *Manager) hasAcked(name string) bool {
	m.shutdownMu.Lock()
	defer m.shutdownMu.Unlock()
	return m.shutdownAcked[name]
}

func (m *Manager) waitForAcks(ctx context.Context, d time.Duration, targets []*Record) {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		allAcked := true
		for _, rec := range targets {
			if !m.hasAcked(rec.RuntimeName) {
				allAcked = false
				break
			}
		}
		if allAcked {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) signalStragglers(targets []*Record, sig Signal, signum int) {
	if sig == nil {
		return
	}
	for _, rec := range targets {
		if m.hasAcked(rec.RuntimeName) {
			continue
		}
		_ = sig(rec.PID, signum)
	}
}

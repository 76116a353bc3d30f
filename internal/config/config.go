// Package config provides configuration persistence for the router.
//
// Config is declarative, load-on-start state: it describes the shape of
// the management segment, the data segments carved out of shared memory,
// the MemPool size classes within each, and the PortPool capacities and
// timing intervals the router uses once it starts. None of this is
// hot-reloaded — segment and pool shape is placement-constructed at
// segment creation (spec.md §4.9) and cannot change without recreating
// the segment.
package config

import (
	"context"
	"fmt"
	"time"

	"membrane/internal/mempool"
	"membrane/internal/portpool"
	"membrane/internal/relptr"
)

// Store persists and loads router configuration.
type Store interface {
	// Load reads the configuration. Returns nil config if none exists.
	Load(ctx context.Context) (*Config, error)

	// Save persists the configuration.
	Save(ctx context.Context, cfg *Config) error
}

// SegmentSpec describes one shared-memory data segment to create at
// router startup.
type SegmentSpec struct {
	// Name identifies the segment (used as the /dev/shm object name).
	Name string `json:"name"`

	// ID is the relocatable-pointer segment identifier (spec.md §3);
	// must be nonzero, since segment 0 is reserved for absolute pointers.
	ID relptr.SegmentID `json:"id"`

	// Size is the total segment size in bytes, management region
	// included.
	Size uint64 `json:"size"`

	// Pools are the MemPool size classes carved out of this segment,
	// passed through mempool.Optimize before use.
	Pools []mempool.PoolConfig `json:"pools"`

	// ReaderGroup and WriterGroup name the POSIX groups for read-only and
	// read-write /dev/shm access respectively. Validate accepts any value
	// and the daemon does not apply them: every data segment is created
	// with mode 0640, owned by the daemon's own user and group.
	ReaderGroup string `json:"reader_group,omitempty"`
	WriterGroup string `json:"writer_group,omitempty"`
}

// Config describes the desired shape of one router instance. It is
// declarative: it defines what should exist, not how to create it.
type Config struct {
	// ManagementSegmentSize is the size in bytes of the segment holding
	// the ServiceRegistry, PortPool, and ProcessManager bookkeeping —
	// everything that is not a data chunk.
	ManagementSegmentSize uint64 `json:"management_segment_size"`

	// Segments are the data segments the router creates at startup,
	// ordered ascending by ID.
	Segments []SegmentSpec `json:"segments"`

	// DiscoveryInterval is how often the router runs a discovery pass
	// (spec.md §4.7).
	DiscoveryInterval time.Duration `json:"discovery_interval"`

	// KeepAliveInterval is how often the router sweeps for processes
	// that missed their keep-alive deadline.
	KeepAliveInterval time.Duration `json:"keep_alive_interval"`

	// KeepAliveTimeout is how long a registered process may go without
	// a keep-alive before the router reaps it (spec.md §4.10).
	KeepAliveTimeout time.Duration `json:"keep_alive_timeout"`

	// Capacities fixes the size of every PortPool container.
	Capacities portpool.Capacities `json:"capacities"`

	// IPCSocketPath is the Unix domain socket path client processes
	// dial to REG, create ports, and FIND_SERVICE against the router
	// (spec.md §6). Defaults to "/tmp/membrane-mgmt.sock" if empty.
	IPCSocketPath string `json:"ipc_socket_path,omitempty"`
}

// Validate checks internal consistency: segment IDs are nonzero and
// unique, pool configs are non-empty, and capacities are non-negative.
// It does not check filesystem or shared-memory state.
func (c *Config) Validate() error {
	if c.ManagementSegmentSize == 0 {
		return fmt.Errorf("config: management_segment_size must be nonzero")
	}
	if len(c.Segments) == 0 {
		return fmt.Errorf("config: at least one data segment is required")
	}
	seen := make(map[relptr.SegmentID]bool, len(c.Segments))
	for _, s := range c.Segments {
		if s.ID == 0 {
			return fmt.Errorf("config: segment %q: id 0 is reserved for absolute pointers", s.Name)
		}
		if seen[s.ID] {
			return fmt.Errorf("config: segment %q: duplicate segment id %d", s.Name, s.ID)
		}
		seen[s.ID] = true
		if s.Size == 0 {
			return fmt.Errorf("config: segment %q: size must be nonzero", s.Name)
		}
		if len(s.Pools) == 0 {
			return fmt.Errorf("config: segment %q: at least one pool is required", s.Name)
		}
	}
	neg := func(name string, n int) error {
		if n < 0 {
			return fmt.Errorf("config: capacities.%s must be non-negative", name)
		}
		return nil
	}
	if err := neg("publishers", c.Capacities.Publishers); err != nil {
		return err
	}
	if err := neg("subscribers", c.Capacities.Subscribers); err != nil {
		return err
	}
	if err := neg("interfaces", c.Capacities.Interfaces); err != nil {
		return err
	}
	if err := neg("applications", c.Capacities.Applications); err != nil {
		return err
	}
	if err := neg("nodes", c.Capacities.Nodes); err != nil {
		return err
	}
	if err := neg("condition_variables", c.Capacities.ConditionVariables); err != nil {
		return err
	}
	return nil
}

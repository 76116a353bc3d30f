// Package daemon holds the router daemon's full startup/shutdown
// sequence, factored out of cmd/membraned so membranectl's "run"
// subcommand can launch the same daemon in-process instead of shelling
// out to a second binary — membranectl is a thin launcher/status CLI
// (spec.md §1 treats a full operator CLI as an external-collaborator
// non-goal), not an independent implementation of the daemon.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"membrane/internal/chunk"
	"membrane/internal/config"
	configfile "membrane/internal/config/file"
	"membrane/internal/mempool"
	"membrane/internal/portpool"
	"membrane/internal/process"
	"membrane/internal/relptr"
	"membrane/internal/router"
	"membrane/internal/shm"
)

// DefaultIPCSocketPath is used when a config file leaves IPCSocketPath
// empty.
const DefaultIPCSocketPath = "/tmp/membrane-mgmt.sock"

// Signal delivers an OS signal to a process, matching
// process.Manager.Signal so callers can inject syscall.Kill.
type Signal func(pid int, sig int) error

// Run loads configPath, creates the management and data segments, places
// the PortPool in shared memory, starts the router and its IPC server,
// and blocks until ctx is done, then runs the graceful shutdown sequence.
// It returns once every segment has been destroyed.
func Run(ctx context.Context, logger *slog.Logger, configPath, version string, signal Signal) error {
	store := configfile.NewStore(configPath)
	cfg, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		return fmt.Errorf("no config found at %s; create one before starting membraned", configPath)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger.Info("loaded config", "segments", len(cfg.Segments), "path", configPath)

	watcher, err := config.WatchFile(configPath, logger)
	if err != nil {
		logger.Warn("could not start config file watcher", "error", err)
	} else {
		defer watcher.Close()
	}

	reg := relptr.New(len(cfg.Segments) + 1)

	// Segment id 0 is reserved: relptr treats it as a plain absolute
	// address and refuses registration (relptr.Registry.Register), so
	// the management segment's base is used directly to place the
	// PortPool's slot directories, never through a relocatable pointer.
	mgmtSeg, err := shm.Create(0, "membrane-mgmt", uintptr(cfg.ManagementSegmentSize), shm.Permissions{Mode: 0644})
	if err != nil {
		return fmt.Errorf("create management segment: %w", err)
	}
	defer mgmtSeg.Destroy()

	var stores []*chunk.Store
	for _, spec := range cfg.Segments {
		perm := shm.Permissions{Mode: 0640}
		seg, err := shm.Create(spec.ID, spec.Name, uintptr(spec.Size), perm)
		if err != nil {
			return fmt.Errorf("create segment %q: %w", spec.Name, err)
		}
		defer seg.Destroy()
		if err := reg.Register(seg.ID(), uintptr(seg.Base()), seg.Size()); err != nil {
			return fmt.Errorf("register segment %q: %w", spec.Name, err)
		}

		pools := mempool.Optimize(spec.Pools)
		st, _, err := chunk.NewStore(seg, reg, 0, pools, nil)
		if err != nil {
			return fmt.Errorf("build chunk store for segment %q: %w", spec.Name, err)
		}
		stores = append(stores, st)
		logger.Info("segment ready", "name", spec.Name, "id", spec.ID, "size", spec.Size, "pools", len(pools))
	}

	pool := portpool.New(cfg.Capacities)
	mgmtProvider := &portpool.MemoryProvider{}
	finishPlacement := pool.PlaceDirectories(mgmtProvider, cfg.Capacities)
	used, err := mgmtProvider.Layout(uintptr(mgmtSeg.Base()))
	if err != nil {
		return fmt.Errorf("place port directories in management segment: %w", err)
	}
	if used > mgmtSeg.Size() {
		return fmt.Errorf("management segment too small: port directories need %d bytes, have %d", used, mgmtSeg.Size())
	}
	finishPlacement()
	defer mgmtProvider.Teardown()
	logger.Info("port directories placed in management segment", "bytes", used, "segment_size", mgmtSeg.Size())

	r := router.New(pool, router.Config{
		DiscoveryInterval: cfg.DiscoveryInterval,
		KeepAliveInterval: cfg.KeepAliveInterval,
		KeepAliveTimeout:  cfg.KeepAliveTimeout,
		Version:           version,
		Logger:            logger,
		Stores:            stores,
	})

	discoveryInterval := cfg.DiscoveryInterval
	if discoveryInterval <= 0 {
		discoveryInterval = 100 * time.Millisecond
	}
	keepAliveInterval := cfg.KeepAliveInterval
	if keepAliveInterval <= 0 {
		keepAliveInterval = 300 * time.Millisecond
	}

	if err := r.Start(discoveryInterval, keepAliveInterval); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	logger.Info("router started",
		"discovery_interval", discoveryInterval,
		"keep_alive_interval", keepAliveInterval,
		"publishers_capacity", cfg.Capacities.Publishers,
		"subscribers_capacity", cfg.Capacities.Subscribers)

	socketPath := cfg.IPCSocketPath
	if socketPath == "" {
		socketPath = DefaultIPCSocketPath
	}
	ipcServer := router.NewIPCServer(socketPath, mgmtSeg.ID(), mgmtSeg.Name(), mgmtSeg.Size(), cfg.Capacities, r, logger)
	if err := ipcServer.ListenAndServe(); err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}
	defer ipcServer.Close()
	logger.Info("ipc server listening", "path", socketPath)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if err := ipcServer.Close(); err != nil {
		logger.Warn("ipc server close error", "error", err)
	}
	if err := r.Stop(); err != nil {
		logger.Warn("router stop error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.Processes.Shutdown(shutdownCtx, 3*time.Second, 2*time.Second, process.Signal(signal), 15, 9)

	logger.Info("membraned stopped")
	return nil
}

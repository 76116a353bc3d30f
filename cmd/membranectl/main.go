// Command membranectl is the operator CLI for a membrane deployment: it
// validates router configuration files before membraned is started, runs
// the daemon in-process as a thin launcher, and reports a point-in-time
// status snapshot over the IPC channel — it is deliberately not a full
// operator console (spec.md §1 treats that as an external-collaborator
// non-goal).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	configfile "membrane/internal/config/file"
	"membrane/internal/daemon"
	"membrane/internal/logging"
	"membrane/internal/runtime"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "membranectl",
		Short: "Operator CLI for membrane",
	}
	rootCmd.PersistentFlags().String("config", "/etc/membrane/membrane.json", "path to the router config file")
	rootCmd.PersistentFlags().String("socket", daemon.DefaultIPCSocketPath, "router IPC socket path, for status")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a router config file without starting the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return runValidate(configPath)
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the router daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return daemon.Run(ctx, logger, configPath, version, signalProcess)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print a point-in-time snapshot of a running router",
		RunE: func(cmd *cobra.Command, args []string) error {
			socketPath, _ := cmd.Flags().GetString("socket")
			return runStatus(socketPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(validateCmd, runCmd, statusCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runValidate(configPath string) error {
	store := configfile.NewStore(configPath)
	cfg, err := store.Load(context.Background())
	if err != nil {
		return fmt.Errorf("load %s: %w", configPath, err)
	}
	if cfg == nil {
		return fmt.Errorf("no config found at %s", configPath)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	fmt.Printf("%s: ok\n", configPath)
	fmt.Printf("  management segment: %d bytes\n", cfg.ManagementSegmentSize)
	for _, seg := range cfg.Segments {
		fmt.Printf("  segment %q (id=%d): %d bytes, %d pool(s)\n", seg.Name, seg.ID, seg.Size, len(seg.Pools))
	}
	fmt.Printf("  capacities: publishers=%d subscribers=%d interfaces=%d applications=%d nodes=%d condition_variables=%d\n",
		cfg.Capacities.Publishers, cfg.Capacities.Subscribers, cfg.Capacities.Interfaces,
		cfg.Capacities.Applications, cfg.Capacities.Nodes, cfg.Capacities.ConditionVariables)
	return nil
}

// runStatus dials the router's IPC socket with runtime.DialStatusOnly and
// sends a bare REG-less STATUS request: membranectl status is a
// diagnostic peek, not a publishing/subscribing participant, so it skips
// runtime.Dial's REG round trip and the management-segment mapping.
func runStatus(socketPath string) error {
	c, err := runtime.DialStatusOnly(socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer c.Close()

	snap, err := c.Status()
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}

	fmt.Printf("registry_epoch:    %d\n", snap.RegistryEpoch)
	fmt.Printf("services:          %d\n", snap.ServiceCount)
	fmt.Printf("publishers:        %d\n", snap.PublisherCount)
	fmt.Printf("subscribers:       %d\n", snap.SubscriberCount)
	fmt.Printf("processes:         %d\n", snap.ProcessCount)
	fmt.Printf("sampled_at:        %s\n", snap.SampledAt.Format("2006-01-02T15:04:05.000Z07:00"))
	return nil
}

func signalProcess(pid int, sig int) error {
	return syscall.Kill(pid, syscall.Signal(sig))
}

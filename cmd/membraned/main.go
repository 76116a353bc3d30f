// Command membraned runs the membrane router daemon: it owns the
// management shared-memory segment, places the PortPool's slot
// directories inside it, and runs the discovery pass and keep-alive
// sweep that connect publishers to subscribers across processes.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"membrane/internal/daemon"
	"membrane/internal/logging"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "membraned",
		Short: "Zero-copy inter-process publish/subscribe router daemon",
	}
	rootCmd.PersistentFlags().String("config", "/etc/membrane/membrane.json", "path to the router config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the router daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return daemon.Run(ctx, logger, configPath, version, signalProcess)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalProcess(pid int, sig int) error {
	return syscall.Kill(pid, syscall.Signal(sig))
}

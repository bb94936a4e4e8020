package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/regattaflow/regatta/internal/dashboard"
	"github.com/regattaflow/regatta/internal/engine"
	"github.com/regattaflow/regatta/internal/netmon"
	"github.com/regattaflow/regatta/internal/spool"
	"github.com/regattaflow/regatta/internal/store"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync engine in the background",
	Long: `Run the engine's background loops until interrupted.

The daemon:
  1. Probes backend connectivity and drains the queue when it returns
  2. Drains the mutation queue on a periodic tick
  3. Sweeps expired cache entries
  4. Optionally ingests recorded tracks from a spool directory
  5. Optionally serves a WebSocket status dashboard

Example usage:
  regatta daemon
  regatta daemon --spool-dir ~/tracks --dashboard-port 8080`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().String("spool-dir", "", "directory to watch for recorded track files")
	daemonCmd.Flags().Int("dashboard-port", 0, "serve the status dashboard on this port")
	daemonCmd.Flags().Duration("drain-interval", 5*time.Minute, "periodic drain cadence")
	daemonCmd.Flags().Duration("sweep-interval", time.Hour, "cache expiry sweep cadence")
	daemonCmd.Flags().Duration("probe-interval", 10*time.Second, "connectivity probe cadence")

	for _, key := range []string{"spool-dir", "dashboard-port", "drain-interval", "sweep-interval", "probe-interval"} {
		_ = viper.BindPFlag(key, daemonCmd.Flags().Lookup(key))
	}

	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	logger := newLogger("[regatta] ")

	path, err := dbPath()
	if err != nil {
		return err
	}
	st, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()
	if err := st.InitSchema(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	be, err := newBackend()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Connectivity comes from a health probe against the backend.
	prober := netmon.NewProber(netmon.ProberConfig{
		URL:      strings.TrimSuffix(viper.GetString("backend-url"), "/") + "/health",
		Interval: viper.GetDuration("probe-interval"),
		Logger:   logger,
	})
	go prober.Run(ctx)

	e := engine.New(st, be, engine.Config{
		Signal:        prober.Changes(),
		DrainInterval: viper.GetDuration("drain-interval"),
		SweepInterval: viper.GetDuration("sweep-interval"),
		Logger:        logger,
	})
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer e.Stop()

	if port := viper.GetInt("dashboard-port"); port > 0 {
		server := dashboard.NewServer(e, &dashboard.Config{Port: port, Logger: logger})
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Printf("Warning: %v", err)
			}
		}()
		fmt.Printf("Dashboard: http://localhost:%d (ws://localhost:%d/ws)\n", port, port)
	}

	if dir := viper.GetString("spool-dir"); dir != "" {
		cfg := spool.DefaultConfig()
		cfg.Logger = logger
		sp, err := spool.New(dir, e, cfg)
		if err != nil {
			return err
		}
		go func() {
			if err := sp.Start(ctx); err != nil {
				logger.Printf("Warning: spool daemon exited: %v", err)
			}
		}()
		fmt.Printf("Watching spool: %s\n", dir)
	}

	fmt.Println("Sync daemon running. Press Ctrl+C to stop...")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case <-ctx.Done():
	}
	return nil
}

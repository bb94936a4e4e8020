package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/regattaflow/regatta/internal/syncer"
	"github.com/regattaflow/regatta/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the mutation queue now",
	Long: `Force an immediate drain of the mutation queue.

Every queued item is attempted regardless of its retry backoff schedule.
Items that fail stay queued (or become visible as failed once their retry
budget is spent); nothing is lost by syncing early.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, cleanup, err := openEngine(true)
		if err != nil {
			return err
		}
		defer cleanup()

		start := time.Now()
		res, err := e.ForceSyncNow(cmd.Context())
		switch {
		case errors.Is(err, syncer.ErrOffline):
			return fmt.Errorf("backend unreachable; queued items are safe and will sync later")
		case errors.Is(err, syncer.ErrDrainInProgress):
			return fmt.Errorf("a sync is already running")
		case err != nil:
			return err
		}

		fmt.Print(ui.RenderDrainResult(res.Attempted, res.Delivered, res.Retried, res.Failed, time.Since(start), styles()))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, queue depth, and last sync",
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, cleanup, err := openEngine(probeBackend(cmd.Context()))
		if err != nil {
			return err
		}
		defer cleanup()

		st, err := e.Status(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Print(ui.RenderStatus(st, styles()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/regattaflow/regatta/internal/export"
	"github.com/regattaflow/regatta/internal/queue"
	"github.com/regattaflow/regatta/internal/store"
	"github.com/regattaflow/regatta/internal/ui"
)

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "Inspect, export, and retry failed mutations",
	Long: `Work with mutations the backend would not take.

An item whose retries are spent (or whose record kind the backend does
not support) leaves the retry rotation but is never deleted. List them,
export them as JSONL for inspection, and feed the file back to retry.`,
}

var failedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failed mutations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		q, cleanup, err := openQueue()
		if err != nil {
			return err
		}
		defer cleanup()

		items, err := q.Failed(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Print(ui.RenderQueueItems(items, styles()))
		return nil
	},
}

var failedExportCmd = &cobra.Command{
	Use:   "export <file.jsonl>",
	Short: "Export failed mutations as JSONL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, cleanup, err := openQueue()
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := export.WriteFailedFile(cmd.Context(), q, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Exported %d items to %s\n", n, args[0])
		return nil
	},
}

var failedRetryCmd = &cobra.Command{
	Use:   "retry <file.jsonl>",
	Short: "Return exported mutations to the retry rotation",
	Long: `Return the items named in a JSONL export to the active rotation
with fresh retry budgets. Run 'regatta sync' afterwards to deliver them.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, cleanup, err := openQueue()
		if err != nil {
			return err
		}
		defer cleanup()

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		res, err := export.Requeue(cmd.Context(), q, f)
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %d items\n", res.Requeued)
		for _, id := range res.Missing {
			fmt.Printf("  skipped %s: not in queue\n", id)
		}
		return nil
	},
}

func init() {
	failedCmd.AddCommand(failedListCmd, failedExportCmd, failedRetryCmd)
	rootCmd.AddCommand(failedCmd)
}

// openQueue opens the store and queue directly; failed-item management
// needs no backend or sync machinery.
func openQueue() (*queue.Queue, func(), error) {
	path, err := dbPath()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return queue.New(st, newLogger("[regatta] ")), func() { st.Close() }, nil
}

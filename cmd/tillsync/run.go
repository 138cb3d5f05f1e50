package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync engine in the foreground",
	Long: `Start the sync engine and keep it running until interrupted.

The engine:
  1. Opens (or creates) the local replica
  2. Subscribes to backend push notifications
  3. Reconciles on reconnect and on a steady cadence
  4. Drains queued offline mutations when connectivity returns`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant := requireTenant()

		eng, err := buildEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := eng.orch.Init(ctx, tenant); err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}

		fmt.Printf("Sync engine running for tenant %s\n", tenant)
		fmt.Printf("   Backend: %s\n", eng.cfg.Backend.URL)
		if eng.cfg.Replica.LocalFirst {
			fmt.Printf("   Replica: %s\n", eng.cfg.Replica.Path)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := eng.orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

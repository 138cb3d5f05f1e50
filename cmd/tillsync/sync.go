package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full reconciliation pass",
	Long: `Push all queued offline mutations to the backend, then pull every
collection and fold the server's state into the local replica.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant := requireTenant()

		eng, err := buildEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		ctx := context.Background()
		if err := eng.orch.Init(ctx, tenant); err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}

		before, _ := eng.queue.PendingCount(ctx)
		start := time.Now()

		if err := eng.orch.ForceSync(ctx); err != nil {
			return fmt.Errorf("reconciliation failed: %w", err)
		}

		after, _ := eng.queue.PendingCount(ctx)
		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Mutations pushed: %d\n", before-after)
		if after > 0 {
			fmt.Printf("   Still pending: %d\n", after)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

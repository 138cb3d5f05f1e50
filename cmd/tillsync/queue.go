package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		requireTenant()

		eng, err := buildEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		ctx := context.Background()
		entries, err := eng.queue.Pending(ctx)
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("Queue is empty")
			return nil
		}

		fmt.Printf("%d pending mutation(s):\n\n", len(entries))
		for _, e := range entries {
			fmt.Printf("  %-6s %s/%s\n", e.Op, e.Collection, e.RecordID)
			fmt.Printf("         queued %s", e.EnqueuedAt.Format("2006-01-02 15:04:05"))
			if e.RetryCount > 0 {
				fmt.Printf(", %d failed attempt(s)", e.RetryCount)
				if e.LastError != "" {
					fmt.Printf(": %s", e.LastError)
				}
			}
			fmt.Println()
		}
		return nil
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove synced queue entries older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		requireTenant()

		eng, err := buildEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		cutoff := time.Now().Add(-queueRetention)
		if err := eng.queue.Purge(context.Background(), cutoff); err != nil {
			return fmt.Errorf("failed to purge queue: %w", err)
		}
		fmt.Printf("Purged synced entries older than %s\n", cutoff.Format("2006-01-02 15:04:05"))
		return nil
	},
}

var queueRetention time.Duration

func init() {
	queuePurgeCmd.Flags().DurationVar(&queueRetention, "retention", 7*24*time.Hour, "keep synced entries newer than this")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queuePurgeCmd)
	rootCmd.AddCommand(queueCmd)
}

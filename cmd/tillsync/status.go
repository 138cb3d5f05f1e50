package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	Long: `Display connectivity, subscription state, and the size of the
pending mutation queue.`,
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

		status := eng.orch.Status(ctx)

		fmt.Printf("Tenant:    %s\n", tenant)
		fmt.Printf("Backend:   %s\n", eng.cfg.Backend.URL)
		if status.Connected {
			fmt.Printf("State:     online\n")
		} else {
			fmt.Printf("State:     offline\n")
		}
		if len(status.SubscribedCollections) > 0 {
			fmt.Printf("Channels:  %s\n", strings.Join(status.SubscribedCollections, ", "))
		} else {
			fmt.Printf("Channels:  none\n")
		}
		if !status.LastUpdateAt.IsZero() {
			fmt.Printf("Last push: %s\n", status.LastUpdateAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("Pending:   %d mutation(s)\n", status.PendingCount)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

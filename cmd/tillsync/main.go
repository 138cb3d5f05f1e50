// tillsync is the synchronization engine for TillDesk point-of-sale
// installations: it keeps a local SQLite replica reconciled with the
// backend and drains offline mutations when connectivity returns.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	tenantID   string
)

var rootCmd = &cobra.Command{
	Use:   "tillsync",
	Short: "TillDesk replica sync engine",
	Long: `tillsync keeps a local replica of TillDesk data in sync with the backend.

Writes made while offline are queued durably and replayed when
connectivity returns. Reads fall back to the local replica, so the
till keeps working through outages.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./config.yaml, then ~/.tilldesk/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", os.Getenv("TILLDESK_TENANT"), "tenant (shop) identifier")
}

func requireTenant() string {
	if tenantID == "" {
		fmt.Fprintf(os.Stderr, "Error: tenant is required (--tenant or TILLDESK_TENANT)\n")
		os.Exit(1)
	}
	return tenantID
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

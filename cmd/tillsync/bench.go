package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tilldesk/tilldesk/internal/benchmark"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark the local replica under concurrent terminals",
	Long: `Measure local replica performance under concurrent access.

This command seeds a throwaway replica with the specified number of
records, spawns concurrent terminals performing a read-heavy operation
mix, and reports latency, throughput, and memory usage.

Examples:
  # Default settings (8 terminals, 1000 records)
  tillsync bench

  # Heavier concurrency
  tillsync bench --terminals 32 --records 5000

  # Output results as JSON
  tillsync bench --json`,
	Run: runBench,
}

func init() {
	benchCmd.Flags().Int("terminals", 8, "Number of concurrent terminals to simulate")
	benchCmd.Flags().Int("records", 1000, "Number of records to seed")
	benchCmd.Flags().Int("ops", 100, "Number of operations per terminal")
	benchCmd.Flags().Float64("writes", 0.2, "Fraction of operations that are writes (0.0-1.0)")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) {
	terminals, _ := cmd.Flags().GetInt("terminals")
	records, _ := cmd.Flags().GetInt("records")
	ops, _ := cmd.Flags().GetInt("ops")
	writes, _ := cmd.Flags().GetFloat64("writes")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if terminals <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --terminals must be positive\n")
		os.Exit(1)
	}
	if records <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --records must be positive\n")
		os.Exit(1)
	}
	if ops <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --ops must be positive\n")
		os.Exit(1)
	}
	if writes < 0 || writes > 1 {
		fmt.Fprintf(os.Stderr, "Error: --writes must be between 0.0 and 1.0\n")
		os.Exit(1)
	}

	config := benchmark.DefaultConfig()
	config.NumTerminals = terminals
	config.NumRecords = records
	config.OpsPerTerminal = ops
	config.WritePct = writes

	if !jsonOutput {
		fmt.Println("Running replica benchmark...")
		fmt.Printf("Configuration: %d terminals, %d records, %d ops/terminal, %.0f%% writes\n",
			terminals, records, ops, writes*100)
	}

	result, err := benchmark.Run(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		outputBenchJSON(result)
	} else {
		benchmark.PrintResult(*result)
	}

	if result.ErrorCount > 0 {
		os.Exit(1)
	}
}

func outputBenchJSON(result *benchmark.Result) {
	output := map[string]interface{}{
		"config": map[string]interface{}{
			"terminals": result.Config.NumTerminals,
			"records":   result.Config.NumRecords,
			"ops":       result.Config.OpsPerTerminal,
			"writes":    result.Config.WritePct,
		},
		"latency": map[string]interface{}{
			"min_us":  result.Latency.Min.Microseconds(),
			"p50_us":  result.Latency.P50.Microseconds(),
			"mean_us": result.Latency.Mean.Microseconds(),
			"p95_us":  result.Latency.P95.Microseconds(),
			"p99_us":  result.Latency.P99.Microseconds(),
			"max_us":  result.Latency.Max.Microseconds(),
		},
		"throughput": map[string]interface{}{
			"ops_per_sec": result.Throughput.OpsPerSecond,
			"total_ops":   result.Throughput.TotalOps,
		},
		"memory": map[string]interface{}{
			"before_bytes": result.Resources.MemoryBeforeBytes,
			"after_bytes":  result.Resources.MemoryAfterBytes,
			"peak_bytes":   result.Resources.MemoryPeakBytes,
		},
		"replica": map[string]interface{}{
			"size_bytes":   result.Database.SizeBytes,
			"seed_time_ms": result.Database.SeedTimeMs,
			"records":      result.Database.RecordCount,
		},
		"duration_ms": result.TotalDuration.Milliseconds(),
		"errors":      result.ErrorCount,
		"success":     result.Success,
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(output); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

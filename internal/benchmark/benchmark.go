// Package benchmark measures local replica performance under
// concurrent till terminals.
//
// A point-of-sale deployment can have several terminals hammering the
// same replica file while a background reconciliation runs. This
// package seeds a throwaway replica and measures query latency and
// throughput under that access pattern.
package benchmark

import (
	"fmt"
	"runtime"
	"sort"
	"time"
)

// Config defines the parameters for a benchmark run.
type Config struct {
	// NumTerminals is the number of concurrent terminals to simulate.
	NumTerminals int

	// NumRecords is the number of records seeded per collection.
	NumRecords int

	// OpsPerTerminal is how many operations each terminal performs.
	OpsPerTerminal int

	// WritePct is the fraction of operations that are writes (0.0-1.0).
	WritePct float64

	// DBPath is the throwaway replica file. Created and removed by the
	// run.
	DBPath string
}

// DefaultConfig returns a benchmark configuration with sensible
// defaults.
func DefaultConfig() Config {
	return Config{
		NumTerminals:   8,
		NumRecords:     1000,
		OpsPerTerminal: 100,
		WritePct:       0.2,
		DBPath:         "/tmp/tillsync-bench.db",
	}
}

// Result captures all metrics from a benchmark run.
type Result struct {
	Config Config

	Latency    LatencyMetrics
	Throughput ThroughputMetrics
	Resources  ResourceMetrics
	Database   DatabaseMetrics

	TotalDuration time.Duration
	ErrorCount    int
	ErrorRate     float64
	Success       bool
}

// LatencyMetrics captures operation latency statistics.
type LatencyMetrics struct {
	Min  time.Duration
	P50  time.Duration
	Mean time.Duration
	P95  time.Duration
	P99  time.Duration
	Max  time.Duration

	// Raw durations, sorted, for analysis.
	Durations []time.Duration
}

// ThroughputMetrics captures operations-per-second metrics.
type ThroughputMetrics struct {
	OpsPerSecond float64
	TotalOps     int
}

// ResourceMetrics captures memory usage.
type ResourceMetrics struct {
	MemoryBeforeBytes uint64
	MemoryAfterBytes  uint64
	MemoryPeakBytes   uint64
	MemoryDeltaBytes  uint64
}

// DatabaseMetrics captures replica file statistics.
type DatabaseMetrics struct {
	SizeBytes   int64
	SeedTimeMs  int64
	RecordCount int
}

// ComputeStats calculates statistics from raw durations.
func ComputeStats(durations []time.Duration) LatencyMetrics {
	if len(durations) == 0 {
		return LatencyMetrics{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean := sum / time.Duration(len(sorted))

	return LatencyMetrics{
		Min:       sorted[0],
		P50:       sorted[len(sorted)*50/100],
		Mean:      mean,
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Max:       sorted[len(sorted)-1],
		Durations: sorted,
	}
}

// MemorySnapshot returns current memory usage.
func MemorySnapshot() ResourceMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return ResourceMetrics{
		MemoryBeforeBytes: m.Alloc,
		MemoryAfterBytes:  m.Alloc,
		MemoryPeakBytes:   m.Sys,
	}
}

// CompareMemory computes the delta between before and after snapshots.
func CompareMemory(before, after ResourceMetrics) ResourceMetrics {
	return ResourceMetrics{
		MemoryBeforeBytes: before.MemoryBeforeBytes,
		MemoryAfterBytes:  after.MemoryAfterBytes,
		MemoryPeakBytes:   after.MemoryPeakBytes,
		MemoryDeltaBytes:  after.MemoryAfterBytes - before.MemoryBeforeBytes,
	}
}

// FormatBytes formats bytes into a human-readable string.
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration formats a duration into a human-readable string.
func FormatDuration(d time.Duration) string {
	if d < time.Microsecond {
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000.0)
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000.0)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// PrintResult writes a compact summary of a benchmark run.
func PrintResult(result Result) {
	fmt.Printf("replica benchmark: %d terminals, %d records, %d ops each, %.0f%% writes\n",
		result.Config.NumTerminals, result.Config.NumRecords,
		result.Config.OpsPerTerminal, result.Config.WritePct*100)
	fmt.Printf("latency:    p50 %s  p95 %s  p99 %s  max %s\n",
		FormatDuration(result.Latency.P50), FormatDuration(result.Latency.P95),
		FormatDuration(result.Latency.P99), FormatDuration(result.Latency.Max))
	fmt.Printf("throughput: %.0f ops/sec over %s (%d ops)\n",
		result.Throughput.OpsPerSecond, FormatDuration(result.TotalDuration),
		result.Throughput.TotalOps)
	fmt.Printf("memory:     %s -> %s (peak %s)\n",
		FormatBytes(result.Resources.MemoryBeforeBytes),
		FormatBytes(result.Resources.MemoryAfterBytes),
		FormatBytes(result.Resources.MemoryPeakBytes))
	fmt.Printf("replica:    %s, seeded %d records in %dms\n",
		FormatBytes(uint64(result.Database.SizeBytes)),
		result.Database.RecordCount, result.Database.SeedTimeMs)
	if result.ErrorCount > 0 {
		fmt.Printf("errors:     %d (%.2f%%)\n", result.ErrorCount, result.ErrorRate*100)
	}
}

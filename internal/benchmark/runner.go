package benchmark

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tilldesk/tilldesk/internal/record"
	"github.com/tilldesk/tilldesk/internal/replica"
)

const benchTenant = "bench-tenant"

// Run seeds a throwaway replica, spawns concurrent terminals performing
// a read-heavy mix of operations, and measures latency and throughput.
func Run(config Config) (*Result, error) {
	_ = os.Remove(config.DBPath)
	defer func() { _ = os.Remove(config.DBPath) }()

	memBefore := MemorySnapshot()

	seedStart := time.Now()
	store, ids, err := seedReplica(config)
	if err != nil {
		return nil, fmt.Errorf("failed to seed replica: %w", err)
	}
	defer func() { _ = store.Close() }()
	seedDuration := time.Since(seedStart)

	var dbSize int64
	if info, err := os.Stat(config.DBPath); err == nil {
		dbSize = info.Size()
	}

	benchStart := time.Now()

	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, config.NumTerminals)
	errorsChan := make(chan int, config.NumTerminals)

	for i := 0; i < config.NumTerminals; i++ {
		wg.Add(1)
		go func(terminal int) {
			defer wg.Done()
			durations, errs := runTerminal(store, ids, config, terminal)
			resultsChan <- durations
			errorsChan <- errs
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	totalDuration := time.Since(benchStart)

	var allDurations []time.Duration
	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}
	errorCount := 0
	for errs := range errorsChan {
		errorCount += errs
	}

	memAfter := MemorySnapshot()

	totalOps := config.NumTerminals * config.OpsPerTerminal
	count, _ := store.Count(context.Background(), benchTenant, record.CollectionProducts)

	result := &Result{
		Config:  config,
		Latency: ComputeStats(allDurations),
		Throughput: ThroughputMetrics{
			OpsPerSecond: float64(totalOps) / totalDuration.Seconds(),
			TotalOps:     totalOps,
		},
		Resources: CompareMemory(memBefore, memAfter),
		Database: DatabaseMetrics{
			SizeBytes:   dbSize,
			SeedTimeMs:  seedDuration.Milliseconds(),
			RecordCount: count,
		},
		TotalDuration: totalDuration,
		ErrorCount:    errorCount,
		ErrorRate:     float64(errorCount) / float64(totalOps),
		Success:       errorCount == 0,
	}
	return result, nil
}

// seedReplica creates the replica and fills the products collection.
func seedReplica(config Config) (*replica.Store, []string, error) {
	store, err := replica.Open(config.DBPath)
	if err != nil {
		return nil, nil, err
	}

	ctx := context.Background()
	if err := store.InitSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}

	now := time.Now().UTC()
	ids := make([]string, config.NumRecords)
	records := make([]*record.Record, config.NumRecords)
	for i := range records {
		ids[i] = uuid.NewString()
		records[i] = &record.Record{
			ID:         ids[i],
			TenantID:   benchTenant,
			Collection: record.CollectionProducts,
			Data:       json.RawMessage(fmt.Sprintf(`{"name":"Product %d","price":%d}`, i, i%100)),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	if err := store.BulkUpsert(ctx, records); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, ids, nil
}

// runTerminal performs one terminal's operation mix and returns the
// per-operation durations and error count.
func runTerminal(store *replica.Store, ids []string, config Config, terminal int) ([]time.Duration, int) {
	rng := rand.New(rand.NewSource(int64(terminal)))
	ctx := context.Background()

	durations := make([]time.Duration, 0, config.OpsPerTerminal)
	errors := 0

	for i := 0; i < config.OpsPerTerminal; i++ {
		id := ids[rng.Intn(len(ids))]
		start := time.Now()

		var err error
		switch {
		case rng.Float64() < config.WritePct:
			now := time.Now().UTC()
			err = store.Upsert(ctx, &record.Record{
				ID:         id,
				TenantID:   benchTenant,
				Collection: record.CollectionProducts,
				Data:       json.RawMessage(fmt.Sprintf(`{"name":"Updated","price":%d}`, i)),
				CreatedAt:  now,
				UpdatedAt:  now,
			})
		case i%10 == 0:
			// Occasional full-collection scan, as a list view would.
			_, err = store.GetAll(ctx, benchTenant, record.CollectionProducts)
		default:
			_, err = store.GetByID(ctx, record.CollectionProducts, id)
		}

		durations = append(durations, time.Since(start))
		if err != nil {
			errors++
		}
	}
	return durations, errors
}

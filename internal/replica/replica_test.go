package replica

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tilldesk/tilldesk/internal/record"
)

// setupTestStore creates a temporary replica store for testing.
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	return store
}

// testRecord creates a record for testing.
func testRecord(collection, id, tenant string) *record.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &record.Record{
		ID:         id,
		TenantID:   tenant,
		Collection: collection,
		Data:       json.RawMessage(`{}`),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestUpsertAndGetByID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := testRecord(record.CollectionProducts, "p-1", "shop-1")
	rec.Data = json.RawMessage(`{"name":"Widget","price":999}`)
	rec.LocallyCreated = true

	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.GetByID(ctx, record.CollectionProducts, "p-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}

	if got.ID != "p-1" || got.TenantID != "shop-1" {
		t.Errorf("got %s/%s, want p-1/shop-1", got.ID, got.TenantID)
	}
	if !got.LocallyCreated {
		t.Error("locally_created flag not persisted")
	}
	if string(got.Data) != `{"name":"Widget","price":999}` {
		t.Errorf("payload mismatch: %s", got.Data)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("created_at mismatch: got %v, want %v", got.CreatedAt, rec.CreatedAt)
	}
}

func TestUpsertReplacesWholeRecord(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := testRecord(record.CollectionProducts, "p-1", "shop-1")
	rec.Data = json.RawMessage(`{"price":1}`)
	rec.LocallyModified = true
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// Server-side value overwrites payload and flags.
	newer := testRecord(record.CollectionProducts, "p-1", "shop-1")
	newer.Data = json.RawMessage(`{"price":2}`)
	newer.UpdatedAt = rec.UpdatedAt.Add(time.Minute)
	if err := store.Upsert(ctx, newer); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}

	got, err := store.GetByID(ctx, record.CollectionProducts, "p-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if string(got.Data) != `{"price":2}` {
		t.Errorf("payload not replaced: %s", got.Data)
	}
	if got.LocallyModified {
		t.Error("flags should have been replaced by the new value")
	}
}

func TestGetByIDNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetByID(context.Background(), record.CollectionProducts, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetAllScopedByTenant(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i, tenant := range []string{"shop-1", "shop-1", "shop-2"} {
		rec := testRecord(record.CollectionSales, "s-"+string(rune('a'+i)), tenant)
		rec.Data = json.RawMessage(`{}`)
		if err := store.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	recs, err := store.GetAll(ctx, "shop-1", record.CollectionSales)
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("got %d records for shop-1, want 2", len(recs))
	}
}

func TestGetAllEmptyStore(t *testing.T) {
	// No InitSchema: reads must return empty, not error.
	dbPath := filepath.Join(t.TempDir(), "bare.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	recs, err := store.GetAll(context.Background(), "shop-1", record.CollectionProducts)
	if err != nil {
		t.Fatalf("GetAll on uninitialized store: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected empty result, got %d records", len(recs))
	}

	if _, err := store.GetByID(context.Background(), record.CollectionProducts, "p-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on uninitialized store, got %v", err)
	}
}

func TestBulkUpsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var recs []*record.Record
	for _, id := range []string{"p-1", "p-2", "p-3"} {
		rec := testRecord(record.CollectionProducts, id, "shop-1")
		rec.Data = json.RawMessage(`{}`)
		recs = append(recs, rec)
	}

	if err := store.BulkUpsert(ctx, recs); err != nil {
		t.Fatalf("BulkUpsert failed: %v", err)
	}

	count, err := store.Count(ctx, "shop-1", record.CollectionProducts)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 3 {
		t.Errorf("got %d records, want 3", count)
	}

	// Re-upserting the same batch must not duplicate.
	if err := store.BulkUpsert(ctx, recs); err != nil {
		t.Fatalf("second BulkUpsert failed: %v", err)
	}
	count, _ = store.Count(ctx, "shop-1", record.CollectionProducts)
	if count != 3 {
		t.Errorf("got %d records after re-upsert, want 3", count)
	}
}

func TestHardDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := testRecord(record.CollectionProducts, "p-1", "shop-1")
	rec.Data = json.RawMessage(`{}`)
	if err := store.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	if err := store.HardDelete(ctx, record.CollectionProducts, "p-1"); err != nil {
		t.Fatalf("HardDelete failed: %v", err)
	}

	if _, err := store.GetByID(ctx, record.CollectionProducts, "p-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("record still present after delete: %v", err)
	}

	// Idempotent on missing records.
	if err := store.HardDelete(ctx, record.CollectionProducts, "p-1"); err != nil {
		t.Errorf("HardDelete on missing record: %v", err)
	}
}

func TestRangeQuery(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		rec := testRecord(record.CollectionSales, "s-"+string(rune('a'+i)), "shop-1")
		rec.Data = json.RawMessage(`{}`)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		rec.UpdatedAt = rec.CreatedAt
		if err := store.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	// [10:00, 12:00) should cover exactly s-b and s-c.
	recs, err := store.RangeQuery(ctx, "shop-1", record.CollectionSales,
		base.Add(time.Hour), base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("RangeQuery failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].ID != "s-b" || recs[1].ID != "s-c" {
		t.Errorf("got %s,%s want s-b,s-c", recs[0].ID, recs[1].ID)
	}
}

func TestInitSchemaIdempotent(t *testing.T) {
	store := setupTestStore(t)

	if err := store.InitSchema(context.Background()); err != nil {
		t.Errorf("second InitSchema failed: %v", err)
	}
}

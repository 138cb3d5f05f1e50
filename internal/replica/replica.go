// Package replica provides the embedded local replica store for tilldesk.
//
// The store is a local SQLite database holding a tenant-scoped copy of
// every synchronized collection plus the durable mutation queue. It runs
// in embedded mode with WAL for concurrent reads and is shared by the
// orchestrator, the mutation queue, and the change subscriber.
//
// All reads tolerate a store that has not been populated yet: an empty
// result means "nothing known yet," not "fully synced." The UI's first
// paint may race store initialization, so availability wins over errors.
package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/tilldesk/tilldesk/internal/record"
)

// ErrNotFound is returned by GetByID when no record matches.
var ErrNotFound = errors.New("record not found")

// Store wraps the SQLite connection with replica-specific functionality.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a replica store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// The caller MUST call Close() when done and InitSchema() before the
// first write.
//
// Example:
//
//	store, err := replica.Open(".tilldesk/replica.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*Store, error) {
	memory := path == ":memory:"
	if !memory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if memory {
		// Every pooled connection would otherwise see its own private
		// in-memory database.
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &Store{conn: conn, path: path}

	// WAL mode for concurrent reads
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection. The mutation queue
// shares this connection so queue entries and record writes live in the
// same durable database.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the store after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the replica schema if it doesn't exist.
//
// This creates the records table and the mutation_queue table along with
// indexes for tenant-scoped queries. Idempotent - safe to call multiple
// times.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		data TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,

		-- Replica-state flags
		locally_created INTEGER NOT NULL DEFAULT 0,
		locally_modified INTEGER NOT NULL DEFAULT 0,
		locally_deleted INTEGER NOT NULL DEFAULT 0,

		PRIMARY KEY (collection, id)
	);

	CREATE TABLE IF NOT EXISTS mutation_queue (
		id TEXT PRIMARY KEY,
		op TEXT NOT NULL,  -- create, update, delete
		collection TEXT NOT NULL,
		record_id TEXT NOT NULL,
		payload TEXT,
		enqueued_at TEXT NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);

	-- Indexes for tenant-scoped reads and queue draining
	CREATE INDEX IF NOT EXISTS idx_records_tenant
	    ON records(tenant_id, collection);
	CREATE INDEX IF NOT EXISTS idx_records_range
	    ON records(tenant_id, collection, created_at);
	CREATE INDEX IF NOT EXISTS idx_records_dirty
	    ON records(locally_created, locally_modified, locally_deleted);
	CREATE INDEX IF NOT EXISTS idx_queue_pending
	    ON mutation_queue(synced, enqueued_at);
	CREATE INDEX IF NOT EXISTS idx_queue_record
	    ON mutation_queue(collection, record_id, enqueued_at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Upsert inserts or updates a record, whole-record last-write-wins.
//
// If a record with the same (collection, id) exists, every field
// including the replica-state flags is replaced by the new value.
func (s *Store) Upsert(ctx context.Context, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	query := `
	INSERT INTO records (
		collection, id, tenant_id, data, created_at, updated_at,
		locally_created, locally_modified, locally_deleted
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		tenant_id = excluded.tenant_id,
		data = excluded.data,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		locally_created = excluded.locally_created,
		locally_modified = excluded.locally_modified,
		locally_deleted = excluded.locally_deleted
	`

	_, err := s.conn.ExecContext(ctx, query,
		rec.Collection,
		rec.ID,
		rec.TenantID,
		string(rec.Data),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		boolToInt(rec.LocallyCreated),
		boolToInt(rec.LocallyModified),
		boolToInt(rec.LocallyDeleted),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", rec.Collection, rec.ID, err)
	}

	return nil
}

// BulkUpsert upserts a batch of records in a single transaction.
// Used by full reconciliation to fold an entire remote collection into
// the replica without interleaving partial state.
func (s *Store) BulkUpsert(ctx context.Context, recs []*record.Record) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO records (
		collection, id, tenant_id, data, created_at, updated_at,
		locally_created, locally_modified, locally_deleted
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		tenant_id = excluded.tenant_id,
		data = excluded.data,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		locally_created = excluded.locally_created,
		locally_modified = excluded.locally_modified,
		locally_deleted = excluded.locally_deleted
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("invalid record in batch: %w", err)
		}

		_, err := stmt.ExecContext(ctx,
			rec.Collection,
			rec.ID,
			rec.TenantID,
			string(rec.Data),
			rec.CreatedAt.UTC().Format(time.RFC3339Nano),
			rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
			boolToInt(rec.LocallyCreated),
			boolToInt(rec.LocallyModified),
			boolToInt(rec.LocallyDeleted),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert record %s/%s: %w", rec.Collection, rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	return nil
}

// GetByID retrieves a single record. Returns ErrNotFound if the record
// doesn't exist or the store has no schema yet.
func (s *Store) GetByID(ctx context.Context, collection, id string) (*record.Record, error) {
	query := `
	SELECT collection, id, tenant_id, data, created_at, updated_at,
	       locally_created, locally_modified, locally_deleted
	FROM records
	WHERE collection = ? AND id = ?
	`

	row := s.conn.QueryRowContext(ctx, query, collection, id)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isMissingTable(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get record %s/%s: %w", collection, id, err)
	}

	return rec, nil
}

// GetAll retrieves every record in a collection for the tenant, ordered
// by creation time. An uninitialized store yields an empty slice.
func (s *Store) GetAll(ctx context.Context, tenantID, collection string) ([]*record.Record, error) {
	query := `
	SELECT collection, id, tenant_id, data, created_at, updated_at,
	       locally_created, locally_modified, locally_deleted
	FROM records
	WHERE tenant_id = ? AND collection = ?
	ORDER BY created_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, tenantID, collection)
	if err != nil {
		if isMissingTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query collection %s: %w", collection, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// RangeQuery retrieves records created within [start, end), ordered by
// creation time. Backs locally-computed aggregates such as "today's
// sales" when the backend is unreachable.
func (s *Store) RangeQuery(ctx context.Context, tenantID, collection string, start, end time.Time) ([]*record.Record, error) {
	query := `
	SELECT collection, id, tenant_id, data, created_at, updated_at,
	       locally_created, locally_modified, locally_deleted
	FROM records
	WHERE tenant_id = ? AND collection = ?
	  AND created_at >= ? AND created_at < ?
	ORDER BY created_at ASC
	`

	rows, err := s.conn.QueryContext(ctx, query,
		tenantID, collection,
		start.UTC().Format(time.RFC3339Nano),
		end.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isMissingTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to range query %s: %w", collection, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// HardDelete removes a record outright. This is destructive, not a
// tombstone: callers must never invoke it on records still pending
// outbound sync. Idempotent - deleting a missing record is a no-op.
func (s *Store) HardDelete(ctx context.Context, collection, id string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		if isMissingTable(err) {
			return nil
		}
		return fmt.Errorf("failed to delete record %s/%s: %w", collection, id, err)
	}
	return nil
}

// Count returns the number of records in a collection for the tenant.
func (s *Store) Count(ctx context.Context, tenantID, collection string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE tenant_id = ? AND collection = ?`,
		tenantID, collection).Scan(&count)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return count, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanRecord scans a single record row.
func scanRecord(row scanner) (*record.Record, error) {
	var rec record.Record
	var data sql.NullString
	var createdAt, updatedAt string
	var created, modified, deleted int

	err := row.Scan(
		&rec.Collection,
		&rec.ID,
		&rec.TenantID,
		&data,
		&createdAt,
		&updatedAt,
		&created,
		&modified,
		&deleted,
	)
	if err != nil {
		return nil, err
	}

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}

	if data.Valid && data.String != "" {
		rec.Data = []byte(data.String)
	}

	rec.LocallyCreated = created != 0
	rec.LocallyModified = modified != 0
	rec.LocallyDeleted = deleted != 0

	return &rec, nil
}

// scanRecords scans multiple records from query results.
func scanRecords(rows *sql.Rows) ([]*record.Record, error) {
	var recs []*record.Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return recs, nil
}

// isMissingTable reports whether an error indicates the schema has not
// been created yet. Reads treat that as "no data," not a failure.
func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package queue provides the durable outbound mutation queue.
//
// Every locally-originated create/update/delete is recorded here until
// the remote backend confirms it, giving at-least-once eventual delivery
// without blocking the caller. Entries live in the replica database's
// mutation_queue table so they survive restarts alongside the records
// they describe.
//
// Ordering: entries for one record replay in enqueue order (FIFO per
// record). No cross-record ordering is guaranteed or needed.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Op is the kind of mutation recorded in an entry.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Entry is a single queued mutation.
type Entry struct {
	ID         string          `json:"id"`
	Op         Op              `json:"op"`
	Collection string          `json:"collection"`
	RecordID   string          `json:"record_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Synced     bool            `json:"synced"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`
}

// Queue records pending mutations in the replica database.
type Queue struct {
	conn *sql.DB
}

// New creates a queue backed by the given database connection. The
// connection is shared with the replica store; the schema is created by
// replica.Store.InitSchema.
func New(conn *sql.DB) *Queue {
	return &Queue{conn: conn}
}

// Enqueue appends a mutation. Append-only: multiple entries for one
// record are all kept and replay in enqueue order.
func (q *Queue) Enqueue(ctx context.Context, op Op, collection, recordID string, payload json.RawMessage) (*Entry, error) {
	if collection == "" || recordID == "" {
		return nil, fmt.Errorf("collection and record ID are required")
	}

	entry := &Entry{
		ID:         uuid.NewString(),
		Op:         op,
		Collection: collection,
		RecordID:   recordID,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}

	_, err := q.conn.ExecContext(ctx, `
	INSERT INTO mutation_queue (id, op, collection, record_id, payload, enqueued_at, synced, retry_count)
	VALUES (?, ?, ?, ?, ?, ?, 0, 0)
	`,
		entry.ID,
		string(entry.Op),
		entry.Collection,
		entry.RecordID,
		string(entry.Payload),
		entry.EnqueuedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s %s/%s: %w", op, collection, recordID, err)
	}

	return entry, nil
}

// Pending returns all unsynced entries in enqueue order.
//
// A store without the queue table yet yields an empty slice, not an
// error: an empty pending list means "nothing known yet," not "fully
// synced," since the first paint may race store initialization.
func (q *Queue) Pending(ctx context.Context) ([]*Entry, error) {
	return q.query(ctx, `
	SELECT id, op, collection, record_id, payload, enqueued_at, synced, retry_count, last_error
	FROM mutation_queue
	WHERE synced = 0
	ORDER BY enqueued_at ASC, rowid ASC
	`)
}

// Retryable returns unsynced entries whose retry count is below max.
// Entries at/above the ceiling remain queued and visible via Pending but
// are excluded from automatic replay.
func (q *Queue) Retryable(ctx context.Context, max int) ([]*Entry, error) {
	return q.query(ctx, `
	SELECT id, op, collection, record_id, payload, enqueued_at, synced, retry_count, last_error
	FROM mutation_queue
	WHERE synced = 0 AND retry_count < ?
	ORDER BY enqueued_at ASC, rowid ASC
	`, max)
}

// MarkSynced removes an acked entry from the retry pool.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	_, err := q.conn.ExecContext(ctx,
		`UPDATE mutation_queue SET synced = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark entry %s synced: %w", id, err)
	}
	return nil
}

// MarkFailed increments an entry's retry count and records the error.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	_, err := q.conn.ExecContext(ctx, `
	UPDATE mutation_queue
	SET retry_count = retry_count + 1, last_error = ?
	WHERE id = ?
	`, msg, id)
	if err != nil {
		return fmt.Errorf("failed to mark entry %s failed: %w", id, err)
	}
	return nil
}

// Purge removes synced entries older than the cutoff. Housekeeping only;
// unsynced entries are never purged.
func (q *Queue) Purge(ctx context.Context, before time.Time) error {
	_, err := q.conn.ExecContext(ctx, `
	DELETE FROM mutation_queue
	WHERE synced = 1 AND enqueued_at < ?
	`, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to purge queue: %w", err)
	}
	return nil
}

// PendingCount returns the number of unsynced entries, tolerating an
// uninitialized store.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := q.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutation_queue WHERE synced = 0`).Scan(&count)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return count, nil
}

func (q *Queue) query(ctx context.Context, sqlText string, args ...interface{}) ([]*Entry, error) {
	rows, err := q.conn.QueryContext(ctx, sqlText, args...)
	if err != nil {
		if isMissingTable(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query mutation queue: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var op, enqueuedAt string
		var payload, lastError sql.NullString
		var synced int

		err := rows.Scan(&e.ID, &op, &e.Collection, &e.RecordID,
			&payload, &enqueuedAt, &synced, &e.RetryCount, &lastError)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}

		e.Op = Op(op)
		e.Synced = synced != 0
		if payload.Valid && payload.String != "" {
			e.Payload = []byte(payload.String)
		}
		if lastError.Valid {
			e.LastError = lastError.String
		}
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			e.EnqueuedAt = t
		}

		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue entries: %w", err)
	}

	return entries, nil
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

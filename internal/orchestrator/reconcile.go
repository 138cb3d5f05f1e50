package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tilldesk/tilldesk/internal/queue"
	"github.com/tilldesk/tilldesk/internal/record"
)

// ForceSync runs a full reconciliation pass: push the mutation queue,
// then pull every collection and fold the remote truth into the local
// replica, including deletion detection.
//
// A coarse guard prevents overlapping passes; a second caller gets
// ErrSyncInProgress immediately. One collection's pull failing does not
// abort the others. The first error is returned to the direct caller;
// background runs log it and retry on the next attempt.
//
// The pull is a full-table diff: O(collection size) per pass, and the
// merge it gives is "dirty-local-wins, else-server-wins" - not a true
// multi-writer merge.
func (o *Orchestrator) ForceSync(ctx context.Context) error {
	tenantID, err := o.tenant()
	if err != nil {
		return err
	}

	if !o.classifier.ShouldUseLocalFirst() {
		// Nothing durable to reconcile; browser-style installations
		// are always a fresh read away from the server's truth.
		return nil
	}

	o.mu.Lock()
	if o.syncing {
		o.mu.Unlock()
		return ErrSyncInProgress
	}
	o.syncing = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.syncing = false
		o.mu.Unlock()
	}()

	started := time.Now()
	o.logger.Printf("Starting full reconciliation for tenant %s", tenantID)

	pushed, pushErr := o.pushPending(ctx)
	if pushErr != nil {
		o.logger.Printf("Push phase incomplete: %v", pushErr)
	}

	var g errgroup.Group
	for _, collection := range o.config.Collections {
		g.Go(func() error {
			if err := o.pullCollection(ctx, tenantID, collection); err != nil {
				o.logger.Printf("Pull %s failed: %v", collection, err)
				return fmt.Errorf("pull %s: %w", collection, err)
			}
			return nil
		})
	}
	pullErr := g.Wait()

	// Refresh the UI without an extra read: drop cached queries and
	// ping collection listeners.
	for _, collection := range o.config.Collections {
		o.cache.Invalidate(collection)
	}

	o.logger.Printf("Reconciliation complete: pushed=%d, duration=%s", pushed, time.Since(started).Round(time.Millisecond))

	if pushErr != nil {
		return pushErr
	}
	return pullErr
}

// SyncInBackground runs ForceSync and swallows errors: background
// reconciliation never propagates to callers who didn't ask for it.
func (o *Orchestrator) SyncInBackground(ctx context.Context) {
	if err := o.ForceSync(ctx); err != nil && err != ErrSyncInProgress {
		o.logger.Printf("Background reconciliation failed (will retry): %v", err)
	}
}

// pushPending drains the mutation queue against the backend. Each
// retryable entry replays in enqueue order; per-record FIFO is
// preserved by skipping a record's later entries once one fails.
// Returns the number of entries acked.
func (o *Orchestrator) pushPending(ctx context.Context) (int, error) {
	entries, err := o.queue.Retryable(ctx, o.config.RetryCeiling)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	o.logger.Printf("Pushing %d pending mutations", len(entries))

	var firstErr error
	pushed := 0
	blocked := make(map[string]bool)

	for _, entry := range entries {
		key := record.Key(entry.Collection, entry.RecordID)
		if blocked[key] {
			continue
		}

		if err := o.replayEntry(ctx, entry); err != nil {
			o.logger.Printf("Replay %s %s failed: %v", entry.Op, key, err)
			if markErr := o.queue.MarkFailed(ctx, entry.ID, err); markErr != nil {
				o.logger.Printf("Failed to record failure for %s: %v", entry.ID, markErr)
			}
			blocked[key] = true
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if err := o.queue.MarkSynced(ctx, entry.ID); err != nil {
			o.logger.Printf("Failed to mark %s synced: %v", entry.ID, err)
		}
		pushed++
	}

	return pushed, firstErr
}

// replayEntry delivers one queued mutation and settles the local
// record on ack.
func (o *Orchestrator) replayEntry(ctx context.Context, entry *queue.Entry) error {
	switch entry.Op {
	case queue.OpCreate, queue.OpUpdate:
		var rec record.Record
		if err := json.Unmarshal(entry.Payload, &rec); err != nil {
			return fmt.Errorf("corrupt payload: %w", err)
		}
		rec.Collection = entry.Collection
		rec.ClearFlags()

		var authoritative *record.Record
		var err error
		if entry.Op == queue.OpCreate {
			authoritative, err = o.backend.Create(ctx, &rec)
		} else {
			authoritative, err = o.backend.Update(ctx, &rec)
		}
		if err != nil {
			return err
		}

		// Ack received: the server's value is now this record's truth
		// and its flags clear.
		o.mirrorRecord(ctx, authoritative)
		return nil

	case queue.OpDelete:
		// Replay under the tenant that owned the record at enqueue
		// time, not whichever tenant is active when the drain runs.
		var rec record.Record
		if err := json.Unmarshal(entry.Payload, &rec); err != nil {
			return fmt.Errorf("corrupt payload: %w", err)
		}
		if rec.TenantID == "" {
			return fmt.Errorf("delete entry %s has no tenant snapshot", entry.ID)
		}
		if err := o.backend.Delete(ctx, rec.TenantID, entry.Collection, entry.RecordID); err != nil {
			return err
		}
		// The tombstone has served its purpose.
		if err := o.store.HardDelete(ctx, entry.Collection, entry.RecordID); err != nil {
			o.logger.Printf("Failed to drop tombstone %s/%s: %v", entry.Collection, entry.RecordID, err)
		}
		return nil

	default:
		return fmt.Errorf("unknown queue operation %q", entry.Op)
	}
}

// pullCollection folds one collection's full remote set into the
// replica: clean local records absent from the server are confirmed
// deletions and removed; server records whose local counterpart is
// clean (or missing) are upserted with flags cleared; dirty records
// are left untouched so a later push can still deliver them.
func (o *Orchestrator) pullCollection(ctx context.Context, tenantID, collection string) error {
	remoteSet, err := o.backend.List(ctx, tenantID, collection)
	if err != nil {
		return fmt.Errorf("failed to fetch remote set: %w", err)
	}

	localSet, err := o.store.GetAll(ctx, tenantID, collection)
	if err != nil {
		return fmt.Errorf("failed to read local set: %w", err)
	}

	serverIDs := make(map[string]bool, len(remoteSet))
	for _, rec := range remoteSet {
		serverIDs[rec.ID] = true
	}

	locals := make(map[string]*record.Record, len(localSet))
	deleted := 0
	for _, rec := range localSet {
		locals[rec.ID] = rec

		// Absent from the server and clean: a deletion made elsewhere,
		// now confirmed. Locally-created or locally-modified records
		// survive; their queued mutations settle them later.
		if !serverIDs[rec.ID] && !rec.LocallyCreated && !rec.LocallyModified {
			if err := o.store.HardDelete(ctx, collection, rec.ID); err != nil {
				o.logger.Printf("Failed to remove %s/%s: %v", collection, rec.ID, err)
				continue
			}
			deleted++
		}
	}

	upserts := make([]*record.Record, 0, len(remoteSet))
	for _, rec := range remoteSet {
		if local, ok := locals[rec.ID]; ok && local.Dirty() {
			continue
		}
		merged := *rec
		merged.TenantID = tenantID
		merged.Collection = collection
		merged.ClearFlags()
		upserts = append(upserts, &merged)
	}

	if err := o.store.BulkUpsert(ctx, upserts); err != nil {
		return fmt.Errorf("failed to fold remote set: %w", err)
	}

	o.logger.Printf("Pulled %s: remote=%d, upserted=%d, deleted=%d",
		collection, len(remoteSet), len(upserts), deleted)
	return nil
}

// Run keeps the engine reconciled in the background: it reconciles on
// reconnect and on a slow steady cadence, and repairs lost push
// channels while connected. Blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Printf("Starting background sync loop (interval %s)", o.config.ReconcileInterval)

	wasOnline := o.backend.Online(ctx)
	if wasOnline {
		o.SyncInBackground(ctx)
	}

	ticker := time.NewTicker(o.config.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Printf("Sync loop stopped")
			return ctx.Err()

		case <-ticker.C:
			online := o.backend.Online(ctx)
			if online {
				if !wasOnline {
					o.logger.Printf("Connectivity restored, reconciling")
				}
				if err := o.Resubscribe(ctx); err != nil {
					o.logger.Printf("Resubscribe failed: %v", err)
				}
				o.SyncInBackground(ctx)
			}
			wasOnline = online
		}
	}
}

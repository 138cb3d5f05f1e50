// Package orchestrator unifies the read path, write path, read cache,
// and full reconciliation behind one façade for application code.
//
// The orchestrator is an explicitly constructed, tenant-scoped service
// object: re-initializing the same tenant is a no-op, concurrent init
// calls are serialized, and switching tenants tears down the old
// tenant's cache and subscriptions first.
//
// Source selection per operation:
//   - reads: fresh cache entry, else remote (mirrored locally on
//     local-first installations), else the local replica, else fail
//     only when nothing can serve;
//   - writes: remote when online, else a durable local write plus a
//     queued mutation on local-first installations, else fail.
//
// Conflict policy is deliberately "locally-dirty-wins-until-pushed":
// a record with an unacked local change is never overwritten by remote
// state. True multi-writer merge (CRDTs, vector clocks) is out of
// scope; see DESIGN.md for the acknowledged limits.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tilldesk/tilldesk/internal/cache"
	"github.com/tilldesk/tilldesk/internal/platform"
	"github.com/tilldesk/tilldesk/internal/queue"
	"github.com/tilldesk/tilldesk/internal/record"
	"github.com/tilldesk/tilldesk/internal/remote"
	"github.com/tilldesk/tilldesk/internal/replica"
	"github.com/tilldesk/tilldesk/internal/subscriber"
)

var (
	// ErrMustBeOnline is returned when the installation has no durable
	// local path and the backend is unreachable. The only hard failure
	// this layer surfaces for reads.
	ErrMustBeOnline = errors.New("operation requires connectivity on this installation")

	// ErrSyncInProgress is returned when a reconciliation pass is
	// already running; passes never overlap.
	ErrSyncInProgress = errors.New("reconciliation already in progress")

	// ErrNotInitialized is returned when an operation arrives before
	// Init has completed for a tenant.
	ErrNotInitialized = errors.New("orchestrator not initialized for a tenant")
)

// Backend is the remote service surface the orchestrator consumes.
// Satisfied by *remote.Client.
type Backend interface {
	List(ctx context.Context, tenantID, collection string) ([]*record.Record, error)
	Create(ctx context.Context, rec *record.Record) (*record.Record, error)
	Update(ctx context.Context, rec *record.Record) (*record.Record, error)
	Delete(ctx context.Context, tenantID, collection, id string) error
	Online(ctx context.Context) bool
}

var _ Backend = (*remote.Client)(nil)

// ListResult carries a read result and where it came from.
type ListResult struct {
	Records []*record.Record
	// FromCache means the result was served from the short-lived read
	// cache without touching the backend.
	FromCache bool
	// Offline means the result was served from the local replica and
	// may be stale.
	Offline bool
}

// WriteResult carries a mutation result.
type WriteResult struct {
	Record *record.Record
	// Pending means the write is durably queued but not yet confirmed
	// by the backend.
	Pending bool
}

// Status is a snapshot of the engine for UI display.
type Status struct {
	Connected             bool      `json:"connected"`
	SubscribedCollections []string  `json:"subscribed_collections"`
	LastUpdateAt          time.Time `json:"last_update_at"`
	PendingCount          int       `json:"pending_count"`
}

// Config holds orchestrator configuration.
type Config struct {
	// Collections to synchronize (default: record.Collections()).
	Collections []string

	// CacheTTL bounds the read cache (default: 30s).
	CacheTTL time.Duration

	// RetryCeiling is the retry count at which a queued mutation is
	// excluded from automatic replay (default: 5).
	RetryCeiling int

	// ReconcileInterval is how often Run checks whether a
	// reconciliation is due (default: 30s).
	ReconcileInterval time.Duration

	// Logger for orchestrator activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Collections:       record.Collections(),
		CacheTTL:          30 * time.Second,
		RetryCeiling:      5,
		ReconcileInterval: 30 * time.Second,
		Logger:            log.New(os.Stderr, "[orchestrator] ", log.LstdFlags),
	}
}

// Orchestrator is the synchronization façade.
type Orchestrator struct {
	store      *replica.Store
	queue      *queue.Queue
	backend    Backend
	sub        *subscriber.Subscriber
	classifier platform.Classifier
	cache      *cache.Cache
	config     *Config
	logger     *log.Logger

	// initMu serializes Init calls; mu guards the snapshot fields.
	initMu   sync.Mutex
	mu       sync.Mutex
	tenantID string
	syncing  bool
}

// New creates an orchestrator. All collaborators are injected; nothing
// here owns ambient global state.
func New(store *replica.Store, q *queue.Queue, backend Backend, sub *subscriber.Subscriber, classifier platform.Classifier, config *Config) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.Collections) == 0 {
		config.Collections = record.Collections()
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 30 * time.Second
	}
	if config.RetryCeiling == 0 {
		config.RetryCeiling = 5
	}
	if config.ReconcileInterval == 0 {
		config.ReconcileInterval = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[orchestrator] ", log.LstdFlags)
	}

	return &Orchestrator{
		store:      store,
		queue:      q,
		backend:    backend,
		sub:        sub,
		classifier: classifier,
		cache:      cache.New(config.CacheTTL),
		config:     config,
		logger:     config.Logger,
	}
}

// Init prepares the engine for a tenant. Idempotent per tenant;
// concurrent calls are serialized, so exactly one initialization runs
// at a time. Switching tenants tears down the previous tenant's cache
// and subscriptions first.
func (o *Orchestrator) Init(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant ID is required")
	}

	o.initMu.Lock()
	defer o.initMu.Unlock()

	o.mu.Lock()
	current := o.tenantID
	o.mu.Unlock()

	if current == tenantID {
		return nil
	}

	if current != "" {
		o.logger.Printf("Switching tenant %s -> %s", current, tenantID)
		o.sub.UnsubscribeAll()
		o.cache.Clear()
	}

	if o.classifier.ShouldUseLocalFirst() {
		if err := o.store.InitSchema(ctx); err != nil {
			return fmt.Errorf("failed to initialize replica: %w", err)
		}
	}

	// Subscription failures don't fail init: the engine still serves
	// reads and writes, and channels are repaired on the next
	// Resubscribe or reconciliation.
	if err := o.sub.Subscribe(ctx, tenantID, o.config.Collections); err != nil {
		o.logger.Printf("Warning: some subscriptions failed during init: %v", err)
	}

	o.mu.Lock()
	o.tenantID = tenantID
	o.mu.Unlock()

	o.logger.Printf("Initialized for tenant %s", tenantID)
	return nil
}

// Resubscribe repairs push channels lost to transport errors.
func (o *Orchestrator) Resubscribe(ctx context.Context) error {
	tenantID, err := o.tenant()
	if err != nil {
		return err
	}
	return o.sub.Subscribe(ctx, tenantID, o.config.Collections)
}

// Close tears down subscriptions and cached state. The replica store
// is owned by the caller and stays open.
func (o *Orchestrator) Close() {
	o.sub.UnsubscribeAll()
	o.cache.Clear()

	o.mu.Lock()
	o.tenantID = ""
	o.mu.Unlock()
}

// ReadOptions tune a single read.
type ReadOptions struct {
	// BypassCache forces a fresh fetch even when a fresh cache entry
	// exists.
	BypassCache bool
}

// List returns every record of a collection for the active tenant.
//
// Source order: fresh cache entry, then the backend (mirrored into the
// replica and cached), then the local replica on local-first
// installations. Only a browser-style installation with nothing cached
// fails, with ErrMustBeOnline.
func (o *Orchestrator) List(ctx context.Context, collection string, opts ReadOptions) (*ListResult, error) {
	tenantID, err := o.tenant()
	if err != nil {
		return nil, err
	}

	key := listKey(collection, tenantID)

	if !opts.BypassCache {
		if v, ok := o.cache.Get(key); ok {
			return &ListResult{Records: v.([]*record.Record), FromCache: true}, nil
		}
	}

	localFirst := o.classifier.ShouldUseLocalFirst()

	if o.backend.Online(ctx) {
		recs, err := o.backend.List(ctx, tenantID, collection)
		if err == nil {
			if localFirst {
				o.mirrorCollection(ctx, tenantID, collection, recs)
			}
			o.cache.Put(key, recs)
			return &ListResult{Records: recs}, nil
		}
		o.logger.Printf("Remote list %s failed, falling back: %v", collection, err)
	}

	if localFirst {
		recs, err := o.store.GetAll(ctx, tenantID, collection)
		if err != nil {
			// Availability over exceptions: a failing replica read
			// degrades to empty, logged.
			o.logger.Printf("Local read %s failed: %v", collection, err)
			recs = nil
		}
		return &ListResult{Records: dropLocallyDeleted(recs), Offline: true}, nil
	}

	return nil, ErrMustBeOnline
}

// ListRange returns records created within [start, end). Backs
// dashboard summaries; when the backend is unreachable the aggregate
// is computed from the local replica rather than failing.
func (o *Orchestrator) ListRange(ctx context.Context, collection string, start, end time.Time, opts ReadOptions) (*ListResult, error) {
	tenantID, err := o.tenant()
	if err != nil {
		return nil, err
	}

	key := rangeKey(collection, tenantID, start, end)

	if !opts.BypassCache {
		if v, ok := o.cache.Get(key); ok {
			return &ListResult{Records: v.([]*record.Record), FromCache: true}, nil
		}
	}

	localFirst := o.classifier.ShouldUseLocalFirst()

	if o.backend.Online(ctx) {
		recs, err := o.backend.List(ctx, tenantID, collection)
		if err == nil {
			if localFirst {
				o.mirrorCollection(ctx, tenantID, collection, recs)
			}
			window := filterRange(recs, start, end)
			o.cache.Put(key, window)
			return &ListResult{Records: window}, nil
		}
		o.logger.Printf("Remote range %s failed, falling back: %v", collection, err)
	}

	if localFirst {
		recs, err := o.store.RangeQuery(ctx, tenantID, collection, start, end)
		if err != nil {
			o.logger.Printf("Local range read %s failed: %v", collection, err)
			recs = nil
		}
		return &ListResult{Records: dropLocallyDeleted(recs), Offline: true}, nil
	}

	return nil, ErrMustBeOnline
}

// Create stores a new record: remotely when online, durably queued
// otherwise. The returned record is the backend's authoritative value
// when online, or the pending local value offline.
func (o *Orchestrator) Create(ctx context.Context, collection string, data json.RawMessage) (*WriteResult, error) {
	tenantID, err := o.tenant()
	if err != nil {
		return nil, err
	}

	o.cache.Invalidate(collection)

	now := time.Now().UTC()
	rec := &record.Record{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		Collection: collection,
		Data:       data,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	localFirst := o.classifier.ShouldUseLocalFirst()

	if o.backend.Online(ctx) {
		authoritative, err := o.backend.Create(ctx, rec)
		if err == nil {
			if localFirst {
				o.mirrorRecord(ctx, authoritative)
			}
			return &WriteResult{Record: authoritative}, nil
		}
		if isRejection(err) || !localFirst {
			return nil, err
		}
		o.logger.Printf("Remote create %s failed, queueing: %v", collection, err)
	}

	if !localFirst {
		return nil, ErrMustBeOnline
	}

	rec.LocallyCreated = true
	if err := o.store.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store offline create: %w", err)
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot record: %w", err)
	}
	if _, err := o.queue.Enqueue(ctx, queue.OpCreate, collection, rec.ID, payload); err != nil {
		return nil, fmt.Errorf("failed to enqueue create: %w", err)
	}

	return &WriteResult{Record: rec, Pending: true}, nil
}

// Update overwrites a record's payload: remotely when online, durably
// queued otherwise.
func (o *Orchestrator) Update(ctx context.Context, collection, id string, data json.RawMessage) (*WriteResult, error) {
	tenantID, err := o.tenant()
	if err != nil {
		return nil, err
	}

	o.cache.Invalidate(collection)

	now := time.Now().UTC()
	rec := &record.Record{
		ID:         id,
		TenantID:   tenantID,
		Collection: collection,
		Data:       data,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// Preserve the original creation marker when the record is known
	// locally; the backend keeps its own regardless.
	if existing, err := o.store.GetByID(ctx, collection, id); err == nil {
		rec.CreatedAt = existing.CreatedAt
		rec.LocallyCreated = existing.LocallyCreated
	}

	localFirst := o.classifier.ShouldUseLocalFirst()

	if o.backend.Online(ctx) {
		authoritative, err := o.backend.Update(ctx, rec)
		if err == nil {
			if localFirst {
				o.mirrorRecord(ctx, authoritative)
			}
			return &WriteResult{Record: authoritative}, nil
		}
		if isRejection(err) || !localFirst {
			return nil, err
		}
		o.logger.Printf("Remote update %s/%s failed, queueing: %v", collection, id, err)
	}

	if !localFirst {
		return nil, ErrMustBeOnline
	}

	// A record created offline and edited again stays locally_created:
	// no remote counterpart exists until its create acks.
	if !rec.LocallyCreated {
		rec.LocallyModified = true
	}
	if err := o.store.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to store offline update: %w", err)
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot record: %w", err)
	}
	if _, err := o.queue.Enqueue(ctx, queue.OpUpdate, collection, id, payload); err != nil {
		return nil, fmt.Errorf("failed to enqueue update: %w", err)
	}

	return &WriteResult{Record: rec, Pending: true}, nil
}

// Delete removes a record: remotely when online, as a durable local
// tombstone plus a queued mutation otherwise.
func (o *Orchestrator) Delete(ctx context.Context, collection, id string) (*WriteResult, error) {
	tenantID, err := o.tenant()
	if err != nil {
		return nil, err
	}

	o.cache.Invalidate(collection)

	localFirst := o.classifier.ShouldUseLocalFirst()

	if o.backend.Online(ctx) {
		err := o.backend.Delete(ctx, tenantID, collection, id)
		if err == nil {
			if localFirst {
				if err := o.store.HardDelete(ctx, collection, id); err != nil {
					o.logger.Printf("Mirror delete %s/%s failed: %v", collection, id, err)
				}
			}
			return &WriteResult{}, nil
		}
		if isRejection(err) || !localFirst {
			return nil, err
		}
		o.logger.Printf("Remote delete %s/%s failed, queueing: %v", collection, id, err)
	}

	if !localFirst {
		return nil, ErrMustBeOnline
	}

	// Tombstone, not a hard delete: the record may have queued
	// mutations that still need to replay against the backend.
	snapshot := &record.Record{ID: id, TenantID: tenantID, Collection: collection}
	existing, err := o.store.GetByID(ctx, collection, id)
	if err == nil {
		existing.LocallyCreated = false
		existing.LocallyModified = false
		existing.LocallyDeleted = true
		existing.UpdatedAt = time.Now().UTC()
		if err := o.store.Upsert(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to tombstone record: %w", err)
		}
		snapshot = existing
	}

	// The entry snapshots the owning tenant so a drain after a tenant
	// switch still replays against the right partition.
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot record: %w", err)
	}
	if _, err := o.queue.Enqueue(ctx, queue.OpDelete, collection, id, payload); err != nil {
		return nil, fmt.Errorf("failed to enqueue delete: %w", err)
	}

	return &WriteResult{Pending: true}, nil
}

// Get returns a single record using the same source order as List:
// backend first when online (mirrored locally), local replica as the
// offline fallback. No caching.
func (o *Orchestrator) Get(ctx context.Context, collection, id string) (*record.Record, error) {
	tenantID, err := o.tenant()
	if err != nil {
		return nil, err
	}

	localFirst := o.classifier.ShouldUseLocalFirst()

	if o.backend.Online(ctx) {
		recs, err := o.backend.List(ctx, tenantID, collection)
		if err == nil {
			for _, rec := range recs {
				if rec.ID != id {
					continue
				}
				if localFirst {
					// Mirror unless a pending local mutation still
					// owns the record's truth.
					if local, err := o.store.GetByID(ctx, collection, id); err != nil || !local.Dirty() {
						o.mirrorRecord(ctx, rec)
					}
				}
				return rec, nil
			}
			return nil, replica.ErrNotFound
		}
		o.logger.Printf("Remote get %s/%s failed, falling back: %v", collection, id, err)
	}

	if !localFirst {
		return nil, ErrMustBeOnline
	}

	rec, err := o.store.GetByID(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if rec.LocallyDeleted {
		return nil, replica.ErrNotFound
	}
	return rec, nil
}

// Subscribe registers a listener notified when data for a key (a
// collection name, or a specific cache key) changes. Returns the
// unsubscribe function.
func (o *Orchestrator) Subscribe(key string, l cache.Listener) func() {
	return o.cache.Subscribe(key, l)
}

// Status reports a snapshot for UI display.
func (o *Orchestrator) Status(ctx context.Context) Status {
	pending, err := o.queue.PendingCount(ctx)
	if err != nil {
		o.logger.Printf("Failed to count pending mutations: %v", err)
	}

	return Status{
		Connected:             o.backend.Online(ctx),
		SubscribedCollections: o.sub.SubscribedCollections(),
		LastUpdateAt:          o.sub.LastUpdateAt(),
		PendingCount:          pending,
	}
}

// tenant returns the active tenant or ErrNotInitialized.
func (o *Orchestrator) tenant() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.tenantID == "" {
		return "", ErrNotInitialized
	}
	return o.tenantID, nil
}

// mirrorRecord mirrors an authoritative backend result into the
// replica with flags cleared. Best-effort: the remote ack already
// decided the operation's outcome, so mirror failures are logged on
// their own channel rather than failing the call.
func (o *Orchestrator) mirrorRecord(ctx context.Context, rec *record.Record) {
	mirrored := *rec
	mirrored.ClearFlags()
	if err := o.store.Upsert(ctx, &mirrored); err != nil {
		o.logger.Printf("Mirror write %s/%s failed: %v", rec.Collection, rec.ID, err)
	}
}

// mirrorCollection folds a remote read into the replica, leaving
// locally-dirty records untouched so their pending mutations survive.
func (o *Orchestrator) mirrorCollection(ctx context.Context, tenantID, collection string, recs []*record.Record) {
	local, err := o.store.GetAll(ctx, tenantID, collection)
	if err != nil {
		o.logger.Printf("Mirror read %s failed: %v", collection, err)
		return
	}

	dirty := make(map[string]bool)
	for _, rec := range local {
		if rec.Dirty() {
			dirty[rec.ID] = true
		}
	}

	clean := make([]*record.Record, 0, len(recs))
	for _, rec := range recs {
		if dirty[rec.ID] {
			continue
		}
		mirrored := *rec
		mirrored.TenantID = tenantID
		mirrored.Collection = collection
		mirrored.ClearFlags()
		clean = append(clean, &mirrored)
	}

	if err := o.store.BulkUpsert(ctx, clean); err != nil {
		o.logger.Printf("Mirror upsert %s failed: %v", collection, err)
	}
}

// isRejection distinguishes a backend rejection (propagate to the
// caller) from a transport failure (degrade to the offline path).
func isRejection(err error) bool {
	var apiErr *remote.APIError
	return errors.As(err, &apiErr)
}

// dropLocallyDeleted filters tombstoned records out of local reads.
func dropLocallyDeleted(recs []*record.Record) []*record.Record {
	out := recs[:0]
	for _, rec := range recs {
		if !rec.LocallyDeleted {
			out = append(out, rec)
		}
	}
	return out
}

// filterRange keeps records created within [start, end).
func filterRange(recs []*record.Record, start, end time.Time) []*record.Record {
	var out []*record.Record
	for _, rec := range recs {
		if !rec.CreatedAt.Before(start) && rec.CreatedAt.Before(end) {
			out = append(out, rec)
		}
	}
	return out
}

func listKey(collection, tenantID string) string {
	return collection + ":" + tenantID + ":list"
}

func rangeKey(collection, tenantID string, start, end time.Time) string {
	return collection + ":" + tenantID + ":range:" +
		start.UTC().Format(time.RFC3339) + ":" + end.UTC().Format(time.RFC3339)
}

// Package subscriber folds the backend's push notifications into the
// local replica.
//
// One subscription is held per (collection, tenant). Transports may
// redeliver or reorder notifications during reconnects, so every apply
// is guarded two ways: bursts for the same record are debounced into a
// single apply, and a per-record "last seen version" map discards
// anything not strictly newer than what was already applied. Without
// the version check, a stale update arriving after a newer one would
// regress local state.
//
// The subscriber never retries a dead subscription on its own. A
// transport error removes the channel entry; the orchestrator decides
// when to re-subscribe (tenant change or explicit request).
package subscriber

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tilldesk/tilldesk/internal/debounce"
	"github.com/tilldesk/tilldesk/internal/record"
	"github.com/tilldesk/tilldesk/internal/remote"
	"github.com/tilldesk/tilldesk/internal/replica"
)

// State is a subscription's lifecycle phase.
type State int

const (
	// Unsubscribed means no channel exists for the collection.
	Unsubscribed State = iota
	// Subscribing means the channel is being opened.
	Subscribing
	// Subscribed means notifications are flowing.
	Subscribed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// Store is the slice of the replica the subscriber writes through.
type Store interface {
	Upsert(ctx context.Context, rec *record.Record) error
	GetByID(ctx context.Context, collection, id string) (*record.Record, error)
	HardDelete(ctx context.Context, collection, id string) error
}

// Channel is an open push subscription. Satisfied by *remote.Channel.
type Channel interface {
	Close()
}

// Transport opens push subscriptions against the backend.
type Transport interface {
	Subscribe(ctx context.Context, tenantID, collection string, cb remote.EventCallback, onClose remote.CloseCallback) (Channel, error)
}

// ClientTransport adapts *remote.Client to the Transport interface.
type ClientTransport struct {
	Client *remote.Client
}

func (t ClientTransport) Subscribe(ctx context.Context, tenantID, collection string, cb remote.EventCallback, onClose remote.CloseCallback) (Channel, error) {
	ch, err := t.Client.Subscribe(ctx, tenantID, collection, cb, onClose)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Config holds subscriber configuration.
type Config struct {
	// DebounceInterval is how long to wait before applying a
	// notification, collapsing rapid bursts for one record into a
	// single apply (default: 100ms).
	DebounceInterval time.Duration

	// Logger for subscriber activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[subscriber] ", log.LstdFlags),
	}
}

// Subscriber applies inbound change notifications to the replica.
type Subscriber struct {
	store     Store
	transport Transport
	config    *Config

	mu           sync.Mutex
	tenantID     string
	states       map[string]State   // collection -> lifecycle state
	channels     map[string]Channel // collection -> open channel
	versions     map[string]time.Time
	pending      map[string]remote.Event // latest event per key, awaiting debounce
	deb          *debounce.Debouncer
	lastApplied  time.Time
	appliedCount int64
}

// New creates a subscriber writing through the given store.
func New(store Store, transport Transport, config *Config) *Subscriber {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval == 0 {
		config.DebounceInterval = 100 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[subscriber] ", log.LstdFlags)
	}

	return &Subscriber{
		store:     store,
		transport: transport,
		config:    config,
		states:    make(map[string]State),
		channels:  make(map[string]Channel),
		versions:  make(map[string]time.Time),
		pending:   make(map[string]remote.Event),
	}
}

// Subscribe opens push channels for the tenant's collections. Already
// subscribed collections are left alone, so the orchestrator can call
// this again to repair channels lost to transport errors. Changing
// tenants requires UnsubscribeAll first.
func (s *Subscriber) Subscribe(ctx context.Context, tenantID string, collections []string) error {
	s.mu.Lock()
	if s.tenantID != "" && s.tenantID != tenantID {
		s.mu.Unlock()
		return fmt.Errorf("subscriber bound to tenant %s; unsubscribe before switching to %s", s.tenantID, tenantID)
	}
	s.tenantID = tenantID
	if s.deb == nil {
		s.deb = debounce.New(s.config.DebounceInterval)
	}

	var toOpen []string
	for _, collection := range collections {
		if s.states[collection] == Unsubscribed {
			s.states[collection] = Subscribing
			toOpen = append(toOpen, collection)
		}
	}
	s.mu.Unlock()

	var firstErr error
	for _, collection := range toOpen {
		if err := s.open(ctx, tenantID, collection); err != nil {
			s.config.Logger.Printf("Failed to subscribe to %s: %v", collection, err)
			if firstErr == nil {
				firstErr = err
			}

			s.mu.Lock()
			s.states[collection] = Unsubscribed
			s.mu.Unlock()
		}
	}

	return firstErr
}

// open dials one collection's channel and registers it.
func (s *Subscriber) open(ctx context.Context, tenantID, collection string) error {
	ch, err := s.transport.Subscribe(ctx, tenantID, collection,
		func(e remote.Event) { s.handleEvent(collection, e) },
		func(err error) { s.handleClose(collection, err) },
	)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.states[collection] = Subscribed
	s.channels[collection] = ch
	s.mu.Unlock()

	return nil
}

// UnsubscribeAll tears down every channel and all per-record state.
// Called on tenant switch and shutdown.
func (s *Subscriber) UnsubscribeAll() {
	s.mu.Lock()
	channels := s.channels
	deb := s.deb
	s.channels = make(map[string]Channel)
	s.states = make(map[string]State)
	s.versions = make(map[string]time.Time)
	s.pending = make(map[string]remote.Event)
	s.tenantID = ""
	s.deb = nil
	s.mu.Unlock()

	if deb != nil {
		deb.Stop()
	}
	for collection, ch := range channels {
		ch.Close()
		s.config.Logger.Printf("Unsubscribed from %s", collection)
	}
}

// handleEvent records the latest notification for the record and
// (re)schedules the debounced apply. Within a burst only the last
// event survives.
func (s *Subscriber) handleEvent(collection string, e remote.Event) {
	rec := e.Record()
	if rec == nil || rec.ID == "" {
		s.config.Logger.Printf("Dropping %s event without record on %s", e.Type, collection)
		return
	}

	key := record.Key(collection, rec.ID)

	s.mu.Lock()
	deb := s.deb
	if deb == nil {
		// Torn down between delivery and handling.
		s.mu.Unlock()
		return
	}
	s.pending[key] = e
	s.mu.Unlock()

	deb.Trigger(key, func() { s.apply(key, collection) })
}

// handleClose drops a dead channel's entry. No automatic retry.
func (s *Subscriber) handleClose(collection string, err error) {
	s.mu.Lock()
	_, known := s.channels[collection]
	if known {
		delete(s.channels, collection)
		s.states[collection] = Unsubscribed
	}
	s.mu.Unlock()

	if !known {
		// Closed by UnsubscribeAll; state already cleaned up.
		return
	}

	if err != nil {
		s.config.Logger.Printf("Subscription %s lost: %v", collection, err)
	}
}

// apply runs after the debounce window. It performs the version-checked
// dedup and writes the server's value into the replica.
func (s *Subscriber) apply(key, collection string) {
	s.mu.Lock()
	e, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	tenantID := s.tenantID
	s.mu.Unlock()

	if !ok {
		return
	}

	rec := e.Record()
	version := rec.Version()

	s.mu.Lock()
	lastSeen, seen := s.versions[key]
	s.mu.Unlock()

	// Duplicate/out-of-order suppression: not strictly newer, discard.
	if seen && !version.After(lastSeen) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A record with a pending outbound mutation keeps its local truth
	// until the push acks; applying the server value now would lose the
	// unpushed change. The version entry is left untouched so a
	// redelivery can apply once the record is clean.
	if local, err := s.store.GetByID(ctx, collection, rec.ID); err == nil && local.Dirty() {
		s.config.Logger.Printf("Deferring %s for dirty record %s", e.Type, key)
		return
	}

	switch e.Type {
	case remote.EventDelete:
		if err := s.store.HardDelete(ctx, collection, rec.ID); err != nil {
			s.config.Logger.Printf("Failed to apply delete for %s: %v", key, err)
			return
		}
		s.mu.Lock()
		delete(s.versions, key)
		s.lastApplied = time.Now()
		s.appliedCount++
		s.mu.Unlock()

	case remote.EventInsert, remote.EventUpdate:
		applied := *rec
		applied.Collection = collection
		if applied.TenantID == "" {
			applied.TenantID = tenantID
		}
		// Server is now truth for this record.
		applied.ClearFlags()

		if err := s.store.Upsert(ctx, &applied); err != nil {
			s.config.Logger.Printf("Failed to apply %s for %s: %v", e.Type, key, err)
			return
		}
		s.mu.Lock()
		s.versions[key] = version
		s.lastApplied = time.Now()
		s.appliedCount++
		s.mu.Unlock()

	default:
		s.config.Logger.Printf("Dropping event with unknown type %q for %s", e.Type, key)
	}
}

// StateOf returns the lifecycle state for a collection.
func (s *Subscriber) StateOf(collection string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[collection]
}

// SubscribedCollections returns collections with a live channel.
func (s *Subscriber) SubscribedCollections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for collection, state := range s.states {
		if state == Subscribed {
			out = append(out, collection)
		}
	}
	return out
}

// Connected reports whether at least one channel is live.
func (s *Subscriber) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, state := range s.states {
		if state == Subscribed {
			return true
		}
	}
	return false
}

// PendingUpdates returns the number of notifications awaiting their
// debounce window. UI status only; never used for correctness.
func (s *Subscriber) PendingUpdates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// LastUpdateAt returns when the last notification was applied.
func (s *Subscriber) LastUpdateAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastApplied
}

// verify the replica store satisfies the subscriber's contract
var _ Store = (*replica.Store)(nil)

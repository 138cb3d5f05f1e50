// Package cache provides the orchestrator's short-lived read cache.
//
// Entries are populated on successful remote reads and invalidated by
// TTL or by write-triggered invalidation. The cache is never
// authoritative: it only saves a round trip for repeated reads inside
// a short window.
//
// The cache also hosts the change-listener registry backing the
// orchestrator's Subscribe surface, so the UI can refresh after a write
// or a reconciliation pass without issuing an extra read.
package cache

import (
	"strings"
	"sync"
	"time"
)

// Entry is a cached value with its fetch timestamp.
type Entry struct {
	Key       string
	Value     interface{}
	FetchedAt time.Time
}

// Listener is notified when cached data for a key is invalidated or
// replaced. Notifications are best-effort UI signals, never used for
// correctness.
type Listener func(key string)

// Cache is a TTL-bounded in-memory read cache with change listeners.
type Cache struct {
	ttl time.Duration

	mu        sync.RWMutex
	entries   map[string]*Entry
	listeners map[string]map[int]Listener
	nextID    int
}

// New creates a cache whose entries expire after ttl.
func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:       ttl,
		entries:   make(map[string]*Entry),
		listeners: make(map[string]map[int]Listener),
	}
}

// Get returns the cached value for key if it is fresher than the TTL.
// An entry at or past the TTL is treated as absent and dropped, forcing
// the caller to fetch again.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Since(entry.FetchedAt) >= c.ttl {
		c.mu.Lock()
		// Re-check under the write lock; a Put may have raced.
		if cur, ok := c.entries[key]; ok && cur == entry {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.Value, true
}

// Put stores a value fetched now and notifies listeners for the key.
func (c *Cache) Put(key string, value interface{}) {
	c.mu.Lock()
	c.entries[key] = &Entry{Key: key, Value: value, FetchedAt: time.Now()}
	listeners := c.listenersFor(key)
	c.mu.Unlock()

	for _, l := range listeners {
		l(key)
	}
}

// Invalidate drops every entry whose key starts with prefix and notifies
// the affected listeners. Writes pass the collection name so all cached
// queries touching it are cleared at once.
func (c *Cache) Invalidate(prefix string) {
	c.mu.Lock()
	var dropped []string
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			dropped = append(dropped, key)
		}
	}
	// Listeners on invalidated keys plus listeners on the bare prefix,
	// which subscribe to "anything in this collection changed."
	notify := make(map[string][]Listener)
	for _, key := range dropped {
		notify[key] = c.listenersFor(key)
	}
	if _, seen := notify[prefix]; !seen {
		notify[prefix] = c.listenersFor(prefix)
	}
	c.mu.Unlock()

	for key, listeners := range notify {
		for _, l := range listeners {
			l(key)
		}
	}
}

// Clear drops every entry without notifying listeners. Used on tenant
// switch, where the UI re-subscribes from scratch anyway.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
}

// Subscribe registers a listener for a key (or collection prefix) and
// returns an unsubscribe function.
func (c *Cache) Subscribe(key string, l Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listeners[key] == nil {
		c.listeners[key] = make(map[int]Listener)
	}
	id := c.nextID
	c.nextID++
	c.listeners[key][id] = l

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if set, ok := c.listeners[key]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(c.listeners, key)
			}
		}
	}
}

// Notify invokes listeners for a key without touching cached entries.
// Reconciliation uses this to prompt a UI refresh after folding remote
// state into the replica.
func (c *Cache) Notify(key string) {
	c.mu.RLock()
	listeners := c.listenersFor(key)
	c.mu.RUnlock()

	for _, l := range listeners {
		l(key)
	}
}

// Len returns the number of live entries, counting expired ones until
// they are touched.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// listenersFor snapshots the listeners for a key. Callers must hold at
// least the read lock; the snapshot is invoked after unlocking.
func (c *Cache) listenersFor(key string) []Listener {
	set := c.listeners[key]
	if len(set) == 0 {
		return nil
	}
	out := make([]Listener, 0, len(set))
	for _, l := range set {
		out = append(out, l)
	}
	return out
}

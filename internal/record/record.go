// Package record provides the tenant-scoped record model shared by the
// replica store, the mutation queue, the change subscriber, and the
// synchronization orchestrator.
//
// Every business entity (product, sale, customer, ...) is carried as a
// flat Record with a JSON payload plus replica-state bookkeeping flags.
// The flags encode whether the record's current truth originates locally
// or from the server, and drive the "locally-dirty-wins-until-pushed"
// conflict policy.
package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// Known collections synchronized by the engine. The orchestrator exposes
// typed accessors for these; the replica store and subscriber treat the
// collection as an opaque partition name.
const (
	CollectionProducts   = "products"
	CollectionSales      = "sales"
	CollectionReturns    = "returns"
	CollectionCustomers  = "customers"
	CollectionCategories = "categories"
)

// Collections returns the default set of synchronized collections in a
// stable order.
func Collections() []string {
	return []string{
		CollectionProducts,
		CollectionSales,
		CollectionReturns,
		CollectionCustomers,
		CollectionCategories,
	}
}

// Record is a tenant-scoped business entity as stored in the local
// replica. Data holds the entity payload verbatim as received from the
// backend or produced by the UI; this layer never interprets it beyond
// the envelope fields below.
type Record struct {
	// ===== Identity =====
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	Collection string `json:"collection"`

	// ===== Payload =====
	Data json.RawMessage `json:"data,omitempty"`

	// ===== Version markers =====
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ===== Replica-state flags =====
	// LocallyCreated means no remote counterpart exists yet.
	LocallyCreated bool `json:"locally_created,omitempty"`
	// LocallyModified means a pending outbound mutation must not be
	// overwritten by inbound remote values until it acks.
	LocallyModified bool `json:"locally_modified,omitempty"`
	// LocallyDeleted marks a deletion awaiting remote confirmation.
	LocallyDeleted bool `json:"locally_deleted,omitempty"`
}

// Version returns the record's version marker: the later of the creation
// and last-update timestamps. Competing updates for the same record are
// ordered by this marker, not by delivery order.
func (r *Record) Version() time.Time {
	if r.UpdatedAt.After(r.CreatedAt) {
		return r.UpdatedAt
	}
	return r.CreatedAt
}

// Dirty reports whether the record carries unpushed local changes.
// Dirty records survive full reconciliation untouched so a later push
// can still deliver them.
func (r *Record) Dirty() bool {
	return r.LocallyCreated || r.LocallyModified || r.LocallyDeleted
}

// ClearFlags resets all replica-state flags. Called when the server's
// value becomes the record's truth.
func (r *Record) ClearFlags() {
	r.LocallyCreated = false
	r.LocallyModified = false
	r.LocallyDeleted = false
}

// Validate checks structural invariants before the record is persisted.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record ID is required")
	}
	if r.TenantID == "" {
		return fmt.Errorf("record %s: tenant ID is required", r.ID)
	}
	if r.Collection == "" {
		return fmt.Errorf("record %s: collection is required", r.ID)
	}
	if r.LocallyCreated && r.LocallyDeleted {
		return fmt.Errorf("record %s: locally_created and locally_deleted are mutually exclusive", r.ID)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("record %s: created_at is required", r.ID)
	}
	return nil
}

// Key returns the debounce/dedup key for the record: collection plus id.
// Keys are unique per tenant because all engine state is tenant-scoped.
func Key(collection, id string) string {
	return collection + "/" + id
}

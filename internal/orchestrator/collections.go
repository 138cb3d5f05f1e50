package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tilldesk/tilldesk/internal/record"
)

// CollectionView is a typed accessor bound to one collection, so
// application code can write o.Products().List(ctx) instead of
// threading collection names through every call.
type CollectionView struct {
	orch *Orchestrator
	name string
}

// Collection returns a view bound to the named collection.
func (o *Orchestrator) Collection(name string) *CollectionView {
	return &CollectionView{orch: o, name: name}
}

// Products returns the view over the products collection.
func (o *Orchestrator) Products() *CollectionView {
	return o.Collection(record.CollectionProducts)
}

// Sales returns the view over the sales collection.
func (o *Orchestrator) Sales() *CollectionView {
	return o.Collection(record.CollectionSales)
}

// Returns returns the view over the returns collection.
func (o *Orchestrator) Returns() *CollectionView {
	return o.Collection(record.CollectionReturns)
}

// Customers returns the view over the customers collection.
func (o *Orchestrator) Customers() *CollectionView {
	return o.Collection(record.CollectionCustomers)
}

// Categories returns the view over the categories collection.
func (o *Orchestrator) Categories() *CollectionView {
	return o.Collection(record.CollectionCategories)
}

// Name returns the collection this view is bound to.
func (v *CollectionView) Name() string {
	return v.name
}

func (v *CollectionView) List(ctx context.Context, opts ReadOptions) (*ListResult, error) {
	return v.orch.List(ctx, v.name, opts)
}

func (v *CollectionView) ListRange(ctx context.Context, start, end time.Time, opts ReadOptions) (*ListResult, error) {
	return v.orch.ListRange(ctx, v.name, start, end, opts)
}

func (v *CollectionView) Get(ctx context.Context, id string) (*record.Record, error) {
	return v.orch.Get(ctx, v.name, id)
}

func (v *CollectionView) Create(ctx context.Context, data json.RawMessage) (*WriteResult, error) {
	return v.orch.Create(ctx, v.name, data)
}

func (v *CollectionView) Update(ctx context.Context, id string, data json.RawMessage) (*WriteResult, error) {
	return v.orch.Update(ctx, v.name, id, data)
}

func (v *CollectionView) Delete(ctx context.Context, id string) (*WriteResult, error) {
	return v.orch.Delete(ctx, v.name, id)
}

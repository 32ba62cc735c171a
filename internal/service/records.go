// Package service is the request path between the transports and the store.
//
// Every call validates its input, asks the rules engine, and only then
// touches the store. A denied operation never reaches storage. Reads run
// with the rule's extra filters ANDed in, so an owner-scoped collection
// only ever returns the actor's own rows.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/queryir"
	"github.com/roach88/shelf/internal/rules"
	"github.com/roach88/shelf/internal/store"
)

// Store is the part of the record store the request path uses.
// *store.Store implements it.
type Store interface {
	Get(ctx context.Context, collection, id string) (ir.Row, error)
	Insert(ctx context.Context, collection string, row ir.Row) (ir.Row, error)
	Update(ctx context.Context, collection, id string, patch ir.Row) (prev, next ir.Row, err error)
	Delete(ctx context.Context, collection, id string) (ir.Row, error)
	Query(ctx context.Context, q *queryir.Query) (queryir.Result, error)
}

// Authorizer decides operations. *rules.Engine implements it.
type Authorizer interface {
	Check(op rules.Operation, collection string, c rules.Context) error
	AuthorizeQuery(q *queryir.Query, actor ir.Actor) (*queryir.Query, error)
}

// Records serves rule-authorized reads and writes of collection rows.
type Records struct {
	store  Store
	auth   Authorizer
	schema queryir.Schema
	ids    ir.IDGenerator
}

// Option configures Records.
type Option func(*Records)

// WithSchema checks collection and field names against schema.
func WithSchema(schema queryir.Schema) Option {
	return func(r *Records) { r.schema = schema }
}

// WithIDGenerator sets the generator for rows created without an id.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(r *Records) { r.ids = g }
}

// NewRecords returns the request path over st.
func NewRecords(st Store, auth Authorizer, opts ...Option) *Records {
	r := &Records{store: st, auth: auth, ids: ir.UUIDv7Generator{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Query runs q in its own mode for actor.
func (r *Records) Query(ctx context.Context, actor ir.Actor, q *queryir.Query) (queryir.Result, error) {
	if err := queryir.Validate(q, r.schema); err != nil {
		return queryir.Result{}, err
	}
	authorized, err := r.auth.AuthorizeQuery(q, actor)
	if err != nil {
		return queryir.Result{}, err
	}
	return r.store.Query(ctx, authorized)
}

// Get returns one row. A row the actor may not read is reported as
// store.ErrNotFound when the rule scopes reads rather than denying them.
func (r *Records) Get(ctx context.Context, actor ir.Actor, collection, id string) (ir.Row, error) {
	q := queryir.New(collection).WithMode(queryir.ModeGet).Where(queryir.Eq(ir.IDField, id))
	res, err := r.Query(ctx, actor, q)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, store.ErrNotFound)
	}
	return res.Rows[0], nil
}

// List runs q as a list query.
func (r *Records) List(ctx context.Context, actor ir.Actor, q *queryir.Query) (queryir.Result, error) {
	return r.Query(ctx, actor, q.WithMode(queryir.ModeList))
}

// Count returns how many rows match q.
func (r *Records) Count(ctx context.Context, actor ir.Actor, q *queryir.Query) (int, error) {
	res, err := r.Query(ctx, actor, q.WithMode(queryir.ModeCount))
	if err != nil {
		return 0, err
	}
	return res.Total, nil
}

// Create inserts row into collection. A row without an id gets one before
// the rule sees it.
func (r *Records) Create(ctx context.Context, actor ir.Actor, collection string, row ir.Row) (ir.Row, error) {
	if err := r.validateRow(collection, row); err != nil {
		return nil, err
	}
	data := row.Clone()
	if data == nil {
		data = ir.Row{}
	}
	if _, has := data[ir.IDField]; !has {
		data[ir.IDField] = r.ids.Generate()
	}
	if data.ID() == "" {
		return nil, &queryir.ValidationError{Field: ir.IDField, Message: "id must be a non-empty string"}
	}

	if err := r.auth.Check(rules.OpCreate, collection, rules.Context{Actor: actor, Data: data}); err != nil {
		return nil, err
	}
	stored, err := r.store.Insert(ctx, collection, data)
	if err != nil {
		return nil, err
	}
	slog.Debug("record created", "collection", collection, "id", stored.ID(), "actor", actor.String())
	return stored, nil
}

// Update merges patch into the row. A nil value removes a field; the id
// cannot change.
func (r *Records) Update(ctx context.Context, actor ir.Actor, collection, id string, patch ir.Row) (ir.Row, error) {
	if err := r.validateRow(collection, patch); err != nil {
		return nil, err
	}
	if pid, has := patch[ir.IDField]; has && pid != id {
		return nil, &queryir.ValidationError{Field: ir.IDField, Message: "id cannot be changed"}
	}

	prev, err := r.store.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	err = r.auth.Check(rules.OpUpdate, collection, rules.Context{
		Actor:        actor,
		Data:         prev.Merge(patch),
		PreviousData: prev,
	})
	if err != nil {
		return nil, err
	}
	_, next, err := r.store.Update(ctx, collection, id, patch)
	if err != nil {
		return nil, err
	}
	slog.Debug("record updated", "collection", collection, "id", id, "actor", actor.String())
	return next, nil
}

// Delete removes the row and returns its last content.
func (r *Records) Delete(ctx context.Context, actor ir.Actor, collection, id string) (ir.Row, error) {
	if err := r.validateCollection(collection); err != nil {
		return nil, err
	}
	prev, err := r.store.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if err := r.auth.Check(rules.OpDelete, collection, rules.Context{Actor: actor, PreviousData: prev}); err != nil {
		return nil, err
	}
	deleted, err := r.store.Delete(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	slog.Debug("record deleted", "collection", collection, "id", id, "actor", actor.String())
	return deleted, nil
}

func (r *Records) validateCollection(collection string) error {
	if collection == "" {
		return &queryir.ValidationError{Message: "collection is required"}
	}
	if r.schema != nil && !r.schema.HasCollection(collection) {
		return &queryir.ValidationError{Message: fmt.Sprintf("unknown collection %q", collection)}
	}
	return nil
}

func (r *Records) validateRow(collection string, row ir.Row) error {
	if err := r.validateCollection(collection); err != nil {
		return err
	}
	if r.schema == nil {
		return nil
	}
	names := make([]string, 0, len(row))
	for name := range row {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !r.schema.HasField(collection, name) {
			return &queryir.ValidationError{Field: name, Message: fmt.Sprintf("unknown field of %s", collection)}
		}
	}
	return nil
}

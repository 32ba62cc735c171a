package rules

import (
	"fmt"
	"log/slog"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/queryir"
)

// Engine evaluates a Table.
//
// Lookup order is the collection's own rule, then the table default. The
// system actor is allowed everything without consulting any rule. A rule
// that returns an error or panics denies, with the failure as the reason.
//
// Engine is safe for concurrent use; the table is never mutated after
// NewEngine.
type Engine struct {
	table Table
}

// NewEngine creates an engine over table. Nil defaults are replaced by
// Authenticated and AuthenticatedBroadcast.
func NewEngine(table Table) *Engine {
	if table.Default == nil {
		table.Default = Authenticated
	}
	if table.DefaultBroadcast == nil {
		table.DefaultBroadcast = AuthenticatedBroadcast
	}
	return &Engine{table: table}
}

// Authorize evaluates the rule for op on collection.
func (e *Engine) Authorize(op Operation, collection string, c Context) Decision {
	c.Operation = op
	c.Collection = collection
	if c.Actor.IsSystem() {
		return Allow()
	}

	rule, ok := e.table.Database[collection]
	if !ok || rule == nil {
		rule = e.table.Default
	}

	d, err := evaluate(rule, c)
	if err != nil {
		slog.Warn("rule evaluation failed",
			"collection", collection,
			"operation", op,
			"actor", c.Actor.String(),
			"error", err)
		return Deny(err.Error())
	}
	if !d.Allowed {
		d.ExtraFilters = nil
		if d.Reason == "" {
			d.Reason = "access denied"
		}
	}
	return d
}

// Check is Authorize returning a *DeniedError on denial.
func (e *Engine) Check(op Operation, collection string, c Context) error {
	d := e.Authorize(op, collection, c)
	if !d.Allowed {
		return &DeniedError{Operation: op, Collection: collection, Reason: d.Reason}
	}
	return nil
}

// AuthorizeQuery authorizes q for actor and returns the query to run: a
// clone of q with the rule's extra filters ANDed in. Get queries are
// authorized as get; list and count queries as list.
func (e *Engine) AuthorizeQuery(q *queryir.Query, actor ir.Actor) (*queryir.Query, error) {
	op := OpList
	if q.Mode == queryir.ModeGet {
		op = OpGet
	}
	d := e.Authorize(op, q.Collection, Context{Actor: actor, Query: q})
	if !d.Allowed {
		return nil, &DeniedError{Operation: op, Collection: q.Collection, Reason: d.Reason}
	}
	return q.Where(d.ExtraFilters...), nil
}

// CanSee reports whether actor may observe changes to row of collection.
// Errors and panics count as not visible.
func (e *Engine) CanSee(collection string, actor ir.Actor, row ir.Row) bool {
	if actor.IsSystem() {
		return true
	}
	rule, ok := e.table.Broadcast[collection]
	if !ok || rule == nil {
		rule = e.table.DefaultBroadcast
	}
	visible, err := visibleSafe(rule, actor, row)
	if err != nil {
		slog.Debug("broadcast rule failed", "collection", collection, "actor", actor.String(), "error", err)
		return false
	}
	return visible
}

func evaluate(rule Rule, c Context) (d Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = Decision{}, fmt.Errorf("rule panicked: %v", r)
		}
	}()
	return rule.Evaluate(c)
}

func visibleSafe(rule BroadcastRule, actor ir.Actor, row ir.Row) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("broadcast rule panicked: %v", r)
		}
	}()
	return rule.Visible(actor, row)
}

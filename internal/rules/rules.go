package rules

import (
	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/queryir"
)

// Operation is a CRUD operation subject to authorization.
type Operation string

const (
	OpGet    Operation = "get"
	OpList   Operation = "list"
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Operations lists every operation in a fixed order.
var Operations = []Operation{OpGet, OpList, OpCreate, OpUpdate, OpDelete}

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	switch o {
	case OpGet, OpList, OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Context is everything a rule may look at.
//
// Data is the row as it would be after a create or update. PreviousData is
// the stored row for update and delete. Query is set for get and list.
type Context struct {
	Operation    Operation
	Collection   string
	Actor        ir.Actor
	Data         ir.Row
	PreviousData ir.Row
	Query        *queryir.Query
}

// Decision is the outcome of a rule.
type Decision struct {
	Allowed bool
	// Reason explains a denial.
	Reason string
	// ExtraFilters are ANDed into a list query before it runs.
	ExtraFilters []queryir.Predicate
}

// Allow is an unconditional allow decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny returns a denial with the given reason.
func Deny(reason string) Decision { return Decision{Reason: reason} }

// Rule decides one collection's CRUD operations.
// Implementations must be pure: the same Context always yields the same
// Decision, and evaluating it has no side effects.
type Rule interface {
	Evaluate(c Context) (Decision, error)
}

// RuleFunc adapts a function to a Rule.
type RuleFunc func(c Context) (Decision, error)

// Evaluate calls f(c).
func (f RuleFunc) Evaluate(c Context) (Decision, error) { return f(c) }

// BroadcastRule decides whether a viewer may observe a row's changes at all,
// independent of the filters of the query the viewer subscribed with.
type BroadcastRule interface {
	Visible(actor ir.Actor, row ir.Row) (bool, error)
}

// BroadcastFunc adapts a function to a BroadcastRule.
type BroadcastFunc func(actor ir.Actor, row ir.Row) (bool, error)

// Visible calls f(actor, row).
func (f BroadcastFunc) Visible(actor ir.Actor, row ir.Row) (bool, error) { return f(actor, row) }

// Table is the static, process-wide rule configuration keyed by collection.
type Table struct {
	Database  map[string]Rule
	Broadcast map[string]BroadcastRule

	// Default applies to collections without a database rule. Nil means
	// the actor must be authenticated.
	Default Rule
	// DefaultBroadcast applies to collections without a broadcast rule.
	// Nil means the viewer must be authenticated.
	DefaultBroadcast BroadcastRule
}

// Authenticated allows any authenticated actor.
var Authenticated Rule = RuleFunc(func(c Context) (Decision, error) {
	if c.Actor.IsAuthenticated() {
		return Allow(), nil
	}
	return Deny("authentication required"), nil
})

// AuthenticatedBroadcast lets any authenticated viewer observe a row.
var AuthenticatedBroadcast BroadcastRule = BroadcastFunc(func(actor ir.Actor, _ ir.Row) (bool, error) {
	return actor.IsAuthenticated(), nil
})

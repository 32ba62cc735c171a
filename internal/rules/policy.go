package rules

import (
	"fmt"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/queryir"
)

// Level is a declarative access level.
type Level string

const (
	LevelPublic        Level = "public"
	LevelAuthenticated Level = "authenticated"
	LevelOwner         Level = "owner"
	LevelAdmin         Level = "admin"
	LevelDeny          Level = "deny"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelPublic, LevelAuthenticated, LevelOwner, LevelAdmin, LevelDeny:
		return true
	}
	return false
}

// Policy is the rule compiled from a collection's rules configuration. It
// implements both Rule and BroadcastRule.
//
// Owner-level list and get queries are scoped with OwnerField == actor.id.
// Owner-level create requires the new row to belong to the actor; update and
// delete require the stored row to. Admins bypass owner checks and
// immutability.
type Policy struct {
	Collection string
	OwnerField string
	Levels     map[Operation]Level
	// Immutable fields may not change on update.
	Immutable []string
	Broadcast Level
}

// Level returns the level for op; unset operations need authentication.
func (p *Policy) Level(op Operation) Level {
	if l, ok := p.Levels[op]; ok && l != "" {
		return l
	}
	return LevelAuthenticated
}

// Evaluate implements Rule.
func (p *Policy) Evaluate(c Context) (Decision, error) {
	switch level := p.Level(c.Operation); level {
	case LevelPublic:
		return Allow(), nil
	case LevelDeny:
		return Deny(fmt.Sprintf("%s is not permitted on %s", c.Operation, p.Collection)), nil
	case LevelAuthenticated:
		if !c.Actor.IsAuthenticated() {
			return Deny("authentication required"), nil
		}
	case LevelAdmin:
		if !c.Actor.IsAdmin() {
			return Deny("admin role required"), nil
		}
	case LevelOwner:
		d, err := p.evaluateOwner(c)
		if err != nil || !d.Allowed {
			return d, err
		}
		if len(d.ExtraFilters) > 0 {
			return d, nil
		}
	default:
		return Decision{}, fmt.Errorf("unknown access level %q", level)
	}

	if c.Operation == OpUpdate && !c.Actor.IsAdmin() {
		if field, changed := p.immutableChange(c.PreviousData, c.Data); changed {
			return Deny(fmt.Sprintf("field %s cannot be changed", field)), nil
		}
	}
	return Allow(), nil
}

func (p *Policy) evaluateOwner(c Context) (Decision, error) {
	if p.OwnerField == "" {
		return Decision{}, fmt.Errorf("collection %s: owner level without ownerField", p.Collection)
	}
	if !c.Actor.IsAuthenticated() {
		return Deny("authentication required"), nil
	}
	if c.Actor.IsAdmin() {
		return Allow(), nil
	}

	switch c.Operation {
	case OpList, OpGet:
		if c.Operation == OpGet && c.Data != nil {
			return p.requireOwner(c.Data, c.Actor), nil
		}
		return Decision{
			Allowed:      true,
			ExtraFilters: []queryir.Predicate{queryir.Eq(p.OwnerField, c.Actor.ID)},
		}, nil
	case OpCreate:
		return p.requireOwner(c.Data, c.Actor), nil
	case OpUpdate:
		if d := p.requireOwner(c.PreviousData, c.Actor); !d.Allowed {
			return d, nil
		}
		return p.requireOwner(c.Data, c.Actor), nil
	case OpDelete:
		return p.requireOwner(c.PreviousData, c.Actor), nil
	}
	return Deny("unknown operation"), nil
}

func (p *Policy) requireOwner(row ir.Row, actor ir.Actor) Decision {
	if p.owns(row, actor) {
		return Allow()
	}
	return Deny(fmt.Sprintf("%s must be the acting user", p.OwnerField))
}

func (p *Policy) owns(row ir.Row, actor ir.Actor) bool {
	owner, _ := row[p.OwnerField].(string)
	return owner != "" && owner == actor.ID
}

func (p *Policy) immutableChange(prev, next ir.Row) (string, bool) {
	for _, f := range p.Immutable {
		pv, hadPrev := prev[f]
		nv, hasNext := next[f]
		if hadPrev != hasNext || !ir.ValuesEqual(pv, nv) {
			return f, true
		}
	}
	return "", false
}

// Visible implements BroadcastRule.
func (p *Policy) Visible(actor ir.Actor, row ir.Row) (bool, error) {
	switch p.Broadcast {
	case LevelPublic:
		return true, nil
	case LevelAuthenticated, "":
		return actor.IsAuthenticated(), nil
	case LevelAdmin:
		return actor.IsAdmin(), nil
	case LevelOwner:
		if p.OwnerField == "" {
			return false, fmt.Errorf("collection %s: owner broadcast without ownerField", p.Collection)
		}
		return actor.IsAdmin() || (actor.IsAuthenticated() && p.owns(row, actor)), nil
	case LevelDeny:
		return false, nil
	default:
		return false, fmt.Errorf("unknown broadcast level %q", p.Broadcast)
	}
}

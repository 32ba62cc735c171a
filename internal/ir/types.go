package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// IDField is the field every row carries as its unique identifier.
const IDField = "id"

// Row is a single record of a collection: a JSON object keyed by field name.
//
// Values are the types produced by decoding JSON with UseNumber: nil, bool,
// string, json.Number, []any and map[string]any. Rows built in Go code may
// also carry int, int64 and float64 values; they encode to the same JSON.
type Row map[string]any

// ID returns the row identifier, or "" when the row has no string id.
func (r Row) ID() string {
	id, _ := r[IDField].(string)
	return id
}

// Clone returns a deep copy of the row.
// Nested objects and arrays are copied so the clone can be mutated freely.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a decoded JSON value: nested maps and slices are
// copied, scalars are returned as is.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, e := range val {
			m[k] = CloneValue(e)
		}
		return m
	case Row:
		return val.Clone()
	case []any:
		s := make([]any, len(val))
		for i, e := range val {
			s[i] = CloneValue(e)
		}
		return s
	default:
		return v
	}
}

// Merge returns a copy of r with the fields of patch applied.
// A nil value in patch removes the field, mirroring JSON merge-patch.
func (r Row) Merge(patch Row) Row {
	out := r.Clone()
	if out == nil {
		out = Row{}
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = CloneValue(v)
	}
	return out
}

// ChangedFields returns the sorted names of top-level fields whose JSON
// encoding differs between before and after, including added and removed fields.
func ChangedFields(before, after Row) []string {
	seen := make(map[string]struct{}, len(after))
	var changed []string
	for k, av := range after {
		seen[k] = struct{}{}
		bv, ok := before[k]
		if !ok || !ValuesEqual(bv, av) {
			changed = append(changed, k)
		}
	}
	for k := range before {
		if _, ok := seen[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// ValuesEqual reports whether a and b have the same JSON encoding.
func ValuesEqual(a, b any) bool {
	ab, errA := EncodeJSON(a)
	bb, errB := EncodeJSON(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// EncodeJSON encodes v as compact JSON without HTML escaping.
// This is the encoding used for stored rows, so object and array values
// rendered here match what SQLite returns from the ->> operator.
func EncodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecodeRow decodes a JSON object into a Row, preserving number literals.
func DecodeRow(data []byte) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var row Row
	if err := dec.Decode(&row); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return row, nil
}

// DecodeValue decodes arbitrary JSON, preserving number literals.
func DecodeValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// ActorKind distinguishes who is performing an operation.
type ActorKind string

const (
	// ActorNone is an unauthenticated caller.
	ActorNone ActorKind = "none"
	// ActorUser is an authenticated end user.
	ActorUser ActorKind = "user"
	// ActorSystem is the privileged internal actor used by maintenance jobs.
	ActorSystem ActorKind = "system"
)

// RoleAdmin is the role that rule policies treat as unrestricted.
const RoleAdmin = "admin"

// Actor identifies who performs an operation.
// The zero value is an unauthenticated caller.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
	Role string    `json:"role,omitempty"`
}

var (
	// Anonymous is the unauthenticated actor.
	Anonymous = Actor{Kind: ActorNone}
	// SystemActor bypasses per-user scoping. Never hand it to end users.
	SystemActor = Actor{Kind: ActorSystem, ID: "system"}
)

// User returns an authenticated actor.
func User(id, role string) Actor {
	return Actor{Kind: ActorUser, ID: id, Role: role}
}

// IsSystem reports whether the actor is the privileged internal actor.
func (a Actor) IsSystem() bool { return a.Kind == ActorSystem }

// IsAuthenticated reports whether the actor is an authenticated user.
// The system actor is not a user.
func (a Actor) IsAuthenticated() bool { return a.Kind == ActorUser && a.ID != "" }

// IsAdmin reports whether the actor is an authenticated administrator.
func (a Actor) IsAdmin() bool { return a.IsAuthenticated() && a.Role == RoleAdmin }

// String renders the actor for logs.
func (a Actor) String() string {
	switch a.Kind {
	case ActorSystem:
		return "system"
	case ActorUser:
		if a.Role != "" {
			return fmt.Sprintf("user:%s(%s)", a.ID, a.Role)
		}
		return "user:" + a.ID
	default:
		return "anonymous"
	}
}

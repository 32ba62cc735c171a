package ir

import "time"

// EventType is the kind of committed write a ChangeEvent describes.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Valid reports whether t is one of the three event types.
func (t EventType) Valid() bool {
	switch t {
	case EventInsert, EventUpdate, EventDelete:
		return true
	}
	return false
}

// ChangeEvent is the normalized notification of one committed write to one row.
//
// Exactly one event is produced per committed write per affected row. Seq is
// the change-log sequence number assigned inside the write transaction, so it
// reflects storage commit order; consumers must never reorder by Timestamp.
type ChangeEvent struct {
	Seq        int64     `json:"seq"`
	Event      EventType `json:"event"`
	Collection string    `json:"collection"`

	// Entity is the full post-write row. For DELETE it is the last known row.
	Entity Row `json:"entity"`

	// Previous is the pre-write row for UPDATE, nil otherwise.
	Previous Row `json:"previous,omitempty"`

	// ChangedFields lists the top-level fields an UPDATE modified.
	ChangedFields []string `json:"changedFields,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ID returns the identifier of the affected row.
func (e ChangeEvent) ID() string {
	return e.Entity.ID()
}

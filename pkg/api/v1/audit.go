package v1

import "time"

// EntityKind names the record type an audit entry refers to.
type EntityKind string

const (
	EntityAgent   EntityKind = "agent"
	EntityTask    EntityKind = "task"
	EntitySession EntityKind = "session"
)

// AuditEntry is one append-only record of a state change.
// Entries are never mutated after they are written.
type AuditEntry struct {
	ID         int64                  `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	EventName  string                 `json:"event_name"`
	EntityKind EntityKind             `json:"entity_kind"`
	EntityID   string                 `json:"entity_id"`
	Changes    map[string]interface{} `json:"changes,omitempty"`
	Actor      string                 `json:"actor,omitempty"`
}

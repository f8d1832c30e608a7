package v1

import "time"

// SessionStatus represents the state of a multiplexer session record.
type SessionStatus string

const (
	SessionStatusActive     SessionStatus = "active"
	SessionStatusAttached   SessionStatus = "attached"
	SessionStatusDetached   SessionStatus = "detached"
	SessionStatusTerminated SessionStatus = "terminated"
)

// Session is the metadata record for one live multiplexer session.
// Terminated sessions keep history until pruned.
type Session struct {
	ID                     string        `json:"id"`
	AgentID                string        `json:"agent_id"`
	MultiplexerSessionName string        `json:"multiplexer_session_name"`
	Status                 SessionStatus `json:"status"`
	StartedAt              time.Time     `json:"started_at"`
	EndedAt                *time.Time    `json:"ended_at,omitempty"`
	ProcessID              int           `json:"process_id,omitempty"`
}

// Clone returns a deep copy of the session record.
func (s *Session) Clone() *Session {
	cp := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

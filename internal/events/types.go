// Package events provides event names and the bus provider for the
// MindMux event system. Audit entries use the colon form (agent:created);
// bus subjects use the dot form (agent.created) so NATS subject routing
// works unchanged.
package events

import "strings"

// Event names for agents.
const (
	AgentCreated   = "agent:created"
	AgentUpdated   = "agent:updated"
	AgentDeleted   = "agent:deleted"
	AgentStarted   = "agent:started"
	AgentStopped   = "agent:stopped"
	AgentUnhealthy = "agent:unhealthy"
)

// Event names for tasks.
const (
	TaskCreated   = "task:created"
	TaskQueued    = "task:queued"
	TaskAssigned  = "task:assigned"
	TaskStarted   = "task:started"
	TaskCompleted = "task:completed"
	TaskFailed    = "task:failed"
	TaskRetried   = "task:retried"
	TaskCancelled = "task:cancelled"
	TaskDeleted   = "task:deleted"
)

// Event names for sessions.
const (
	SessionStarted    = "session:started"
	SessionTerminated = "session:terminated"
	SessionOrphaned   = "session:orphaned"
)

// Subject converts an event name into its bus subject.
func Subject(eventName string) string {
	return strings.ReplaceAll(eventName, ":", ".")
}

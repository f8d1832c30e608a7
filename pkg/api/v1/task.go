package v1

import "time"

// TaskStatus represents the state of a task in its lifecycle.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// taskTransitions enumerates the legal status edges. Retries and restart
// recovery take assigned/running back to queued; terminal states admit
// nothing.
var taskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusPending:  {TaskStatusQueued: true, TaskStatusFailed: true, TaskStatusCancelled: true},
	TaskStatusQueued:   {TaskStatusAssigned: true, TaskStatusFailed: true, TaskStatusCancelled: true},
	TaskStatusAssigned: {TaskStatusRunning: true, TaskStatusQueued: true, TaskStatusFailed: true},
	TaskStatusRunning:  {TaskStatusCompleted: true, TaskStatusFailed: true, TaskStatusQueued: true},
}

// CanTransition reports whether the state machine admits moving to next.
// A status may always re-save itself.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s == next {
		return true
	}
	return taskTransitions[s][next]
}

// MaxPromptBytes is the upper bound on a task prompt (50 KiB).
const MaxPromptBytes = 50 * 1024

// Task priority bounds. Higher priority runs first.
const (
	MinPriority     = 0
	MaxPriority     = 100
	DefaultPriority = 50
)

// DefaultMaxRetries is the retry budget applied when none is given.
const DefaultMaxRetries = 3

// Task is a unit of AI work to be executed on one agent.
type Task struct {
	ID                   string       `json:"id"`
	Prompt               string       `json:"prompt"`
	Priority             int          `json:"priority"`
	RequiredCapabilities []Capability `json:"required_capabilities,omitempty"`
	DependsOn            []string     `json:"depends_on,omitempty"`
	AssignedAgentID      string       `json:"assigned_agent_id,omitempty"`
	Status               TaskStatus   `json:"status"`
	RetryCount           int          `json:"retry_count"`
	MaxRetries           int          `json:"max_retries"`
	Timeout              time.Duration `json:"timeout"`
	CreatedAt            time.Time    `json:"created_at"`
	QueuedAt             *time.Time   `json:"queued_at,omitempty"`
	AssignedAt           *time.Time   `json:"assigned_at,omitempty"`
	StartedAt            *time.Time   `json:"started_at,omitempty"`
	CompletedAt          *time.Time   `json:"completed_at,omitempty"`
	Result               string       `json:"result,omitempty"`
	ErrorMessage         string       `json:"error_message,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	cp := *t
	cp.RequiredCapabilities = append([]Capability(nil), t.RequiredCapabilities...)
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	cp.QueuedAt = cloneTime(t.QueuedAt)
	cp.AssignedAt = cloneTime(t.AssignedAt)
	cp.StartedAt = cloneTime(t.StartedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// EnqueueRequest carries the caller-supplied fields of a new task.
// Zero values fall back to scheduler defaults.
type EnqueueRequest struct {
	Prompt               string        `json:"prompt"`
	Priority             *int          `json:"priority,omitempty"`
	RequiredCapabilities []Capability  `json:"required_capabilities,omitempty"`
	DependsOn            []string      `json:"depends_on,omitempty"`
	MaxRetries           *int          `json:"max_retries,omitempty"`
	Timeout              time.Duration `json:"timeout,omitempty"`
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	Status  TaskStatus `json:"status,omitempty"`
	AgentID string     `json:"agent_id,omitempty"`
}

// QueueStats reports task counts by status.
type QueueStats struct {
	Pending   int `json:"pending"`
	Queued    int `json:"queued"`
	Assigned  int `json:"assigned"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

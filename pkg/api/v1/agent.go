package v1

import "time"

// AgentStatus represents the availability of a configured agent.
type AgentStatus string

const (
	AgentStatusIdle      AgentStatus = "idle"
	AgentStatusBusy      AgentStatus = "busy"
	AgentStatusUnhealthy AgentStatus = "unhealthy"
)

// AgentKind selects the CLI adapter used to drive the agent.
type AgentKind string

const (
	AgentKindClaude   AgentKind = "claude"
	AgentKindGemini   AgentKind = "gemini"
	AgentKindGPT4     AgentKind = "gpt4"
	AgentKindOpencode AgentKind = "opencode"
)

// Capability is a tag declaring a skill an agent offers.
type Capability string

const (
	CapabilityCodeGeneration Capability = "code-generation"
	CapabilityCodeReview     Capability = "code-review"
	CapabilityDebugging      Capability = "debugging"
	CapabilityTesting        Capability = "testing"
	CapabilityDocumentation  Capability = "documentation"
	CapabilityPlanning       Capability = "planning"
	CapabilityResearch       Capability = "research"
	CapabilityRefactoring    Capability = "refactoring"

	// CapabilityAny is the wildcard: a task requiring it matches every agent.
	CapabilityAny Capability = "*"
)

// Capabilities returns the whitelisted capability vocabulary.
func Capabilities() []Capability {
	return []Capability{
		CapabilityCodeGeneration,
		CapabilityCodeReview,
		CapabilityDebugging,
		CapabilityTesting,
		CapabilityDocumentation,
		CapabilityPlanning,
		CapabilityResearch,
		CapabilityRefactoring,
	}
}

// AgentConfig holds per-agent execution settings.
type AgentConfig struct {
	Model              string        `json:"model,omitempty"`
	MaxConcurrentTasks int           `json:"max_concurrent_tasks"`
	TaskTimeout        time.Duration `json:"task_timeout"`
}

// Agent represents a configured AI assistant that can host tasks.
// An agent exists independently of whether a session is live.
type Agent struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Kind         AgentKind    `json:"kind"`
	Capabilities []Capability `json:"capabilities"`
	Config       AgentConfig  `json:"config"`
	Status       AgentStatus  `json:"status"`
	SessionName  string       `json:"session_name,omitempty"`
	IsRunning    bool         `json:"is_running"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
}

// HasCapability reports whether the agent declares the given capability.
func (a *Agent) HasCapability(c Capability) bool {
	for _, have := range a.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	cp := *a
	cp.Capabilities = append([]Capability(nil), a.Capabilities...)
	return &cp
}

// CreateAgentRequest for registering a new agent.
type CreateAgentRequest struct {
	Name               string        `json:"name"`
	Kind               AgentKind     `json:"kind"`
	Capabilities       []Capability  `json:"capabilities"`
	Model              string        `json:"model,omitempty"`
	MaxConcurrentTasks int           `json:"max_concurrent_tasks,omitempty"`
	TaskTimeout        time.Duration `json:"task_timeout,omitempty"`
}

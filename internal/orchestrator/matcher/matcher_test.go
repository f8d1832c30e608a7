package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

func testAgent(id string, status v1.AgentStatus, caps ...v1.Capability) *v1.Agent {
	return &v1.Agent{
		ID:           id,
		Name:         id,
		Kind:         v1.AgentKindClaude,
		Status:       status,
		Capabilities: caps,
		Config:       v1.AgentConfig{MaxConcurrentTasks: 2},
	}
}

func ids(agents []*v1.Agent) []string {
	out := make([]string, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.ID)
	}
	return out
}

func TestFindCapable(t *testing.T) {
	coder := testAgent("coder", v1.AgentStatusIdle, v1.CapabilityCodeGeneration, v1.CapabilityDebugging)
	reviewer := testAgent("reviewer", v1.AgentStatusBusy, v1.CapabilityCodeReview)
	sick := testAgent("sick", v1.AgentStatusUnhealthy, v1.CapabilityCodeGeneration)
	agents := []*v1.Agent{coder, reviewer, sick}

	tests := []struct {
		name     string
		required []v1.Capability
		want     []string
	}{
		{"empty required matches all healthy", nil, []string{"coder", "reviewer"}},
		{"wildcard matches all healthy", []v1.Capability{v1.CapabilityAny}, []string{"coder", "reviewer"}},
		{"single capability", []v1.Capability{v1.CapabilityCodeReview}, []string{"reviewer"}},
		{"superset required", []v1.Capability{v1.CapabilityCodeGeneration, v1.CapabilityDebugging}, []string{"coder"}},
		{"no agent covers set", []v1.Capability{v1.CapabilityCodeGeneration, v1.CapabilityCodeReview}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &v1.Task{ID: "t1", RequiredCapabilities: tt.required}
			assert.Equal(t, tt.want, ids(FindCapable(task, agents)))
		})
	}
}

func TestFindCapableExcludesUnhealthyEvenForWildcard(t *testing.T) {
	sick := testAgent("sick", v1.AgentStatusUnhealthy, v1.CapabilityCodeGeneration)
	task := &v1.Task{ID: "t1", RequiredCapabilities: []v1.Capability{v1.CapabilityAny}}

	assert.Empty(t, FindCapable(task, []*v1.Agent{sick}))
}

func TestFindAvailable(t *testing.T) {
	running := testAgent("running", v1.AgentStatusIdle)
	running.IsRunning = true
	stopped := testAgent("stopped", v1.AgentStatusIdle)
	full := testAgent("full", v1.AgentStatusBusy)
	full.IsRunning = true

	load := map[string]int{"running": 1, "full": 2}
	active := func(id string) int { return load[id] }

	got := FindAvailable([]*v1.Agent{running, stopped, full}, active)
	assert.Equal(t, []string{"running"}, ids(got))
}

func TestFindAvailableDefaultsConcurrencyToOne(t *testing.T) {
	agent := testAgent("a", v1.AgentStatusIdle)
	agent.IsRunning = true
	agent.Config.MaxConcurrentTasks = 0

	assert.Len(t, FindAvailable([]*v1.Agent{agent}, func(string) int { return 0 }), 1)
	assert.Empty(t, FindAvailable([]*v1.Agent{agent}, func(string) int { return 1 }))
}

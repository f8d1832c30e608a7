// Package matcher filters the agent pool down to the agents that can
// take a given task.
package matcher

import (
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

// FindCapable returns the non-unhealthy agents whose declared
// capabilities cover the task's required set. An empty required set, or
// one containing the wildcard, matches every non-unhealthy agent.
func FindCapable(task *v1.Task, agents []*v1.Agent) []*v1.Agent {
	matchAll := len(task.RequiredCapabilities) == 0
	for _, c := range task.RequiredCapabilities {
		if c == v1.CapabilityAny {
			matchAll = true
			break
		}
	}

	capable := make([]*v1.Agent, 0, len(agents))
	for _, agent := range agents {
		if agent.Status == v1.AgentStatusUnhealthy {
			continue
		}
		if matchAll || covers(agent, task.RequiredCapabilities) {
			capable = append(capable, agent)
		}
	}
	return capable
}

func covers(agent *v1.Agent, required []v1.Capability) bool {
	for _, c := range required {
		if !agent.HasCapability(c) {
			return false
		}
	}
	return true
}

// FindAvailable filters candidates to running agents with spare
// concurrency. activeCount reports the agent's assigned-or-running task
// count.
func FindAvailable(candidates []*v1.Agent, activeCount func(agentID string) int) []*v1.Agent {
	available := make([]*v1.Agent, 0, len(candidates))
	for _, agent := range candidates {
		if !agent.IsRunning {
			continue
		}
		limit := agent.Config.MaxConcurrentTasks
		if limit <= 0 {
			limit = 1
		}
		if activeCount(agent.ID) < limit {
			available = append(available, agent)
		}
	}
	return available
}

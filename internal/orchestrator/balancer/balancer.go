// Package balancer picks one agent from a candidate set.
package balancer

import (
	"sync"

	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

// Strategy names. Configured via scheduler.balanceStrategy.
const (
	StrategyRoundRobin  = "round-robin"
	StrategyLeastLoaded = "least-loaded"
)

// Balancer selects agents. Only the round-robin cursor is stateful.
type Balancer struct {
	mu       sync.Mutex
	strategy string
	cursor   int
}

// New creates a balancer for the given strategy. Unknown strategies fall
// back to round-robin.
func New(strategy string) *Balancer {
	if strategy != StrategyLeastLoaded {
		strategy = StrategyRoundRobin
	}
	return &Balancer{strategy: strategy}
}

// Pick returns one candidate, or nil for an empty set. loadOf reports an
// agent's active task count; it is only consulted by least-loaded.
func (b *Balancer) Pick(candidates []*v1.Agent, loadOf func(agentID string) int) *v1.Agent {
	if len(candidates) == 0 {
		return nil
	}
	switch b.strategy {
	case StrategyLeastLoaded:
		best := candidates[0]
		bestLoad := loadOf(best.ID)
		for _, agent := range candidates[1:] {
			if load := loadOf(agent.ID); load < bestLoad {
				best = agent
				bestLoad = load
			}
		}
		return best
	default:
		b.mu.Lock()
		defer b.mu.Unlock()
		agent := candidates[b.cursor%len(candidates)]
		b.cursor++
		return agent
	}
}

// Package cache holds the in-memory read view of agents, tasks and
// sessions. The durable store is the source of truth: the cache is
// rebuilt from it at startup and updated only after a store write
// succeeds. Reads never touch the store.
package cache

import (
	"sort"
	"sync"

	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

// Cache is the rebuilt view with secondary indexes.
type Cache struct {
	mu       sync.RWMutex
	agents   map[string]*v1.Agent
	tasks    map[string]*v1.Task
	sessions map[string]*v1.Session

	tasksByStatus  map[v1.TaskStatus]map[string]struct{}
	activeByAgent  map[string]map[string]struct{} // assigned or running tasks per agent
	agentBySession map[string]string
}

// New returns an empty cache.
func New() *Cache {
	c := &Cache{}
	c.reset()
	return c
}

func (c *Cache) reset() {
	c.agents = make(map[string]*v1.Agent)
	c.tasks = make(map[string]*v1.Task)
	c.sessions = make(map[string]*v1.Session)
	c.tasksByStatus = make(map[v1.TaskStatus]map[string]struct{})
	c.activeByAgent = make(map[string]map[string]struct{})
	c.agentBySession = make(map[string]string)
}

// Rebuild replaces the entire view with store contents.
func (c *Cache) Rebuild(agents []*v1.Agent, tasks []*v1.Task, sessions []*v1.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	for _, agent := range agents {
		c.putAgentLocked(agent)
	}
	for _, task := range tasks {
		c.putTaskLocked(task)
	}
	for _, session := range sessions {
		c.sessions[session.ID] = session.Clone()
	}
}

func (c *Cache) putAgentLocked(agent *v1.Agent) {
	if prev, ok := c.agents[agent.ID]; ok && prev.SessionName != "" {
		delete(c.agentBySession, prev.SessionName)
	}
	cp := agent.Clone()
	c.agents[agent.ID] = cp
	if cp.SessionName != "" {
		c.agentBySession[cp.SessionName] = cp.ID
	}
}

// PutAgent inserts or replaces an agent.
func (c *Cache) PutAgent(agent *v1.Agent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putAgentLocked(agent)
}

// DeleteAgent removes an agent from the view.
func (c *Cache) DeleteAgent(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if agent, ok := c.agents[id]; ok {
		if agent.SessionName != "" {
			delete(c.agentBySession, agent.SessionName)
		}
		delete(c.agents, id)
	}
}

// GetAgent returns a copy of the agent, or nil.
func (c *Cache) GetAgent(id string) *v1.Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if agent, ok := c.agents[id]; ok {
		return agent.Clone()
	}
	return nil
}

// GetAgentByName returns a copy of the agent with the given name, or nil.
func (c *Cache) GetAgentByName(name string) *v1.Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, agent := range c.agents {
		if agent.Name == name {
			return agent.Clone()
		}
	}
	return nil
}

// AgentIDForSession maps a multiplexer session name to its agent id.
func (c *Cache) AgentIDForSession(sessionName string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.agentBySession[sessionName]
	return id, ok
}

// ListAgents returns copies of all agents ordered by creation time.
func (c *Cache) ListAgents() []*v1.Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	agents := make([]*v1.Agent, 0, len(c.agents))
	for _, agent := range c.agents {
		agents = append(agents, agent.Clone())
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
	return agents
}

func taskIsActive(task *v1.Task) bool {
	return task.AssignedAgentID != "" &&
		(task.Status == v1.TaskStatusAssigned || task.Status == v1.TaskStatusRunning)
}

func (c *Cache) putTaskLocked(task *v1.Task) {
	if prev, ok := c.tasks[task.ID]; ok {
		c.unindexTaskLocked(prev)
	}
	cp := task.Clone()
	c.tasks[task.ID] = cp

	byStatus, ok := c.tasksByStatus[cp.Status]
	if !ok {
		byStatus = make(map[string]struct{})
		c.tasksByStatus[cp.Status] = byStatus
	}
	byStatus[cp.ID] = struct{}{}

	if taskIsActive(cp) {
		byAgent, ok := c.activeByAgent[cp.AssignedAgentID]
		if !ok {
			byAgent = make(map[string]struct{})
			c.activeByAgent[cp.AssignedAgentID] = byAgent
		}
		byAgent[cp.ID] = struct{}{}
	}
}

func (c *Cache) unindexTaskLocked(task *v1.Task) {
	if byStatus, ok := c.tasksByStatus[task.Status]; ok {
		delete(byStatus, task.ID)
	}
	if taskIsActive(task) {
		if byAgent, ok := c.activeByAgent[task.AssignedAgentID]; ok {
			delete(byAgent, task.ID)
			if len(byAgent) == 0 {
				delete(c.activeByAgent, task.AssignedAgentID)
			}
		}
	}
}

// PutTask inserts or replaces a task, maintaining the indexes.
func (c *Cache) PutTask(task *v1.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putTaskLocked(task)
}

// DeleteTask removes a task from the view.
func (c *Cache) DeleteTask(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if task, ok := c.tasks[id]; ok {
		c.unindexTaskLocked(task)
		delete(c.tasks, id)
	}
}

// GetTask returns a copy of the task, or nil.
func (c *Cache) GetTask(id string) *v1.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if task, ok := c.tasks[id]; ok {
		return task.Clone()
	}
	return nil
}

// ListTasks returns copies of tasks matching the filter, ordered by
// creation time.
func (c *Cache) ListTasks(filter v1.TaskFilter) []*v1.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tasks := make([]*v1.Task, 0, len(c.tasks))
	for _, task := range c.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.AgentID != "" && task.AssignedAgentID != filter.AgentID {
			continue
		}
		tasks = append(tasks, task.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// TasksByStatus returns copies of tasks in the given state.
func (c *Cache) TasksByStatus(status v1.TaskStatus) []*v1.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids, ok := c.tasksByStatus[status]
	if !ok {
		return nil
	}
	tasks := make([]*v1.Task, 0, len(ids))
	for id := range ids {
		tasks = append(tasks, c.tasks[id].Clone())
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// ActiveTaskCount returns how many assigned or running tasks an agent
// holds.
func (c *Cache) ActiveTaskCount(agentID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.activeByAgent[agentID])
}

// ActiveTaskIDs returns the assigned or running task ids for an agent.
func (c *Cache) ActiveTaskIDs(agentID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.activeByAgent[agentID]))
	for id := range c.activeByAgent[agentID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PutSession inserts or replaces a session record.
func (c *Cache) PutSession(session *v1.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[session.ID] = session.Clone()
}

// ListSessions returns copies of all session records.
func (c *Cache) ListSessions() []*v1.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sessions := make([]*v1.Session, 0, len(c.sessions))
	for _, session := range c.sessions {
		sessions = append(sessions, session.Clone())
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
	return sessions
}

// Stats counts tasks by status.
func (c *Cache) Stats() v1.QueueStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := v1.QueueStats{Total: len(c.tasks)}
	stats.Pending = len(c.tasksByStatus[v1.TaskStatusPending])
	stats.Queued = len(c.tasksByStatus[v1.TaskStatusQueued])
	stats.Assigned = len(c.tasksByStatus[v1.TaskStatusAssigned])
	stats.Running = len(c.tasksByStatus[v1.TaskStatusRunning])
	stats.Completed = len(c.tasksByStatus[v1.TaskStatusCompleted])
	stats.Failed = len(c.tasksByStatus[v1.TaskStatusFailed])
	stats.Cancelled = len(c.tasksByStatus[v1.TaskStatusCancelled])
	return stats
}

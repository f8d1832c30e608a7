// Package lifecycle starts and stops the multiplexer sessions that host
// agent CLIs. The session naming convention <prefix>-<agentId> is the
// only coordination medium between start, stop, and recovery, so every
// operation derives ownership from it rather than from a side table.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mindmux/mindmux/internal/adapter"
	agentstore "github.com/mindmux/mindmux/internal/agent/store"
	"github.com/mindmux/mindmux/internal/audit"
	"github.com/mindmux/mindmux/internal/cache"
	"github.com/mindmux/mindmux/internal/common/config"
	apperrors "github.com/mindmux/mindmux/internal/common/errors"
	"github.com/mindmux/mindmux/internal/common/logger"
	"github.com/mindmux/mindmux/internal/events"
	"github.com/mindmux/mindmux/internal/events/bus"
	"github.com/mindmux/mindmux/internal/storage"
	taskstore "github.com/mindmux/mindmux/internal/task/store"
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

// stopGrace is how long a CLI gets between the quit command and the
// session being killed.
const stopGrace = 2 * time.Second

// Multiplexer is the driver surface the controller needs.
type Multiplexer interface {
	CreateSession(ctx context.Context, name, shell, cwd string) error
	HasSession(ctx context.Context, name string) (bool, error)
	KillSession(ctx context.Context, name string) error
	ListSessions(ctx context.Context) ([]string, error)
	CapturePane(ctx context.Context, name string, lineCount int) (string, error)
	SessionName(agentID string) string
	AgentIDFromSession(sessionName string) string
}

// Adapters resolves an agent kind to its CLI adapter.
type Adapters interface {
	Get(kind v1.AgentKind) (adapter.Adapter, error)
}

// Controller owns session lifecycle for all agents.
type Controller struct {
	agents   *agentstore.Store
	tasks    *taskstore.Store
	sessions storage.SessionRepository
	cache    *cache.Cache
	mux      Multiplexer
	adapters Adapters
	audit    *audit.Service
	bus      bus.EventBus
	cfg      config.SchedulerConfig
	grace    time.Duration
	log      *logger.Logger
}

// New creates a lifecycle controller.
func New(
	agents *agentstore.Store,
	tasks *taskstore.Store,
	sessions storage.SessionRepository,
	c *cache.Cache,
	mux Multiplexer,
	adapters Adapters,
	auditSvc *audit.Service,
	eventBus bus.EventBus,
	cfg config.SchedulerConfig,
	log *logger.Logger,
) *Controller {
	return &Controller{
		agents:   agents,
		tasks:    tasks,
		sessions: sessions,
		cache:    c,
		mux:      mux,
		adapters: adapters,
		audit:    auditSvc,
		bus:      eventBus,
		cfg:      cfg,
		grace:    stopGrace,
		log:      log.WithFields(zap.String("component", "lifecycle")),
	}
}

// StartAgent creates the agent's session and launches its CLI. Starting
// an agent whose session is already live is rejected; a stale running
// flag with no session behind it is overwritten by the fresh start.
func (c *Controller) StartAgent(ctx context.Context, idOrName string) error {
	agent, err := c.agents.Resolve(ctx, idOrName)
	if err != nil {
		return err
	}

	sessionName := c.mux.SessionName(agent.ID)
	if agent.IsRunning {
		exists, err := c.mux.HasSession(ctx, sessionName)
		if err != nil {
			return err
		}
		if exists {
			return apperrors.AlreadyInUse("agent session", agent.Name)
		}
		c.log.Warn("clearing stale running flag before start",
			zap.String("agent_id", agent.ID))
	}

	if err := c.mux.CreateSession(ctx, sessionName, "", ""); err != nil {
		return apperrors.Wrap(err, "failed to create session")
	}

	record := &v1.Session{
		ID:                     uuid.New().String(),
		AgentID:                agent.ID,
		MultiplexerSessionName: sessionName,
		Status:                 v1.SessionStatusActive,
		StartedAt:              time.Now().UTC(),
	}
	if err := c.sessions.Create(ctx, record); err != nil {
		c.teardown(ctx, agent.ID, sessionName)
		return err
	}
	c.cache.PutSession(record)

	if _, err := c.agents.Patch(ctx, agent.ID, func(a *v1.Agent) {
		a.SessionName = sessionName
		a.IsRunning = true
		a.Status = v1.AgentStatusIdle
	}); err != nil {
		c.closeSession(ctx, record)
		c.teardown(ctx, agent.ID, sessionName)
		return err
	}

	cliAdapter, err := c.adapters.Get(agent.Kind)
	if err != nil {
		c.closeSession(ctx, record)
		c.teardown(ctx, agent.ID, sessionName)
		return err
	}
	spawnErr := cliAdapter.SpawnProcess(ctx, sessionName, adapter.SpawnOptions{Model: agent.Config.Model})
	if spawnErr != nil {
		if errors.Is(spawnErr, adapter.ErrNotReady) {
			// The CLI launched but never settled. Keep the session alive
			// for inspection and flag the agent instead of tearing down.
			_, _ = c.agents.Patch(ctx, agent.ID, func(a *v1.Agent) {
				a.Status = v1.AgentStatusUnhealthy
			})
			return spawnErr
		}
		c.closeSession(ctx, record)
		c.teardown(ctx, agent.ID, sessionName)
		return spawnErr
	}

	c.audit.Record(ctx, events.SessionStarted, v1.EntitySession, record.ID, map[string]interface{}{
		"agent_id":     agent.ID,
		"session_name": sessionName,
	})
	c.publish(ctx, events.SessionStarted, agent.ID, sessionName)
	c.log.Info("Agent started",
		zap.String("agent_id", agent.ID),
		zap.String("session", sessionName))
	return nil
}

// teardown kills the session and clears the agent's running flags.
// Best-effort: errors are logged, the original failure is what surfaces.
func (c *Controller) teardown(ctx context.Context, agentID, sessionName string) {
	if err := c.mux.KillSession(ctx, sessionName); err != nil {
		c.log.Warn("failed to kill session during teardown",
			zap.String("session", sessionName),
			zap.Error(err))
	}
	_, _ = c.agents.Patch(ctx, agentID, func(a *v1.Agent) {
		a.SessionName = ""
		a.IsRunning = false
		a.Status = v1.AgentStatusIdle
	})
}

// closeSession marks a session record terminated.
func (c *Controller) closeSession(ctx context.Context, record *v1.Session) {
	now := time.Now().UTC()
	record = record.Clone()
	record.Status = v1.SessionStatusTerminated
	record.EndedAt = &now
	if err := c.sessions.Update(ctx, record); err != nil {
		c.log.Warn("failed to close session record",
			zap.String("session_id", record.ID),
			zap.Error(err))
		return
	}
	c.cache.PutSession(record)
}

// activeRecord returns the agent's non-terminated session record, nil
// when none exists.
func (c *Controller) activeRecord(agentID string) *v1.Session {
	for _, s := range c.cache.ListSessions() {
		if s.AgentID == agentID && s.Status != v1.SessionStatusTerminated {
			return s
		}
	}
	return nil
}

// StopAgent asks the CLI to quit, waits briefly, then kills the session
// and clears the agent's running flags. Stopping a stopped agent is a
// no-op success.
func (c *Controller) StopAgent(ctx context.Context, idOrName string) error {
	agent, err := c.agents.Resolve(ctx, idOrName)
	if err != nil {
		return err
	}
	if !agent.IsRunning && agent.SessionName == "" {
		return nil
	}

	sessionName := agent.SessionName
	if sessionName == "" {
		sessionName = c.mux.SessionName(agent.ID)
	}

	exists, err := c.mux.HasSession(ctx, sessionName)
	if err != nil {
		return err
	}
	if exists {
		if cliAdapter, err := c.adapters.Get(agent.Kind); err == nil {
			if err := cliAdapter.Terminate(ctx, sessionName); err != nil {
				c.log.Warn("graceful terminate failed, killing session",
					zap.String("agent_id", agent.ID),
					zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
		case <-time.After(c.grace):
		}
		if err := c.mux.KillSession(ctx, sessionName); err != nil {
			return apperrors.Wrap(err, "failed to kill session")
		}
	}

	if record := c.activeRecord(agent.ID); record != nil {
		c.closeSession(ctx, record)
		c.audit.Record(ctx, events.SessionTerminated, v1.EntitySession, record.ID, map[string]interface{}{
			"agent_id":     agent.ID,
			"session_name": sessionName,
		})
	}

	if _, err := c.agents.Patch(ctx, agent.ID, func(a *v1.Agent) {
		a.SessionName = ""
		a.IsRunning = false
		a.Status = v1.AgentStatusIdle
	}); err != nil {
		return err
	}

	c.publish(ctx, events.SessionTerminated, agent.ID, sessionName)
	c.log.Info("Agent stopped", zap.String("agent_id", agent.ID))
	return nil
}

// DeleteAgent stops the agent's session if one is live, then removes
// the record.
func (c *Controller) DeleteAgent(ctx context.Context, idOrName string) error {
	agent, err := c.agents.Resolve(ctx, idOrName)
	if err != nil {
		return err
	}
	if agent.IsRunning || agent.SessionName != "" {
		if err := c.StopAgent(ctx, agent.ID); err != nil {
			return err
		}
	}
	return c.agents.Delete(ctx, agent.ID)
}

// StopAllAgents stops every running agent concurrently and returns the
// first error encountered.
func (c *Controller) StopAllAgents(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, agent := range c.ListRunningAgents(ctx) {
		id := agent.ID
		g.Go(func() error {
			return c.StopAgent(ctx, id)
		})
	}
	return g.Wait()
}

// ListRunningAgents returns the agents with a live running flag.
func (c *Controller) ListRunningAgents(ctx context.Context) []*v1.Agent {
	var running []*v1.Agent
	for _, agent := range c.agents.List(ctx) {
		if agent.IsRunning {
			running = append(running, agent)
		}
	}
	return running
}

// ExecutePrompt sends one prompt to a running agent and returns the new
// output. The agent is flagged busy for the duration.
func (c *Controller) ExecutePrompt(ctx context.Context, agentID, prompt string, timeout time.Duration) (string, error) {
	agent, err := c.agents.Get(ctx, agentID)
	if err != nil {
		return "", err
	}
	if !agent.IsRunning || agent.SessionName == "" {
		return "", apperrors.Validationf("agent %q is not running", agent.Name)
	}
	cliAdapter, err := c.adapters.Get(agent.Kind)
	if err != nil {
		return "", err
	}
	if timeout <= 0 {
		timeout = c.taskTimeout(agent)
	}

	_, _ = c.agents.Patch(ctx, agent.ID, func(a *v1.Agent) {
		a.Status = v1.AgentStatusBusy
	})
	result := cliAdapter.SendPrompt(ctx, agent.SessionName, prompt, adapter.PromptOptions{Timeout: timeout})
	_, _ = c.agents.Patch(ctx, agent.ID, func(a *v1.Agent) {
		a.Status = v1.AgentStatusIdle
	})

	if result.Err != nil {
		return result.Output, result.Err
	}
	return result.Output, nil
}

// ExecuteTask runs a prompt on a specific agent outside the queue,
// recording it as a task for history. The task bypasses pending/queued
// and goes straight to running.
func (c *Controller) ExecuteTask(ctx context.Context, agentID, prompt string) (*v1.Task, error) {
	agent, err := c.agents.Resolve(ctx, agentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := &v1.Task{
		ID:              uuid.New().String(),
		Prompt:          prompt,
		Priority:        v1.DefaultPriority,
		MaxRetries:      v1.DefaultMaxRetries,
		Timeout:         c.taskTimeout(agent),
		Status:          v1.TaskStatusRunning,
		AssignedAgentID: agent.ID,
		CreatedAt:       now,
		AssignedAt:      &now,
		StartedAt:       &now,
	}
	if err := c.tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	output, execErr := c.ExecutePrompt(ctx, agent.ID, prompt, task.Timeout)
	done := time.Now().UTC()
	task.CompletedAt = &done
	if execErr != nil {
		task.Status = v1.TaskStatusFailed
		task.ErrorMessage = execErr.Error()
		if err := c.tasks.Save(ctx, task, events.TaskFailed); err != nil {
			c.log.Warn("failed to record task failure", zap.String("task_id", task.ID), zap.Error(err))
		}
		return task, execErr
	}

	task.Status = v1.TaskStatusCompleted
	task.Result = output
	if err := c.tasks.Save(ctx, task, events.TaskCompleted); err != nil {
		return task, err
	}
	return task, nil
}

func (c *Controller) taskTimeout(agent *v1.Agent) time.Duration {
	if agent.Config.TaskTimeout > 0 {
		return agent.Config.TaskTimeout
	}
	return c.cfg.DefaultTimeoutDuration()
}

// GetAgentLogs returns the last lineCount lines of the agent's pane.
func (c *Controller) GetAgentLogs(ctx context.Context, idOrName string, lineCount int) (string, error) {
	agent, err := c.agents.Resolve(ctx, idOrName)
	if err != nil {
		return "", err
	}
	if !agent.IsRunning || agent.SessionName == "" {
		return "", apperrors.Validationf("agent %q has no live session", agent.Name)
	}
	return c.mux.CapturePane(ctx, agent.SessionName, lineCount)
}

// MonitorAgentHealth checks that a running agent's session still exists.
// A missing session flags the agent unhealthy and clears its running
// flag. Returns whether the agent is healthy.
func (c *Controller) MonitorAgentHealth(ctx context.Context, idOrName string) (bool, error) {
	agent, err := c.agents.Resolve(ctx, idOrName)
	if err != nil {
		return false, err
	}
	if !agent.IsRunning {
		return agent.Status != v1.AgentStatusUnhealthy, nil
	}

	sessionName := agent.SessionName
	if sessionName == "" {
		sessionName = c.mux.SessionName(agent.ID)
	}
	exists, err := c.mux.HasSession(ctx, sessionName)
	if err != nil {
		return false, err
	}
	if exists {
		return true, nil
	}

	if _, err := c.agents.Patch(ctx, agent.ID, func(a *v1.Agent) {
		a.Status = v1.AgentStatusUnhealthy
		a.IsRunning = false
	}); err != nil {
		return false, err
	}
	if record := c.activeRecord(agent.ID); record != nil {
		c.closeSession(ctx, record)
	}
	c.publish(ctx, events.AgentUnhealthy, agent.ID, agent.SessionName)
	c.log.Warn("agent session disappeared",
		zap.String("agent_id", agent.ID),
		zap.String("session", agent.SessionName))
	return false, nil
}

// RecoverOrphanedSessions reconciles live sessions against known agents.
// Sessions with no owning agent are killed; agents flagged running with
// no session behind them get their flags cleared.
func (c *Controller) RecoverOrphanedSessions(ctx context.Context) error {
	names, err := c.mux.ListSessions(ctx)
	if err != nil {
		return err
	}

	liveAgents := make(map[string]*v1.Agent)
	for _, agent := range c.agents.List(ctx) {
		liveAgents[agent.ID] = agent
	}
	liveSessions := make(map[string]bool, len(names))
	for _, name := range names {
		liveSessions[name] = true
	}

	for _, name := range names {
		agentID := c.mux.AgentIDFromSession(name)
		if agentID == "" {
			continue
		}
		if _, ok := liveAgents[agentID]; ok {
			continue
		}
		c.log.Warn("killing orphaned session", zap.String("session", name))
		if err := c.mux.KillSession(ctx, name); err != nil {
			c.log.Warn("failed to kill orphaned session",
				zap.String("session", name),
				zap.Error(err))
			continue
		}
		c.audit.Record(ctx, events.SessionOrphaned, v1.EntitySession, name, map[string]interface{}{
			"agent_id": agentID,
		})
		c.publish(ctx, events.SessionOrphaned, agentID, name)
	}

	for _, agent := range liveAgents {
		if !agent.IsRunning {
			continue
		}
		sessionName := agent.SessionName
		if sessionName == "" {
			sessionName = c.mux.SessionName(agent.ID)
		}
		if liveSessions[sessionName] {
			continue
		}
		c.log.Warn("clearing running flag for agent without session",
			zap.String("agent_id", agent.ID))
		if _, err := c.agents.Patch(ctx, agent.ID, func(a *v1.Agent) {
			a.SessionName = ""
			a.IsRunning = false
		}); err != nil {
			return err
		}
		if record := c.activeRecord(agent.ID); record != nil {
			c.closeSession(ctx, record)
		}
	}
	return nil
}

func (c *Controller) publish(ctx context.Context, eventName, agentID, sessionName string) {
	if c.bus == nil {
		return
	}
	event := bus.NewEvent(events.Subject(eventName), "lifecycle", map[string]interface{}{
		"agent_id":     agentID,
		"session_name": sessionName,
	})
	if err := c.bus.Publish(ctx, events.Subject(eventName), event); err != nil {
		c.log.Debug("failed to publish session event",
			zap.String("event", eventName),
			zap.Error(err))
	}
}

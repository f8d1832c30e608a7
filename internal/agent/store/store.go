// Package store implements the write-through agent store. Writes go to
// the durable store first, then to the cache, then to the audit log and
// event bus. Reads are served from the cache.
package store

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mindmux/mindmux/internal/audit"
	"github.com/mindmux/mindmux/internal/cache"
	apperrors "github.com/mindmux/mindmux/internal/common/errors"
	"github.com/mindmux/mindmux/internal/common/logger"
	"github.com/mindmux/mindmux/internal/events"
	"github.com/mindmux/mindmux/internal/events/bus"
	"github.com/mindmux/mindmux/internal/storage"
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,255}$`)

// Store is the write-through repository for agent records.
type Store struct {
	repo  storage.AgentRepository
	cache *cache.Cache
	audit *audit.Service
	bus   bus.EventBus
	log   *logger.Logger
}

// New creates an agent store.
func New(repo storage.AgentRepository, c *cache.Cache, auditSvc *audit.Service, eventBus bus.EventBus, log *logger.Logger) *Store {
	return &Store{
		repo:  repo,
		cache: c,
		audit: auditSvc,
		bus:   eventBus,
		log:   log.WithFields(zap.String("component", "agent-store")),
	}
}

func validKind(kind v1.AgentKind) bool {
	switch kind {
	case v1.AgentKindClaude, v1.AgentKindGemini, v1.AgentKindGPT4, v1.AgentKindOpencode:
		return true
	}
	return false
}

func validCapabilities(caps []v1.Capability) bool {
	vocabulary := make(map[v1.Capability]struct{})
	for _, c := range v1.Capabilities() {
		vocabulary[c] = struct{}{}
	}
	for _, c := range caps {
		if _, ok := vocabulary[c]; !ok {
			return false
		}
	}
	return true
}

func validateRequest(req v1.CreateAgentRequest) error {
	if !nameRe.MatchString(req.Name) {
		return apperrors.Validation("agent name must be 1-255 characters from [A-Za-z0-9_-]")
	}
	if !validKind(req.Kind) {
		return apperrors.Validationf("unknown agent kind %q", req.Kind)
	}
	if !validCapabilities(req.Capabilities) {
		return apperrors.Validation("capabilities must come from the whitelisted vocabulary")
	}
	if req.MaxConcurrentTasks < 0 {
		return apperrors.Validation("max concurrent tasks must not be negative")
	}
	if req.TaskTimeout < 0 {
		return apperrors.Validation("task timeout must not be negative")
	}
	return nil
}

// Create registers a new agent. Name uniqueness is enforced.
func (s *Store) Create(ctx context.Context, req v1.CreateAgentRequest) (*v1.Agent, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if existing := s.cache.GetAgentByName(req.Name); existing != nil {
		return nil, apperrors.AlreadyInUse("agent name", req.Name)
	}

	now := time.Now().UTC()
	agent := &v1.Agent{
		ID:           uuid.New().String(),
		Name:         req.Name,
		Kind:         req.Kind,
		Capabilities: append([]v1.Capability(nil), req.Capabilities...),
		Config: v1.AgentConfig{
			Model:              req.Model,
			MaxConcurrentTasks: req.MaxConcurrentTasks,
			TaskTimeout:        req.TaskTimeout,
		},
		Status:       v1.AgentStatusIdle,
		CreatedAt:    now,
		LastActivity: now,
	}
	if agent.Config.MaxConcurrentTasks == 0 {
		agent.Config.MaxConcurrentTasks = 1
	}

	if err := s.repo.Create(ctx, agent); err != nil {
		return nil, err
	}
	s.cache.PutAgent(agent)
	s.audit.Record(ctx, events.AgentCreated, v1.EntityAgent, agent.ID, map[string]interface{}{
		"name": agent.Name,
		"kind": string(agent.Kind),
	})
	s.publish(ctx, events.AgentCreated, agent)

	s.log.Info("Agent created",
		zap.String("agent_id", agent.ID),
		zap.String("name", agent.Name),
		zap.String("kind", string(agent.Kind)))
	return agent, nil
}

// Get returns the agent with the given id.
func (s *Store) Get(ctx context.Context, id string) (*v1.Agent, error) {
	_ = ctx
	if agent := s.cache.GetAgent(id); agent != nil {
		return agent, nil
	}
	return nil, apperrors.NotFound("agent", id)
}

// Resolve returns the agent matching an id or, failing that, a name.
func (s *Store) Resolve(ctx context.Context, idOrName string) (*v1.Agent, error) {
	_ = ctx
	if agent := s.cache.GetAgent(idOrName); agent != nil {
		return agent, nil
	}
	if agent := s.cache.GetAgentByName(idOrName); agent != nil {
		return agent, nil
	}
	return nil, apperrors.NotFound("agent", idOrName)
}

// List returns all agents.
func (s *Store) List(ctx context.Context) []*v1.Agent {
	_ = ctx
	return s.cache.ListAgents()
}

// Update persists a full agent record.
func (s *Store) Update(ctx context.Context, agent *v1.Agent) (*v1.Agent, error) {
	agent = agent.Clone()
	agent.LastActivity = time.Now().UTC()
	if err := s.repo.Update(ctx, agent); err != nil {
		return nil, err
	}
	s.cache.PutAgent(agent)
	s.audit.Record(ctx, events.AgentUpdated, v1.EntityAgent, agent.ID, map[string]interface{}{
		"status":     string(agent.Status),
		"is_running": agent.IsRunning,
	})
	s.publish(ctx, events.AgentUpdated, agent)
	return agent, nil
}

// Patch applies a mutation to the current record and persists the result.
func (s *Store) Patch(ctx context.Context, id string, mutate func(*v1.Agent)) (*v1.Agent, error) {
	agent := s.cache.GetAgent(id)
	if agent == nil {
		return nil, apperrors.NotFound("agent", id)
	}
	mutate(agent)
	return s.Update(ctx, agent)
}

// Delete removes an agent by id or name and emits agent:deleted. An
// agent with a live session must be stopped first; the lifecycle
// controller's DeleteAgent does both.
func (s *Store) Delete(ctx context.Context, idOrName string) error {
	agent, err := s.Resolve(ctx, idOrName)
	if err != nil {
		return err
	}
	if agent.IsRunning {
		return apperrors.AlreadyInUse("agent session", agent.Name)
	}
	if err := s.repo.Delete(ctx, agent.ID); err != nil {
		return err
	}
	s.cache.DeleteAgent(agent.ID)
	s.audit.Record(ctx, events.AgentDeleted, v1.EntityAgent, agent.ID, map[string]interface{}{
		"name": agent.Name,
	})
	s.publish(ctx, events.AgentDeleted, agent)

	s.log.Info("Agent deleted",
		zap.String("agent_id", agent.ID),
		zap.String("name", agent.Name))
	return nil
}

func (s *Store) publish(ctx context.Context, eventName string, agent *v1.Agent) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(events.Subject(eventName), "agent-store", map[string]interface{}{
		"agent_id": agent.ID,
		"name":     agent.Name,
		"status":   string(agent.Status),
	})
	if err := s.bus.Publish(ctx, events.Subject(eventName), event); err != nil {
		s.log.Debug("failed to publish agent event",
			zap.String("event", eventName),
			zap.Error(err))
	}
}

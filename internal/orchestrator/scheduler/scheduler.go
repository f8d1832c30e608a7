// Package scheduler is the central coordinator: it accepts tasks,
// resolves dependencies, matches tasks to agents, and drives execution.
//
// Queue processing is single-flight. Concurrent kicks collapse into one
// pass plus a trailing pass, and a pass never blocks on an execution:
// assignments are issued asynchronously and the pass returns.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	agentstore "github.com/mindmux/mindmux/internal/agent/store"
	"github.com/mindmux/mindmux/internal/cache"
	"github.com/mindmux/mindmux/internal/common/config"
	apperrors "github.com/mindmux/mindmux/internal/common/errors"
	"github.com/mindmux/mindmux/internal/common/logger"
	"github.com/mindmux/mindmux/internal/events"
	"github.com/mindmux/mindmux/internal/orchestrator/balancer"
	"github.com/mindmux/mindmux/internal/orchestrator/deps"
	"github.com/mindmux/mindmux/internal/orchestrator/matcher"
	"github.com/mindmux/mindmux/internal/orchestrator/queue"
	taskstore "github.com/mindmux/mindmux/internal/task/store"
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

// Executor runs one prompt on one agent. The lifecycle controller
// satisfies it.
type Executor interface {
	ExecutePrompt(ctx context.Context, agentID, prompt string, timeout time.Duration) (string, error)
}

// Scheduler owns the task queue and the dispatch loop.
type Scheduler struct {
	tasks    *taskstore.Store
	agents   *agentstore.Store
	cache    *cache.Cache
	queue    *queue.TaskQueue
	balancer *balancer.Balancer
	executor Executor
	cfg      config.SchedulerConfig
	log      *logger.Logger

	baseCtx    context.Context
	processing atomic.Bool
	kickAgain  atomic.Bool
}

// New creates a scheduler. baseCtx bounds all background work; cancel
// it at shutdown to stop passes from issuing new executions.
func New(
	baseCtx context.Context,
	tasks *taskstore.Store,
	agents *agentstore.Store,
	c *cache.Cache,
	executor Executor,
	cfg config.SchedulerConfig,
	log *logger.Logger,
) *Scheduler {
	return &Scheduler{
		tasks:    tasks,
		agents:   agents,
		cache:    c,
		queue:    queue.New(),
		balancer: balancer.New(cfg.BalanceStrategy),
		executor: executor,
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "scheduler")),
		baseCtx:  baseCtx,
	}
}

// Start rebuilds the in-memory queue from the cached queued tasks and
// kicks the first pass. Call once, after cache rebuild and recovery.
func (s *Scheduler) Start() {
	requeued := 0
	for _, task := range s.cache.TasksByStatus(v1.TaskStatusQueued) {
		if err := s.queue.Enqueue(task); err == nil {
			requeued++
		}
	}
	if requeued > 0 {
		s.log.Info("Rebuilt task queue", zap.Int("count", requeued))
	}
	s.Kick()
}

func (s *Scheduler) lookup(id string) *v1.Task {
	return s.cache.GetTask(id)
}

func validateRequest(req v1.EnqueueRequest) error {
	if req.Prompt == "" {
		return apperrors.Validation("task prompt must not be empty")
	}
	if len(req.Prompt) > v1.MaxPromptBytes {
		return apperrors.Validationf("task prompt exceeds %d bytes", v1.MaxPromptBytes)
	}
	if req.Priority != nil && (*req.Priority < v1.MinPriority || *req.Priority > v1.MaxPriority) {
		return apperrors.Validationf("priority must be between %d and %d", v1.MinPriority, v1.MaxPriority)
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return apperrors.Validation("max retries must not be negative")
	}
	if req.Timeout < 0 {
		return apperrors.Validation("timeout must not be negative")
	}
	vocabulary := make(map[v1.Capability]struct{})
	for _, c := range v1.Capabilities() {
		vocabulary[c] = struct{}{}
	}
	for _, c := range req.RequiredCapabilities {
		if c == v1.CapabilityAny {
			continue
		}
		if _, ok := vocabulary[c]; !ok {
			return apperrors.Validationf("unknown capability %q", c)
		}
	}
	return nil
}

// Enqueue accepts a new task. Tasks with unsatisfied dependencies park
// in pending; everything else goes straight to queued.
func (s *Scheduler) Enqueue(ctx context.Context, req v1.EnqueueRequest) (*v1.Task, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := &v1.Task{
		ID:                   uuid.New().String(),
		Prompt:               req.Prompt,
		Priority:             s.cfg.DefaultPriority,
		RequiredCapabilities: append([]v1.Capability(nil), req.RequiredCapabilities...),
		DependsOn:            append([]string(nil), req.DependsOn...),
		Status:               v1.TaskStatusPending,
		MaxRetries:           s.cfg.DefaultMaxRetries,
		Timeout:              s.cfg.DefaultTimeoutDuration(),
		CreatedAt:            now,
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	}
	if req.MaxRetries != nil {
		task.MaxRetries = *req.MaxRetries
	}
	if req.Timeout > 0 {
		task.Timeout = req.Timeout
	}

	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	if deps.CanExecute(task, s.lookup) {
		task.Status = v1.TaskStatusQueued
		task.QueuedAt = &now
		if err := s.tasks.Save(ctx, task, events.TaskQueued); err != nil {
			return nil, err
		}
		_ = s.queue.Enqueue(task)
	}

	s.log.Info("Task enqueued",
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.Int("priority", task.Priority))
	s.Kick()
	return task, nil
}

// GetTask returns one task.
func (s *Scheduler) GetTask(ctx context.Context, id string) (*v1.Task, error) {
	return s.tasks.Get(ctx, id)
}

// ListTasks returns tasks matching the filter.
func (s *Scheduler) ListTasks(ctx context.Context, filter v1.TaskFilter) []*v1.Task {
	return s.tasks.List(ctx, filter)
}

// Cancel moves a pending or queued task to cancelled. Tasks past
// dispatch are not pre-empted; cancelling them returns false.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if task.Status != v1.TaskStatusPending && task.Status != v1.TaskStatusQueued {
		return false, nil
	}

	now := time.Now().UTC()
	task.Status = v1.TaskStatusCancelled
	task.CompletedAt = &now
	if err := s.tasks.Save(ctx, task, events.TaskCancelled); err != nil {
		if errors.Is(err, taskstore.ErrStaleTransition) {
			// An assignment won the race; the task is past cancellation.
			return false, nil
		}
		return false, err
	}
	s.queue.Remove(task.ID)
	s.log.Info("Task cancelled", zap.String("task_id", task.ID))
	return true, nil
}

// GetQueueStats reports task counts by status.
func (s *Scheduler) GetQueueStats() v1.QueueStats {
	return s.tasks.Stats()
}

// ListQueue returns the dispatch backlog: pending and queued tasks,
// highest priority first.
func (s *Scheduler) ListQueue(ctx context.Context) []*v1.Task {
	return s.tasks.Queue(ctx)
}

// ClearFinishedTasks removes terminal tasks and returns how many.
func (s *Scheduler) ClearFinishedTasks(ctx context.Context) (int, error) {
	return s.tasks.ClearFinished(ctx)
}

// OnAgentAvailable kicks the queue. Called when an agent starts or
// frees capacity.
func (s *Scheduler) OnAgentAvailable() {
	s.Kick()
}

// Kick schedules one queue pass. Kicks during a running pass collapse
// into a single trailing pass.
func (s *Scheduler) Kick() {
	go s.processQueue()
}

// processQueue claims the single-flight latch and runs passes until no
// kick arrived during the last one. A caller that cannot claim the
// latch leaves kickAgain set before giving up; the latch holder
// re-checks the flag after releasing, so a kick is never dropped.
func (s *Scheduler) processQueue() {
	s.kickAgain.Store(true)
	for s.kickAgain.Load() {
		if !s.processing.CompareAndSwap(false, true) {
			return
		}
		s.kickAgain.Store(false)
		s.runPass()
		s.processing.Store(false)
	}
}

func (s *Scheduler) runPass() {
	ctx := s.baseCtx
	if ctx.Err() != nil {
		return
	}
	s.promotePending(ctx)
	s.dispatch(ctx)
}

// promotePending moves pending tasks whose dependencies resolved into
// the queue and fails those whose dependencies failed.
func (s *Scheduler) promotePending(ctx context.Context) {
	for _, task := range s.tasks.Pending(ctx) {
		switch {
		case deps.HasFailedDependency(task, s.lookup):
			now := time.Now().UTC()
			task.Status = v1.TaskStatusFailed
			task.ErrorMessage = "dependency failed"
			task.CompletedAt = &now
			if err := s.tasks.Save(ctx, task, events.TaskFailed); err != nil {
				s.log.Error("failed to persist dependency failure",
					zap.String("task_id", task.ID),
					zap.Error(err))
			}
		case deps.CanExecute(task, s.lookup):
			now := time.Now().UTC()
			task.Status = v1.TaskStatusQueued
			task.QueuedAt = &now
			if err := s.tasks.Save(ctx, task, events.TaskQueued); err != nil {
				s.log.Error("failed to persist promotion",
					zap.String("task_id", task.ID),
					zap.Error(err))
				continue
			}
			_ = s.queue.Enqueue(task)
		}
	}
}

// dispatch walks a snapshot of the queue and assigns whatever can run
// right now. Tasks without a capable, available agent stay queued.
func (s *Scheduler) dispatch(ctx context.Context) {
	agents := s.agents.List(ctx)

	for _, task := range s.queue.Snapshot() {
		if !s.queue.Contains(task.ID) {
			continue
		}
		current := s.cache.GetTask(task.ID)
		if current == nil || current.Status != v1.TaskStatusQueued {
			s.queue.Remove(task.ID)
			continue
		}

		capable := matcher.FindCapable(current, agents)
		available := matcher.FindAvailable(capable, s.cache.ActiveTaskCount)
		agent := s.balancer.Pick(available, s.cache.ActiveTaskCount)
		if agent == nil {
			continue
		}

		s.queue.Remove(current.ID)
		now := time.Now().UTC()
		current.Status = v1.TaskStatusAssigned
		current.AssignedAgentID = agent.ID
		current.AssignedAt = &now
		if err := s.tasks.Save(ctx, current, events.TaskAssigned); err != nil {
			if errors.Is(err, taskstore.ErrStaleTransition) {
				// Cancelled between the cache read and the write.
				continue
			}
			s.log.Error("failed to persist assignment",
				zap.String("task_id", current.ID),
				zap.Error(err))
			continue
		}

		s.log.Info("Task assigned",
			zap.String("task_id", current.ID),
			zap.String("agent_id", agent.ID))
		go s.execute(ctx, current, agent.ID)
	}
}

// execute runs one assigned task to a terminal state or back into the
// queue for a retry.
func (s *Scheduler) execute(ctx context.Context, task *v1.Task, agentID string) {
	now := time.Now().UTC()
	task.Status = v1.TaskStatusRunning
	task.StartedAt = &now
	if err := s.tasks.Save(ctx, task, events.TaskStarted); err != nil {
		if errors.Is(err, taskstore.ErrStaleTransition) {
			s.Kick()
			return
		}
		s.log.Error("failed to persist task start",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}

	output, execErr := s.executor.ExecutePrompt(ctx, agentID, task.Prompt, task.Timeout)

	if execErr == nil {
		done := time.Now().UTC()
		task.Status = v1.TaskStatusCompleted
		task.Result = output
		task.CompletedAt = &done
		if err := s.tasks.Save(ctx, task, events.TaskCompleted); err != nil {
			s.log.Error("failed to persist completion",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
		s.log.Info("Task completed", zap.String("task_id", task.ID))
	} else {
		s.recordFailure(ctx, task, execErr)
	}

	s.Kick()
}

// recordFailure re-queues the task while retries remain, otherwise
// fails it for good. The assigned agent is cleared on the way back to
// queued; the next pass picks an agent fresh.
func (s *Scheduler) recordFailure(ctx context.Context, task *v1.Task, execErr error) {
	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		task.ErrorMessage = fmt.Sprintf("Retry %d/%d: %s", task.RetryCount, task.MaxRetries, execErr.Error())
		task.Status = v1.TaskStatusQueued
		task.AssignedAgentID = ""
		task.StartedAt = nil
		if err := s.tasks.Save(ctx, task, events.TaskRetried); err != nil {
			s.log.Error("failed to persist retry",
				zap.String("task_id", task.ID),
				zap.Error(err))
			return
		}
		_ = s.queue.Enqueue(task)
		s.log.Warn("Task failed, retrying",
			zap.String("task_id", task.ID),
			zap.Int("retry", task.RetryCount),
			zap.Int("max_retries", task.MaxRetries))
		return
	}

	done := time.Now().UTC()
	task.Status = v1.TaskStatusFailed
	task.ErrorMessage = execErr.Error()
	task.CompletedAt = &done
	if err := s.tasks.Save(ctx, task, events.TaskFailed); err != nil {
		s.log.Error("failed to persist failure",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
	s.log.Warn("Task failed",
		zap.String("task_id", task.ID),
		zap.String("error", execErr.Error()))
}

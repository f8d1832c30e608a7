// Package store implements the write-through task store. The durable
// store is written first; the cache and audit log follow only on
// success. State transitions are audited under the event name the caller
// supplies.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

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

// ErrStaleTransition reports a write that lost a race: by the time it
// acquired the task's write lock, the task had moved to a state from
// which the attempted transition is not legal.
var ErrStaleTransition = errors.New("task state changed concurrently")

// Store is the write-through repository for task records.
type Store struct {
	repo  storage.TaskRepository
	cache *cache.Cache
	audit *audit.Service
	bus   bus.EventBus
	locks sync.Map // task id -> *sync.Mutex
	log   *logger.Logger
}

// New creates a task store.
func New(repo storage.TaskRepository, c *cache.Cache, auditSvc *audit.Service, eventBus bus.EventBus, log *logger.Logger) *Store {
	return &Store{
		repo:  repo,
		cache: c,
		audit: auditSvc,
		bus:   eventBus,
		log:   log.WithFields(zap.String("component", "task-store")),
	}
}

// Create persists a new task and audits task:created.
func (s *Store) Create(ctx context.Context, task *v1.Task) error {
	if err := s.repo.Create(ctx, task); err != nil {
		return err
	}
	s.cache.PutTask(task)
	s.audit.Record(ctx, events.TaskCreated, v1.EntityTask, task.ID, map[string]interface{}{
		"priority": task.Priority,
		"status":   string(task.Status),
	})
	s.publish(ctx, events.TaskCreated, task)
	return nil
}

func (s *Store) lockFor(id string) *sync.Mutex {
	lock, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Save persists an updated task and audits it under eventName. An empty
// eventName skips the audit and bus mirror (internal bookkeeping writes).
//
// Writes to the same task are serialized, and the status change is
// checked against the current record under the lock: a writer that lost
// a race gets ErrStaleTransition instead of overwriting the winner.
func (s *Store) Save(ctx context.Context, task *v1.Task, eventName string) error {
	lock := s.lockFor(task.ID)
	lock.Lock()
	defer lock.Unlock()

	if current := s.cache.GetTask(task.ID); current != nil && !current.Status.CanTransition(task.Status) {
		return fmt.Errorf("%w: task %s is %s, cannot become %s",
			ErrStaleTransition, task.ID, current.Status, task.Status)
	}

	if err := s.repo.Update(ctx, task); err != nil {
		return err
	}
	s.cache.PutTask(task)
	if eventName != "" {
		changes := map[string]interface{}{
			"status":      string(task.Status),
			"retry_count": task.RetryCount,
		}
		if task.AssignedAgentID != "" {
			changes["assigned_agent_id"] = task.AssignedAgentID
		}
		if task.ErrorMessage != "" {
			changes["error_message"] = task.ErrorMessage
		}
		s.audit.Record(ctx, eventName, v1.EntityTask, task.ID, changes)
		s.publish(ctx, eventName, task)
	}
	return nil
}

// Get returns the task with the given id.
func (s *Store) Get(ctx context.Context, id string) (*v1.Task, error) {
	_ = ctx
	if task := s.cache.GetTask(id); task != nil {
		return task, nil
	}
	return nil, apperrors.NotFound("task", id)
}

// List returns tasks matching the filter.
func (s *Store) List(ctx context.Context, filter v1.TaskFilter) []*v1.Task {
	_ = ctx
	return s.cache.ListTasks(filter)
}

// Queue returns the dispatch backlog: pending and queued tasks, highest
// priority first, oldest first within a priority.
func (s *Store) Queue(ctx context.Context) []*v1.Task {
	_ = ctx
	tasks := s.cache.TasksByStatus(v1.TaskStatusPending)
	tasks = append(tasks, s.cache.TasksByStatus(v1.TaskStatusQueued)...)
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

// Pending returns tasks in the pending state, oldest first.
func (s *Store) Pending(ctx context.Context) []*v1.Task {
	_ = ctx
	return s.cache.TasksByStatus(v1.TaskStatusPending)
}

// Incomplete returns tasks whose status is not terminal, straight from
// the durable store. Used at startup before the cache is rebuilt.
func (s *Store) Incomplete(ctx context.Context) ([]*v1.Task, error) {
	return s.repo.ListIncomplete(ctx)
}

// Delete removes a task and audits task:deleted.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.cache.DeleteTask(id)
	s.locks.Delete(id)
	s.audit.Record(ctx, events.TaskDeleted, v1.EntityTask, id, nil)
	return nil
}

// ClearFinished removes terminal tasks from store and cache and returns
// how many were removed.
func (s *Store) ClearFinished(ctx context.Context) (int, error) {
	removed, err := s.repo.DeleteFinished(ctx)
	if err != nil {
		return 0, err
	}
	for _, status := range []v1.TaskStatus{v1.TaskStatusCompleted, v1.TaskStatusFailed, v1.TaskStatusCancelled} {
		for _, task := range s.cache.TasksByStatus(status) {
			s.cache.DeleteTask(task.ID)
			s.locks.Delete(task.ID)
		}
	}
	if removed > 0 {
		s.log.Info("Cleared finished tasks", zap.Int("count", removed))
	}
	return removed, nil
}

// Stats reports task counts by status.
func (s *Store) Stats() v1.QueueStats {
	return s.cache.Stats()
}

func (s *Store) publish(ctx context.Context, eventName string, task *v1.Task) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(events.Subject(eventName), "task-store", map[string]interface{}{
		"task_id":  task.ID,
		"status":   string(task.Status),
		"priority": task.Priority,
	})
	if err := s.bus.Publish(ctx, events.Subject(eventName), event); err != nil {
		s.log.Debug("failed to publish task event",
			zap.String("event", eventName),
			zap.Error(err))
	}
}

// Package recovery reconciles persisted state with reality at process
// startup. Tasks caught mid-flight by the previous shutdown go back to
// the queue, sessions with no owner are killed, and stale running flags
// are cleared.
package recovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mindmux/mindmux/internal/common/logger"
	"github.com/mindmux/mindmux/internal/events"
	taskstore "github.com/mindmux/mindmux/internal/task/store"
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

// SessionRecoverer reconciles multiplexer sessions against live agents.
// The lifecycle controller satisfies it.
type SessionRecoverer interface {
	RecoverOrphanedSessions(ctx context.Context) error
}

// Coordinator runs the startup recovery sequence.
type Coordinator struct {
	tasks    *taskstore.Store
	sessions SessionRecoverer
	log      *logger.Logger
}

// New creates a recovery coordinator.
func New(tasks *taskstore.Store, sessions SessionRecoverer, log *logger.Logger) *Coordinator {
	return &Coordinator{
		tasks:    tasks,
		sessions: sessions,
		log:      log.WithFields(zap.String("component", "recovery")),
	}
}

// Run executes recovery once, after the cache rebuild and before the
// scheduler starts.
func (c *Coordinator) Run(ctx context.Context) error {
	incomplete, err := c.tasks.Incomplete(ctx)
	if err != nil {
		return err
	}
	if len(incomplete) > 0 {
		c.log.Info("Found incomplete tasks from previous run",
			zap.Int("count", len(incomplete)))
	}

	for _, task := range incomplete {
		if task.Status != v1.TaskStatusAssigned && task.Status != v1.TaskStatusRunning {
			continue
		}
		if task.RetryCount >= task.MaxRetries {
			now := time.Now().UTC()
			task.Status = v1.TaskStatusFailed
			task.ErrorMessage = "interrupted by restart"
			task.StartedAt = nil
			task.CompletedAt = &now
			if err := c.tasks.Save(ctx, task, events.TaskFailed); err != nil {
				c.log.Error("failed to fail interrupted task",
					zap.String("task_id", task.ID),
					zap.Error(err))
				continue
			}
			c.log.Warn("Interrupted task out of retries, failed",
				zap.String("task_id", task.ID),
				zap.Int("retry_count", task.RetryCount))
			continue
		}
		// The process that was executing this task is gone; the attempt
		// counts against the retry budget.
		task.RetryCount++
		task.ErrorMessage = fmt.Sprintf("Retry %d/%d: interrupted by restart", task.RetryCount, task.MaxRetries)
		task.Status = v1.TaskStatusQueued
		task.AssignedAgentID = ""
		task.StartedAt = nil
		if task.QueuedAt == nil {
			now := time.Now().UTC()
			task.QueuedAt = &now
		}
		if err := c.tasks.Save(ctx, task, events.TaskRetried); err != nil {
			c.log.Error("failed to re-queue interrupted task",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}
		c.log.Warn("Re-queued interrupted task",
			zap.String("task_id", task.ID),
			zap.Int("retry_count", task.RetryCount))
	}

	if err := c.sessions.RecoverOrphanedSessions(ctx); err != nil {
		return err
	}
	return nil
}

package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindmux/mindmux/internal/audit"
	"github.com/mindmux/mindmux/internal/cache"
	apperrors "github.com/mindmux/mindmux/internal/common/errors"
	"github.com/mindmux/mindmux/internal/common/logger"
	taskstore "github.com/mindmux/mindmux/internal/task/store"
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

type fakeTaskRepo struct {
	tasks map[string]*v1.Task
}

func (f *fakeTaskRepo) Create(_ context.Context, t *v1.Task) error {
	f.tasks[t.ID] = t.Clone()
	return nil
}
func (f *fakeTaskRepo) Get(_ context.Context, id string) (*v1.Task, error) {
	if t, ok := f.tasks[id]; ok {
		return t.Clone(), nil
	}
	return nil, apperrors.NotFound("task", id)
}
func (f *fakeTaskRepo) Update(_ context.Context, t *v1.Task) error {
	f.tasks[t.ID] = t.Clone()
	return nil
}
func (f *fakeTaskRepo) Delete(_ context.Context, id string) error {
	delete(f.tasks, id)
	return nil
}
func (f *fakeTaskRepo) List(_ context.Context, _ v1.TaskFilter) ([]*v1.Task, error) {
	return nil, nil
}
func (f *fakeTaskRepo) ListIncomplete(_ context.Context) ([]*v1.Task, error) {
	var out []*v1.Task
	for _, t := range f.tasks {
		if !t.Status.IsTerminal() {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}
func (f *fakeTaskRepo) DeleteFinished(_ context.Context) (int, error) { return 0, nil }

type fakeAuditRepo struct{ entries []*v1.AuditEntry }

func (f *fakeAuditRepo) Append(_ context.Context, e *v1.AuditEntry) error {
	f.entries = append(f.entries, e)
	return nil
}
func (f *fakeAuditRepo) List(_ context.Context, _ int) ([]*v1.AuditEntry, error) {
	return f.entries, nil
}
func (f *fakeAuditRepo) ListByEntity(_ context.Context, _ v1.EntityKind, _ string, _ int) ([]*v1.AuditEntry, error) {
	return f.entries, nil
}
func (f *fakeAuditRepo) ListByEvent(_ context.Context, _ string, _ int) ([]*v1.AuditEntry, error) {
	return f.entries, nil
}

type fakeRecoverer struct {
	called bool
}

func (f *fakeRecoverer) RecoverOrphanedSessions(_ context.Context) error {
	f.called = true
	return nil
}

func seedTask(repo *fakeTaskRepo, id string, status v1.TaskStatus, agentID string) *v1.Task {
	task := &v1.Task{
		ID:              id,
		Prompt:          "work",
		Priority:        50,
		Status:          status,
		AssignedAgentID: agentID,
		MaxRetries:      3,
		Timeout:         time.Minute,
		CreatedAt:       time.Now().UTC().Add(-time.Hour),
	}
	repo.tasks[id] = task
	return task
}

func TestRunRequeuesInterruptedTasks(t *testing.T) {
	repo := &fakeTaskRepo{tasks: make(map[string]*v1.Task)}
	seedTask(repo, "was-running", v1.TaskStatusRunning, "agent-1")
	seedTask(repo, "was-assigned", v1.TaskStatusAssigned, "agent-1")
	seedTask(repo, "still-queued", v1.TaskStatusQueued, "")
	seedTask(repo, "finished", v1.TaskStatusCompleted, "agent-1")

	log := logger.Default()
	c := cache.New()
	tasks := taskstore.New(repo, c, audit.NewService(&fakeAuditRepo{}, log), nil, log)
	recoverer := &fakeRecoverer{}

	coord := New(tasks, recoverer, log)
	require.NoError(t, coord.Run(context.Background()))

	for _, id := range []string{"was-running", "was-assigned"} {
		got, err := repo.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, v1.TaskStatusQueued, got.Status, id)
		assert.Equal(t, 1, got.RetryCount, id)
		assert.Empty(t, got.AssignedAgentID, id)
		assert.Nil(t, got.StartedAt, id)
		assert.NotNil(t, got.QueuedAt, id)
		assert.Contains(t, got.ErrorMessage, "interrupted by restart", id)
	}

	queued, err := repo.Get(context.Background(), "still-queued")
	require.NoError(t, err)
	assert.Zero(t, queued.RetryCount, "queued tasks are left alone")

	finished, err := repo.Get(context.Background(), "finished")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, finished.Status)

	assert.True(t, recoverer.called)
}

func TestRunFailsInterruptedTaskOutOfRetries(t *testing.T) {
	repo := &fakeTaskRepo{tasks: make(map[string]*v1.Task)}
	exhausted := seedTask(repo, "crash-loop", v1.TaskStatusRunning, "agent-1")
	exhausted.RetryCount = exhausted.MaxRetries

	log := logger.Default()
	tasks := taskstore.New(repo, cache.New(), audit.NewService(&fakeAuditRepo{}, log), nil, log)
	recoverer := &fakeRecoverer{}

	require.NoError(t, New(tasks, recoverer, log).Run(context.Background()))

	got, err := repo.Get(context.Background(), "crash-loop")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, got.Status)
	assert.Equal(t, got.MaxRetries, got.RetryCount, "the budget is never exceeded")
	assert.Equal(t, "agent-1", got.AssignedAgentID)
	assert.Equal(t, "interrupted by restart", got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.StartedAt)
}

func TestRunWithNothingToRecover(t *testing.T) {
	repo := &fakeTaskRepo{tasks: make(map[string]*v1.Task)}
	log := logger.Default()
	tasks := taskstore.New(repo, cache.New(), audit.NewService(&fakeAuditRepo{}, log), nil, log)
	recoverer := &fakeRecoverer{}

	require.NoError(t, New(tasks, recoverer, log).Run(context.Background()))
	assert.True(t, recoverer.called)
}

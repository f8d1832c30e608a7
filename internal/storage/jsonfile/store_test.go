package jsonfile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/mindmux/mindmux/internal/common/errors"
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

func testAgent(name string) *v1.Agent {
	now := time.Now().UTC()
	return &v1.Agent{
		ID:           "agent-" + name,
		Name:         name,
		Kind:         v1.AgentKindGemini,
		Capabilities: []v1.Capability{v1.CapabilityResearch},
		Status:       v1.AgentStatusIdle,
		CreatedAt:    now,
		LastActivity: now,
	}
}

func TestPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dir)
	require.NoError(t, err)

	agent := testAgent("dev-1")
	require.NoError(t, store.Agents().Create(ctx, agent))

	task := &v1.Task{
		ID:        "t1",
		Prompt:    "hello",
		Priority:  70,
		Status:    v1.TaskStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Tasks().Create(ctx, task))

	entry := &v1.AuditEntry{
		Timestamp:  time.Now().UTC(),
		EventName:  "agent:created",
		EntityKind: v1.EntityAgent,
		EntityID:   agent.ID,
	}
	require.NoError(t, store.Audit().Append(ctx, entry))
	require.NoError(t, store.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)

	got, err := reopened.Agents().Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", got.Name)

	gotTask, err := reopened.Tasks().Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 70, gotTask.Priority)

	entries, err := reopened.Audit().List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Audit ids keep increasing after reopen.
	next := &v1.AuditEntry{
		Timestamp:  time.Now().UTC(),
		EventName:  "task:created",
		EntityKind: v1.EntityTask,
		EntityID:   "t1",
	}
	require.NoError(t, reopened.Audit().Append(ctx, next))
	assert.Greater(t, next.ID, entries[0].ID)
}

func TestAuditListByEvent(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, e := range []struct{ event, id string }{
		{"task:created", "t1"},
		{"task:failed", "t1"},
		{"task:failed", "t2"},
	} {
		require.NoError(t, store.Audit().Append(ctx, &v1.AuditEntry{
			Timestamp:  time.Now().UTC(),
			EventName:  e.event,
			EntityKind: v1.EntityTask,
			EntityID:   e.id,
		}))
	}

	entries, err := store.Audit().ListByEvent(ctx, "task:failed", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "t2", entries[0].EntityID, "newest first")
	assert.Equal(t, "t1", entries[1].EntityID)
}

func TestAgentNameUniqueness(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Agents().Create(ctx, testAgent("dev-1")))

	dup := testAgent("dev-1")
	dup.ID = "agent-other"
	err = store.Agents().Create(ctx, dup)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAlreadyInUse))
}

func TestListReturnsCopies(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Agents().Create(ctx, testAgent("dev-1")))

	agents, err := store.Agents().List(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	agents[0].Name = "mutated"

	fresh, err := store.Agents().Get(ctx, "agent-dev-1")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", fresh.Name)
}

func TestDeleteFinished(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	statuses := []v1.TaskStatus{
		v1.TaskStatusQueued,
		v1.TaskStatusCompleted,
		v1.TaskStatusFailed,
		v1.TaskStatusCancelled,
	}
	for i, status := range statuses {
		task := &v1.Task{
			ID:        string(rune('a' + i)),
			Prompt:    "p",
			Status:    status,
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, store.Tasks().Create(ctx, task))
	}

	removed, err := store.Tasks().DeleteFinished(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	remaining, err := store.Tasks().List(ctx, v1.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, v1.TaskStatusQueued, remaining[0].Status)
}

package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/mindmux/mindmux/internal/common/errors"
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewWithDB(db)
	require.NoError(t, err)
	return store
}

func testAgent(name string) *v1.Agent {
	now := time.Now().UTC().Truncate(time.Second)
	return &v1.Agent{
		ID:           "agent-" + name,
		Name:         name,
		Kind:         v1.AgentKindClaude,
		Capabilities: []v1.Capability{v1.CapabilityCodeGeneration},
		Config: v1.AgentConfig{
			Model:              "opus",
			MaxConcurrentTasks: 1,
			TaskTimeout:        5 * time.Minute,
		},
		Status:       v1.AgentStatusIdle,
		CreatedAt:    now,
		LastActivity: now,
	}
}

func testTask(id string, status v1.TaskStatus) *v1.Task {
	return &v1.Task{
		ID:                   id,
		Prompt:               "do something",
		Priority:             50,
		RequiredCapabilities: []v1.Capability{v1.CapabilityTesting},
		Status:               status,
		MaxRetries:           3,
		Timeout:              5 * time.Minute,
		CreatedAt:            time.Now().UTC().Truncate(time.Second),
	}
}

func TestAgentCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agent := testAgent("dev-1")
	require.NoError(t, store.Agents().Create(ctx, agent))

	got, err := store.Agents().Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.Name, got.Name)
	assert.Equal(t, agent.Kind, got.Kind)
	assert.Equal(t, agent.Capabilities, got.Capabilities)
	assert.Equal(t, agent.Config.Model, got.Config.Model)
	assert.Equal(t, agent.Config.TaskTimeout, got.Config.TaskTimeout)

	byName, err := store.Agents().GetByName(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, agent.ID, byName.ID)

	got.Status = v1.AgentStatusBusy
	got.IsRunning = true
	got.SessionName = "mindmux-" + agent.ID
	require.NoError(t, store.Agents().Update(ctx, got))

	updated, err := store.Agents().Get(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.AgentStatusBusy, updated.Status)
	assert.True(t, updated.IsRunning)

	agents, err := store.Agents().List(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)

	require.NoError(t, store.Agents().Delete(ctx, agent.ID))
	_, err = store.Agents().Get(ctx, agent.ID)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestAgentNameUniqueness(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Agents().Create(ctx, testAgent("dev-1")))

	dup := testAgent("dev-1")
	dup.ID = "agent-other"
	err := store.Agents().Create(ctx, dup)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAlreadyInUse))
}

func TestAgentNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Agents().Get(ctx, "missing")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))

	err = store.Agents().Update(ctx, testAgent("ghost"))
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))

	err = store.Agents().Delete(ctx, "missing")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestTaskCRUDAndFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t1 := testTask("t1", v1.TaskStatusQueued)
	t2 := testTask("t2", v1.TaskStatusRunning)
	t2.AssignedAgentID = "agent-a"
	t2.DependsOn = []string{"t1"}
	t3 := testTask("t3", v1.TaskStatusCompleted)

	for _, task := range []*v1.Task{t1, t2, t3} {
		require.NoError(t, store.Tasks().Create(ctx, task))
	}

	got, err := store.Tasks().Get(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, got.DependsOn)
	assert.Equal(t, 5*time.Minute, got.Timeout)

	byStatus, err := store.Tasks().List(ctx, v1.TaskFilter{Status: v1.TaskStatusQueued})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, "t1", byStatus[0].ID)

	byAgent, err := store.Tasks().List(ctx, v1.TaskFilter{AgentID: "agent-a"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.Equal(t, "t2", byAgent[0].ID)

	incomplete, err := store.Tasks().ListIncomplete(ctx)
	require.NoError(t, err)
	assert.Len(t, incomplete, 2)

	now := time.Now().UTC().Truncate(time.Second)
	got.Status = v1.TaskStatusCompleted
	got.CompletedAt = &now
	got.Result = "done"
	require.NoError(t, store.Tasks().Update(ctx, got))

	updated, err := store.Tasks().Get(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, updated.Status)
	require.NotNil(t, updated.CompletedAt)
	assert.Equal(t, "done", updated.Result)

	removed, err := store.Tasks().DeleteFinished(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	remaining, err := store.Tasks().List(ctx, v1.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "t1", remaining[0].ID)
}

func TestSessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := &v1.Session{
		ID:                     "s1",
		AgentID:                "agent-a",
		MultiplexerSessionName: "mindmux-agent-a",
		Status:                 v1.SessionStatusActive,
		StartedAt:              time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Sessions().Create(ctx, session))

	active, err := store.Sessions().ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	now := time.Now().UTC().Truncate(time.Second)
	session.Status = v1.SessionStatusTerminated
	session.EndedAt = &now
	require.NoError(t, store.Sessions().Update(ctx, session))

	active, err = store.Sessions().ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := store.Sessions().List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.NotNil(t, all[0].EndedAt)
}

func TestSessionNameUniqueWhileActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := &v1.Session{
		ID:                     "s1",
		AgentID:                "agent-a",
		MultiplexerSessionName: "mindmux-agent-a",
		Status:                 v1.SessionStatusActive,
		StartedAt:              time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Sessions().Create(ctx, session))

	// A second live session under the same name must be rejected.
	dup := &v1.Session{
		ID:                     "s2",
		AgentID:                "agent-a",
		MultiplexerSessionName: "mindmux-agent-a",
		Status:                 v1.SessionStatusActive,
		StartedAt:              time.Now().UTC().Truncate(time.Second),
	}
	require.Error(t, store.Sessions().Create(ctx, dup))

	now := time.Now().UTC().Truncate(time.Second)
	session.Status = v1.SessionStatusTerminated
	session.EndedAt = &now
	require.NoError(t, store.Sessions().Update(ctx, session))

	// Terminated history does not block the agent's next start.
	require.NoError(t, store.Sessions().Create(ctx, dup))
}

func TestAuditAppendAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &v1.AuditEntry{
		Timestamp:  time.Now().UTC(),
		EventName:  "agent:created",
		EntityKind: v1.EntityAgent,
		EntityID:   "agent-a",
		Changes:    map[string]interface{}{"name": "dev-1"},
	}
	require.NoError(t, store.Audit().Append(ctx, first))
	assert.NotZero(t, first.ID)

	second := &v1.AuditEntry{
		Timestamp:  time.Now().UTC(),
		EventName:  "task:queued",
		EntityKind: v1.EntityTask,
		EntityID:   "t1",
	}
	require.NoError(t, store.Audit().Append(ctx, second))
	assert.Greater(t, second.ID, first.ID)

	entries, err := store.Audit().List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	assert.Equal(t, "task:queued", entries[0].EventName)

	agentEntries, err := store.Audit().ListByEntity(ctx, v1.EntityAgent, "agent-a", 10)
	require.NoError(t, err)
	require.Len(t, agentEntries, 1)
	assert.Equal(t, "dev-1", agentEntries[0].Changes["name"])

	eventEntries, err := store.Audit().ListByEvent(ctx, "task:queued", 10)
	require.NoError(t, err)
	require.Len(t, eventEntries, 1)
	assert.Equal(t, "t1", eventEntries[0].EntityID)
}

package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindmux/mindmux/internal/adapter"
	agentstore "github.com/mindmux/mindmux/internal/agent/store"
	"github.com/mindmux/mindmux/internal/audit"
	"github.com/mindmux/mindmux/internal/cache"
	"github.com/mindmux/mindmux/internal/common/config"
	apperrors "github.com/mindmux/mindmux/internal/common/errors"
	"github.com/mindmux/mindmux/internal/common/logger"
	taskstore "github.com/mindmux/mindmux/internal/task/store"
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

type fakeMux struct {
	prefix   string
	sessions map[string]bool
	created  []string
	killed   []string
	captured string
}

func newFakeMux() *fakeMux {
	return &fakeMux{prefix: "mindmux", sessions: make(map[string]bool)}
}

func (m *fakeMux) CreateSession(_ context.Context, name, _, _ string) error {
	if m.sessions[name] {
		return errors.New("session already exists")
	}
	m.sessions[name] = true
	m.created = append(m.created, name)
	return nil
}

func (m *fakeMux) HasSession(_ context.Context, name string) (bool, error) {
	return m.sessions[name], nil
}

func (m *fakeMux) KillSession(_ context.Context, name string) error {
	delete(m.sessions, name)
	m.killed = append(m.killed, name)
	return nil
}

func (m *fakeMux) ListSessions(_ context.Context) ([]string, error) {
	var names []string
	for name := range m.sessions {
		names = append(names, name)
	}
	return names, nil
}

func (m *fakeMux) CapturePane(_ context.Context, _ string, _ int) (string, error) {
	return m.captured, nil
}

func (m *fakeMux) SessionName(agentID string) string {
	return m.prefix + "-" + agentID
}

func (m *fakeMux) AgentIDFromSession(sessionName string) string {
	if len(sessionName) <= len(m.prefix)+1 || sessionName[:len(m.prefix)+1] != m.prefix+"-" {
		return ""
	}
	return sessionName[len(m.prefix)+1:]
}

type fakeAdapter struct {
	kind        v1.AgentKind
	spawnErr    error
	sendResult  adapter.SendResult
	terminated  []string
	spawned     []string
	sentPrompts []string
}

func (a *fakeAdapter) Kind() v1.AgentKind             { return a.kind }
func (a *fakeAdapter) Command() string                { return string(a.kind) }
func (a *fakeAdapter) CheckInstalled() (bool, string) { return true, "" }

func (a *fakeAdapter) SpawnProcess(_ context.Context, sessionName string, _ adapter.SpawnOptions) error {
	a.spawned = append(a.spawned, sessionName)
	return a.spawnErr
}

func (a *fakeAdapter) SendPrompt(_ context.Context, _, prompt string, _ adapter.PromptOptions) adapter.SendResult {
	a.sentPrompts = append(a.sentPrompts, prompt)
	return a.sendResult
}

func (a *fakeAdapter) IsIdle(_ context.Context, _ string) (bool, error) { return true, nil }

func (a *fakeAdapter) Terminate(_ context.Context, sessionName string) error {
	a.terminated = append(a.terminated, sessionName)
	return nil
}

type fakeAdapters struct {
	adapter *fakeAdapter
}

func (f *fakeAdapters) Get(kind v1.AgentKind) (adapter.Adapter, error) {
	if kind != f.adapter.kind {
		return nil, apperrors.Validationf("unknown agent kind %q", kind)
	}
	return f.adapter, nil
}

type fakeAgentRepo struct{ agents map[string]*v1.Agent }

func (f *fakeAgentRepo) Create(_ context.Context, a *v1.Agent) error {
	f.agents[a.ID] = a.Clone()
	return nil
}
func (f *fakeAgentRepo) Get(_ context.Context, id string) (*v1.Agent, error) {
	if a, ok := f.agents[id]; ok {
		return a.Clone(), nil
	}
	return nil, apperrors.NotFound("agent", id)
}
func (f *fakeAgentRepo) GetByName(_ context.Context, name string) (*v1.Agent, error) {
	for _, a := range f.agents {
		if a.Name == name {
			return a.Clone(), nil
		}
	}
	return nil, apperrors.NotFound("agent", name)
}
func (f *fakeAgentRepo) Update(_ context.Context, a *v1.Agent) error {
	f.agents[a.ID] = a.Clone()
	return nil
}
func (f *fakeAgentRepo) Delete(_ context.Context, id string) error {
	delete(f.agents, id)
	return nil
}
func (f *fakeAgentRepo) List(_ context.Context) ([]*v1.Agent, error) {
	out := make([]*v1.Agent, 0, len(f.agents))
	for _, a := range f.agents {
		out = append(out, a.Clone())
	}
	return out, nil
}

type fakeTaskRepo struct{ tasks map[string]*v1.Task }

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
func (f *fakeTaskRepo) ListIncomplete(_ context.Context) ([]*v1.Task, error) { return nil, nil }
func (f *fakeTaskRepo) DeleteFinished(_ context.Context) (int, error)        { return 0, nil }

type fakeSessionRepo struct{ sessions map[string]*v1.Session }

func (f *fakeSessionRepo) Create(_ context.Context, s *v1.Session) error {
	f.sessions[s.ID] = s.Clone()
	return nil
}
func (f *fakeSessionRepo) Get(_ context.Context, id string) (*v1.Session, error) {
	if s, ok := f.sessions[id]; ok {
		return s.Clone(), nil
	}
	return nil, apperrors.NotFound("session", id)
}
func (f *fakeSessionRepo) Update(_ context.Context, s *v1.Session) error {
	f.sessions[s.ID] = s.Clone()
	return nil
}
func (f *fakeSessionRepo) List(_ context.Context) ([]*v1.Session, error) {
	out := make([]*v1.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}
func (f *fakeSessionRepo) ListActive(_ context.Context) ([]*v1.Session, error) {
	var out []*v1.Session
	for _, s := range f.sessions {
		if s.Status != v1.SessionStatusTerminated {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

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

type fixture struct {
	ctrl      *Controller
	agents    *agentstore.Store
	cache     *cache.Cache
	mux       *fakeMux
	adapter   *fakeAdapter
	sessions  *fakeSessionRepo
	auditRepo *fakeAuditRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logger.Default()
	c := cache.New()
	auditRepo := &fakeAuditRepo{}
	auditSvc := audit.NewService(auditRepo, log)
	agents := agentstore.New(&fakeAgentRepo{agents: make(map[string]*v1.Agent)}, c, auditSvc, nil, log)
	tasks := taskstore.New(&fakeTaskRepo{tasks: make(map[string]*v1.Task)}, c, auditSvc, nil, log)
	sessions := &fakeSessionRepo{sessions: make(map[string]*v1.Session)}
	mux := newFakeMux()
	cliAdapter := &fakeAdapter{kind: v1.AgentKindClaude, sendResult: adapter.SendResult{Success: true, Output: "done"}}

	cfg := config.SchedulerConfig{DefaultTimeout: 300}
	ctrl := New(agents, tasks, sessions, c, mux, &fakeAdapters{adapter: cliAdapter}, auditSvc, nil, cfg, log)
	ctrl.grace = time.Millisecond

	return &fixture{
		ctrl:      ctrl,
		agents:    agents,
		cache:     c,
		mux:       mux,
		adapter:   cliAdapter,
		sessions:  sessions,
		auditRepo: auditRepo,
	}
}

func (f *fixture) createAgent(t *testing.T, name string) *v1.Agent {
	t.Helper()
	agent, err := f.agents.Create(context.Background(), v1.CreateAgentRequest{
		Name: name,
		Kind: v1.AgentKindClaude,
	})
	require.NoError(t, err)
	return agent
}

func TestStartAgent(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, "worker")

	require.NoError(t, f.ctrl.StartAgent(context.Background(), "worker"))

	got := f.cache.GetAgent(agent.ID)
	assert.True(t, got.IsRunning)
	assert.Equal(t, "mindmux-"+agent.ID, got.SessionName)
	assert.Equal(t, v1.AgentStatusIdle, got.Status)
	assert.Equal(t, []string{"mindmux-" + agent.ID}, f.adapter.spawned)
	require.Len(t, f.sessions.sessions, 1)
}

func TestStartAgentRejectsLiveSession(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "worker")

	require.NoError(t, f.ctrl.StartAgent(context.Background(), "worker"))
	err := f.ctrl.StartAgent(context.Background(), "worker")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeAlreadyInUse))
}

func TestStartAgentSpawnFailureTearsDown(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, "worker")
	f.adapter.spawnErr = errors.New("claude not found on PATH")

	err := f.ctrl.StartAgent(context.Background(), "worker")
	require.Error(t, err)

	got := f.cache.GetAgent(agent.ID)
	assert.False(t, got.IsRunning)
	assert.Empty(t, got.SessionName)
	assert.Contains(t, f.mux.killed, "mindmux-"+agent.ID)
}

func TestStartAgentReadinessTimeoutLeavesSessionAlive(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, "worker")
	f.adapter.spawnErr = adapter.ErrNotReady

	err := f.ctrl.StartAgent(context.Background(), "worker")
	require.ErrorIs(t, err, adapter.ErrNotReady)

	got := f.cache.GetAgent(agent.ID)
	assert.Equal(t, v1.AgentStatusUnhealthy, got.Status)
	assert.True(t, got.IsRunning)
	assert.True(t, f.mux.sessions["mindmux-"+agent.ID])
}

func TestStopAgent(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, "worker")
	require.NoError(t, f.ctrl.StartAgent(context.Background(), "worker"))

	require.NoError(t, f.ctrl.StopAgent(context.Background(), "worker"))

	got := f.cache.GetAgent(agent.ID)
	assert.False(t, got.IsRunning)
	assert.Empty(t, got.SessionName)
	assert.Equal(t, v1.AgentStatusIdle, got.Status)
	assert.Equal(t, []string{"mindmux-" + agent.ID}, f.adapter.terminated)
	assert.Contains(t, f.mux.killed, "mindmux-"+agent.ID)

	for _, s := range f.sessions.sessions {
		assert.Equal(t, v1.SessionStatusTerminated, s.Status)
		assert.NotNil(t, s.EndedAt)
	}
}

func TestStopAgentIdempotent(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "worker")

	assert.NoError(t, f.ctrl.StopAgent(context.Background(), "worker"))
	assert.Empty(t, f.mux.killed)
}

func TestDeleteAgentStopsLiveSession(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, "worker")
	require.NoError(t, f.ctrl.StartAgent(context.Background(), "worker"))

	require.NoError(t, f.ctrl.DeleteAgent(context.Background(), "worker"))

	assert.Nil(t, f.cache.GetAgent(agent.ID))
	assert.Contains(t, f.mux.killed, "mindmux-"+agent.ID)
	assert.False(t, f.mux.sessions["mindmux-"+agent.ID])
	for _, s := range f.sessions.sessions {
		assert.Equal(t, v1.SessionStatusTerminated, s.Status)
	}
}

func TestDeleteAgentWithoutSession(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, "worker")

	require.NoError(t, f.ctrl.DeleteAgent(context.Background(), "worker"))
	assert.Nil(t, f.cache.GetAgent(agent.ID))
	assert.Empty(t, f.mux.killed)
}

func TestStopAllAgents(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "worker-1")
	f.createAgent(t, "worker-2")
	require.NoError(t, f.ctrl.StartAgent(context.Background(), "worker-1"))
	require.NoError(t, f.ctrl.StartAgent(context.Background(), "worker-2"))

	require.NoError(t, f.ctrl.StopAllAgents(context.Background()))
	assert.Empty(t, f.ctrl.ListRunningAgents(context.Background()))
	assert.Len(t, f.mux.killed, 2)
}

func TestExecutePrompt(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, "worker")
	require.NoError(t, f.ctrl.StartAgent(context.Background(), "worker"))

	output, err := f.ctrl.ExecutePrompt(context.Background(), agent.ID, "say hi", 0)
	require.NoError(t, err)
	assert.Equal(t, "done", output)
	assert.Equal(t, []string{"say hi"}, f.adapter.sentPrompts)

	got := f.cache.GetAgent(agent.ID)
	assert.Equal(t, v1.AgentStatusIdle, got.Status)
}

func TestExecutePromptRejectsStoppedAgent(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, "worker")

	_, err := f.ctrl.ExecutePrompt(context.Background(), agent.ID, "say hi", 0)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
}

func TestExecuteTaskRecordsResult(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "worker")
	require.NoError(t, f.ctrl.StartAgent(context.Background(), "worker"))

	task, err := f.ctrl.ExecuteTask(context.Background(), "worker", "say hi")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, task.Status)
	assert.Equal(t, "done", task.Result)
	assert.NotNil(t, task.CompletedAt)

	got := f.cache.GetTask(task.ID)
	require.NotNil(t, got)
	assert.Equal(t, v1.TaskStatusCompleted, got.Status)
}

func TestExecuteTaskRecordsFailure(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "worker")
	require.NoError(t, f.ctrl.StartAgent(context.Background(), "worker"))
	f.adapter.sendResult = adapter.SendResult{Err: errors.New("response timed out")}

	task, err := f.ctrl.ExecuteTask(context.Background(), "worker", "say hi")
	require.Error(t, err)
	assert.Equal(t, v1.TaskStatusFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, "timed out")
}

func TestMonitorAgentHealth(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, "worker")
	require.NoError(t, f.ctrl.StartAgent(context.Background(), "worker"))

	healthy, err := f.ctrl.MonitorAgentHealth(context.Background(), "worker")
	require.NoError(t, err)
	assert.True(t, healthy)

	// Session dies out from under the agent.
	delete(f.mux.sessions, "mindmux-"+agent.ID)

	healthy, err = f.ctrl.MonitorAgentHealth(context.Background(), "worker")
	require.NoError(t, err)
	assert.False(t, healthy)

	got := f.cache.GetAgent(agent.ID)
	assert.Equal(t, v1.AgentStatusUnhealthy, got.Status)
	assert.False(t, got.IsRunning)
}

func TestGetAgentLogs(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "worker")
	require.NoError(t, f.ctrl.StartAgent(context.Background(), "worker"))
	f.mux.captured = "pane contents"

	logs, err := f.ctrl.GetAgentLogs(context.Background(), "worker", 50)
	require.NoError(t, err)
	assert.Equal(t, "pane contents", logs)
}

func TestGetAgentLogsRequiresSession(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "worker")

	_, err := f.ctrl.GetAgentLogs(context.Background(), "worker", 50)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeValidation))
}

func TestRecoverOrphanedSessions(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, "worker")

	// A session with no owning agent, left over from a dead process.
	f.mux.sessions["mindmux-ghost-agent"] = true
	// A foreign session that must not be touched.
	f.mux.sessions["unrelated"] = true
	// An agent flagged running with no session behind it.
	_, err := f.agents.Patch(context.Background(), agent.ID, func(a *v1.Agent) {
		a.IsRunning = true
		a.SessionName = "mindmux-" + a.ID
	})
	require.NoError(t, err)

	require.NoError(t, f.ctrl.RecoverOrphanedSessions(context.Background()))

	assert.Contains(t, f.mux.killed, "mindmux-ghost-agent")
	assert.True(t, f.mux.sessions["unrelated"])

	got := f.cache.GetAgent(agent.ID)
	assert.False(t, got.IsRunning)
	assert.Empty(t, got.SessionName)
}

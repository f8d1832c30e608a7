// Package jsonfile implements the durable store as plain JSON files in
// the data directory. It is the fallback backend for installations that
// predate the SQLite store, and keeps the same write-through contract at
// file granularity.
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	apperrors "github.com/mindmux/mindmux/internal/common/errors"
	"github.com/mindmux/mindmux/internal/storage"
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

const (
	agentsFile   = "agents.json"
	tasksFile    = "tasks.json"
	sessionsFile = "sessions.json"
	auditFile    = "audit.json"
)

// Store keeps every record in memory and rewrites the owning file on
// each mutation.
type Store struct {
	mu       sync.Mutex
	dir      string
	agents   map[string]*v1.Agent
	tasks    map[string]*v1.Task
	sessions map[string]*v1.Session
	audit    []*v1.AuditEntry
	nextID   int64
}

var _ storage.Store = (*Store)(nil)

// Open loads existing JSON state from dir, creating the directory if
// needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	s := &Store{
		dir:      dir,
		agents:   make(map[string]*v1.Agent),
		tasks:    make(map[string]*v1.Task),
		sessions: make(map[string]*v1.Session),
		nextID:   1,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	var agents []*v1.Agent
	if err := readFile(filepath.Join(s.dir, agentsFile), &agents); err != nil {
		return err
	}
	for _, a := range agents {
		s.agents[a.ID] = a
	}

	var tasks []*v1.Task
	if err := readFile(filepath.Join(s.dir, tasksFile), &tasks); err != nil {
		return err
	}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}

	var sessions []*v1.Session
	if err := readFile(filepath.Join(s.dir, sessionsFile), &sessions); err != nil {
		return err
	}
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess
	}

	if err := readFile(filepath.Join(s.dir, auditFile), &s.audit); err != nil {
		return err
	}
	for _, entry := range s.audit {
		if entry.ID >= s.nextID {
			s.nextID = entry.ID + 1
		}
	}
	return nil
}

func readFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeFile persists via a temp file and rename so a crash mid-write
// never truncates existing state.
func writeFile(path string, in any) error {
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

func (s *Store) persistAgents() error {
	agents := make([]*v1.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].CreatedAt.Before(agents[j].CreatedAt) })
	return writeFile(filepath.Join(s.dir, agentsFile), agents)
}

func (s *Store) persistTasks() error {
	tasks := make([]*v1.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return writeFile(filepath.Join(s.dir, tasksFile), tasks)
}

func (s *Store) persistSessions() error {
	sessions := make([]*v1.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.Before(sessions[j].StartedAt) })
	return writeFile(filepath.Join(s.dir, sessionsFile), sessions)
}

func (s *Store) persistAudit() error {
	return writeFile(filepath.Join(s.dir, auditFile), s.audit)
}

func (s *Store) Agents() storage.AgentRepository     { return (*agentRepo)(s) }
func (s *Store) Tasks() storage.TaskRepository       { return (*taskRepo)(s) }
func (s *Store) Sessions() storage.SessionRepository { return (*sessionRepo)(s) }
func (s *Store) Audit() storage.AuditRepository      { return (*auditRepo)(s) }

func (s *Store) Close() error { return nil }

type agentRepo Store

func (r *agentRepo) Create(_ context.Context, agent *v1.Agent) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.agents {
		if existing.Name == agent.Name {
			return apperrors.AlreadyInUse("agent name", agent.Name)
		}
	}
	s.agents[agent.ID] = agent.Clone()
	return s.persistAgents()
}

func (r *agentRepo) Get(_ context.Context, id string) (*v1.Agent, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	return agent.Clone(), nil
}

func (r *agentRepo) GetByName(_ context.Context, name string) (*v1.Agent, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, agent := range s.agents {
		if agent.Name == name {
			return agent.Clone(), nil
		}
	}
	return nil, apperrors.NotFound("agent", name)
}

func (r *agentRepo) Update(_ context.Context, agent *v1.Agent) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agent.ID]; !ok {
		return apperrors.NotFound("agent", agent.ID)
	}
	for id, existing := range s.agents {
		if id != agent.ID && existing.Name == agent.Name {
			return apperrors.AlreadyInUse("agent name", agent.Name)
		}
	}
	s.agents[agent.ID] = agent.Clone()
	return s.persistAgents()
}

func (r *agentRepo) Delete(_ context.Context, id string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return apperrors.NotFound("agent", id)
	}
	delete(s.agents, id)
	return s.persistAgents()
}

func (r *agentRepo) List(_ context.Context) ([]*v1.Agent, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	agents := make([]*v1.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		agents = append(agents, agent.Clone())
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].CreatedAt.Before(agents[j].CreatedAt) })
	return agents, nil
}

type taskRepo Store

func (r *taskRepo) Create(_ context.Context, task *v1.Task) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
	return s.persistTasks()
}

func (r *taskRepo) Get(_ context.Context, id string) (*v1.Task, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	return task.Clone(), nil
}

func (r *taskRepo) Update(_ context.Context, task *v1.Task) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; !ok {
		return apperrors.NotFound("task", task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return s.persistTasks()
}

func (r *taskRepo) Delete(_ context.Context, id string) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return apperrors.NotFound("task", id)
	}
	delete(s.tasks, id)
	return s.persistTasks()
}

func (r *taskRepo) List(_ context.Context, filter v1.TaskFilter) ([]*v1.Task, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*v1.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.AgentID != "" && task.AssignedAgentID != filter.AgentID {
			continue
		}
		tasks = append(tasks, task.Clone())
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (r *taskRepo) ListIncomplete(_ context.Context) ([]*v1.Task, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*v1.Task, 0)
	for _, task := range s.tasks {
		if !task.Status.IsTerminal() {
			tasks = append(tasks, task.Clone())
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (r *taskRepo) DeleteFinished(_ context.Context) (int, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, task := range s.tasks {
		if task.Status.IsTerminal() {
			delete(s.tasks, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persistTasks()
}

type sessionRepo Store

func (r *sessionRepo) Create(_ context.Context, session *v1.Session) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.ID] = &cp
	return s.persistSessions()
}

func (r *sessionRepo) Get(_ context.Context, id string) (*v1.Session, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	cp := *session
	return &cp, nil
}

func (r *sessionRepo) Update(_ context.Context, session *v1.Session) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return apperrors.NotFound("session", session.ID)
	}
	cp := *session
	s.sessions[session.ID] = &cp
	return s.persistSessions()
}

func (r *sessionRepo) List(_ context.Context) ([]*v1.Session, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listSessionsLocked(false), nil
}

func (r *sessionRepo) ListActive(_ context.Context) ([]*v1.Session, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listSessionsLocked(true), nil
}

func (s *Store) listSessionsLocked(activeOnly bool) []*v1.Session {
	sessions := make([]*v1.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if activeOnly && session.Status == v1.SessionStatusTerminated {
			continue
		}
		cp := *session
		sessions = append(sessions, &cp)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.Before(sessions[j].StartedAt) })
	return sessions
}

type auditRepo Store

func (r *auditRepo) Append(_ context.Context, entry *v1.AuditEntry) error {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.nextID
	s.nextID++
	s.audit = append(s.audit, entry)
	return s.persistAudit()
}

func (r *auditRepo) List(_ context.Context, limit int) ([]*v1.AuditEntry, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	entries := make([]*v1.AuditEntry, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(entries) < limit; i-- {
		entries = append(entries, s.audit[i])
	}
	return entries, nil
}

func (r *auditRepo) ListByEntity(_ context.Context, kind v1.EntityKind, entityID string, limit int) ([]*v1.AuditEntry, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	entries := make([]*v1.AuditEntry, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(entries) < limit; i-- {
		if s.audit[i].EntityKind == kind && s.audit[i].EntityID == entityID {
			entries = append(entries, s.audit[i])
		}
	}
	return entries, nil
}

func (r *auditRepo) ListByEvent(_ context.Context, eventName string, limit int) ([]*v1.AuditEntry, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	entries := make([]*v1.AuditEntry, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(entries) < limit; i-- {
		if s.audit[i].EventName == eventName {
			entries = append(entries, s.audit[i])
		}
	}
	return entries, nil
}

// Package storage defines the durable store contracts. The store is the
// source of truth; the in-memory cache is rebuilt from it and never
// consulted for writes.
package storage

import (
	"context"

	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

// AgentRepository persists agent records.
type AgentRepository interface {
	Create(ctx context.Context, agent *v1.Agent) error
	Get(ctx context.Context, id string) (*v1.Agent, error)
	GetByName(ctx context.Context, name string) (*v1.Agent, error)
	Update(ctx context.Context, agent *v1.Agent) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*v1.Agent, error)
}

// TaskRepository persists task records.
type TaskRepository interface {
	Create(ctx context.Context, task *v1.Task) error
	Get(ctx context.Context, id string) (*v1.Task, error)
	Update(ctx context.Context, task *v1.Task) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter v1.TaskFilter) ([]*v1.Task, error)
	// ListIncomplete returns tasks whose status is not terminal.
	ListIncomplete(ctx context.Context) ([]*v1.Task, error)
	// DeleteFinished removes completed, failed and cancelled tasks and
	// returns how many were removed.
	DeleteFinished(ctx context.Context) (int, error)
}

// SessionRepository persists multiplexer session records.
type SessionRepository interface {
	Create(ctx context.Context, session *v1.Session) error
	Get(ctx context.Context, id string) (*v1.Session, error)
	Update(ctx context.Context, session *v1.Session) error
	List(ctx context.Context) ([]*v1.Session, error)
	ListActive(ctx context.Context) ([]*v1.Session, error)
}

// AuditRepository persists the append-only audit log.
type AuditRepository interface {
	Append(ctx context.Context, entry *v1.AuditEntry) error
	List(ctx context.Context, limit int) ([]*v1.AuditEntry, error)
	ListByEntity(ctx context.Context, kind v1.EntityKind, entityID string, limit int) ([]*v1.AuditEntry, error)
	ListByEvent(ctx context.Context, eventName string, limit int) ([]*v1.AuditEntry, error)
}

// Store bundles the repositories behind one durable backend.
type Store interface {
	Agents() AgentRepository
	Tasks() TaskRepository
	Sessions() SessionRepository
	Audit() AuditRepository
	Close() error
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/mindmux/mindmux/internal/common/errors"
	"github.com/mindmux/mindmux/internal/common/tracing"
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

type agentRepository struct {
	db *sqlx.DB
}

type agentRow struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	Kind         string    `db:"kind"`
	Capabilities string    `db:"capabilities"`
	Config       string    `db:"config"`
	Status       string    `db:"status"`
	SessionName  string    `db:"session_name"`
	IsRunning    bool      `db:"is_running"`
	CreatedAt    time.Time `db:"created_at"`
	LastActivity time.Time `db:"last_activity"`
}

func agentToRow(agent *v1.Agent) (*agentRow, error) {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	cfg, err := json.Marshal(agent.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent config: %w", err)
	}
	return &agentRow{
		ID:           agent.ID,
		Name:         agent.Name,
		Kind:         string(agent.Kind),
		Capabilities: string(caps),
		Config:       string(cfg),
		Status:       string(agent.Status),
		SessionName:  agent.SessionName,
		IsRunning:    agent.IsRunning,
		CreatedAt:    agent.CreatedAt.UTC(),
		LastActivity: agent.LastActivity.UTC(),
	}, nil
}

func (r *agentRow) toAgent() (*v1.Agent, error) {
	agent := &v1.Agent{
		ID:           r.ID,
		Name:         r.Name,
		Kind:         v1.AgentKind(r.Kind),
		Status:       v1.AgentStatus(r.Status),
		SessionName:  r.SessionName,
		IsRunning:    r.IsRunning,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.LastActivity,
	}
	if r.Capabilities != "" {
		if err := json.Unmarshal([]byte(r.Capabilities), &agent.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
		}
	}
	if r.Config != "" {
		if err := json.Unmarshal([]byte(r.Config), &agent.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agent config: %w", err)
		}
	}
	return agent, nil
}

func (r *agentRepository) Create(ctx context.Context, agent *v1.Agent) error {
	row, err := agentToRow(agent)
	if err != nil {
		return err
	}
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO agents (id, name, kind, capabilities, config, status, session_name, is_running, created_at, last_activity)
		VALUES (:id, :name, :kind, :capabilities, :config, :status, :session_name, :is_running, :created_at, :last_activity)
	`, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: agents.name") {
			return apperrors.AlreadyInUse("agent name", agent.Name)
		}
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

func (r *agentRepository) Get(ctx context.Context, id string) (*v1.Agent, error) {
	var row agentRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT id, name, kind, capabilities, config, status, session_name, is_running, created_at, last_activity
		FROM agents WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("agent", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return row.toAgent()
}

func (r *agentRepository) GetByName(ctx context.Context, name string) (*v1.Agent, error) {
	var row agentRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT id, name, kind, capabilities, config, status, session_name, is_running, created_at, last_activity
		FROM agents WHERE name = ?
	`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("agent", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent by name: %w", err)
	}
	return row.toAgent()
}

func (r *agentRepository) Update(ctx context.Context, agent *v1.Agent) error {
	row, err := agentToRow(agent)
	if err != nil {
		return err
	}
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE agents
		SET name = :name, kind = :kind, capabilities = :capabilities, config = :config,
		    status = :status, session_name = :session_name, is_running = :is_running,
		    last_activity = :last_activity
		WHERE id = :id
	`, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: agents.name") {
			return apperrors.AlreadyInUse("agent name", agent.Name)
		}
		return fmt.Errorf("failed to update agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("agent", agent.ID)
	}
	return nil
}

func (r *agentRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("agent", id)
	}
	return nil
}

func (r *agentRepository) List(ctx context.Context) ([]*v1.Agent, error) {
	ctx, span := tracing.Tracer("storage").Start(ctx, "agents.list")
	defer span.End()

	var rows []agentRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, name, kind, capabilities, config, status, session_name, is_running, created_at, last_activity
		FROM agents ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	agents := make([]*v1.Agent, 0, len(rows))
	for i := range rows {
		agent, err := rows[i].toAgent()
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

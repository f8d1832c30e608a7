package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/mindmux/mindmux/internal/common/errors"
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

type sessionRepository struct {
	db *sqlx.DB
}

type sessionRow struct {
	ID                     string     `db:"id"`
	AgentID                string     `db:"agent_id"`
	MultiplexerSessionName string     `db:"multiplexer_session_name"`
	Status                 string     `db:"status"`
	StartedAt              time.Time  `db:"started_at"`
	EndedAt                *time.Time `db:"ended_at"`
	ProcessID              int        `db:"process_id"`
}

func sessionToRow(session *v1.Session) *sessionRow {
	return &sessionRow{
		ID:                     session.ID,
		AgentID:                session.AgentID,
		MultiplexerSessionName: session.MultiplexerSessionName,
		Status:                 string(session.Status),
		StartedAt:              session.StartedAt.UTC(),
		EndedAt:                session.EndedAt,
		ProcessID:              session.ProcessID,
	}
}

func (r *sessionRow) toSession() *v1.Session {
	return &v1.Session{
		ID:                     r.ID,
		AgentID:                r.AgentID,
		MultiplexerSessionName: r.MultiplexerSessionName,
		Status:                 v1.SessionStatus(r.Status),
		StartedAt:              r.StartedAt,
		EndedAt:                r.EndedAt,
		ProcessID:              r.ProcessID,
	}
}

func (r *sessionRepository) Create(ctx context.Context, session *v1.Session) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, multiplexer_session_name, status, started_at, ended_at, process_id)
		VALUES (:id, :agent_id, :multiplexer_session_name, :status, :started_at, :ended_at, :process_id)
	`, sessionToRow(session))
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (r *sessionRepository) Get(ctx context.Context, id string) (*v1.Session, error) {
	var row sessionRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT id, agent_id, multiplexer_session_name, status, started_at, ended_at, process_id
		FROM sessions WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return row.toSession(), nil
}

func (r *sessionRepository) Update(ctx context.Context, session *v1.Session) error {
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE sessions
		SET agent_id = :agent_id, multiplexer_session_name = :multiplexer_session_name,
		    status = :status, ended_at = :ended_at, process_id = :process_id
		WHERE id = :id
	`, sessionToRow(session))
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("session", session.ID)
	}
	return nil
}

func (r *sessionRepository) List(ctx context.Context) ([]*v1.Session, error) {
	var rows []sessionRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, agent_id, multiplexer_session_name, status, started_at, ended_at, process_id
		FROM sessions ORDER BY started_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return rowsToSessions(rows), nil
}

func (r *sessionRepository) ListActive(ctx context.Context) ([]*v1.Session, error) {
	var rows []sessionRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, agent_id, multiplexer_session_name, status, started_at, ended_at, process_id
		FROM sessions WHERE status != 'terminated' ORDER BY started_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return rowsToSessions(rows), nil
}

func rowsToSessions(rows []sessionRow) []*v1.Session {
	sessions := make([]*v1.Session, 0, len(rows))
	for i := range rows {
		sessions = append(sessions, rows[i].toSession())
	}
	return sessions
}

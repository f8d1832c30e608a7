package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/mindmux/mindmux/internal/common/errors"
	"github.com/mindmux/mindmux/internal/common/tracing"
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

type taskRepository struct {
	db *sqlx.DB
}

type taskRow struct {
	ID                   string     `db:"id"`
	Prompt               string     `db:"prompt"`
	Priority             int        `db:"priority"`
	RequiredCapabilities string     `db:"required_capabilities"`
	DependsOn            string     `db:"depends_on"`
	AssignedAgentID      string     `db:"assigned_agent_id"`
	Status               string     `db:"status"`
	RetryCount           int        `db:"retry_count"`
	MaxRetries           int        `db:"max_retries"`
	TimeoutMs            int64      `db:"timeout_ms"`
	CreatedAt            time.Time  `db:"created_at"`
	QueuedAt             *time.Time `db:"queued_at"`
	AssignedAt           *time.Time `db:"assigned_at"`
	StartedAt            *time.Time `db:"started_at"`
	CompletedAt          *time.Time `db:"completed_at"`
	Result               string     `db:"result"`
	ErrorMessage         string     `db:"error_message"`
}

func taskToRow(task *v1.Task) (*taskRow, error) {
	caps, err := json.Marshal(task.RequiredCapabilities)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal required capabilities: %w", err)
	}
	deps, err := json.Marshal(task.DependsOn)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dependencies: %w", err)
	}
	return &taskRow{
		ID:                   task.ID,
		Prompt:               task.Prompt,
		Priority:             task.Priority,
		RequiredCapabilities: string(caps),
		DependsOn:            string(deps),
		AssignedAgentID:      task.AssignedAgentID,
		Status:               string(task.Status),
		RetryCount:           task.RetryCount,
		MaxRetries:           task.MaxRetries,
		TimeoutMs:            task.Timeout.Milliseconds(),
		CreatedAt:            task.CreatedAt.UTC(),
		QueuedAt:             task.QueuedAt,
		AssignedAt:           task.AssignedAt,
		StartedAt:            task.StartedAt,
		CompletedAt:          task.CompletedAt,
		Result:               task.Result,
		ErrorMessage:         task.ErrorMessage,
	}, nil
}

func (r *taskRow) toTask() (*v1.Task, error) {
	task := &v1.Task{
		ID:              r.ID,
		Prompt:          r.Prompt,
		Priority:        r.Priority,
		AssignedAgentID: r.AssignedAgentID,
		Status:          v1.TaskStatus(r.Status),
		RetryCount:      r.RetryCount,
		MaxRetries:      r.MaxRetries,
		Timeout:         time.Duration(r.TimeoutMs) * time.Millisecond,
		CreatedAt:       r.CreatedAt,
		QueuedAt:        r.QueuedAt,
		AssignedAt:      r.AssignedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		Result:          r.Result,
		ErrorMessage:    r.ErrorMessage,
	}
	if r.RequiredCapabilities != "" {
		if err := json.Unmarshal([]byte(r.RequiredCapabilities), &task.RequiredCapabilities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal required capabilities: %w", err)
		}
	}
	if r.DependsOn != "" {
		if err := json.Unmarshal([]byte(r.DependsOn), &task.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dependencies: %w", err)
		}
	}
	return task, nil
}

const taskColumns = `id, prompt, priority, required_capabilities, depends_on, assigned_agent_id, status,
	retry_count, max_retries, timeout_ms, created_at, queued_at, assigned_at, started_at, completed_at,
	result, error_message`

func (r *taskRepository) Create(ctx context.Context, task *v1.Task) error {
	row, err := taskToRow(task)
	if err != nil {
		return err
	}
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO tasks (id, prompt, priority, required_capabilities, depends_on, assigned_agent_id, status,
			retry_count, max_retries, timeout_ms, created_at, queued_at, assigned_at, started_at, completed_at,
			result, error_message)
		VALUES (:id, :prompt, :priority, :required_capabilities, :depends_on, :assigned_agent_id, :status,
			:retry_count, :max_retries, :timeout_ms, :created_at, :queued_at, :assigned_at, :started_at,
			:completed_at, :result, :error_message)
	`, row)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (r *taskRepository) Get(ctx context.Context, id string) (*v1.Task, error) {
	var row taskRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return row.toTask()
}

func (r *taskRepository) Update(ctx context.Context, task *v1.Task) error {
	row, err := taskToRow(task)
	if err != nil {
		return err
	}
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE tasks
		SET prompt = :prompt, priority = :priority, required_capabilities = :required_capabilities,
		    depends_on = :depends_on, assigned_agent_id = :assigned_agent_id, status = :status,
		    retry_count = :retry_count, max_retries = :max_retries, timeout_ms = :timeout_ms,
		    queued_at = :queued_at, assigned_at = :assigned_at, started_at = :started_at,
		    completed_at = :completed_at, result = :result, error_message = :error_message
		WHERE id = :id
	`, row)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("task", task.ID)
	}
	return nil
}

func (r *taskRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("task", id)
	}
	return nil
}

func (r *taskRepository) List(ctx context.Context, filter v1.TaskFilter) ([]*v1.Task, error) {
	ctx, span := tracing.Tracer("storage").Start(ctx, "tasks.list")
	defer span.End()

	query := `SELECT ` + taskColumns + ` FROM tasks`
	var (
		clauses []string
		args    []any
	)
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.AgentID != "" {
		clauses = append(clauses, "assigned_agent_id = ?")
		args = append(args, filter.AgentID)
	}
	for i, clause := range clauses {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY created_at ASC"

	var rows []taskRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return rowsToTasks(rows)
}

func (r *taskRepository) ListIncomplete(ctx context.Context) ([]*v1.Task, error) {
	var rows []taskRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status NOT IN ('completed', 'failed', 'cancelled')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete tasks: %w", err)
	}
	return rowsToTasks(rows)
}

func (r *taskRepository) DeleteFinished(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE status IN ('completed', 'failed', 'cancelled')
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished tasks: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func rowsToTasks(rows []taskRow) ([]*v1.Task, error) {
	tasks := make([]*v1.Task, 0, len(rows))
	for i := range rows {
		task, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

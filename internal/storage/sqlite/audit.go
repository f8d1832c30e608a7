package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

type auditRepository struct {
	db *sqlx.DB
}

type auditRow struct {
	ID         int64     `db:"id"`
	Timestamp  time.Time `db:"timestamp"`
	EventName  string    `db:"event_name"`
	EntityKind string    `db:"entity_kind"`
	EntityID   string    `db:"entity_id"`
	Changes    string    `db:"changes"`
	Actor      string    `db:"actor"`
}

func (r *auditRow) toEntry() (*v1.AuditEntry, error) {
	entry := &v1.AuditEntry{
		ID:         r.ID,
		Timestamp:  r.Timestamp,
		EventName:  r.EventName,
		EntityKind: v1.EntityKind(r.EntityKind),
		EntityID:   r.EntityID,
		Actor:      r.Actor,
	}
	if r.Changes != "" && r.Changes != "{}" {
		if err := json.Unmarshal([]byte(r.Changes), &entry.Changes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit changes: %w", err)
		}
	}
	return entry, nil
}

func (r *auditRepository) Append(ctx context.Context, entry *v1.AuditEntry) error {
	changes := "{}"
	if len(entry.Changes) > 0 {
		data, err := json.Marshal(entry.Changes)
		if err != nil {
			return fmt.Errorf("failed to marshal audit changes: %w", err)
		}
		changes = string(data)
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO audit_log (timestamp, event_name, entity_kind, entity_id, changes, actor)
		VALUES (?, ?, ?, ?, ?, ?)
	`), entry.Timestamp.UTC(), entry.EventName, string(entry.EntityKind), entry.EntityID, changes, entry.Actor)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

func (r *auditRepository) List(ctx context.Context, limit int) ([]*v1.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT id, timestamp, event_name, entity_kind, entity_id, changes, actor
		FROM audit_log ORDER BY id DESC LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return rowsToEntries(rows)
}

func (r *auditRepository) ListByEntity(ctx context.Context, kind v1.EntityKind, entityID string, limit int) ([]*v1.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT id, timestamp, event_name, entity_kind, entity_id, changes, actor
		FROM audit_log WHERE entity_kind = ? AND entity_id = ?
		ORDER BY id DESC LIMIT ?
	`), string(kind), entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries for entity: %w", err)
	}
	return rowsToEntries(rows)
}

func (r *auditRepository) ListByEvent(ctx context.Context, eventName string, limit int) ([]*v1.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []auditRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT id, timestamp, event_name, entity_kind, entity_id, changes, actor
		FROM audit_log WHERE event_name = ?
		ORDER BY id DESC LIMIT ?
	`), eventName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries for event: %w", err)
	}
	return rowsToEntries(rows)
}

func rowsToEntries(rows []auditRow) ([]*v1.AuditEntry, error) {
	entries := make([]*v1.AuditEntry, 0, len(rows))
	for i := range rows {
		entry, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

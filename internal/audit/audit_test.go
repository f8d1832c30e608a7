package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindmux/mindmux/internal/common/logger"
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

type fakeRepo struct {
	entries []*v1.AuditEntry
	fail    bool
}

func (f *fakeRepo) Append(_ context.Context, entry *v1.AuditEntry) error {
	if f.fail {
		return errors.New("disk full")
	}
	entry.ID = int64(len(f.entries) + 1)
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeRepo) List(_ context.Context, limit int) ([]*v1.AuditEntry, error) {
	out := make([]*v1.AuditEntry, 0, limit)
	for i := len(f.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.entries[i])
	}
	return out, nil
}

func (f *fakeRepo) ListByEntity(_ context.Context, kind v1.EntityKind, entityID string, limit int) ([]*v1.AuditEntry, error) {
	out := make([]*v1.AuditEntry, 0, limit)
	for i := len(f.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if f.entries[i].EntityKind == kind && f.entries[i].EntityID == entityID {
			out = append(out, f.entries[i])
		}
	}
	return out, nil
}

func (f *fakeRepo) ListByEvent(_ context.Context, eventName string, limit int) ([]*v1.AuditEntry, error) {
	out := make([]*v1.AuditEntry, 0, limit)
	for i := len(f.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if f.entries[i].EventName == eventName {
			out = append(out, f.entries[i])
		}
	}
	return out, nil
}

func TestRecordAppendsEntry(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewService(repo, logger.Default())

	svc.Record(context.Background(), "agent:created", v1.EntityAgent, "a1",
		map[string]interface{}{"name": "dev-1"})

	require.Len(t, repo.entries, 1)
	assert.Equal(t, "agent:created", repo.entries[0].EventName)
	assert.False(t, repo.entries[0].Timestamp.IsZero())
}

func TestRecordSwallowsFailures(t *testing.T) {
	repo := &fakeRepo{fail: true}
	svc := NewService(repo, logger.Default())

	// Must not panic or propagate.
	svc.Record(context.Background(), "task:queued", v1.EntityTask, "t1", nil)
	assert.Empty(t, repo.entries)
}

func TestListByEntity(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewService(repo, logger.Default())
	ctx := context.Background()

	svc.Record(ctx, "agent:created", v1.EntityAgent, "a1", nil)
	svc.Record(ctx, "task:created", v1.EntityTask, "t1", nil)
	svc.Record(ctx, "agent:started", v1.EntityAgent, "a1", nil)

	entries, err := svc.ListByEntity(ctx, v1.EntityAgent, "a1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "agent:started", entries[0].EventName)
}

func TestListByEvent(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewService(repo, logger.Default())
	ctx := context.Background()

	svc.Record(ctx, "task:created", v1.EntityTask, "t1", nil)
	svc.Record(ctx, "task:failed", v1.EntityTask, "t1", nil)
	svc.Record(ctx, "task:failed", v1.EntityTask, "t2", nil)

	entries, err := svc.ListByEvent(ctx, "task:failed", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "t2", entries[0].EntityID, "newest first")
	assert.Equal(t, "t1", entries[1].EntityID)
}

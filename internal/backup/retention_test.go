package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autobackup/internal/apperr"
	"autobackup/internal/helpers"
	"autobackup/internal/models"
	"autobackup/internal/storage"
)

// memBackend 内存里的存储后端
type memBackend struct {
	mu        sync.Mutex
	items     map[string]storage.RemoteArtifact
	listErr   error
	failNames map[string]bool
	deleted   []string
}

func newMemBackend(n int, base time.Time) *memBackend {
	m := &memBackend{items: map[string]storage.RemoteArtifact{}, failNames: map[string]bool{}}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("docs_%02d.zip", i)
		m.items[name] = storage.RemoteArtifact{
			Ref:       storage.RemoteRef{Path: storage.RemotePath("docs", name), ID: name},
			Name:      name,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return m
}

func (m *memBackend) Kind() models.StorageKind { return models.StorageLocal }

func (m *memBackend) Upload(ctx context.Context, localPath, taskName, remoteName string) (storage.RemoteRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := storage.RemoteRef{Path: storage.RemotePath(taskName, remoteName), ID: remoteName}
	m.items[remoteName] = storage.RemoteArtifact{Ref: ref, Name: remoteName, CreatedAt: time.Now()}
	return ref, nil
}

func (m *memBackend) List(ctx context.Context, taskName string) ([]storage.RemoteArtifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]storage.RemoteArtifact, 0, len(m.items))
	for _, a := range m.items {
		out = append(out, a)
	}
	return out, nil
}

func (m *memBackend) Delete(ctx context.Context, ref storage.RemoteRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNames[ref.ID] {
		return apperr.New(apperr.StorageDeleteFailed, "删除失败: %s", ref.ID)
	}
	delete(m.items, ref.ID)
	m.deleted = append(m.deleted, ref.ID)
	return nil
}

func (m *memBackend) names() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]bool{}
	for k := range m.items {
		out[k] = true
	}
	return out
}

func TestPruneKeepsNewest(t *testing.T) {
	base := time.Date(2026, 1, 1, 2, 0, 0, 0, time.Local)
	tests := []struct {
		name        string
		existing    int
		keep        int
		wantDeleted int
	}{
		{"不限制", 5, 0, 0},
		{"数量不足", 2, 3, 0},
		{"刚好相等", 3, 3, 0},
		{"超出两个", 5, 3, 2},
		{"只保留一个", 4, 1, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newMemBackend(tt.existing, base)
			res, err := NewRetentionManager(helpers.NewDiscardLogger()).Prune(context.Background(), backend, "docs", tt.keep)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDeleted, res.DeletedCount())

			remaining := backend.names()
			wantRemain := tt.existing - tt.wantDeleted
			assert.Len(t, remaining, wantRemain)
			// 留下的必须是最新的那几个
			for i := tt.existing - wantRemain; i < tt.existing; i++ {
				assert.True(t, remaining[fmt.Sprintf("docs_%02d.zip", i)])
			}
		})
	}
}

func TestPrunePartialFailureContinues(t *testing.T) {
	backend := newMemBackend(5, time.Now())
	backend.failNames["docs_00.zip"] = true

	res, err := NewRetentionManager(helpers.NewDiscardLogger()).Prune(context.Background(), backend, "docs", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, res.DeletedCount())
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "docs_00.zip", res.Failed[0].Artifact.Name)
	assert.Contains(t, res.Summary(), "失败 1 个")
}

func TestPruneListFailure(t *testing.T) {
	backend := newMemBackend(3, time.Now())
	backend.listErr = apperr.New(apperr.StorageListFailed, "list")

	_, err := NewRetentionManager(helpers.NewDiscardLogger()).Prune(context.Background(), backend, "docs", 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.listErr))
	assert.Len(t, backend.names(), 3)
}

func TestSortNewestFirstTieBreaksByName(t *testing.T) {
	ts := time.Now()
	items := []storage.RemoteArtifact{
		{Name: "docs_a.zip", CreatedAt: ts},
		{Name: "docs_c.zip", CreatedAt: ts},
		{Name: "docs_old.zip", CreatedAt: ts.Add(-time.Hour)},
		{Name: "docs_b.zip", CreatedAt: ts},
	}
	SortNewestFirst(items)
	var names []string
	for _, a := range items {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"docs_c.zip", "docs_b.zip", "docs_a.zip", "docs_old.zip"}, names)
}

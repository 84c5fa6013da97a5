package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autobackup/internal/apperr"
	"autobackup/internal/models"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLocalUploadListDelete(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b, err := New(models.StorageLocal, `{"rootPath":"`+filepath.ToSlash(root)+`"}`, Options{})
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "a.zip")
	writeFile(t, src, "payload")

	ref, err := b.Upload(ctx, src, "docs", "docs_1.zip")
	require.NoError(t, err)
	assert.Equal(t, "/backups/docs/docs_1.zip", ref.Path)
	data, err := os.ReadFile(filepath.Join(root, "backups", "docs", "docs_1.zip"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	items, err := b.List(ctx, "docs")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "docs_1.zip", items[0].Name)
	assert.EqualValues(t, 7, items[0].Size)
	assert.False(t, items[0].CreatedAt.IsZero())

	require.NoError(t, b.Delete(ctx, items[0].Ref))
	items, err = b.List(ctx, "docs")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestLocalListMissingTaskIsEmpty(t *testing.T) {
	b, err := NewLocal(LocalConfig{RootPath: t.TempDir()}, Options{})
	require.NoError(t, err)
	items, err := b.List(context.Background(), "never")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestLocalDeleteOutsideRootRejected(t *testing.T) {
	b, err := NewLocal(LocalConfig{RootPath: t.TempDir()}, Options{})
	require.NoError(t, err)
	outside := filepath.Join(t.TempDir(), "keep.txt")
	writeFile(t, outside, "x")

	err = b.Delete(context.Background(), RemoteRef{ID: outside})
	assert.True(t, apperr.Is(err, apperr.StorageDeleteFailed))
	_, statErr := os.Stat(outside)
	assert.NoError(t, statErr)
}

func TestLocalUploadMissingFile(t *testing.T) {
	b, err := NewLocal(LocalConfig{RootPath: t.TempDir()}, Options{})
	require.NoError(t, err)
	_, err = b.Upload(context.Background(), filepath.Join(t.TempDir(), "nope"), "t", "t.zip")
	assert.True(t, apperr.Is(err, apperr.StorageUploadFailed))
}

func TestValidateConfigs(t *testing.T) {
	tests := []struct {
		name string
		kind models.StorageKind
		raw  string
		ok   bool
	}{
		{"本地", models.StorageLocal, `{"rootPath":"/data"}`, true},
		{"本地缺少路径", models.StorageLocal, `{}`, false},
		{"OSS", models.StorageObjectStore, `{"region":"cn-hangzhou","accessKeyId":"id","accessKeySecret":"s","bucketName":"b"}`, true},
		{"S3", models.StorageObjectStore, `{"provider":"s3","region":"us-east-1","accessKeyId":"id","accessKeySecret":"s","bucketName":"b"}`, true},
		{"OSS缺少bucket", models.StorageObjectStore, `{"region":"cn-hangzhou","accessKeyId":"id","accessKeySecret":"s"}`, false},
		{"未知对象存储", models.StorageObjectStore, `{"provider":"gcs","region":"r","accessKeyId":"id","accessKeySecret":"s","bucketName":"b"}`, false},
		{"云盘", models.StorageCloudDrive, `{"refreshToken":"rt","rootFolderId":"root"}`, true},
		{"云盘缺少token", models.StorageCloudDrive, `{"rootFolderId":"root"}`, false},
		{"非法JSON", models.StorageLocal, `{`, false},
		{"空配置", models.StorageLocal, ``, false},
		{"未知类型", "ftp", `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.kind, tt.raw)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, apperr.Is(err, apperr.ConfigInvalid), "%v", err)
			}
		})
	}
}

package storage

import (
	"context"

	"autobackup/internal/models"
	"autobackup/internal/retry"
)

// retrying 给后端的每个调用加上重试策略
type retrying struct {
	inner  Backend
	policy retry.Policy
}

// WithRetry 包装后端，瞬时错误按策略退避重试
func WithRetry(b Backend, p retry.Policy) Backend {
	return &retrying{inner: b, policy: p}
}

func (r *retrying) Kind() models.StorageKind {
	return r.inner.Kind()
}

func (r *retrying) Upload(ctx context.Context, localPath, taskName, remoteName string) (RemoteRef, error) {
	return retry.DoValue(ctx, r.policy, func(ctx context.Context) (RemoteRef, error) {
		return r.inner.Upload(ctx, localPath, taskName, remoteName)
	})
}

func (r *retrying) List(ctx context.Context, taskName string) ([]RemoteArtifact, error) {
	return retry.DoValue(ctx, r.policy, func(ctx context.Context) ([]RemoteArtifact, error) {
		return r.inner.List(ctx, taskName)
	})
}

func (r *retrying) Delete(ctx context.Context, ref RemoteRef) error {
	return retry.Do(ctx, r.policy, func(ctx context.Context) error {
		return r.inner.Delete(ctx, ref)
	})
}

package backup

import (
	"context"
	"fmt"
	"sort"

	"autobackup/internal/helpers"
	"autobackup/internal/storage"
)

type PruneResult struct {
	Listed  int
	Deleted []storage.RemoteArtifact
	Failed  []PruneFailure
}

type PruneFailure struct {
	Artifact storage.RemoteArtifact
	Err      error
}

func (r *PruneResult) DeletedCount() int {
	if r == nil {
		return 0
	}
	return len(r.Deleted)
}

// Summary 用于执行日志的详情
func (r *PruneResult) Summary() string {
	if r == nil {
		return ""
	}
	if len(r.Failed) == 0 {
		return fmt.Sprintf("清理旧备份 %d 个", len(r.Deleted))
	}
	return fmt.Sprintf("清理旧备份 %d 个, 失败 %d 个", len(r.Deleted), len(r.Failed))
}

// RetentionManager 只保留最新的 keep 个备份
type RetentionManager struct {
	logger *helpers.QLogger
}

func NewRetentionManager(logger *helpers.QLogger) *RetentionManager {
	return &RetentionManager{logger: logger}
}

// Prune keep<=0 时不做任何事；单个删除失败不会中断，全部记录在结果里
func (m *RetentionManager) Prune(ctx context.Context, backend storage.Backend, taskName string, keep int) (*PruneResult, error) {
	result := &PruneResult{}
	if keep <= 0 {
		return result, nil
	}
	artifacts, err := backend.List(ctx, taskName)
	if err != nil {
		return result, err
	}
	result.Listed = len(artifacts)
	if len(artifacts) <= keep {
		return result, nil
	}
	SortNewestFirst(artifacts)
	for _, a := range artifacts[keep:] {
		if err := backend.Delete(ctx, a.Ref); err != nil {
			m.logger.Warnf("删除旧备份失败 %s: %v", a.Ref.Path, err)
			result.Failed = append(result.Failed, PruneFailure{Artifact: a, Err: err})
			continue
		}
		m.logger.Infof("已删除旧备份: %s", a.Ref.Path)
		result.Deleted = append(result.Deleted, a)
	}
	return result, nil
}

// SortNewestFirst 按创建时间倒序，时间相同时按名字倒序（名字里带时间戳）
func SortNewestFirst(artifacts []storage.RemoteArtifact) {
	sort.SliceStable(artifacts, func(i, j int) bool {
		ti, tj := artifacts[i].CreatedAt, artifacts[j].CreatedAt
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return artifacts[i].Name > artifacts[j].Name
	})
}

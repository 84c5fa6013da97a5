package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"autobackup/internal/apperr"
	"autobackup/internal/models"
)

// Store 任务和执行日志的持久化
type Store struct {
	db *gorm.DB
}

func NewStore(gdb *gorm.DB) *Store {
	return &Store{db: gdb}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) GetTask(ctx context.Context, id uint) (*models.BackupTask, error) {
	var task models.BackupTask
	err := s.db.WithContext(ctx).First(&task, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.New(apperr.TaskNotFound, "任务不存在: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("查询任务失败: %w", err)
	}
	return &task, nil
}

func (s *Store) ListTasks(ctx context.Context) ([]*models.BackupTask, error) {
	var tasks []*models.BackupTask
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("查询任务列表失败: %w", err)
	}
	return tasks, nil
}

func (s *Store) ListEnabledTasks(ctx context.Context) ([]*models.BackupTask, error) {
	var tasks []*models.BackupTask
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("id ASC").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("查询启用的任务失败: %w", err)
	}
	return tasks, nil
}

func (s *Store) CreateTask(ctx context.Context, task *models.BackupTask) error {
	if task.Status == "" {
		task.Status = models.TaskStatusWaiting
	}
	// Enabled 为false时gorm会使用default:true，这里显式写入
	enabled := task.Enabled
	if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("创建任务失败: %w", err)
	}
	if !enabled {
		task.Enabled = false
		if err := s.db.WithContext(ctx).Model(task).Update("enabled", false).Error; err != nil {
			return fmt.Errorf("创建任务失败: %w", err)
		}
	}
	return nil
}

// 用户可编辑的列；状态和执行时间只由执行流程和调度器写入
var editableTaskColumns = []string{
	"task_name", "source_dir", "storage_type", "storage_config", "backup_strategy",
	"cron_expression", "enabled", "compressed", "encrypted", "encrypt_password", "retention_count",
}

// SaveTask 只保存可编辑字段，不会覆盖同时发生的状态变化
func (s *Store) SaveTask(ctx context.Context, task *models.BackupTask) error {
	res := s.db.WithContext(ctx).Model(task).Select(editableTaskColumns).Updates(task)
	if res.Error != nil {
		return fmt.Errorf("保存任务失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.TaskNotFound, "任务不存在: %d", task.ID)
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.BackupTask{}, id)
	if res.Error != nil {
		return fmt.Errorf("删除任务失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.TaskNotFound, "任务不存在: %d", id)
	}
	return nil
}

// UpdateTaskStatus 更新状态和执行时间，零值时间写入0
func (s *Store) UpdateTaskStatus(ctx context.Context, id uint, status models.TaskStatus, lastExecute, nextExecute time.Time) error {
	updates := map[string]interface{}{
		"status":            status,
		"next_execute_time": models.UnixOrZero(nextExecute),
	}
	if !lastExecute.IsZero() {
		updates["last_execute_time"] = lastExecute.Unix()
	}
	if err := s.db.WithContext(ctx).Model(&models.BackupTask{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("更新任务状态失败: %w", err)
	}
	return nil
}

func (s *Store) SetNextExecuteTime(ctx context.Context, id uint, next time.Time) error {
	return s.db.WithContext(ctx).Model(&models.BackupTask{}).Where("id = ?", id).
		Update("next_execute_time", models.UnixOrZero(next)).Error
}

// ResetRunning 把上次进程退出时遗留的 running 状态改为 failed
func (s *Store) ResetRunning(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.BackupTask{}).
		Where("status = ?", models.TaskStatusRunning).
		Update("status", models.TaskStatusFailed)
	return res.RowsAffected, res.Error
}

func (s *Store) CreateLog(ctx context.Context, entry *models.BackupLog) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("写入执行日志失败: %w", err)
	}
	return nil
}

// ListLogs taskID 为0时返回所有任务的日志，按时间倒序
func (s *Store) ListLogs(ctx context.Context, taskID uint, limit int) ([]*models.BackupLog, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if taskID > 0 {
		q = q.Where("task_id = ?", taskID)
	}
	var logs []*models.BackupLog
	if err := q.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("查询执行日志失败: %w", err)
	}
	return logs, nil
}

// CleanOldLogs 删除 before 之前的执行日志
func (s *Store) CleanOldLogs(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", before.Unix()).Delete(&models.BackupLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("清理执行日志失败: %w", res.Error)
	}
	return res.RowsAffected, nil
}

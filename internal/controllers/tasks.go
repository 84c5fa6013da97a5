package controllers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"

	"autobackup/internal/helpers"
	"autobackup/internal/models"
)

// TaskRequest 创建和更新任务的请求体，enabled 不传时创建默认为启用、更新保持不变
type TaskRequest struct {
	TaskName        string             `json:"task_name"`
	SourceDir       string             `json:"source_dir"`
	StorageType     models.StorageKind `json:"storage_type"`
	StorageConfig   models.JSONText    `json:"storage_config"`
	BackupStrategy  models.Strategy    `json:"backup_strategy"`
	CronExpression  string             `json:"cron_expression"`
	Enabled         *bool              `json:"enabled"`
	Compressed      bool               `json:"compressed"`
	Encrypted       bool               `json:"encrypted"`
	EncryptPassword string             `json:"encrypt_password"`
	RetentionCount  int                `json:"retention_count"`
}

func (r *TaskRequest) toModel(enabledDefault bool) *models.BackupTask {
	enabled := enabledDefault
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return &models.BackupTask{
		TaskName:        r.TaskName,
		SourceDir:       r.SourceDir,
		StorageType:     r.StorageType,
		StorageConfig:   r.StorageConfig,
		BackupStrategy:  r.BackupStrategy,
		CronExpression:  r.CronExpression,
		Enabled:         enabled,
		Compressed:      r.Compressed,
		Encrypted:       r.Encrypted,
		EncryptPassword: r.EncryptPassword,
		RetentionCount:  r.RetentionCount,
	}
}

func redactAll(tasks []*models.BackupTask) []models.BackupTask {
	out := make([]models.BackupTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Redacted())
	}
	return out
}

// ListTasks 任务列表，密码不会返回
func (h *Handler) ListTasks(c *gin.Context) {
	tasks, err := h.svc.ListTasks(c.Request.Context())
	if err != nil {
		fail(c, err, nil)
		return
	}
	ok(c, "获取任务列表成功", redactAll(tasks))
}

func (h *Handler) GetTask(c *gin.Context) {
	id, valid := paramID(c)
	if !valid {
		return
	}
	task, err := h.svc.GetTask(c.Request.Context(), id)
	if err != nil {
		fail(c, err, nil)
		return
	}
	ok(c, "获取任务成功", task.Redacted())
}

func (h *Handler) CreateTask(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, fmt.Sprintf("参数错误：%v", err))
		return
	}
	task, err := h.svc.CreateTask(c.Request.Context(), req.toModel(true))
	if err != nil {
		fail(c, err, nil)
		return
	}
	ok(c, "创建任务成功", task.Redacted())
}

func (h *Handler) UpdateTask(c *gin.Context) {
	id, valid := paramID(c)
	if !valid {
		return
	}
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, fmt.Sprintf("参数错误：%v", err))
		return
	}
	current, err := h.svc.GetTask(c.Request.Context(), id)
	if err != nil {
		fail(c, err, nil)
		return
	}
	task, err := h.svc.UpdateTask(c.Request.Context(), id, req.toModel(current.Enabled))
	if err != nil {
		fail(c, err, nil)
		return
	}
	ok(c, "更新任务成功", task.Redacted())
}

func (h *Handler) DeleteTask(c *gin.Context) {
	id, valid := paramID(c)
	if !valid {
		return
	}
	if err := h.svc.DeleteTask(c.Request.Context(), id); err != nil {
		fail(c, err, nil)
		return
	}
	ok(c, "删除任务成功", nil)
}

func (h *Handler) PauseTask(c *gin.Context) {
	id, valid := paramID(c)
	if !valid {
		return
	}
	task, err := h.svc.PauseTask(c.Request.Context(), id)
	if err != nil {
		fail(c, err, nil)
		return
	}
	ok(c, "任务已暂停", task.Redacted())
}

func (h *Handler) ResumeTask(c *gin.Context) {
	id, valid := paramID(c)
	if !valid {
		return
	}
	task, err := h.svc.ResumeTask(c.Request.Context(), id)
	if err != nil {
		fail(c, err, nil)
		return
	}
	ok(c, "任务已恢复", task.Redacted())
}

// ExecuteTask 立即执行备份；?async=true 时后台执行并立即返回，结果通过事件推送
func (h *Handler) ExecuteTask(c *gin.Context) {
	id, valid := paramID(c)
	if !valid {
		return
	}
	if c.Query("async") == "true" {
		if _, err := h.svc.GetTask(c.Request.Context(), id); err != nil {
			fail(c, err, nil)
			return
		}
		ctx := context.WithoutCancel(c.Request.Context())
		go func() {
			if _, err := h.svc.ExecuteBackup(ctx, id); err != nil {
				h.logger.Errorf("后台执行任务 %d 失败: %v", id, err)
			}
		}()
		ok(c, "任务已开始执行", nil)
		return
	}
	res, err := h.svc.ExecuteBackup(c.Request.Context(), id)
	if err != nil {
		var data any
		if res != nil {
			data = res
		}
		fail(c, err, data)
		return
	}
	ok(c, "备份成功", res)
}

// CronPreview 预览cron表达式接下来的执行时间，n 默认5，最多20
func (h *Handler) CronPreview(c *gin.Context) {
	expr := c.Query("expr")
	n, err := strconv.Atoi(c.DefaultQuery("n", "5"))
	if err != nil || n <= 0 {
		n = 5
	}
	if n > 20 {
		n = 20
	}
	times := helpers.GetNextTimeByCronStr(expr, n)
	if times == nil {
		badRequest(c, fmt.Sprintf("无效的cron表达式: %s", expr))
		return
	}
	ok(c, "获取执行时间成功", times)
}

package controllers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autobackup/internal/backup"
	"autobackup/internal/db"
	"autobackup/internal/helpers"
	"autobackup/internal/models"
	"autobackup/internal/notify"
)

// BackupService HTTP层用到的备份服务接口
type BackupService interface {
	ListTasks(ctx context.Context) ([]*models.BackupTask, error)
	GetTask(ctx context.Context, id uint) (*models.BackupTask, error)
	CreateTask(ctx context.Context, task *models.BackupTask) (*models.BackupTask, error)
	UpdateTask(ctx context.Context, id uint, task *models.BackupTask) (*models.BackupTask, error)
	DeleteTask(ctx context.Context, id uint) error
	PauseTask(ctx context.Context, id uint) (*models.BackupTask, error)
	ResumeTask(ctx context.Context, id uint) (*models.BackupTask, error)
	ExecuteBackup(ctx context.Context, id uint) (*backup.RunResult, error)
	ListLogs(ctx context.Context, taskID uint, limit int) ([]*models.BackupLog, error)
	GetCacheSize() (int64, error)
	CleanCache() (*backup.CleanResult, error)
	CacheDir() string
	CreateSnapshot(ctx context.Context) (*db.Snapshot, error)
	ListSnapshots() ([]db.Snapshot, error)
	RestoreSnapshot(ctx context.Context, name string) (*db.Snapshot, error)
	SchedulerStatus() (string, int)
}

type Handler struct {
	svc    BackupService
	hub    *notify.Hub
	cache  *db.MemCache
	logger *helpers.QLogger
}

func NewHandler(svc BackupService, hub *notify.Hub, logger *helpers.QLogger) *Handler {
	return &Handler{svc: svc, hub: hub, cache: db.NewMemCache(1024 * 1024), logger: logger}
}

// NewRouter 注册所有接口，jwtSecret 为空时 /api 不需要登录
func NewRouter(h *Handler, jwtSecret string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", JWTAuth(jwtSecret))
	{
		api.GET("/tasks", h.ListTasks)
		api.POST("/tasks", h.CreateTask)
		api.GET("/tasks/:id", h.GetTask)
		api.PUT("/tasks/:id", h.UpdateTask)
		api.DELETE("/tasks/:id", h.DeleteTask)
		api.POST("/tasks/:id/pause", h.PauseTask)
		api.POST("/tasks/:id/resume", h.ResumeTask)
		api.POST("/tasks/:id/execute", h.ExecuteTask)
		api.GET("/cron/preview", h.CronPreview)

		api.GET("/logs", h.ListLogs)

		api.GET("/cache/size", h.GetCacheSize)
		api.POST("/cache/clean", h.CleanCache)

		api.GET("/database/snapshots", h.ListSnapshots)
		api.POST("/database/snapshots", h.CreateSnapshot)
		api.POST("/database/snapshots/restore", h.RestoreSnapshot)

		api.GET("/system/info", h.SystemInfo)

		api.GET("/ws/events", h.EventsWebSocket)
		api.GET("/ws/logs", h.LogWebSocket)
	}
	return r
}

func requestLogger(logger *helpers.QLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

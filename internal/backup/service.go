package backup

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"autobackup/internal/apperr"
	"autobackup/internal/db"
	"autobackup/internal/helpers"
	"autobackup/internal/metrics"
	"autobackup/internal/models"
	"autobackup/internal/notify"
	"autobackup/internal/retry"
	"autobackup/internal/storage"
	"autobackup/internal/synccron"
)

const (
	jobCleanLogs  = "clean-logs"
	jobSweepCache = "sweep-cache"
	redactedValue = "******"
)

type ServiceOptions struct {
	CacheDir         string
	CacheMaxAge      time.Duration
	CacheSweepCron   string
	LogRetentionDays int
	LogSweepCron     string
	Runner           RunnerOptions
	Storage          storage.Options
	// Backends 为空时按任务的存储类型创建后端
	Backends BackendFactory
}

// OptionsFromConfig 从进程配置生成服务参数
func OptionsFromConfig(cfg *helpers.Config, logger *helpers.QLogger) ServiceOptions {
	cacheDir := cfg.Path(cfg.CacheDir)
	return ServiceOptions{
		CacheDir:         cacheDir,
		CacheMaxAge:      time.Duration(cfg.CacheMaxAge) * time.Hour,
		CacheSweepCron:   cfg.CacheSweepCron,
		LogRetentionDays: cfg.LogRetentionDays,
		LogSweepCron:     cfg.LogSweepCron,
		Runner: RunnerOptions{
			CacheDir:             cacheDir,
			CompressionLevel:     cfg.Backup.CompressionLevel,
			ChunkSize:            cfg.Backup.ChunkSize,
			MaxConcurrentUploads: cfg.Backup.MaxConcurrentUploads,
			Retry: retry.Policy{
				Attempts:  cfg.Backup.RetryAttempts,
				Delay:     cfg.RetryDelay(),
				Retryable: apperr.IsRetryable,
			},
		},
		Storage: storage.OptionsFromConfig(cfg, logger),
	}
}

// Service 对上层（HTTP、命令行）暴露的备份服务
type Service struct {
	store     *db.Store
	snapshots *db.Snapshotter
	scheduler *synccron.Scheduler
	runner    *Runner
	cache     *Cache
	notifier  notify.Notifier
	opts      ServiceOptions
	logger    *helpers.QLogger
}

// NewService snapshots 为 nil 时不做数据库快照
func NewService(store *db.Store, snapshots *db.Snapshotter, opts ServiceOptions, notifier notify.Notifier, logger *helpers.QLogger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if opts.Backends == nil {
		storageOpts := opts.Storage
		opts.Backends = func(task *models.BackupTask) (storage.Backend, error) {
			return storage.New(task.StorageType, string(task.StorageConfig), storageOpts)
		}
	}
	opts.Runner.CacheDir = opts.CacheDir
	opts.Runner.Notifier = notifier
	opts.Runner.NextRun = nextRun

	s := &Service{
		store:     store,
		snapshots: snapshots,
		scheduler: synccron.NewScheduler(logger),
		notifier:  notifier,
		opts:      opts,
		logger:    logger,
	}
	s.runner = NewRunner(store, opts.Backends, opts.Runner, logger)
	s.cache = NewCache(opts.CacheDir, s.runner.InUse, logger)
	return s
}

func nextRun(task *models.BackupTask, from time.Time) time.Time {
	if !task.Enabled || task.Status == models.TaskStatusPaused {
		return time.Time{}
	}
	next, err := helpers.NextRunAt(task.EffectiveCron(), from)
	if err != nil {
		return time.Time{}
	}
	return next
}

// Start 恢复上次异常退出的任务状态，注册所有启用的任务和系统任务，然后启动调度
func (s *Service) Start(ctx context.Context) error {
	n, err := s.store.ResetRunning(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Warnf("有 %d 个任务在上次退出时仍处于执行中，已标记为失败", n)
	}

	tasks, err := s.store.ListEnabledTasks(ctx)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := s.schedule(ctx, task); err != nil {
			s.logger.Errorf("任务 %s 注册定时计划失败: %v", task.TaskName, err)
		}
	}

	if s.opts.LogRetentionDays > 0 && s.opts.LogSweepCron != "" {
		if err := s.scheduler.AddSystemJob(jobCleanLogs, s.opts.LogSweepCron, func(ctx context.Context) {
			if _, err := s.CleanOldLogs(ctx, s.opts.LogRetentionDays); err != nil {
				s.logger.Errorf("清理执行日志失败: %v", err)
			}
		}); err != nil {
			return err
		}
	}
	if s.opts.CacheMaxAge > 0 && s.opts.CacheSweepCron != "" {
		if err := s.scheduler.AddSystemJob(jobSweepCache, s.opts.CacheSweepCron, func(ctx context.Context) {
			if _, err := s.cache.Sweep(s.opts.CacheMaxAge); err != nil {
				s.logger.Errorf("清理过期缓存失败: %v", err)
			}
		}); err != nil {
			return err
		}
	}
	s.scheduler.Start()
	return nil
}

// Stop 停止调度，等待正在执行的任务结束或 ctx 到期
func (s *Service) Stop(ctx context.Context) {
	s.scheduler.Stop(ctx)
}

// onFire 定时触发入口；暂停或禁用的任务跳过，上一次还没执行完时丢弃本次触发
func (s *Service) onFire(ctx context.Context, taskID uint) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if apperr.Is(err, apperr.TaskNotFound) {
			s.scheduler.Unschedule(taskID)
		}
		s.logger.Errorf("定时触发读取任务 %d 失败: %v", taskID, err)
		return
	}
	if task.Status == models.TaskStatusPaused || !task.Enabled {
		s.logger.Infof("[%s] 任务已暂停或未启用，跳过本次触发", task.TaskName)
		s.notifier.Notify(ctx, notify.NewEvent(notify.BackupSkipped, task, "", "任务已暂停或未启用"))
		return
	}
	if _, err := s.runner.Execute(ctx, taskID); err != nil {
		if apperr.Is(err, apperr.TaskAlreadyRunning) {
			metrics.DroppedTriggersTotal.Inc()
			s.logger.Warnf("[%s] 上一次执行还未结束，丢弃本次触发", task.TaskName)
			s.notifier.Notify(ctx, notify.NewEvent(notify.BackupSkipped, task, "", "上一次执行还未结束"))
		}
	}
}

// schedule 按任务当前状态注册或移除定时计划，并写回下一次执行时间
func (s *Service) schedule(ctx context.Context, task *models.BackupTask) error {
	if !task.Enabled || task.Status == models.TaskStatusPaused {
		s.scheduler.Unschedule(task.ID)
		task.NextExecuteTime = 0
		return s.store.SetNextExecuteTime(ctx, task.ID, time.Time{})
	}
	if err := s.scheduler.Schedule(task.ID, task.EffectiveCron(), s.onFire); err != nil {
		return err
	}
	next := s.scheduler.Next(task.ID)
	task.NextExecuteTime = models.UnixOrZero(next)
	return s.store.SetNextExecuteTime(ctx, task.ID, next)
}

// ValidateTask 检查任务定义，错误统一为 ConfigInvalid
func ValidateTask(task *models.BackupTask) error {
	name := strings.TrimSpace(task.TaskName)
	if name == "" {
		return apperr.New(apperr.ConfigInvalid, "任务名称不能为空")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return apperr.New(apperr.ConfigInvalid, "任务名称不能包含路径分隔符: %s", name)
	}
	if strings.TrimSpace(task.SourceDir) == "" {
		return apperr.New(apperr.ConfigInvalid, "源目录不能为空")
	}
	if err := storage.Validate(task.StorageType, string(task.StorageConfig)); err != nil {
		return err
	}
	switch task.BackupStrategy {
	case models.StrategyDaily, models.StrategyWeekly, models.StrategyMonthly:
	case models.StrategyCron:
		if strings.TrimSpace(task.CronExpression) == "" {
			return apperr.New(apperr.ConfigInvalid, "自定义策略必须填写cron表达式")
		}
		if _, err := helpers.ParseCron(task.CronExpression); err != nil {
			return err
		}
	default:
		return apperr.New(apperr.ConfigInvalid, "不支持的备份策略: %s", task.BackupStrategy)
	}
	if task.RetentionCount < 0 {
		return apperr.New(apperr.ConfigInvalid, "保留数量不能为负数: %d", task.RetentionCount)
	}
	if task.Encrypted && task.EncryptPassword == "" {
		return apperr.New(apperr.ConfigInvalid, "启用加密时必须设置密码")
	}
	return nil
}

func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}

func (s *Service) CreateTask(ctx context.Context, task *models.BackupTask) (*models.BackupTask, error) {
	task.TaskName = strings.TrimSpace(task.TaskName)
	task.SourceDir = cleanPath(task.SourceDir)
	if err := ValidateTask(task); err != nil {
		return nil, err
	}
	task.ID = 0
	task.Status = models.TaskStatusWaiting
	task.LastExecuteTime = 0
	task.NextExecuteTime = 0
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	if err := s.schedule(ctx, task); err != nil {
		s.logger.Errorf("任务 %s 注册定时计划失败: %v", task.TaskName, err)
	}
	s.logger.Infof("已创建备份任务: %s (ID=%d)", task.TaskName, task.ID)
	s.snapshot(ctx, db.SnapshotTaskCreated)
	return task, nil
}

// UpdateTask 更新可编辑字段，密码为空或为掩码时保留原密码
func (s *Service) UpdateTask(ctx context.Context, id uint, update *models.BackupTask) (*models.BackupTask, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.runner.IsRunning(id) {
		return nil, apperr.New(apperr.TaskAlreadyRunning, "任务正在执行中，不能修改: %s", task.TaskName)
	}
	task.TaskName = strings.TrimSpace(update.TaskName)
	task.SourceDir = cleanPath(update.SourceDir)
	task.StorageType = update.StorageType
	task.StorageConfig = update.StorageConfig
	task.BackupStrategy = update.BackupStrategy
	task.CronExpression = update.CronExpression
	task.Enabled = update.Enabled
	task.Compressed = update.Compressed
	task.Encrypted = update.Encrypted
	if update.EncryptPassword != "" && update.EncryptPassword != redactedValue {
		task.EncryptPassword = update.EncryptPassword
	}
	task.RetentionCount = update.RetentionCount
	if err := ValidateTask(task); err != nil {
		return nil, err
	}
	if err := s.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	if err := s.schedule(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Infof("已更新备份任务: %s (ID=%d)", task.TaskName, task.ID)
	s.snapshot(ctx, db.SnapshotTaskUpdated)
	return task, nil
}

// DeleteTask 先取消定时计划再删除；正在执行的那一次会继续执行完
func (s *Service) DeleteTask(ctx context.Context, id uint) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	s.scheduler.Unschedule(id)
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.logger.Infof("已删除备份任务: %s (ID=%d)", task.TaskName, id)
	s.snapshot(ctx, db.SnapshotTaskDeleted)
	return nil
}

func (s *Service) PauseTask(ctx context.Context, id uint) (*models.BackupTask, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.scheduler.Unschedule(id)
	if err := s.store.UpdateTaskStatus(ctx, id, models.TaskStatusPaused, time.Time{}, time.Time{}); err != nil {
		return nil, err
	}
	task.Status = models.TaskStatusPaused
	task.NextExecuteTime = 0
	s.logger.Infof("已暂停备份任务: %s", task.TaskName)
	return task, nil
}

func (s *Service) ResumeTask(ctx context.Context, id uint) (*models.BackupTask, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusPaused {
		return task, nil
	}
	task.Status = models.TaskStatusWaiting
	if err := s.store.UpdateTaskStatus(ctx, id, task.Status, time.Time{}, time.Time{}); err != nil {
		return nil, err
	}
	if err := s.schedule(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Infof("已恢复备份任务: %s", task.TaskName)
	return task, nil
}

func (s *Service) GetTask(ctx context.Context, id uint) (*models.BackupTask, error) {
	return s.store.GetTask(ctx, id)
}

func (s *Service) ListTasks(ctx context.Context) ([]*models.BackupTask, error) {
	return s.store.ListTasks(ctx)
}

// ExecuteBackup 立即执行一次，失败时返回的错误与日志里记录的消息相同
func (s *Service) ExecuteBackup(ctx context.Context, id uint) (*RunResult, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskStatusPaused {
		return nil, apperr.New(apperr.ConfigInvalid, "任务已暂停: %s", task.TaskName)
	}
	if !task.Enabled {
		return nil, apperr.New(apperr.ConfigInvalid, "任务未启用: %s", task.TaskName)
	}
	return s.runner.Execute(ctx, id)
}

func (s *Service) ListLogs(ctx context.Context, taskID uint, limit int) ([]*models.BackupLog, error) {
	return s.store.ListLogs(ctx, taskID, limit)
}

// CleanOldLogs 删除 days 天之前的执行日志
func (s *Service) CleanOldLogs(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	n, err := s.store.CleanOldLogs(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Infof("已清理 %d 天前的执行日志 %d 条", days, n)
	}
	return n, nil
}

func (s *Service) GetCacheSize() (int64, error) {
	return s.cache.Size()
}

// CleanCache 清理缓存目录，正在执行的任务的临时文件不会被删除
func (s *Service) CleanCache() (*CleanResult, error) {
	return s.cache.Clean()
}

func (s *Service) CacheDir() string {
	return s.cache.Dir()
}

func (s *Service) CreateSnapshot(ctx context.Context) (*db.Snapshot, error) {
	if s.snapshots == nil {
		return nil, db.ErrSnapshotUnsupported
	}
	return s.snapshots.Create(ctx, db.SnapshotManual)
}

func (s *Service) ListSnapshots() ([]db.Snapshot, error) {
	if s.snapshots == nil {
		return nil, db.ErrSnapshotUnsupported
	}
	return s.snapshots.List()
}

// RestoreSnapshot 用快照替换任务和执行日志，返回恢复前自动创建的快照。
// 有任务在执行时拒绝恢复；恢复后按恢复出的任务重新注册定时计划
func (s *Service) RestoreSnapshot(ctx context.Context, name string) (*db.Snapshot, error) {
	if s.snapshots == nil {
		return nil, db.ErrSnapshotUnsupported
	}
	if s.runner.Busy() {
		return nil, apperr.New(apperr.TaskAlreadyRunning, "有任务正在执行，不能恢复数据库")
	}
	before, err := s.snapshots.Restore(ctx, name)
	if err != nil {
		return before, err
	}

	for _, id := range s.scheduler.TaskIDs() {
		s.scheduler.Unschedule(id)
	}
	if _, err := s.store.ResetRunning(ctx); err != nil {
		return before, err
	}
	tasks, err := s.store.ListEnabledTasks(ctx)
	if err != nil {
		return before, err
	}
	for _, task := range tasks {
		if err := s.schedule(ctx, task); err != nil {
			s.logger.Errorf("任务 %s 注册定时计划失败: %v", task.TaskName, err)
		}
	}
	s.logger.Infof("数据库已从快照 %s 恢复，%d 个任务重新加入定时计划", name, len(tasks))
	return before, nil
}

// SchedulerStatus 调度器状态和已注册的任务数量
func (s *Service) SchedulerStatus() (string, int) {
	return s.scheduler.Status(), s.scheduler.Len()
}

// snapshot 任务变更后的快照，失败只记录日志
func (s *Service) snapshot(ctx context.Context, reason string) {
	if s.snapshots == nil {
		return
	}
	if _, err := s.snapshots.Create(context.WithoutCancel(ctx), reason); err != nil {
		if errors.Is(err, db.ErrSnapshotUnsupported) {
			s.logger.Debugf("跳过数据库快照: %v", err)
			return
		}
		s.logger.Warnf("创建数据库快照失败: %v", err)
	}
}

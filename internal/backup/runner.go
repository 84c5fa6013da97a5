package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"autobackup/internal/apperr"
	"autobackup/internal/helpers"
	"autobackup/internal/metrics"
	"autobackup/internal/models"
	"autobackup/internal/notify"
	"autobackup/internal/retry"
	"autobackup/internal/storage"
)

// TaskStore 执行流程需要的持久化接口
type TaskStore interface {
	GetTask(ctx context.Context, id uint) (*models.BackupTask, error)
	UpdateTaskStatus(ctx context.Context, id uint, status models.TaskStatus, lastExecute, nextExecute time.Time) error
	CreateLog(ctx context.Context, entry *models.BackupLog) error
}

// BackendFactory 根据任务配置创建存储后端
type BackendFactory func(task *models.BackupTask) (storage.Backend, error)

// NextRunFunc 计算任务下一次计划执行时间，没有计划时返回零值
type NextRunFunc func(task *models.BackupTask, from time.Time) time.Time

type RunnerOptions struct {
	CacheDir             string
	CompressionLevel     int
	ChunkSize            int
	MaxConcurrentUploads int
	Retry                retry.Policy
	NextRun              NextRunFunc
	Notifier             notify.Notifier
	Now                  func() time.Time
}

type RunResult struct {
	Success bool              `json:"success"`
	Log     *models.BackupLog `json:"log"`
	Ref     storage.RemoteRef `json:"ref"`
}

// Runner 执行单个任务的备份流程：校验、归档、加密、上传、清理旧备份、记录日志
type Runner struct {
	store     TaskStore
	backends  BackendFactory
	archiver  *Archiver
	cipher    *Cipher
	retention *RetentionManager
	logger    *helpers.QLogger
	opts      RunnerOptions
	uploadSem *semaphore.Weighted

	mu      sync.Mutex
	running map[uint]struct{}
	scratch map[string]struct{}
	stamps  map[string]time.Time
}

func NewRunner(store TaskStore, backends BackendFactory, opts RunnerOptions, logger *helpers.QLogger) *Runner {
	if opts.MaxConcurrentUploads <= 0 {
		opts.MaxConcurrentUploads = 3
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NextRun == nil {
		opts.NextRun = func(*models.BackupTask, time.Time) time.Time { return time.Time{} }
	}
	userRetry := opts.Retry.OnRetry
	opts.Retry.OnRetry = func(err error, wait time.Duration) {
		metrics.RetryAttemptsTotal.Inc()
		logger.Warnf("存储调用失败，%s 后重试: %v", wait, err)
		if userRetry != nil {
			userRetry(err, wait)
		}
	}
	return &Runner{
		store:     store,
		backends:  backends,
		archiver:  NewArchiver(opts.CompressionLevel, opts.ChunkSize),
		cipher:    NewCipher(opts.ChunkSize),
		retention: NewRetentionManager(logger),
		logger:    logger,
		opts:      opts,
		uploadSem: semaphore.NewWeighted(int64(opts.MaxConcurrentUploads)),
		running:   make(map[uint]struct{}),
		scratch:   make(map[string]struct{}),
		stamps:    make(map[string]time.Time),
	}
}

// tryAcquire 同一个任务同时只允许一个执行
func (r *Runner) tryAcquire(id uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[id]; ok {
		return false
	}
	r.running[id] = struct{}{}
	return true
}

func (r *Runner) release(id uint) {
	r.mu.Lock()
	delete(r.running, id)
	r.mu.Unlock()
}

func (r *Runner) IsRunning(id uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[id]
	return ok
}

// Busy 是否有任务正在执行
func (r *Runner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running) > 0
}

func (r *Runner) trackScratch(path string) {
	r.mu.Lock()
	r.scratch[path] = struct{}{}
	r.mu.Unlock()
}

func (r *Runner) untrackScratch(path string) {
	r.mu.Lock()
	delete(r.scratch, path)
	r.mu.Unlock()
}

// InUse 判断缓存文件是否属于正在执行的任务
func (r *Runner) InUse(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.scratch[path]
	return ok
}

// stamp 保证同一任务连续两次执行的时间戳严格递增（毫秒精度）
func (r *Runner) stamp(taskName string, t time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	t = t.Truncate(time.Millisecond)
	if last, ok := r.stamps[taskName]; ok && !t.After(last) {
		t = last.Add(time.Millisecond)
	}
	r.stamps[taskName] = t
	return t
}

// ArtifactName <taskName>_<时间戳>.<zip|tar>[.enc]，时间戳形如 2026-01-02T03-04-05-678
func ArtifactName(taskName string, t time.Time, ext string, encrypted bool) string {
	ts := strings.NewReplacer(":", "-", ".", "-").Replace(t.Format("2006-01-02T15:04:05.000"))
	name := fmt.Sprintf("%s_%s.%s", taskName, ts, ext)
	if encrypted {
		name += ".enc"
	}
	return name
}

// Execute 执行一次备份。任务正在执行时返回 TaskAlreadyRunning 且不写日志
func (r *Runner) Execute(ctx context.Context, taskID uint) (*RunResult, error) {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !r.tryAcquire(task.ID) {
		return nil, apperr.New(apperr.TaskAlreadyRunning, "任务正在执行中: %s", task.TaskName)
	}
	defer r.release(task.ID)
	if task.Status == models.TaskStatusRunning {
		return nil, apperr.New(apperr.TaskAlreadyRunning, "任务正在执行中: %s", task.TaskName)
	}
	return r.run(ctx, task)
}

type runState struct {
	task    *models.BackupTask
	runID   string
	start   time.Time
	files   []string
	notes   []string
	ref     storage.RemoteRef
	size    int64
	prune   *PruneResult
	storage string
}

func (s *runState) note(format string, args ...interface{}) {
	s.notes = append(s.notes, fmt.Sprintf(format, args...))
}

func (r *Runner) run(ctx context.Context, task *models.BackupTask) (*RunResult, error) {
	// 日志和状态必须落库，即使调用方已经取消
	persistCtx := context.WithoutCancel(ctx)
	st := &runState{task: task, runID: uuid.NewString(), start: r.opts.Now(), storage: string(task.StorageType)}
	next := r.opts.NextRun(task, st.start)

	if err := r.store.UpdateTaskStatus(persistCtx, task.ID, models.TaskStatusRunning, time.Time{}, next); err != nil {
		r.logger.Errorf("[%s] 更新任务状态失败: %v", task.TaskName, err)
	}
	r.logger.Infof("[%s] 开始备份 run=%s 源目录=%s 存储=%s", task.TaskName, st.runID, task.SourceDir, task.StorageType)
	r.opts.Notifier.Notify(ctx, notify.NewEvent(notify.BackupStart, task, st.runID, "开始备份"))

	runErr := r.runStages(ctx, st)
	r.cleanup(st)

	end := r.opts.Now()
	duration := end.Sub(st.start)
	entry := &models.BackupLog{
		RunID:      st.runID,
		TaskID:     task.ID,
		TaskName:   task.TaskName,
		FileSize:   st.size,
		BackupPath: st.ref.Path,
		Duration:   int64(math.Round(duration.Seconds())),
		Details:    strings.Join(st.notes, ", "),
	}
	status := models.TaskStatusSuccess
	if runErr != nil {
		runErr = apperr.Classify(runErr)
		msg := runErr.Error()
		entry.Status = models.RunFailed
		entry.Level = models.LogLevelError
		entry.ErrorMsg = &msg
		entry.ErrorCode = string(apperr.CodeOf(runErr))
		status = models.TaskStatusFailed
		r.logger.Errorf("[%s] 备份失败 run=%s: %v", task.TaskName, st.runID, runErr)
	} else {
		entry.Status = models.RunSuccess
		entry.Level = models.LogLevelInfo
		if st.prune != nil && len(st.prune.Failed) > 0 {
			entry.Level = models.LogLevelWarn
		}
		r.logger.Infof("[%s] 备份成功 run=%s 路径=%s 大小=%s 耗时=%s", task.TaskName, st.runID, st.ref.Path, helpers.FormatBytes(st.size), duration.Round(time.Millisecond))
	}

	// 执行期间被暂停的任务保持暂停状态
	if cur, err := r.store.GetTask(persistCtx, task.ID); err == nil && cur.Status == models.TaskStatusPaused {
		status = models.TaskStatusPaused
	}
	if err := r.store.CreateLog(persistCtx, entry); err != nil {
		r.logger.Errorf("[%s] 写入执行日志失败: %v", task.TaskName, err)
	}
	nextRun := time.Time{}
	if status != models.TaskStatusPaused {
		nextRun = r.opts.NextRun(task, end)
	}
	if err := r.store.UpdateTaskStatus(persistCtx, task.ID, status, end, nextRun); err != nil {
		r.logger.Errorf("[%s] 更新任务状态失败: %v", task.TaskName, err)
	}
	metrics.RecordRun(st.storage, string(entry.Status), entry.ErrorCode, duration)

	result := &RunResult{Success: runErr == nil, Log: entry, Ref: st.ref}
	if runErr != nil {
		ev := notify.NewEvent(notify.BackupFailed, task, st.runID, runErr.Error())
		ev.Log = entry
		r.opts.Notifier.Notify(ctx, ev)
		return result, runErr
	}
	ev := notify.NewEvent(notify.BackupSuccess, task, st.runID, "备份成功")
	ev.Log = entry
	r.opts.Notifier.Notify(ctx, ev)
	return result, nil
}

// runStages 按顺序执行各阶段，第一个错误即停止
func (r *Runner) runStages(ctx context.Context, st *runState) (err error) {
	defer func() {
		if p := recover(); p != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			r.logger.Errorf("[%s] 备份流程发生异常: %v\n%s", st.task.TaskName, p, buf[:n])
			err = apperr.New(apperr.UnknownError, "备份流程发生异常: %v", p)
		}
	}()
	task := st.task

	// 1. 校验源目录
	info, err := os.Stat(task.SourceDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apperr.New(apperr.BackupSourceInvalid, "源目录不存在: %s", task.SourceDir)
		}
		return apperr.Wrap(apperr.BackupSourceInvalid, err, "无法访问源目录: %s", task.SourceDir)
	}
	if !info.IsDir() {
		return apperr.New(apperr.BackupSourceInvalid, "源路径不是目录: %s", task.SourceDir)
	}

	// 2. 生成带时间戳的文件名
	name := ArtifactName(task.TaskName, r.stamp(task.TaskName, st.start), task.ArtifactExt(), false)

	// 3. 归档到缓存目录
	if err := os.MkdirAll(r.opts.CacheDir, 0755); err != nil {
		return apperr.Wrap(apperr.BackupCompressionFailed, err, "创建缓存目录失败")
	}
	artifact := filepath.Join(r.opts.CacheDir, name)
	r.addScratch(st, artifact)
	archived, err := r.archiver.Archive(ctx, task.SourceDir, artifact, task.Compressed)
	if err != nil {
		return err
	}
	if task.Compressed {
		st.note("已压缩")
	} else {
		st.note("未压缩")
	}
	st.note("文件 %d 个", archived.Files)
	st.size = archived.BytesWritten

	// 4. 加密，成功后删除明文
	if task.Encrypted {
		encPath := artifact + ".enc"
		r.addScratch(st, encPath)
		if err := r.cipher.Encrypt(artifact, encPath, task.EncryptPassword); err != nil {
			return apperr.Wrap(apperr.BackupEncryptionFailed, err, "加密备份文件失败")
		}
		r.removeScratch(artifact)
		artifact = encPath
		st.note("已加密")
		if fi, err := os.Stat(artifact); err == nil {
			st.size = fi.Size()
		}
	}

	// 5. 上传，无论成功与否都删除本地临时文件
	backend, err := r.backends(task)
	if err != nil {
		return err
	}
	if c, ok := backend.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				r.logger.Warnf("[%s] 关闭存储客户端失败: %v", task.TaskName, err)
			}
		}()
	}
	backend = storage.WithRetry(backend, r.opts.Retry)
	ref, err := r.upload(ctx, backend, task, artifact)
	r.removeScratch(artifact)
	if err != nil {
		return err
	}
	st.ref = ref
	metrics.ArtifactBytes.Observe(float64(st.size))

	// 6. 清理旧备份
	if task.RetentionCount > 0 {
		res, err := r.retention.Prune(ctx, backend, task.TaskName, task.RetentionCount)
		st.prune = res
		if err != nil {
			return err
		}
		metrics.RecordRetention(len(res.Deleted), len(res.Failed))
		st.note("%s", res.Summary())
	}
	return nil
}

// upload 占用一个上传名额，名额数量由 maxConcurrentUploads 决定
func (r *Runner) upload(ctx context.Context, backend storage.Backend, task *models.BackupTask, artifact string) (storage.RemoteRef, error) {
	if err := r.uploadSem.Acquire(ctx, 1); err != nil {
		return storage.RemoteRef{}, apperr.Wrap(apperr.StorageUploadFailed, err, "等待上传名额失败")
	}
	metrics.UploadsInFlight.Inc()
	defer func() {
		metrics.UploadsInFlight.Dec()
		r.uploadSem.Release(1)
	}()
	return backend.Upload(ctx, artifact, task.TaskName, filepath.Base(artifact))
}

func (r *Runner) addScratch(st *runState, path string) {
	st.files = append(st.files, path)
	r.trackScratch(path)
}

func (r *Runner) removeScratch(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.logger.Warnf("删除临时文件失败 %s: %v", path, err)
	}
}

// cleanup 删除本次执行留下的所有临时文件，失败只记录日志
func (r *Runner) cleanup(st *runState) {
	for _, f := range st.files {
		r.removeScratch(f)
		r.untrackScratch(f)
	}
}

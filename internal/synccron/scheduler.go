package synccron

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"autobackup/internal/helpers"
)

// FireFunc 任务到点时调用，在cron自己的goroutine里执行
type FireFunc func(ctx context.Context, taskID uint)

const (
	SchedulerStatusRunning = "running"
	SchedulerStatusStopped = "stopped"
)

type entry struct {
	id   cron.EntryID
	expr string
}

// Scheduler 维护任务ID到cron条目的映射，同一个任务最多一个条目
type Scheduler struct {
	cron        *cron.Cron
	logger      *helpers.QLogger
	mutex       sync.Mutex
	tasks       map[uint]entry
	system      map[string]cron.EntryID
	ctx         context.Context
	cancelFunc  context.CancelFunc
	runningFlag int32
}

func NewScheduler(logger *helpers.QLogger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(helpers.CronParser),
			cron.WithChain(cron.Recover(cron.PrintfLogger(logger))),
		),
		logger:     logger,
		tasks:      make(map[uint]entry),
		system:     make(map[string]cron.EntryID),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Schedule 注册或替换任务的定时条目，表达式无效时返回 ConfigInvalid 且保留原条目
func (s *Scheduler) Schedule(taskID uint, expr string, fire FireFunc) error {
	sched, err := helpers.ParseCron(expr)
	if err != nil {
		return err
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if old, ok := s.tasks[taskID]; ok {
		s.cron.Remove(old.id)
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() {
		s.fire(taskID, fire)
	}))
	s.tasks[taskID] = entry{id: id, expr: expr}
	s.logger.Infof("任务 %d 已加入定时计划: %s", taskID, expr)
	return nil
}

func (s *Scheduler) fire(taskID uint, fire FireFunc) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			s.logger.Errorf("定时任务 %d 执行异常: %v\n%s", taskID, r, buf[:n])
		}
	}()
	fire(s.ctx, taskID)
}

// Unschedule 移除任务的定时条目，任务不存在时什么也不做
func (s *Scheduler) Unschedule(taskID uint) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if old, ok := s.tasks[taskID]; ok {
		s.cron.Remove(old.id)
		delete(s.tasks, taskID)
		s.logger.Infof("任务 %d 已移出定时计划", taskID)
	}
}

func (s *Scheduler) IsScheduled(taskID uint) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.tasks[taskID]
	return ok
}

// TaskIDs 已注册定时计划的任务
func (s *Scheduler) TaskIDs() []uint {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	ids := make([]uint, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Next 返回任务的下一次执行时间，未注册时返回零值
func (s *Scheduler) Next(taskID uint) time.Time {
	s.mutex.Lock()
	e, ok := s.tasks[taskID]
	s.mutex.Unlock()
	if !ok {
		return time.Time{}
	}
	if next := s.cron.Entry(e.id).Next; !next.IsZero() {
		return next
	}
	// 调度器还没启动时条目没有计算 Next
	next, err := helpers.NextRunAt(e.expr, time.Now())
	if err != nil {
		return time.Time{}
	}
	return next
}

// AddSystemJob 注册清理日志、缓存之类的内部任务，同名任务会被替换
func (s *Scheduler) AddSystemJob(name, expr string, job func(ctx context.Context)) error {
	sched, err := helpers.ParseCron(expr)
	if err != nil {
		return fmt.Errorf("系统任务 %s: %w", name, err)
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if old, ok := s.system[name]; ok {
		s.cron.Remove(old)
	}
	s.system[name] = s.cron.Schedule(sched, cron.FuncJob(func() {
		s.logger.Infof("开始执行系统任务: %s", name)
		job(s.ctx)
	}))
	return nil
}

func (s *Scheduler) Start() {
	if !atomic.CompareAndSwapInt32(&s.runningFlag, 0, 1) {
		return
	}
	s.cron.Start()
	s.logger.Infof("定时调度已启动，共 %d 个任务", s.Len())
}

// Stop 停止触发新的执行并取消正在执行的任务，等待它们退出或 ctx 到期
func (s *Scheduler) Stop(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.runningFlag, 1, 0) {
		return
	}
	done := s.cron.Stop()
	s.cancelFunc()
	select {
	case <-done.Done():
		s.logger.Info("定时调度已停止")
	case <-ctx.Done():
		s.logger.Warn("等待定时任务退出超时")
	}
}

func (s *Scheduler) Status() string {
	if atomic.LoadInt32(&s.runningFlag) == 1 {
		return SchedulerStatusRunning
	}
	return SchedulerStatusStopped
}

// Len 已注册的任务数量，不含系统任务
func (s *Scheduler) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.tasks)
}

package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"autobackup/internal/apperr"
	"autobackup/internal/helpers"
)

const (
	SnapshotTaskCreated = "task_created"
	SnapshotTaskUpdated = "task_updated"
	SnapshotTaskDeleted = "task_deleted"
	SnapshotManual      = "manual"
	SnapshotRestore     = "before_restore"
)

// 快照恢复时整表替换的数据表
var restoreTables = []string{"backup_tasks", "backup_logs"}

var ErrSnapshotUnsupported = errors.New("当前数据库引擎不支持快照")

type Snapshot struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Reason    string `json:"reason"`
	CreatedAt int64  `json:"created_at"`
}

// Snapshotter 在任务变更前后把sqlite数据库复制到快照目录，只保留最新的 keep 份
type Snapshotter struct {
	db     *gorm.DB
	dir    string
	keep   int
	logger *helpers.QLogger
	mu     sync.Mutex
}

func NewSnapshotter(gdb *gorm.DB, dir string, keep int, logger *helpers.QLogger) *Snapshotter {
	if keep <= 0 {
		keep = 30
	}
	return &Snapshotter{db: gdb, dir: dir, keep: keep, logger: logger}
}

func (s *Snapshotter) Create(ctx context.Context, reason string) (*Snapshot, error) {
	if !IsSqlite(s.db) {
		return nil, ErrSnapshotUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.create(ctx, reason)
	if err != nil {
		return nil, err
	}
	s.prune()
	return snap, nil
}

func (s *Snapshotter) create(ctx context.Context, reason string) (*Snapshot, error) {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, fmt.Errorf("创建快照目录失败: %w", err)
	}
	now := time.Now()
	base := fmt.Sprintf("backup_%s_%s", now.Format("20060102_150405.000"), reason)
	path := filepath.Join(s.dir, base+".db")
	for i := 1; fileExists(path); i++ {
		path = filepath.Join(s.dir, fmt.Sprintf("%s-%d.db", base, i))
	}
	if err := s.db.WithContext(ctx).Exec("VACUUM INTO ?", path).Error; err != nil {
		return nil, fmt.Errorf("数据库快照失败: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	s.logger.Infof("数据库快照已创建: %s (%s)", filepath.Base(path), reason)
	return &Snapshot{
		Name:      filepath.Base(path),
		Path:      path,
		Size:      info.Size(),
		Reason:    reason,
		CreatedAt: info.ModTime().Unix(),
	}, nil
}

// Restore 用快照 name 的内容替换当前数据库的任务和日志表。
// 恢复前先创建一份 before_restore 快照并返回它；name 只能是快照目录下的文件名
func (s *Snapshotter) Restore(ctx context.Context, name string) (*Snapshot, error) {
	if !IsSqlite(s.db) {
		return nil, ErrSnapshotUnsupported
	}
	if name == "" || name != filepath.Base(name) || !strings.HasPrefix(name, "backup_") || !strings.HasSuffix(name, ".db") {
		return nil, apperr.New(apperr.ConfigInvalid, "无效的快照名称: %s", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, name)
	if !fileExists(path) {
		return nil, apperr.New(apperr.ConfigInvalid, "快照不存在: %s", name)
	}
	before, err := s.create(ctx, SnapshotRestore)
	if err != nil {
		return nil, fmt.Errorf("恢复前快照失败: %w", err)
	}

	// ATTACH 只对当前连接有效，整个恢复过程固定在同一个连接上
	err = s.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := conn.Exec("ATTACH DATABASE ? AS snap", path).Error; err != nil {
			return fmt.Errorf("打开快照失败: %w", err)
		}
		defer func() {
			if err := conn.Exec("DETACH DATABASE snap").Error; err != nil {
				s.logger.Warnf("关闭快照失败: %v", err)
			}
		}()
		return conn.Transaction(func(tx *gorm.DB) error {
			for _, table := range restoreTables {
				var cols []string
				if err := tx.Raw("SELECT name FROM pragma_table_info(?, 'main')", table).Scan(&cols).Error; err != nil {
					return err
				}
				if len(cols) == 0 {
					return fmt.Errorf("数据表不存在: %s", table)
				}
				list := `"` + strings.Join(cols, `", "`) + `"`
				if err := tx.Exec(fmt.Sprintf(`DELETE FROM main."%s"`, table)).Error; err != nil {
					return err
				}
				if err := tx.Exec(fmt.Sprintf(`INSERT INTO main."%s" (%s) SELECT %s FROM snap."%s"`, table, list, list, table)).Error; err != nil {
					return fmt.Errorf("恢复数据表 %s 失败: %w", table, err)
				}
			}
			return nil
		})
	})
	if err != nil {
		return before, fmt.Errorf("恢复快照 %s 失败: %w", name, err)
	}
	s.logger.Infof("已从快照恢复数据库: %s，恢复前的数据保存在 %s", name, before.Name)
	s.prune()
	return before, nil
}

// List 按时间倒序列出快照
func (s *Snapshotter) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Snapshot
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "backup_") || !strings.HasSuffix(name, ".db") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Snapshot{
			Name:      name,
			Path:      filepath.Join(s.dir, name),
			Size:      info.Size(),
			Reason:    snapshotReason(name),
			CreatedAt: info.ModTime().Unix(),
		})
	}
	// 文件名带毫秒时间戳，按名字倒序即按时间倒序
	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	return out, nil
}

func (s *Snapshotter) prune() {
	snaps, err := s.List()
	if err != nil {
		s.logger.Warnf("读取快照目录失败: %v", err)
		return
	}
	for i := s.keep; i < len(snaps); i++ {
		if err := os.Remove(snaps[i].Path); err != nil {
			s.logger.Warnf("删除旧快照失败 %s: %v", snaps[i].Name, err)
		}
	}
}

// backup_20260102_030405.000_task_created.db -> task_created
func snapshotReason(name string) string {
	rest := strings.TrimSuffix(strings.TrimPrefix(name, "backup_"), ".db")
	parts := strings.SplitN(rest, "_", 3)
	if len(parts) < 3 {
		return ""
	}
	reason := parts[2]
	if i := strings.LastIndex(reason, "-"); i > 0 {
		reason = reason[:i]
	}
	return reason
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

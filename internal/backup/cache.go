package backup

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"autobackup/internal/helpers"
)

type CleanResult struct {
	DeletedCount int   `json:"deletedCount"`
	DeletedSize  int64 `json:"deletedSize"`
}

// Cache 临时目录管理，正在使用的文件由 inUse 判断并跳过
type Cache struct {
	dir    string
	inUse  func(path string) bool
	logger *helpers.QLogger
}

func NewCache(dir string, inUse func(path string) bool, logger *helpers.QLogger) *Cache {
	if inUse == nil {
		inUse = func(string) bool { return false }
	}
	return &Cache{dir: dir, inUse: inUse, logger: logger}
}

func (c *Cache) Dir() string {
	return c.dir
}

// Size 缓存目录下所有文件的总大小，目录不存在时为0
func (c *Cache) Size() (int64, error) {
	var total int64
	err := c.walkFiles(func(path string, info fs.FileInfo) error {
		total += info.Size()
		return nil
	})
	return total, err
}

// Clean 删除所有不在使用中的临时文件
func (c *Cache) Clean() (*CleanResult, error) {
	return c.remove(func(fs.FileInfo) bool { return true })
}

// Sweep 只删除修改时间早于 maxAge 的文件
func (c *Cache) Sweep(maxAge time.Duration) (*CleanResult, error) {
	cutoff := time.Now().Add(-maxAge)
	return c.remove(func(info fs.FileInfo) bool {
		return info.ModTime().Before(cutoff)
	})
}

func (c *Cache) remove(match func(fs.FileInfo) bool) (*CleanResult, error) {
	result := &CleanResult{}
	err := c.walkFiles(func(path string, info fs.FileInfo) error {
		if !match(info) {
			return nil
		}
		if c.inUse(path) {
			c.logger.Debugf("跳过正在使用的缓存文件: %s", path)
			return nil
		}
		if err := os.Remove(path); err != nil {
			c.logger.Warnf("删除缓存文件失败 %s: %v", path, err)
			return nil
		}
		result.DeletedCount++
		result.DeletedSize += info.Size()
		return nil
	})
	if result.DeletedCount > 0 {
		c.logger.Infof("已清理缓存文件 %d 个，共 %s", result.DeletedCount, helpers.FormatBytes(result.DeletedSize))
	}
	return result, err
}

func (c *Cache) walkFiles(fn func(path string, info fs.FileInfo) error) error {
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// 扫描过程中被其它任务删除的文件直接忽略
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		return fn(path, info)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

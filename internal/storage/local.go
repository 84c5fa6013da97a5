package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"autobackup/internal/apperr"
	"autobackup/internal/models"
)

type LocalConfig struct {
	RootPath string `json:"rootPath"`
}

func (c LocalConfig) validate() error {
	if strings.TrimSpace(c.RootPath) == "" {
		return apperr.New(apperr.ConfigInvalid, "本地存储缺少 rootPath")
	}
	return nil
}

// Local 复制到本地目录（也可以是挂载的网络盘）
type Local struct {
	root      string
	chunkSize int
}

func NewLocal(cfg LocalConfig, opts Options) (*Local, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.ConfigInvalid, err, "无效的 rootPath")
	}
	return &Local{root: root, chunkSize: opts.ChunkSize}, nil
}

func (l *Local) Kind() models.StorageKind {
	return models.StorageLocal
}

func (l *Local) taskDir(taskName string) string {
	return filepath.Join(l.root, "backups", taskName)
}

func (l *Local) Upload(ctx context.Context, localPath, taskName, remoteName string) (RemoteRef, error) {
	dir := l.taskDir(taskName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return RemoteRef{}, apperr.Wrap(apperr.StorageUploadFailed, err, "创建备份目录失败")
	}
	dst := filepath.Join(dir, remoteName)
	if err := l.copyFile(ctx, localPath, dst); err != nil {
		return RemoteRef{}, apperr.Wrap(apperr.StorageUploadFailed, err, "复制备份文件失败")
	}
	return RemoteRef{Path: RemotePath(taskName, remoteName), ID: dst}, nil
}

// copyFile 先写临时文件再改名，列举时不会看到写了一半的文件
func (l *Local) copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	buf := make([]byte, l.chunkSize)
	_, err = io.CopyBuffer(out, &ctxReader{ctx: ctx, r: in}, buf)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func (l *Local) List(ctx context.Context, taskName string) ([]RemoteArtifact, error) {
	dir := l.taskDir(taskName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.StorageListFailed, err, "读取备份目录失败")
	}
	var out []RemoteArtifact
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".partial") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, RemoteArtifact{
			Ref:       RemoteRef{Path: RemotePath(taskName, e.Name()), ID: filepath.Join(dir, e.Name())},
			Name:      e.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}
	return out, nil
}

func (l *Local) Delete(ctx context.Context, ref RemoteRef) error {
	target := filepath.Clean(ref.ID)
	rel, err := filepath.Rel(l.root, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return apperr.New(apperr.StorageDeleteFailed, "拒绝删除存储根目录之外的文件: %s", ref.ID)
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.Wrap(apperr.StorageDeleteFailed, err, "删除备份文件失败")
	}
	return nil
}

// ctxReader 在每次读取前检查取消
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

package backup

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"autobackup/internal/apperr"
)

type ArchiveResult struct {
	BytesWritten int64
	Files        int
}

// Archiver 把目录打成一个文件：压缩时为zip，否则为不压缩的tar
type Archiver struct {
	level     int
	chunkSize int
}

func NewArchiver(level, chunkSize int) *Archiver {
	if level < flate.NoCompression || level > flate.BestCompression {
		level = flate.BestCompression
	}
	if chunkSize <= 0 {
		chunkSize = 8 * 1024
	}
	return &Archiver{level: level, chunkSize: chunkSize}
}

// Archive 归档 sourcePath 到 destPath，包内路径相对于 sourcePath
func (a *Archiver) Archive(ctx context.Context, sourcePath, destPath string, compress bool) (*ArchiveResult, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Wrap(apperr.SourceNotFound, err, "源目录不存在: %s", sourcePath)
		}
		return nil, apperr.Wrap(apperr.SourceNotFound, err, "无法访问源目录: %s", sourcePath)
	}
	if !info.IsDir() {
		return nil, apperr.New(apperr.SourceNotFound, "源路径不是目录: %s", sourcePath)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.BackupCompressionFailed, err, "创建归档文件失败")
	}
	var files int
	if compress {
		files, err = a.writeZip(ctx, sourcePath, out)
	} else {
		files, err = a.writeTar(ctx, sourcePath, out)
	}
	if cerr := out.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		os.Remove(destPath)
		if _, ok := err.(*apperr.Error); ok {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.BackupCompressionFailed, err, "归档失败")
	}

	stat, err := os.Stat(destPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.BackupCompressionFailed, err, "读取归档文件失败")
	}
	return &ArchiveResult{BytesWritten: stat.Size(), Files: files}, nil
}

type walkFn func(path, rel string, d fs.DirEntry, info fs.FileInfo) error

// walk 遍历源目录，跳过根目录本身和非普通文件
func walk(ctx context.Context, root string, fn walkFn) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(path, filepath.ToSlash(rel), d, info)
	})
}

func (a *Archiver) writeZip(ctx context.Context, root string, out io.Writer) (int, error) {
	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, a.level)
	})
	buf := make([]byte, a.chunkSize)
	files := 0
	err := walk(ctx, root, func(path, rel string, d fs.DirEntry, info fs.FileInfo) error {
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		if d.IsDir() {
			header.Name = rel + "/"
			_, err = zw.CreateHeader(header)
			return err
		}
		header.Name = rel
		header.Method = zip.Deflate
		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		if err := copyFileTo(w, path, buf); err != nil {
			return err
		}
		files++
		return nil
	})
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	return files, err
}

func (a *Archiver) writeTar(ctx context.Context, root string, out io.Writer) (int, error) {
	tw := tar.NewWriter(out)
	buf := make([]byte, a.chunkSize)
	files := 0
	err := walk(ctx, root, func(path, rel string, d fs.DirEntry, info fs.FileInfo) error {
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = rel
		if d.IsDir() {
			header.Name = rel + "/"
			return tw.WriteHeader(header)
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if err := copyFileTo(tw, path, buf); err != nil {
			return err
		}
		files++
		return nil
	})
	if cerr := tw.Close(); err == nil {
		err = cerr
	}
	return files, err
}

func copyFileTo(w io.Writer, path string, buf []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.CopyBuffer(w, f, buf)
	return err
}

package cli

import (
	"github.com/spf13/cobra"

	"autobackup/internal/backup"
	"autobackup/internal/helpers"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "查看或清理临时目录",
}

var cacheSizeCmd = &cobra.Command{
	Use:   "size",
	Short: "显示临时目录占用空间",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cache, closeFn, err := openCache()
		if err != nil {
			return err
		}
		defer closeFn()
		size, err := cache.Size()
		if err != nil {
			return err
		}
		cmd.Printf("%s: %s (%d bytes)\n", cache.Dir(), helpers.FormatBytes(size), size)
		return nil
	},
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "删除临时目录下的所有文件",
	Long:  "删除临时目录下的所有文件。服务运行中请通过HTTP接口清理，以免删除正在上传的文件。",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cache, closeFn, err := openCache()
		if err != nil {
			return err
		}
		defer closeFn()
		result, err := cache.Clean()
		if err != nil {
			return err
		}
		cmd.Printf("已删除 %d 个文件，释放 %s\n", result.DeletedCount, helpers.FormatBytes(result.DeletedSize))
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheSizeCmd, cacheCleanCmd)
	rootCmd.AddCommand(cacheCmd)
}

func openCache() (*backup.Cache, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg, false)
	return backup.NewCache(cfg.Path(cfg.CacheDir), nil, logger), logger.Close, nil
}

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"autobackup/internal/backup"
	"autobackup/internal/db"
	"autobackup/internal/helpers"
	"autobackup/internal/notify"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "autobackup",
	Short:         "定时打包、加密并上传目录备份",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "配置文件路径")
}

// Execute 命令行入口
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		os.Exit(1)
	}
}

// app 一次命令执行需要的所有组件
type app struct {
	cfg       *helpers.Config
	logger    *helpers.QLogger
	gdb       *gorm.DB
	store     *db.Store
	snapshots *db.Snapshotter
	hub       *notify.Hub
	svc       *backup.Service
}

func loadConfig() (*helpers.Config, error) {
	cfg, err := helpers.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *helpers.Config, console bool) *helpers.QLogger {
	return helpers.NewLogger(cfg.Path(cfg.Log.File), cfg.Log.Level, console, cfg.Log.Rotate)
}

// bootstrap 打开数据库并组装备份服务，withTelegram 为 true 时按配置启用 Telegram 通知
func bootstrap(withTelegram bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, cfg.Log.Console)
	gdb, err := db.Open(cfg, logger)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	a := &app{
		cfg:    cfg,
		logger: logger,
		gdb:    gdb,
		store:  db.NewStore(gdb),
		hub:    notify.NewHub(64),
	}
	if db.IsSqlite(gdb) {
		a.snapshots = db.NewSnapshotter(gdb, cfg.Path(cfg.Db.SnapshotDir), cfg.Db.SnapshotKeep, logger)
	}

	notifiers := notify.Multi{a.hub}
	if withTelegram && cfg.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatId, cfg.Telegram.Proxy, cfg.Telegram.NotifyOnSuccess, logger)
		if err != nil {
			// 通知不可用不影响备份
			logger.Warnf("Telegram通知初始化失败: %v", err)
		} else {
			notifiers = append(notifiers, tg)
		}
	}

	a.svc = backup.NewService(a.store, a.snapshots, backup.OptionsFromConfig(cfg, logger), notifiers, logger)
	return a, nil
}

func (a *app) close() {
	if err := db.Close(a.gdb); err != nil {
		a.logger.Warnf("关闭数据库失败: %v", err)
	}
	a.logger.Close()
}

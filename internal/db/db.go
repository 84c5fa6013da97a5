package db

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"autobackup/internal/helpers"
	"autobackup/internal/models"
)

// Open 按配置打开数据库并迁移表结构
func Open(cfg *helpers.Config, appLog *helpers.QLogger) (*gorm.DB, error) {
	var (
		gdb *gorm.DB
		err error
	)
	switch cfg.Db.Engine {
	case helpers.DbEnginePostgres:
		gdb, err = openPostgres(cfg.Db.PostgresConfig)
	default:
		gdb, err = OpenSqlite(cfg.Path(cfg.Db.SqliteFile))
	}
	if err != nil {
		return nil, err
	}
	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	appLog.Infof("成功初始化数据库组件: %s", cfg.Db.Engine)
	return gdb, nil
}

// OpenSqlite 打开（必要时创建）sqlite数据库文件
func OpenSqlite(dbFile string) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbFile), 0755); err != nil {
		return nil, fmt.Errorf("创建数据库目录失败: %w", err)
	}
	gdb, err := gorm.Open(sqlite.Open(dbFile+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 newGormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	// sqlite 单写者，多个并发任务共用一个连接避免 database is locked
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return gdb, nil
}

func openPostgres(pc helpers.PostgresConfig) (*gorm.DB, error) {
	sslMode := pc.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		pc.Host, pc.Port, pc.User, pc.Password, pc.Database, sslMode)
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	if pc.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pc.MaxOpenConns)
	}
	if pc.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pc.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(60 * time.Minute)
	sqlDB.SetConnMaxIdleTime(1 * time.Minute)
	return gdb, nil
}

func newGormLogger() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond, // 慢SQL阈值
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(&models.BackupTask{}, &models.BackupLog{}); err != nil {
		return fmt.Errorf("迁移数据表失败: %w", err)
	}
	return nil
}

// Close 关闭底层连接
func Close(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsSqlite 判断当前连接是否为sqlite
func IsSqlite(gdb *gorm.DB) bool {
	return gdb.Dialector.Name() == "sqlite"
}

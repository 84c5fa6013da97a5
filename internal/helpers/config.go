package helpers

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"autobackup/internal/apperr"
)

var Version = "1.0.0"
var ReleaseDate = "2026-10-18"

type DbEngine string

const (
	DbEngineSqlite   DbEngine = "sqlite"
	DbEnginePostgres DbEngine = "postgres"
)

type configLog struct {
	File    string `yaml:"file"`
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
	Rotate  bool   `yaml:"rotate"`
}

type PostgresConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"sslMode"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	MaxIdleConns int    `yaml:"maxIdleConns"`
}

type configDb struct {
	Engine         DbEngine       `yaml:"engine"`       // sqlite, postgres
	SqliteFile     string         `yaml:"sqliteFile"`   // SQLite数据库文件路径
	SnapshotDir    string         `yaml:"snapshotDir"`  // 数据库快照目录
	SnapshotKeep   int            `yaml:"snapshotKeep"` // 保留快照数量
	PostgresConfig PostgresConfig `yaml:"postgresConfig"`
}

type configBackup struct {
	CompressionLevel     int `yaml:"compressionLevel"`     // 0-9
	ChunkSize            int `yaml:"chunkSize"`            // 流式读写缓冲大小，单位字节
	MaxConcurrentUploads int `yaml:"maxConcurrentUploads"` // 同时上传的最大数量
	RetryAttempts        int `yaml:"retryAttempts"`
	RetryDelay           int `yaml:"retryDelay"` // 首次重试等待，单位毫秒
}

type configNetwork struct {
	Timeout   int     `yaml:"timeout"` // 单位毫秒
	UserAgent string  `yaml:"userAgent"`
	RateLimit float64 `yaml:"rateLimit"` // 云盘接口每秒请求数
}

type configCloudDrive struct {
	AuthUrl string `yaml:"authUrl"`
	ApiUrl  string `yaml:"apiUrl"`
}

type configTelegram struct {
	Enabled         bool   `yaml:"enabled"`
	Token           string `yaml:"token"`
	ChatId          string `yaml:"chatId"`
	Proxy           string `yaml:"proxy"`
	NotifyOnSuccess bool   `yaml:"notifyOnSuccess"`
}

type Config struct {
	Log              configLog        `yaml:"log"`
	Db               configDb         `yaml:"db"`
	CacheDir         string           `yaml:"cacheDir"`
	CacheMaxAge      int              `yaml:"cacheMaxAge"` // 临时文件最长保留小时数
	CacheSweepCron   string           `yaml:"cacheSweepCron"`
	LogRetentionDays int              `yaml:"logRetentionDays"` // 0 表示不清理执行日志
	LogSweepCron     string           `yaml:"logSweepCron"`
	HttpHost         string           `yaml:"httpHost"`
	JwtSecret        string           `yaml:"jwtSecret"`
	Backup           configBackup     `yaml:"backup"`
	Network          configNetwork    `yaml:"network"`
	CloudDrive       configCloudDrive `yaml:"cloudDrive"`
	Telegram         configTelegram   `yaml:"telegram"`

	// RootDir 配置文件所在目录，相对路径以它为基准
	RootDir string `yaml:"-"`
}

// DefaultConfig 所有配置项的默认值
func DefaultConfig() *Config {
	return &Config{
		Log:              configLog{File: "logs/app.log", Level: "INFO", Console: true, Rotate: true},
		Db:               configDb{Engine: DbEngineSqlite, SqliteFile: "data/autobackup.db", SnapshotDir: "data/backup_history", SnapshotKeep: 30},
		CacheDir:         "cache",
		CacheMaxAge:      24,
		CacheSweepCron:   "0 * * * *",
		LogRetentionDays: 30,
		LogSweepCron:     "30 3 * * *",
		HttpHost:         "127.0.0.1:12333",
		Backup: configBackup{
			CompressionLevel:     9,
			ChunkSize:            8 * 1024,
			MaxConcurrentUploads: 3,
			RetryAttempts:        3,
			RetryDelay:           5000,
		},
		Network: configNetwork{
			Timeout:   60000,
			UserAgent: "AutoBackup/" + Version,
			RateLimit: 5,
		},
		CloudDrive: configCloudDrive{
			AuthUrl: "https://auth.aliyundrive.com",
			ApiUrl:  "https://api.aliyundrive.com",
		},
	}
}

// LoadConfig 读取yaml配置，缺失的项使用默认值；文件不存在时直接返回默认配置
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath != "" {
		if err := loadYaml(configPath, cfg); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
		abs, err := filepath.Abs(filepath.Dir(configPath))
		if err != nil {
			return nil, fmt.Errorf("解析配置目录失败: %w", err)
		}
		cfg.RootDir = abs
	} else {
		wd, _ := os.Getwd()
		cfg.RootDir = wd
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.Db.Engine == "" {
		c.Db.Engine = def.Db.Engine
	}
	if c.Db.SqliteFile == "" {
		c.Db.SqliteFile = def.Db.SqliteFile
	}
	if c.Db.SnapshotDir == "" {
		c.Db.SnapshotDir = def.Db.SnapshotDir
	}
	if c.Db.SnapshotKeep == 0 {
		c.Db.SnapshotKeep = def.Db.SnapshotKeep
	}
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}
	if c.CacheMaxAge == 0 {
		c.CacheMaxAge = def.CacheMaxAge
	}
	if c.CacheSweepCron == "" {
		c.CacheSweepCron = def.CacheSweepCron
	}
	if c.LogSweepCron == "" {
		c.LogSweepCron = def.LogSweepCron
	}
	if c.HttpHost == "" {
		c.HttpHost = def.HttpHost
	}
	if c.Backup.ChunkSize == 0 {
		c.Backup.ChunkSize = def.Backup.ChunkSize
	}
	if c.Backup.MaxConcurrentUploads == 0 {
		c.Backup.MaxConcurrentUploads = def.Backup.MaxConcurrentUploads
	}
	if c.Backup.RetryAttempts == 0 {
		c.Backup.RetryAttempts = def.Backup.RetryAttempts
	}
	if c.Network.Timeout == 0 {
		c.Network.Timeout = def.Network.Timeout
	}
	if c.Network.UserAgent == "" {
		c.Network.UserAgent = def.Network.UserAgent
	}
	if c.Network.RateLimit == 0 {
		c.Network.RateLimit = def.Network.RateLimit
	}
	if c.CloudDrive.AuthUrl == "" {
		c.CloudDrive.AuthUrl = def.CloudDrive.AuthUrl
	}
	if c.CloudDrive.ApiUrl == "" {
		c.CloudDrive.ApiUrl = def.CloudDrive.ApiUrl
	}
}

// Validate 检查配置取值范围
func (c *Config) Validate() error {
	if c.Backup.CompressionLevel < 0 || c.Backup.CompressionLevel > 9 {
		return apperr.New(apperr.ConfigInvalid, "压缩级别必须在0-9之间: %d", c.Backup.CompressionLevel)
	}
	if c.Backup.ChunkSize < 512 {
		return apperr.New(apperr.ConfigInvalid, "chunkSize 不能小于512字节: %d", c.Backup.ChunkSize)
	}
	if c.Backup.MaxConcurrentUploads < 1 {
		return apperr.New(apperr.ConfigInvalid, "maxConcurrentUploads 必须大于0: %d", c.Backup.MaxConcurrentUploads)
	}
	if c.Backup.RetryAttempts < 1 {
		return apperr.New(apperr.ConfigInvalid, "retryAttempts 必须大于0: %d", c.Backup.RetryAttempts)
	}
	if c.Backup.RetryDelay < 0 {
		return apperr.New(apperr.ConfigInvalid, "retryDelay 不能为负数: %d", c.Backup.RetryDelay)
	}
	if c.LogRetentionDays < 0 {
		return apperr.New(apperr.ConfigInvalid, "logRetentionDays 不能为负数: %d", c.LogRetentionDays)
	}
	switch c.Db.Engine {
	case DbEngineSqlite, DbEnginePostgres:
	default:
		return apperr.New(apperr.ConfigInvalid, "不支持的数据库引擎: %s", c.Db.Engine)
	}
	return nil
}

// Path 把相对路径解析到配置目录下
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.RootDir, p)
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Backup.RetryDelay) * time.Millisecond
}

func (c *Config) NetworkTimeout() time.Duration {
	return time.Duration(c.Network.Timeout) * time.Millisecond
}

func loadYaml(configPath string, cfg interface{}) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return apperr.Wrap(apperr.ConfigInvalid, err, "解析配置文件失败")
	}

	return nil
}

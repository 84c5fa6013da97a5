package storage

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strings"
	"time"

	"autobackup/internal/apperr"
	"autobackup/internal/helpers"
	"autobackup/internal/models"
)

// RemoteRef 上传后返回的远端引用，Path 是展示用路径，ID 是后端内部标识
type RemoteRef struct {
	Path string `json:"path"`
	ID   string `json:"id"`
}

// RemoteArtifact 后端列出的一个备份文件
type RemoteArtifact struct {
	Ref       RemoteRef `json:"ref"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Backend 统一的上传/列举/删除接口
type Backend interface {
	Kind() models.StorageKind
	// Upload 把本地文件上传到 /backups/<taskName>/<remoteName>
	Upload(ctx context.Context, localPath, taskName, remoteName string) (RemoteRef, error)
	// List 列出任务已上传的备份，顺序不保证
	List(ctx context.Context, taskName string) ([]RemoteArtifact, error)
	Delete(ctx context.Context, ref RemoteRef) error
}

// Options 进程级的存储参数
type Options struct {
	ChunkSize  int
	Timeout    time.Duration
	UserAgent  string
	RateLimit  float64
	AuthURL    string
	APIURL     string
	HTTPClient *http.Client
	Logger     *helpers.QLogger
}

func OptionsFromConfig(cfg *helpers.Config, logger *helpers.QLogger) Options {
	return Options{
		ChunkSize: cfg.Backup.ChunkSize,
		Timeout:   cfg.NetworkTimeout(),
		UserAgent: cfg.Network.UserAgent,
		RateLimit: cfg.Network.RateLimit,
		AuthURL:   cfg.CloudDrive.AuthUrl,
		APIURL:    cfg.CloudDrive.ApiUrl,
		Logger:    logger,
	}
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 8 * 1024
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 5
	}
	if o.AuthURL == "" {
		o.AuthURL = DEFAULT_AUTH_URL
	}
	if o.APIURL == "" {
		o.APIURL = DEFAULT_API_URL
	}
	if o.Logger == nil {
		o.Logger = helpers.NewDiscardLogger()
	}
	return o
}

// New 根据任务配置的存储类型创建后端
func New(kind models.StorageKind, rawConfig string, opts Options) (Backend, error) {
	opts = opts.withDefaults()
	switch kind {
	case models.StorageLocal:
		var cfg LocalConfig
		if err := decodeConfig(rawConfig, &cfg); err != nil {
			return nil, err
		}
		return NewLocal(cfg, opts)
	case models.StorageObjectStore:
		var cfg ObjectStoreConfig
		if err := decodeConfig(rawConfig, &cfg); err != nil {
			return nil, err
		}
		return NewObjectStore(cfg, opts)
	case models.StorageCloudDrive:
		var cfg CloudDriveConfig
		if err := decodeConfig(rawConfig, &cfg); err != nil {
			return nil, err
		}
		return NewCloudDrive(cfg, opts)
	default:
		return nil, apperr.New(apperr.ConfigInvalid, "不支持的存储类型: %s", kind)
	}
}

// Validate 只检查配置能否解析以及必填项，不建立连接
func Validate(kind models.StorageKind, rawConfig string) error {
	switch kind {
	case models.StorageLocal:
		var cfg LocalConfig
		if err := decodeConfig(rawConfig, &cfg); err != nil {
			return err
		}
		return cfg.validate()
	case models.StorageObjectStore:
		var cfg ObjectStoreConfig
		if err := decodeConfig(rawConfig, &cfg); err != nil {
			return err
		}
		return cfg.validate()
	case models.StorageCloudDrive:
		var cfg CloudDriveConfig
		if err := decodeConfig(rawConfig, &cfg); err != nil {
			return err
		}
		return cfg.validate()
	default:
		return apperr.New(apperr.ConfigInvalid, "不支持的存储类型: %s", kind)
	}
}

func decodeConfig(raw string, v interface{}) error {
	if strings.TrimSpace(raw) == "" {
		return apperr.New(apperr.ConfigInvalid, "存储配置为空")
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return apperr.Wrap(apperr.ConfigInvalid, err, "解析存储配置失败")
	}
	return nil
}

// RemotePath /backups/<taskName>/<remoteName>
func RemotePath(taskName, remoteName string) string {
	return path.Join("/backups", taskName, remoteName)
}

func objectPrefix(taskName string) string {
	return path.Join("backups", taskName) + "/"
}

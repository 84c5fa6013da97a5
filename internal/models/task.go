package models

import (
	"bytes"
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskStatusWaiting TaskStatus = "waiting"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
	TaskStatusPaused  TaskStatus = "paused"
)

type StorageKind string

const (
	StorageLocal       StorageKind = "local"
	StorageObjectStore StorageKind = "aliyun_oss"
	StorageCloudDrive  StorageKind = "aliyun_drive"
)

type Strategy string

const (
	StrategyDaily   Strategy = "daily"
	StrategyWeekly  Strategy = "weekly"
	StrategyMonthly Strategy = "monthly"
	StrategyCron    Strategy = "cron"
)

// StrategyCronExpr 内置策略对应的cron表达式，自定义策略返回空
func StrategyCronExpr(s Strategy) string {
	switch s {
	case StrategyDaily:
		return "0 2 * * *"
	case StrategyWeekly:
		return "0 2 * * 0"
	case StrategyMonthly:
		return "0 2 1 * *"
	}
	return ""
}

// JSONText 以文本形式存库的JSON，接口上按原始JSON输出
type JSONText string

func (j JSONText) MarshalJSON() ([]byte, error) {
	if len(bytes.TrimSpace([]byte(j))) == 0 {
		return []byte("null"), nil
	}
	if !json.Valid([]byte(j)) {
		return json.Marshal(string(j))
	}
	return []byte(j), nil
}

// UnmarshalJSON 同时接受JSON对象和JSON字符串
func (j *JSONText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*j = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*j = JSONText(s)
		return nil
	}
	*j = JSONText(data)
	return nil
}

// BackupTask 备份任务
type BackupTask struct {
	BaseModel
	TaskName        string      `gorm:"not null" json:"task_name"`
	SourceDir       string      `gorm:"not null" json:"source_dir"`
	StorageType     StorageKind `gorm:"not null" json:"storage_type"`
	StorageConfig   JSONText    `gorm:"type:text" json:"storage_config"`
	BackupStrategy  Strategy    `gorm:"not null" json:"backup_strategy"`
	CronExpression  string      `json:"cron_expression"`
	Enabled         bool        `gorm:"default:true" json:"enabled"`
	Compressed      bool        `json:"compressed"`
	Encrypted       bool        `json:"encrypted"`
	EncryptPassword string      `json:"encrypt_password,omitempty"`
	RetentionCount  int         `gorm:"default:0" json:"retention_count"` // 0 表示不限制
	Status          TaskStatus  `gorm:"default:waiting;index" json:"status"`
	LastExecuteTime int64       `json:"last_execute_time"`
	NextExecuteTime int64       `json:"next_execute_time"`
}

func (*BackupTask) TableName() string {
	return "backup_tasks"
}

// EffectiveCron 自定义策略使用用户的表达式，其它策略使用内置表达式
func (t *BackupTask) EffectiveCron() string {
	if t.BackupStrategy == StrategyCron {
		return t.CronExpression
	}
	return StrategyCronExpr(t.BackupStrategy)
}

// ArtifactExt 压缩用zip，否则用tar容器
func (t *BackupTask) ArtifactExt() string {
	if t.Compressed {
		return "zip"
	}
	return "tar"
}

// Redacted 返回隐藏密码后的副本，用于接口输出
func (t BackupTask) Redacted() BackupTask {
	if t.EncryptPassword != "" {
		t.EncryptPassword = "******"
	}
	return t
}

func UnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

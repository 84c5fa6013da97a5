package models

type LogLevel string

const (
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// BackupLog 每次执行写入一条，写入后不再修改
type BackupLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	RunID      string    `gorm:"index" json:"run_id"`
	TaskID     uint      `gorm:"index" json:"task_id"`
	TaskName   string    `json:"task_name"`
	Level      LogLevel  `json:"level"`
	FileSize   int64     `json:"file_size"`
	BackupPath string    `json:"backup_path"`
	Status     RunStatus `json:"status"`
	Duration   int64     `json:"duration"` // 秒
	ErrorMsg   *string   `json:"error_msg"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Details    string    `json:"details"`
	CreatedAt  int64     `gorm:"autoCreateTime;index" json:"created_at"`
}

func (*BackupLog) TableName() string {
	return "backup_logs"
}

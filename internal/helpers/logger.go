package helpers

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// QLogger 带级别前缀的日志记录器，由启动流程创建后注入各组件
type QLogger struct {
	*log.Logger
	level     LogLevel
	rotate    bool
	console   bool
	file      string
	lumLogger *lumberjack.Logger
	fd        *os.File
}

func (q *QLogger) Close() {
	if q.lumLogger != nil {
		q.lumLogger.Close()
	}
	if q.fd != nil {
		q.fd.Close()
	}
}

// File 日志文件路径，没有写文件时为空
func (q *QLogger) File() string {
	return q.file
}

func (q *QLogger) Rotate() {
	if q.rotate && q.lumLogger != nil {
		q.lumLogger.Rotate()
	}
}

func (q *QLogger) Infof(format string, args ...interface{}) {
	if q.level <= LevelInfo {
		q.Logger.Printf("[INFO] "+format, args...)
	}
}

func (q *QLogger) Info(msg string) {
	if q.level <= LevelInfo {
		q.Logger.Println("[INFO] " + msg)
	}
}

func (q *QLogger) Debugf(format string, args ...interface{}) {
	if q.level <= LevelDebug {
		q.Logger.Printf("[DEBUG] "+format, args...)
	}
}

func (q *QLogger) Errorf(format string, args ...interface{}) {
	q.Logger.Printf("[ERROR] "+format, args...)
}

func (q *QLogger) Error(msg string) {
	q.Logger.Println("[ERROR] " + msg)
}

func (q *QLogger) Warnf(format string, args ...interface{}) {
	if q.level <= LevelWarn {
		q.Logger.Printf("[WARN] "+format, args...)
	}
}

func (q *QLogger) Warn(msg string) {
	if q.level <= LevelWarn {
		q.Logger.Println("[WARN] " + msg)
	}
}

// NewLogger 创建日志记录器，logFile 为空时只输出到控制台
func NewLogger(logFile string, level string, isConsole bool, rotate bool) *QLogger {
	q := &QLogger{level: ParseLogLevel(level), rotate: rotate, console: isConsole}
	var writers []io.Writer

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			log.Printf("创建日志目录失败: %v", err)
		}
		q.file = logFile
		if rotate {
			q.lumLogger = &lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    10, // 最大10MB
				MaxBackups: 3,
				MaxAge:     7, //days
				Compress:   true,
			}
			writers = append(writers, q.lumLogger)
		} else {
			fd, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err != nil {
				log.Printf("Failed to open log file: %v", err)
				q.file = ""
				isConsole = true
			} else {
				q.fd = fd
				writers = append(writers, fd)
			}
		}
	}
	if isConsole || len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	// 包含日期、时间和微秒
	q.Logger = log.New(io.MultiWriter(writers...), "", log.Ldate|log.Ltime|log.Lmicroseconds)
	return q
}

// NewDiscardLogger 丢弃所有输出，测试使用
func NewDiscardLogger() *QLogger {
	return &QLogger{Logger: log.New(io.Discard, "", 0), level: LevelError}
}

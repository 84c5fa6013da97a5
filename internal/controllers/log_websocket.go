package controllers

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
)

// LogEntry 日志条目结构
type LogEntry struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"` // 格式为 "2025/11/29 12:33:09.530499"
}

// 2025/11/29 12:33:09.530499 [INFO] 开始备份 run=...
var logLinePattern = regexp.MustCompile(`^(\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}\.\d{6}) \[(\w+)\] (.+)$`)

func newLogEntry(level, message string) LogEntry {
	return LogEntry{Level: level, Message: message, Timestamp: time.Now().Format("2006/01/02 15:04:05.000000")}
}

// parseLogLine 解析日志行，提取级别、消息和时间戳
func parseLogLine(line string) LogEntry {
	entry := newLogEntry("info", line)
	matches := logLinePattern.FindStringSubmatch(line)
	if len(matches) != 4 {
		return entry
	}
	entry.Timestamp = matches[1]
	switch strings.ToLower(matches[2]) {
	case "warn", "warning":
		entry.Level = "warn"
	case "error", "err":
		entry.Level = "error"
	case "debug":
		entry.Level = "debug"
	default:
		entry.Level = "info"
	}
	entry.Message = matches[3]
	return entry
}

// logTail 从文件末尾开始读取新写入的完整行
type logTail struct {
	path     string
	file     *os.File
	leftover []byte
}

func openLogTail(path string) (*logTail, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return &logTail{path: path, file: f}, nil
}

// reopen 日志轮转后新文件从头读
func (t *logTail) reopen() error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	t.file.Close()
	t.file = f
	t.leftover = nil
	return nil
}

func (t *logTail) readLines() ([]string, error) {
	data, err := io.ReadAll(t.file)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	content := append(t.leftover, data...)
	parts := strings.Split(string(content), "\n")
	// 最后一段可能还没写完
	t.leftover = []byte(parts[len(parts)-1])
	var lines []string
	for _, line := range parts[:len(parts)-1] {
		if line = strings.TrimRight(line, "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func (t *logTail) Close() {
	t.file.Close()
}

// LogWebSocket 通过websocket推送应用日志的新内容
func (h *Handler) LogWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("升级WebSocket连接失败: %v", err)
		return
	}
	defer conn.Close()

	sendError := func(format string, args ...interface{}) {
		if werr := conn.WriteJSON(newLogEntry("error", fmt.Sprintf(format, args...))); werr != nil {
			h.logger.Errorf("发送错误消息失败: %v", werr)
		}
	}

	logPath := h.logger.File()
	if logPath == "" {
		sendError("错误: 日志只输出到控制台，没有日志文件")
		return
	}
	tail, err := openLogTail(logPath)
	if err != nil {
		sendError("错误: 打开日志文件失败: %v", err)
		return
	}
	defer tail.Close()

	// 监听目录而不是文件，轮转后新建的文件也能收到事件
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		sendError("错误: 创建文件监听器失败: %v", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(logPath)); err != nil {
		sendError("错误: 添加文件到监听器失败: %v", err)
		return
	}

	if err := conn.WriteJSON(newLogEntry("info", fmt.Sprintf("开始监控日志文件: %s", logPath))); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	target := filepath.Clean(logPath)
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Create) {
				if err := tail.reopen(); err != nil {
					continue
				}
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			lines, err := tail.readLines()
			if err != nil {
				sendError("错误: 读取日志文件失败: %v", err)
				return
			}
			for _, line := range lines {
				if err := conn.WriteJSON(parseLogLine(line)); err != nil {
					return
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			sendError("错误: 文件监控失败: %v", err)
			return
		}
	}
}

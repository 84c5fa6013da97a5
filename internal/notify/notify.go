package notify

import (
	"context"
	"sync"
	"time"

	"autobackup/internal/models"
)

type EventType string

const (
	BackupStart   EventType = "backup-start"
	BackupSuccess EventType = "backup-success"
	BackupFailed  EventType = "backup-failed"
	BackupSkipped EventType = "backup-skipped"
)

type Event struct {
	Type     EventType         `json:"type"`
	RunID    string            `json:"run_id,omitempty"`
	TaskID   uint              `json:"task_id"`
	TaskName string            `json:"task_name"`
	Message  string            `json:"message,omitempty"`
	Log      *models.BackupLog `json:"log,omitempty"`
	Time     int64             `json:"time"`
}

func NewEvent(t EventType, task *models.BackupTask, runID, msg string) Event {
	return Event{Type: t, RunID: runID, TaskID: task.ID, TaskName: task.TaskName, Message: msg, Time: time.Now().Unix()}
}

// Notifier 接收执行事件，实现不能阻塞太久
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Multi 依次转发给多个通知器
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, e)
		}
	}
}

type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Hub 把事件广播给所有订阅者（websocket 客户端），慢的订阅者会丢事件
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	buf  int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{subs: make(map[chan Event]struct{}), buf: buffer}
}

// Subscribe 返回事件通道和取消订阅函数
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buf)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Notify(_ context.Context, e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"autobackup/internal/helpers"
	"autobackup/internal/retry"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram 把备份结果推送到Telegram
type Telegram struct {
	chatID          string
	client          sender
	notifyOnSuccess bool
	logger          *helpers.QLogger
	policy          retry.Policy
}

// maskToken 掩码token用于日志输出
func maskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "***" + token[len(token)-4:]
}

// NewTelegram 创建机器人实例，proxyURL 为空时直连
func NewTelegram(token, chatID, proxyURL string, notifyOnSuccess bool, logger *helpers.QLogger) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token为空")
	}
	if chatID == "" {
		return nil, fmt.Errorf("telegram ChatID为空")
	}
	client := &http.Client{Timeout: 120 * time.Second}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("解析代理地址失败: %w", err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(u)}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("创建Telegram机器人失败 (token: %s, chatID: %s): %w", maskToken(token), chatID, err)
	}
	return newTelegramWithSender(bot, chatID, notifyOnSuccess, logger), nil
}

func newTelegramWithSender(s sender, chatID string, notifyOnSuccess bool, logger *helpers.QLogger) *Telegram {
	return &Telegram{
		chatID:          chatID,
		client:          s,
		notifyOnSuccess: notifyOnSuccess,
		logger:          logger,
		policy:          retry.Policy{Attempts: 3, Delay: time.Second},
	}
}

func (t *Telegram) Notify(ctx context.Context, e Event) {
	switch e.Type {
	case BackupFailed:
	case BackupSuccess:
		if !t.notifyOnSuccess {
			return
		}
	default:
		return
	}
	text := FormatMessage(e)
	// 通知不阻塞备份流程
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		if err := t.SendMessage(sendCtx, text); err != nil {
			t.logger.Warnf("Telegram消息发送失败: %v", err)
		}
	}()
}

// SendMessage 发送HTML消息，超时类错误会重试
func (t *Telegram) SendMessage(ctx context.Context, text string) error {
	msg := t.newMessage(text)
	return retry.Do(ctx, t.policy, func(ctx context.Context) error {
		_, err := t.client.Send(msg)
		return err
	})
}

func (t *Telegram) newMessage(text string) tgbotapi.MessageConfig {
	var msg tgbotapi.MessageConfig
	if id, err := strconv.ParseInt(t.chatID, 10, 64); err == nil {
		msg = tgbotapi.NewMessage(id, text)
	} else {
		msg = tgbotapi.NewMessageToChannel(t.chatID, text)
	}
	msg.ParseMode = "HTML"
	return msg
}

func FormatMessage(e Event) string {
	title := "✅ 备份成功"
	if e.Type == BackupFailed {
		title = "❌ 备份失败"
	}
	text := fmt.Sprintf("<b>%s</b>\n任务: %s", title, html.EscapeString(e.TaskName))
	if e.Log != nil {
		text += fmt.Sprintf("\n耗时: %d秒", e.Log.Duration)
		if e.Log.BackupPath != "" {
			text += fmt.Sprintf("\n路径: <code>%s</code>", html.EscapeString(e.Log.BackupPath))
		}
		if e.Log.FileSize > 0 {
			text += "\n大小: " + helpers.FormatBytes(e.Log.FileSize)
		}
		if e.Log.ErrorMsg != nil {
			text += "\n错误: " + html.EscapeString(*e.Log.ErrorMsg)
		}
	} else if e.Message != "" {
		text += "\n" + html.EscapeString(e.Message)
	}
	return text
}

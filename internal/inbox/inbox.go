// Package inbox turns inbound channel messages into in-app notifications.
package inbox

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/BetaCatPro/medlink-rt/internal/dispatch"
	"github.com/BetaCatPro/medlink-rt/internal/utils"
	"github.com/BetaCatPro/medlink-rt/pkg/types"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("inbox")

// DefaultLimit 最多保留的通知数量
const DefaultLimit = 100

// 通知级别
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Store 通知存储，List 按时间倒序返回
type Store interface {
	Add(n types.Notification) error
	List() ([]types.Notification, error)
	UnreadCount() (int, error)
	MarkAsRead(id string) error
	MarkAllAsRead() error
	Clear() error
	Close() error
}

type template struct {
	title string
	level string
}

var templates = map[types.MessageType]template{
	types.ConsultationStatus:    {"问诊状态更新", LevelInfo},
	types.ConsultationInvite:    {"问诊邀请", LevelInfo},
	types.PrescriptionStatus:    {"处方状态更新", LevelInfo},
	types.PrescriptionSubmitted: {"新处方待审核", LevelWarning},
	types.PrescriptionReviewed:  {"处方审核结果", LevelSuccess},
	types.ReferralInvite:        {"转诊邀请", LevelInfo},
	types.MDTInvite:             {"MDT会诊邀请", LevelInfo},
	types.FollowupReminder:      {"随访提醒", LevelWarning},
	types.FollowupSubmitted:     {"随访已提交", LevelSuccess},
	types.SystemNotice:          {"系统通知", LevelInfo},
	types.SystemNotify:          {"系统通知", LevelInfo},
	types.ChatMessage:           {"新消息", LevelInfo},
}

// Subscriber 可以订阅消息的对象，*client.Client 与 *dispatch.Dispatcher 均满足
type Subscriber interface {
	Subscribe(msgType string, handler dispatch.Handler) (dispatch.Unsubscribe, error)
}

// Inbox 通知收件箱
type Inbox struct {
	store Store
	now   func() time.Time
	unsub dispatch.Unsubscribe
}

// New 创建收件箱。store 为空时使用内存存储
func New(store Store) *Inbox {
	if store == nil {
		store = NewMemoryStore(DefaultLimit)
	}
	return &Inbox{store: store, now: time.Now}
}

// Attach 通过通配符订阅接收所有消息
func (in *Inbox) Attach(sub Subscriber) error {
	unsub, err := sub.Subscribe(types.Wildcard, in.Handle)
	if err != nil {
		return fmt.Errorf("subscribe inbox: %w", err)
	}
	in.unsub = unsub
	return nil
}

// Detach 取消订阅
func (in *Inbox) Detach() {
	if in.unsub != nil {
		in.unsub()
		in.unsub = nil
	}
}

// Handle 将消息转换为通知并保存
func (in *Inbox) Handle(msg types.ChannelMessage) {
	if msg.Type.IsLiveness() {
		return
	}
	n := in.toNotification(msg)
	if err := in.store.Add(n); err != nil {
		log.Errorw("save notification failed", "type", msg.RouteKey(), "error", err)
	}
}

func (in *Inbox) toNotification(msg types.ChannelMessage) types.Notification {
	key := types.MessageType(msg.RouteKey())
	tpl, ok := templates[key]
	if !ok {
		tpl = template{title: string(key), level: LevelInfo}
	}

	title, text := tpl.title, summarize(msg.Body())
	var body struct {
		Title   string `json:"title"`
		Message string `json:"message"`
		Content string `json:"content"`
		Level   string `json:"level"`
	}
	if err := msg.DecodeBody(&body); err == nil {
		if body.Title != "" {
			title = body.Title
		}
		switch {
		case body.Message != "":
			text = body.Message
		case body.Content != "":
			text = body.Content
		}
		switch body.Level {
		case LevelInfo, LevelSuccess, LevelWarning, LevelError:
			tpl.level = body.Level
		}
	}

	ts := msg.Timestamp
	if ts == 0 {
		ts = in.now().UnixMilli()
	}
	return types.Notification{
		ID:        utils.GenerateNotificationID(),
		Type:      tpl.level,
		Source:    key,
		Title:     title,
		Message:   text,
		Timestamp: ts,
	}
}

func summarize(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	const maxSummary = 200
	if len(raw) <= maxSummary {
		return string(raw)
	}
	cut := maxSummary
	for cut > 0 && !utf8.RuneStart(raw[cut]) {
		cut--
	}
	return string(raw[:cut])
}

// List 通知列表，最新的在前
func (in *Inbox) List() ([]types.Notification, error) { return in.store.List() }

// UnreadCount 未读数量
func (in *Inbox) UnreadCount() (int, error) { return in.store.UnreadCount() }

// MarkAsRead 标记单条已读
func (in *Inbox) MarkAsRead(id string) error { return in.store.MarkAsRead(id) }

// MarkAllAsRead 全部已读
func (in *Inbox) MarkAllAsRead() error { return in.store.MarkAllAsRead() }

// ClearAll 清空
func (in *Inbox) ClearAll() error { return in.store.Clear() }

// Close 取消订阅并关闭存储
func (in *Inbox) Close() error {
	in.Detach()
	return in.store.Close()
}

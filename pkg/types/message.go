package types

import (
	"encoding/json"
	"time"
)

// MessageType 通道消息类型
type MessageType string

const (
	ConsultationStatus    MessageType = "CONSULTATION_STATUS"
	ConsultationInvite    MessageType = "CONSULTATION_INVITE"
	PrescriptionStatus    MessageType = "PRESCRIPTION_STATUS"
	PrescriptionSubmitted MessageType = "PRESCRIPTION_SUBMITTED"
	PrescriptionReviewed  MessageType = "PRESCRIPTION_REVIEWED"
	ReferralInvite        MessageType = "REFERRAL_INVITE"
	MDTInvite             MessageType = "MDT_INVITE"
	FollowupReminder      MessageType = "FOLLOWUP_REMINDER"
	FollowupSubmitted     MessageType = "FOLLOWUP_SUBMITTED"
	SystemNotice          MessageType = "SYSTEM_NOTICE"
	SystemNotify          MessageType = "SYSTEM_NOTIFY"
	ChatMessage           MessageType = "CHAT_MESSAGE"
	JoinConsultation      MessageType = "JOIN_CONSULTATION"
	LeaveConsultation     MessageType = "LEAVE_CONSULTATION"
	Ping                  MessageType = "PING"
	Pong                  MessageType = "PONG"

	// Wildcard 订阅所有消息
	Wildcard = "*"
)

// IsLiveness PING/PONG 只在连接内部使用，不会分发给订阅者
func (t MessageType) IsLiveness() bool {
	return t == Ping || t == Pong
}

// ChannelMessage 通道消息
type ChannelMessage struct {
	Type        MessageType     `json:"type"`
	MessageType string          `json:"messageType,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   int64           `json:"timestamp"`
	TraceID     string          `json:"traceId,omitempty"`

	// Raw 收到的原始帧（包含未建模的字段），发送时忽略
	Raw json.RawMessage `json:"-"`
}

// NewMessage 创建带时间戳的消息，data 为 nil 时不携带 data 字段
func NewMessage(t MessageType, data interface{}) (ChannelMessage, error) {
	msg := ChannelMessage{
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return ChannelMessage{}, err
		}
		msg.Data = raw
	}
	return msg, nil
}

// RouteKey 分发使用的键：优先 messageType，其次 type
func (m ChannelMessage) RouteKey() string {
	if m.MessageType != "" {
		return m.MessageType
	}
	return string(m.Type)
}

// Body 返回 payload，缺省时返回 data
func (m ChannelMessage) Body() json.RawMessage {
	if len(m.Payload) > 0 {
		return m.Payload
	}
	return m.Data
}

// DecodeBody 将消息体解码到 v
func (m ChannelMessage) DecodeBody(v interface{}) error {
	body := m.Body()
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

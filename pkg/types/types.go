package types

import (
	"fmt"
	"time"
)

// Config 实时通道配置结构体
type Config struct {
	WSURL      string `json:"ws_url"`       // WebSocket地址
	APIBaseURL string `json:"api_base_url"` // REST接口基础地址
	TokenFile  string `json:"token_file"`   // 访问令牌文件

	HeartbeatInterval time.Duration `json:"heartbeat_interval"` // 心跳间隔
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout"`  // 心跳超时
	ReconnectBaseTime time.Duration `json:"reconnect_base"`     // 重连基础时间
	ReconnectMaxDelay time.Duration `json:"reconnect_max"`      // 重连最大间隔
	MaxReconnectTimes int           `json:"max_reconnect"`      // 最大重连次数
	HandshakeTimeout  time.Duration `json:"handshake_timeout"`  // 握手超时
	WriteTimeout      time.Duration `json:"write_timeout"`      // 写超时
	BufferSize        int           `json:"buffer_size"`        // 读写缓冲区大小

	Protocol    string `json:"protocol"`    // json 或 protobuf
	Compression string `json:"compression"` // none, gzip, snappy

	MaxSubscribersPerType int `json:"max_subscribers_per_type"` // 每种消息类型的订阅上限，0表示不限

	ICEServers []string `json:"ice_servers"`
	LogLevel   string   `json:"log_level"`

	// 开发后端
	ListenAddr string `json:"listen_addr"`
	JWTSecret  string `json:"jwt_secret"`
	RedisAddr  string `json:"redis_addr"`
	InboxDB    string `json:"inbox_db"`
}

// DefaultConfig 返回生产环境默认配置
func DefaultConfig() *Config {
	return &Config{
		WSURL:                 "ws://localhost:8080/ws",
		APIBaseURL:            "http://localhost:8080/api",
		HeartbeatInterval:     30 * time.Second,
		HeartbeatTimeout:      10 * time.Second,
		ReconnectBaseTime:     1 * time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		MaxReconnectTimes:     10,
		HandshakeTimeout:      10 * time.Second,
		WriteTimeout:          10 * time.Second,
		BufferSize:            4096,
		Protocol:              "json",
		Compression:           "none",
		MaxSubscribersPerType: 256,
		ICEServers:            []string{"stun:stun.l.google.com:19302"},
		LogLevel:              "info",
		ListenAddr:            ":8080",
	}
}

// Validate 检查配置是否合法
func (c *Config) Validate() error {
	switch {
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("heartbeat interval must be positive, got %v", c.HeartbeatInterval)
	case c.HeartbeatTimeout <= 0:
		return fmt.Errorf("heartbeat timeout must be positive, got %v", c.HeartbeatTimeout)
	case c.ReconnectBaseTime <= 0:
		return fmt.Errorf("reconnect base must be positive, got %v", c.ReconnectBaseTime)
	case c.ReconnectMaxDelay < c.ReconnectBaseTime:
		return fmt.Errorf("reconnect max delay %v is below base %v", c.ReconnectMaxDelay, c.ReconnectBaseTime)
	case c.MaxReconnectTimes < 0:
		return fmt.Errorf("max reconnect times must not be negative, got %d", c.MaxReconnectTimes)
	case c.MaxSubscribersPerType < 0:
		return fmt.Errorf("max subscribers per type must not be negative, got %d", c.MaxSubscribersPerType)
	}
	switch c.Protocol {
	case "json", "protobuf":
	default:
		return fmt.Errorf("unknown protocol %q", c.Protocol)
	}
	switch c.Compression {
	case "", "none", "gzip", "snappy":
	default:
		return fmt.Errorf("unknown compression %q", c.Compression)
	}
	return nil
}

// ConnectionState 连接状态
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	TotalMessages     int64         // 收到的消息数
	SentMessages      int64         // 发送的消息数
	DroppedMessages   int64         // 丢弃消息数
	ReconnectAttempts int           // 当前重连次数
	LastRTT           time.Duration // 最近一次心跳往返时延
}

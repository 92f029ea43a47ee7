package utils

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateTraceID 生成消息追踪ID（16位十六进制，与后端 traceId 格式一致）
func GenerateTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// GenerateConnectionID 生成唯一连接ID
func GenerateConnectionID() string {
	return "conn-" + uuid.NewString()
}

// GenerateNotificationID 生成通知ID
func GenerateNotificationID() string {
	return uuid.NewString()
}

// IsValidURL 检查URL是否为 ws/wss 地址
func IsValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "ws" || u.Scheme == "wss") && u.Host != ""
}

// BuildSocketURL 在地址上附加 token 查询参数，保留已有参数
func BuildSocketURL(base, token string) (string, error) {
	if !IsValidURL(base) {
		return "", fmt.Errorf("invalid websocket url %q", base)
	}
	u, _ := url.Parse(base)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// CalculateBackoff 计算第 attempt 次重连的等待时间：min(base*2^(attempt-1), max)
func CalculateBackoff(attempt int, baseTime, maxDelay time.Duration) time.Duration {
	if attempt <= 1 {
		return minDuration(baseTime, maxDelay)
	}
	delay := baseTime
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	return delay
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

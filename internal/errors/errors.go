package errors

import (
	"errors"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("realtime")

// 定义错误类型
var (
	ErrConnectionClosed    = errors.New("connection closed")
	ErrNotConnected        = errors.New("connection not ready")
	ErrNoToken             = errors.New("no auth token")
	ErrTokenExpired        = errors.New("auth token expired")
	ErrMaxReconnect        = errors.New("max reconnect times reached")
	ErrStaleConnect        = errors.New("connect superseded by disconnect")
	ErrTooManySubscribers  = errors.New("too many subscribers for message type")
	ErrInvalidMessage      = errors.New("invalid message")
	ErrCompressionFailed   = errors.New("compression failed")
	ErrDecompressionFailed = errors.New("decompression failed")
	ErrProtocolError       = errors.New("protocol error")
	ErrHandlerPanic        = errors.New("message handler panicked")
	ErrUserOffline         = errors.New("user not online")
)

// Is 转发到标准库，便于同时引入本包时使用
func Is(err, target error) bool { return errors.Is(err, target) }

// ErrorCenter 错误处理中心
type ErrorCenter struct {
	mu             sync.RWMutex
	nextID         int
	errorCallbacks map[int]func(error) // 错误回调函数
	order          []int
}

// NewErrorCenter 创建新的错误处理中心
func NewErrorCenter() *ErrorCenter {
	return &ErrorCenter{
		errorCallbacks: make(map[int]func(error)),
	}
}

// AddErrorCallback 添加错误回调函数，返回移除函数
func (ec *ErrorCenter) AddErrorCallback(callback func(error)) func() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	id := ec.nextID
	ec.nextID++
	ec.errorCallbacks[id] = callback
	ec.order = append(ec.order, id)
	return func() {
		ec.mu.Lock()
		defer ec.mu.Unlock()
		if _, ok := ec.errorCallbacks[id]; !ok {
			return
		}
		delete(ec.errorCallbacks, id)
		for i, v := range ec.order {
			if v == id {
				ec.order = append(ec.order[:i], ec.order[i+1:]...)
				break
			}
		}
	}
}

// ReportError 报告错误：记录日志并通知所有回调
func (ec *ErrorCenter) ReportError(err error) {
	if err == nil {
		return
	}
	log.Warnf("%v", err)

	ec.mu.RLock()
	callbacks := make([]func(error), 0, len(ec.order))
	for _, id := range ec.order {
		callbacks = append(callbacks, ec.errorCallbacks[id])
	}
	ec.mu.RUnlock()

	for _, callback := range callbacks {
		callback(err)
	}
}

// ClearCallbacks 清空所有回调函数
func (ec *ErrorCenter) ClearCallbacks() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.errorCallbacks = make(map[int]func(error))
	ec.order = nil
}

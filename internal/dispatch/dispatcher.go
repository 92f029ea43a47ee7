// Package dispatch routes inbound channel messages to subscribers by type.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/BetaCatPro/medlink-rt/internal/errors"
	"github.com/BetaCatPro/medlink-rt/pkg/types"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("dispatch")

// Handler 消息处理函数
type Handler func(types.ChannelMessage)

// Unsubscribe 取消订阅，可重复调用
type Unsubscribe func()

type subscription struct {
	id      uint64
	handler Handler
}

// Dispatcher 订阅表与消息分发
type Dispatcher struct {
	mu          sync.RWMutex
	handlers    map[string][]subscription
	nextID      uint64
	maxPerType  int
	errorCenter *errors.ErrorCenter
}

// NewDispatcher 创建分发器，maxPerType 为 0 表示不限制订阅数
func NewDispatcher(maxPerType int, errorCenter *errors.ErrorCenter) *Dispatcher {
	if errorCenter == nil {
		errorCenter = errors.NewErrorCenter()
	}
	return &Dispatcher{
		handlers:    make(map[string][]subscription),
		maxPerType:  maxPerType,
		errorCenter: errorCenter,
	}
}

// Subscribe 订阅指定类型或通配符 "*" 的消息
func (d *Dispatcher) Subscribe(msgType string, handler Handler) (Unsubscribe, error) {
	if handler == nil {
		return nil, fmt.Errorf("nil handler for %q", msgType)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.maxPerType > 0 && len(d.handlers[msgType]) >= d.maxPerType {
		return nil, fmt.Errorf("%w: %s (limit %d)", errors.ErrTooManySubscribers, msgType, d.maxPerType)
	}

	d.nextID++
	id := d.nextID
	d.handlers[msgType] = append(d.handlers[msgType], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(msgType, id) })
	}, nil
}

func (d *Dispatcher) remove(msgType string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.handlers[msgType]
	for i, s := range subs {
		if s.id == id {
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(d.handlers, msgType)
			} else {
				d.handlers[msgType] = next
			}
			return
		}
	}
}

// Dispatch 同步分发消息：先按类型，再分发给通配符订阅者。返回调用的处理函数数量
func (d *Dispatcher) Dispatch(msg types.ChannelMessage) int {
	if msg.Type.IsLiveness() {
		return 0
	}
	key := msg.RouteKey()

	d.mu.RLock()
	var exact []subscription
	if key != types.Wildcard {
		exact = d.handlers[key]
	}
	wildcard := d.handlers[types.Wildcard]
	d.mu.RUnlock()

	invoked := 0
	for _, s := range exact {
		d.invoke(key, s, msg)
		invoked++
	}
	for _, s := range wildcard {
		d.invoke(types.Wildcard, s, msg)
		invoked++
	}
	if invoked == 0 {
		log.Debugw("no subscriber", "type", key)
	}
	return invoked
}

// invoke 单个处理函数的错误边界
func (d *Dispatcher) invoke(key string, s subscription, msg types.ChannelMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.errorCenter.ReportError(fmt.Errorf("%w: type=%s subscription=%d: %v", errors.ErrHandlerPanic, key, s.id, r))
		}
	}()
	s.handler(msg)
}

// Count 指定类型的订阅数
func (d *Dispatcher) Count(msgType string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[msgType])
}

// Len 订阅总数
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, subs := range d.handlers {
		n += len(subs)
	}
	return n
}

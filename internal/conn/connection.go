package conn

import (
	"fmt"
	"sync"
	"time"

	"github.com/BetaCatPro/medlink-rt/internal/errors"
	"github.com/BetaCatPro/medlink-rt/internal/protocol"
	"github.com/BetaCatPro/medlink-rt/internal/utils"
	"github.com/BetaCatPro/medlink-rt/pkg/types"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/atomic"
)

var log = logging.Logger("realtime")

// Connection 单个WebSocket连接，客户端与开发后端共用
type Connection struct {
	conn        *websocket.Conn     // 底层WebSocket连接
	codec       *protocol.Codec     // 编解码器
	errorCenter *errors.ErrorCenter // 错误处理中心
	id          string              // 连接ID

	writeTimeout time.Duration
	sendMutex    sync.Mutex // 发送锁

	isConnected atomic.Bool // 连接状态
	done        chan struct{}
	closeOnce   sync.Once

	received atomic.Int64
	sent     atomic.Int64

	// 回调在 Start 之前设置
	messageHandler func(types.ChannelMessage)
	closeHandler   func(error)
}

// NewConnection 包装已建立的WebSocket连接
func NewConnection(wsConn *websocket.Conn, codec *protocol.Codec, errorCenter *errors.ErrorCenter, writeTimeout time.Duration) *Connection {
	if errorCenter == nil {
		errorCenter = errors.NewErrorCenter()
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	c := &Connection{
		conn:         wsConn,
		codec:        codec,
		errorCenter:  errorCenter,
		id:           utils.GenerateConnectionID(),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	c.isConnected.Store(true)
	return c
}

// SetMessageHandler 设置消息处理回调
func (c *Connection) SetMessageHandler(handler func(types.ChannelMessage)) {
	c.messageHandler = handler
}

// SetCloseHandler 设置关闭回调，每个连接只触发一次
func (c *Connection) SetCloseHandler(handler func(error)) {
	c.closeHandler = handler
}

// Start 启动读取协程
func (c *Connection) Start() {
	go c.readMessages()
}

// readMessages 读取来自WebSocket的消息，连接的唯一关闭出口
func (c *Connection) readMessages() {
	var readErr error
	defer func() { c.finish(readErr) }()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.errorCenter.ReportError(fmt.Errorf("read message error: %w", err))
			}
			readErr = err
			return
		}

		msg, err := c.codec.Decode(msgType, data)
		if err != nil {
			log.Errorw("消息解析失败", "conn", c.id, "error", err)
			continue
		}
		c.received.Inc()

		if c.messageHandler != nil {
			c.messageHandler(msg)
		}
	}
}

// Send 编码并写入消息
func (c *Connection) Send(msg types.ChannelMessage) error {
	if !c.isConnected.Load() {
		return errors.ErrConnectionClosed
	}

	frameType, data, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}

	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(frameType, data); err != nil {
		return fmt.Errorf("write message failed: %w", err)
	}
	c.sent.Inc()
	return nil
}

// Close 主动关闭连接：先发送关闭帧，再由读取协程完成清理
func (c *Connection) Close() {
	if !c.isConnected.Load() {
		return
	}
	c.sendMutex.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.sendMutex.Unlock()
	c.conn.Close()
}

// finish 标记关闭并触发一次关闭回调
func (c *Connection) finish(err error) {
	c.closeOnce.Do(func() {
		c.isConnected.Store(false)
		close(c.done)
		c.conn.Close()
		if c.closeHandler != nil {
			c.closeHandler(err)
		}
	})
}

// Done 连接关闭后关闭的通道
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// IsConnected 检查连接状态
func (c *Connection) IsConnected() bool {
	return c.isConnected.Load()
}

// GetID 获取连接ID
func (c *Connection) GetID() string {
	return c.id
}

// Received 已收到的消息数
func (c *Connection) Received() int64 {
	return c.received.Load()
}

// Sent 已发送的消息数
func (c *Connection) Sent() int64 {
	return c.sent.Load()
}

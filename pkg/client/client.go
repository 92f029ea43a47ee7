package client

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/BetaCatPro/medlink-rt/internal/auth"
	"github.com/BetaCatPro/medlink-rt/internal/conn"
	"github.com/BetaCatPro/medlink-rt/internal/dispatch"
	"github.com/BetaCatPro/medlink-rt/internal/errors"
	"github.com/BetaCatPro/medlink-rt/internal/protocol"
	"github.com/BetaCatPro/medlink-rt/internal/utils"
	"github.com/BetaCatPro/medlink-rt/pkg/types"
	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/atomic"
)

var log = logging.Logger("realtime")

// Dialer 建立WebSocket连接，*websocket.Dialer 即满足
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// StateHandler 连接状态变化回调
type StateHandler func(old, new types.ConnectionState)

type stateChange struct {
	old, new types.ConnectionState
}

// Client 实时通道客户端：持久连接、心跳、重连与消息分发
type Client struct {
	url          string
	config       *types.Config
	tokens       auth.TokenSource
	dialer       Dialer
	codec        *protocol.Codec
	clock        clock.Clock
	dispatcher   *dispatch.Dispatcher
	errorCenter  *errors.ErrorCenter
	reconnectMgr *conn.ReconnectManager
	heartbeat    *conn.Heartbeat
	headers      http.Header

	mu       sync.Mutex
	state    types.ConnectionState
	conn     *conn.Connection
	manual   bool   // 主动断开后不再自动重连
	epoch    uint64 // 每次建连或断开递增，用于丢弃过期的连接结果
	pending  []stateChange
	handlers map[int]StateHandler
	nextID   int

	received atomic.Int64
	sent     atomic.Int64
	dropped  atomic.Int64
	lastRTT  atomic.Duration
}

// Option 客户端选项
type Option func(*Client)

// WithDialer 替换默认拨号器
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithClock 替换时钟，测试中使用 clock.NewMock()
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithDispatcher 共享已有的分发器
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(c *Client) { c.dispatcher = d }
}

// WithErrorCenter 共享错误处理中心
func WithErrorCenter(ec *errors.ErrorCenter) Option {
	return func(c *Client) { c.errorCenter = ec }
}

// NewClient 创建新的实时通道客户端。每个实例拥有独立的连接与订阅表
func NewClient(serverURL string, config *types.Config, tokens auth.TokenSource, opts ...Option) (*Client, error) {
	if config == nil {
		config = types.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if !utils.IsValidURL(serverURL) {
		return nil, fmt.Errorf("invalid websocket url %q", serverURL)
	}
	codec, err := protocol.NewCodec(config.Protocol, config.Compression)
	if err != nil {
		return nil, err
	}

	c := &Client{
		url:      serverURL,
		config:   config,
		tokens:   tokens,
		codec:    codec,
		headers:  http.Header{},
		state:    types.Disconnected,
		handlers: make(map[int]StateHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokens == nil {
		c.tokens = auth.StaticToken("")
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.errorCenter == nil {
		c.errorCenter = errors.NewErrorCenter()
	}
	if c.dispatcher == nil {
		c.dispatcher = dispatch.NewDispatcher(config.MaxSubscribersPerType, c.errorCenter)
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
			ReadBufferSize:   config.BufferSize,
			WriteBufferSize:  config.BufferSize,
		}
	}
	c.reconnectMgr = conn.NewReconnectManager(config, c.clock)
	c.heartbeat = conn.NewHeartbeat(c.clock, config.HeartbeatInterval, config.HeartbeatTimeout, c.sendPing, c.forceClose)
	c.heartbeat.OnPong(func(rtt time.Duration) {
		c.lastRTT.Store(rtt)
	})
	return c, nil
}

// token 取令牌并在本地校验，失败时不发起网络请求
func (c *Client) token() (string, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}
	if err := auth.CheckExpiry(token, c.clock.Now()); err != nil {
		return "", err
	}
	return token, nil
}

// Connect 连接服务器。已连接或正在连接时直接返回
func (c *Client) Connect(ctx context.Context) error {
	token, err := c.token()
	if err != nil {
		log.Warnw("未登录，无法连接", "error", err)
		return err
	}

	c.mu.Lock()
	if c.state == types.Connecting || c.state == types.Connected {
		c.mu.Unlock()
		return nil
	}
	c.manual = false
	c.reconnectMgr.Cancel()
	c.epoch++
	epoch := c.epoch
	c.setStateLocked(types.Connecting)
	c.unlockAndNotify()

	return c.dial(ctx, epoch, token)
}

// reconnect 由重连管理器在退避时间到达后调用
func (c *Client) reconnect(attempt int) {
	c.mu.Lock()
	if c.manual || c.state != types.Reconnecting {
		c.mu.Unlock()
		return
	}
	c.epoch++
	epoch := c.epoch
	c.setStateLocked(types.Connecting)
	c.unlockAndNotify()

	token, err := c.token()
	if err != nil {
		// 令牌失效后停止重连，等待外部重新调用 Connect
		c.mu.Lock()
		if epoch == c.epoch {
			c.setStateLocked(types.Disconnected)
		}
		c.unlockAndNotify()
		c.errorCenter.ReportError(fmt.Errorf("reconnect attempt %d aborted: %w", attempt, err))
		return
	}
	log.Infow("尝试重连", "attempt", attempt)
	if err := c.dial(context.Background(), epoch, token); err != nil {
		log.Debugw("重连失败", "attempt", attempt, "error", err)
	}
}

// dial 拨号并在成功后接管连接；结果与 epoch 不一致时丢弃
func (c *Client) dial(ctx context.Context, epoch uint64, token string) error {
	target, err := utils.BuildSocketURL(c.url, token)
	if err != nil {
		c.mu.Lock()
		if epoch == c.epoch {
			c.setStateLocked(types.Disconnected)
		}
		c.unlockAndNotify()
		return err
	}

	if c.config.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.HandshakeTimeout)
		defer cancel()
	}

	c.mu.Lock()
	header := c.headers.Clone()
	c.mu.Unlock()

	wsConn, _, dialErr := c.dialer.DialContext(ctx, target, header)

	c.mu.Lock()
	if epoch != c.epoch || c.manual {
		c.mu.Unlock()
		if wsConn != nil {
			wsConn.Close()
		}
		log.Debugw("丢弃过期的连接结果", "epoch", epoch)
		return errors.ErrStaleConnect
	}

	if dialErr != nil {
		// 拨号失败视同连接关闭
		c.setStateLocked(types.Disconnected)
		exhausted := c.scheduleReconnectLocked()
		c.unlockAndNotify()
		c.errorCenter.ReportError(fmt.Errorf("dial %s: %w", c.url, dialErr))
		if exhausted {
			c.errorCenter.ReportError(errors.ErrMaxReconnect)
		}
		return dialErr
	}

	connection := conn.NewConnection(wsConn, c.codec, c.errorCenter, c.config.WriteTimeout)
	connection.SetMessageHandler(c.handleMessage)
	connection.SetCloseHandler(func(err error) {
		c.handleClose(epoch, connection, err)
	})
	c.conn = connection
	c.reconnectMgr.Reset()
	c.setStateLocked(types.Connected)
	c.heartbeat.Start()
	connection.Start()
	c.unlockAndNotify()

	log.Infow("连接成功", "conn", connection.GetID())
	return nil
}

// handleClose 连接关闭的唯一入口：停止心跳，非主动断开时调度重连
func (c *Client) handleClose(epoch uint64, connection *conn.Connection, err error) {
	c.mu.Lock()
	if c.conn != connection {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.heartbeat.Stop()
	c.setStateLocked(types.Disconnected)
	exhausted := false
	if !c.manual && epoch == c.epoch {
		exhausted = c.scheduleReconnectLocked()
	}
	c.unlockAndNotify()

	log.Infow("连接关闭", "conn", connection.GetID(), "error", err)
	if exhausted {
		c.errorCenter.ReportError(errors.ErrMaxReconnect)
	}
}

// scheduleReconnectLocked 调度重连，返回是否已达到上限
func (c *Client) scheduleReconnectLocked() bool {
	if _, ok := c.reconnectMgr.ScheduleReconnect(c.reconnect); ok {
		c.setStateLocked(types.Reconnecting)
		return false
	}
	return c.reconnectMgr.Exhausted()
}

// handleMessage 拦截心跳响应，其余消息交给分发器
func (c *Client) handleMessage(msg types.ChannelMessage) {
	c.received.Inc()
	switch msg.Type {
	case types.Pong:
		c.heartbeat.Pong()
		return
	case types.Ping:
		return
	}
	c.dispatcher.Dispatch(msg)
}

// sendPing 心跳探测
func (c *Client) sendPing() error {
	c.mu.Lock()
	connection := c.conn
	c.mu.Unlock()
	if connection == nil {
		return errors.ErrNotConnected
	}
	return connection.Send(types.ChannelMessage{
		Type:      types.Ping,
		Timestamp: c.clock.Now().UnixMilli(),
	})
}

// forceClose 心跳超时后强制关闭，交由关闭流程触发重连
func (c *Client) forceClose() {
	c.mu.Lock()
	connection := c.conn
	c.mu.Unlock()
	if connection != nil {
		connection.Close()
	}
}

// Disconnect 主动断开，停止心跳并取消重连
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.epoch++
	c.reconnectMgr.Cancel()
	c.heartbeat.Stop()
	connection := c.conn
	c.conn = nil
	c.setStateLocked(types.Disconnected)
	c.unlockAndNotify()

	if connection != nil {
		connection.Close()
	}
}

// Close 关闭客户端
func (c *Client) Close() {
	c.Disconnect()
}

// Send 发送消息。连接未就绪时丢弃消息并返回 ErrNotConnected
func (c *Client) Send(msg types.ChannelMessage) error {
	c.mu.Lock()
	connection := c.conn
	state := c.state
	c.mu.Unlock()

	if state != types.Connected || connection == nil {
		c.dropped.Inc()
		log.Warnw("连接未就绪，无法发送消息", "type", msg.Type, "state", state)
		return errors.ErrNotConnected
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = c.clock.Now().UnixMilli()
	}
	if msg.TraceID == "" {
		msg.TraceID = utils.GenerateTraceID()
	}
	if err := connection.Send(msg); err != nil {
		c.dropped.Inc()
		return err
	}
	c.sent.Inc()
	return nil
}

// SendChat 发送聊天消息
func (c *Client) SendChat(data interface{}) error {
	msg, err := types.NewMessage(types.ChatMessage, data)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

type consultationRef struct {
	ConsultationID int64 `json:"consultationId"`
}

// JoinConsultation 通知后端加入问诊房间的消息推送
func (c *Client) JoinConsultation(consultationID int64) error {
	return c.sendConsultation(types.JoinConsultation, consultationID)
}

// LeaveConsultation 通知后端离开问诊房间
func (c *Client) LeaveConsultation(consultationID int64) error {
	return c.sendConsultation(types.LeaveConsultation, consultationID)
}

func (c *Client) sendConsultation(t types.MessageType, consultationID int64) error {
	msg, err := types.NewMessage(t, consultationRef{ConsultationID: consultationID})
	if err != nil {
		return err
	}
	msg.Payload = msg.Data
	return c.Send(msg)
}

// Subscribe 订阅消息类型，"*" 订阅全部
func (c *Client) Subscribe(msgType string, handler dispatch.Handler) (dispatch.Unsubscribe, error) {
	return c.dispatcher.Subscribe(msgType, handler)
}

// Dispatcher 返回客户端使用的分发器
func (c *Client) Dispatcher() *dispatch.Dispatcher {
	return c.dispatcher
}

// ErrorCenter 返回错误处理中心
func (c *Client) ErrorCenter() *errors.ErrorCenter {
	return c.errorCenter
}

// OnStateChange 注册状态变化回调，返回注销函数
func (c *Client) OnStateChange(handler StateHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

// setStateLocked 更新状态并记录待通知的变化，调用方持有锁
func (c *Client) setStateLocked(s types.ConnectionState) {
	if c.state == s {
		return
	}
	c.pending = append(c.pending, stateChange{old: c.state, new: s})
	c.state = s
}

// unlockAndNotify 释放锁后通知状态变化
func (c *Client) unlockAndNotify() {
	changes := c.pending
	c.pending = nil
	var handlers []StateHandler
	if len(changes) > 0 {
		ids := make([]int, 0, len(c.handlers))
		for id := range c.handlers {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			handlers = append(handlers, c.handlers[id])
		}
	}
	c.mu.Unlock()

	for _, ch := range changes {
		log.Debugw("state", "from", ch.old, "to", ch.new)
		for _, h := range handlers {
			h(ch.old, ch.new)
		}
	}
}

// SetHeader 设置握手请求头
func (c *Client) SetHeader(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers.Set(key, value)
}

// State 当前连接状态
func (c *Client) State() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.State() == types.Connected
}

// NetworkQuality 根据最近一次心跳往返时延估算网络质量
func (c *Client) NetworkQuality() types.NetworkQuality {
	return types.QualityFromRTT(c.lastRTT.Load())
}

// GetStats 获取统计信息
func (c *Client) GetStats() types.ConnectionStats {
	return types.ConnectionStats{
		TotalMessages:     c.received.Load(),
		SentMessages:      c.sent.Load(),
		DroppedMessages:   c.dropped.Load(),
		ReconnectAttempts: c.reconnectMgr.Attempts(),
		LastRTT:           c.lastRTT.Load(),
	}
}

// ConnectionID 当前连接ID，未连接时为空
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.GetID()
}

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/BetaCatPro/medlink-rt/internal/conn"
	"github.com/BetaCatPro/medlink-rt/internal/errors"
	"github.com/BetaCatPro/medlink-rt/internal/presence"
	"github.com/BetaCatPro/medlink-rt/internal/protocol"
	"github.com/BetaCatPro/medlink-rt/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("server")

const devSecret = "medlink-dev-secret"

// Server 开发后端：WebSocket 通道与视频房间接口
type Server struct {
	config      *types.Config
	codec       *protocol.Codec
	connManager *conn.ConnectionManager
	errorCenter *errors.ErrorCenter
	upgrader    websocket.Upgrader
	secret      []byte
	router      *gin.Engine
	server      *http.Server
	mutex       sync.RWMutex
	now         func() time.Time

	// 回调函数
	connectHandler    func(string)
	disconnectHandler func(string, error)
	messageHandler    func(string, types.ChannelMessage)
}

// NewServer 创建开发后端，store 为空时房间成员保存在内存中
func NewServer(config *types.Config, store presence.Store) (*Server, error) {
	if config == nil {
		config = types.DefaultConfig()
	}
	codec, err := protocol.NewCodec(config.Protocol, config.Compression)
	if err != nil {
		return nil, err
	}
	secret := config.JWTSecret
	if secret == "" {
		log.Warnw("未配置 JWT 密钥，使用开发默认值")
		secret = devSecret
	}

	s := &Server{
		config:      config,
		codec:       codec,
		connManager: conn.NewConnectionManager(store),
		errorCenter: errors.NewErrorCenter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.BufferSize,
			WriteBufferSize: config.BufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		secret: []byte(secret),
		now:    time.Now,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), traceMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "online": s.connManager.OnlineCount()})
	})
	router.GET("/ws", s.handleWebSocket)

	api := router.Group("/api")
	{
		api.POST("/auth/token", s.handleLogin)

		rtc := api.Group("/rtc", s.jwtAuth())
		rtc.GET("/token/:id", s.handleRTCToken)
		rtc.POST("/join/:id", s.handleRTCJoin)
		rtc.POST("/leave/:id", s.handleRTCLeave)

		api.POST("/push", s.jwtAuth(), s.handlePush)
	}
	return router
}

// Handler 返回 HTTP 处理器，便于嵌入其他服务或测试
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动服务器，阻塞直到关闭
func (s *Server) Start() error {
	s.mutex.Lock()
	s.server = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.router,
	}
	srv := s.server
	s.mutex.Unlock()

	log.Infow("开发后端启动", "addr", s.config.ListenAddr)
	return srv.ListenAndServe()
}

// handleWebSocket 校验 ?token= 后升级连接
func (s *Server) handleWebSocket(c *gin.Context) {
	claims, err := s.VerifyToken(c.Query("token"))
	if err != nil {
		log.Warnw("WebSocket握手认证失败", "remote", c.ClientIP(), "error", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, failure(codeUnauthorized, "Invalid token", c))
		return
	}
	userID := claims.Subject

	wsConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnw("升级连接失败", "error", err)
		return
	}

	connection := conn.NewConnection(wsConn, s.codec, s.errorCenter, s.config.WriteTimeout)
	connection.SetMessageHandler(func(msg types.ChannelMessage) {
		s.handleClientMessage(userID, connection, msg)
	})
	connection.SetCloseHandler(func(err error) {
		s.connManager.RemoveConnection(context.Background(), userID, connection)
		log.Infow("WebSocket连接关闭", "user", userID, "conn", connection.GetID())

		s.mutex.RLock()
		handler := s.disconnectHandler
		s.mutex.RUnlock()
		if handler != nil {
			handler(userID, err)
		}
	})

	s.connManager.AddConnection(userID, connection)
	connection.Start()
	log.Infow("WebSocket连接建立", "user", userID, "conn", connection.GetID())

	s.mutex.RLock()
	handler := s.connectHandler
	s.mutex.RUnlock()
	if handler != nil {
		handler(userID)
	}
}

// handleClientMessage 处理客户端消息
func (s *Server) handleClientMessage(userID string, connection *conn.Connection, msg types.ChannelMessage) {
	switch msg.Type {
	case types.Ping:
		pong := types.ChannelMessage{Type: types.Pong, Timestamp: s.now().UnixMilli(), TraceID: msg.TraceID}
		if err := connection.Send(pong); err != nil {
			log.Debugw("回复PONG失败", "user", userID, "error", err)
		}
		return
	case types.JoinConsultation, types.LeaveConsultation:
		id, err := consultationID(msg)
		if err != nil {
			log.Warnw("问诊消息缺少 consultationId", "user", userID, "type", msg.Type, "error", err)
			return
		}
		ctx := context.Background()
		if msg.Type == types.JoinConsultation {
			err = s.connManager.JoinRoom(ctx, roomName(id), userID)
			log.Infow("用户加入问诊房间", "user", userID, "consultation", id)
		} else {
			err = s.connManager.LeaveRoom(ctx, roomName(id), userID)
			log.Infow("用户离开问诊房间", "user", userID, "consultation", id)
		}
		if err != nil {
			log.Errorw("更新房间成员失败", "user", userID, "consultation", id, "error", err)
		}
	case types.ChatMessage:
		s.relayChat(userID, msg)
	default:
		log.Debugw("未处理的消息类型", "user", userID, "type", msg.RouteKey())
	}

	s.mutex.RLock()
	handler := s.messageHandler
	s.mutex.RUnlock()
	if handler != nil {
		handler(userID, msg)
	}
}

// relayChat 将聊天消息转发给同一问诊房间的其他成员
func (s *Server) relayChat(userID string, msg types.ChannelMessage) {
	id, err := consultationID(msg)
	if err != nil {
		return
	}
	n, err := s.connManager.BroadcastToRoom(context.Background(), roomName(id), msg, userID)
	if err != nil {
		log.Warnw("转发聊天消息失败", "consultation", id, "error", err)
		return
	}
	log.Debugw("聊天消息已转发", "consultation", id, "recipients", n)
}

// consultationID 依次从消息顶层、data、payload 中读取 consultationId
func consultationID(msg types.ChannelMessage) (int64, error) {
	for _, raw := range []json.RawMessage{msg.Raw, msg.Data, msg.Payload} {
		if len(raw) == 0 {
			continue
		}
		var holder struct {
			ConsultationID json.Number `json:"consultationId"`
		}
		if err := json.Unmarshal(raw, &holder); err != nil || holder.ConsultationID == "" {
			continue
		}
		id, err := strconv.ParseInt(holder.ConsultationID.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse consultationId: %w", err)
		}
		return id, nil
	}
	return 0, fmt.Errorf("%w: consultationId missing", errors.ErrInvalidMessage)
}

// SetConnectHandler 设置连接成功回调
func (s *Server) SetConnectHandler(handler func(string)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.connectHandler = handler
}

// SetDisconnectHandler 设置断开连接回调
func (s *Server) SetDisconnectHandler(handler func(string, error)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.disconnectHandler = handler
}

// SetMessageHandler 设置消息处理回调
func (s *Server) SetMessageHandler(handler func(string, types.ChannelMessage)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.messageHandler = handler
}

// SendToUser 发送消息到指定用户
func (s *Server) SendToUser(userID string, msg types.ChannelMessage) error {
	return s.connManager.SendToUser(userID, msg)
}

// BroadcastToRoom 发送消息到问诊房间
func (s *Server) BroadcastToRoom(ctx context.Context, consultationID int64, msg types.ChannelMessage) (int, error) {
	return s.connManager.BroadcastToRoom(ctx, roomName(consultationID), msg, "")
}

// Broadcast 广播消息到所有客户端
func (s *Server) Broadcast(msg types.ChannelMessage) int {
	return s.connManager.Broadcast(msg)
}

// RoomMembers 问诊房间内的用户
func (s *Server) RoomMembers(ctx context.Context, consultationID int64) ([]string, error) {
	return s.connManager.RoomMembers(ctx, roomName(consultationID))
}

// OnlineCount 在线用户数
func (s *Server) OnlineCount() int {
	return s.connManager.OnlineCount()
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() types.ConnectionStats {
	return s.connManager.GetStats()
}

// ErrorCenter 服务端错误处理中心
func (s *Server) ErrorCenter() *errors.ErrorCenter {
	return s.errorCenter
}

// Stop 关闭所有连接并停止服务器
func (s *Server) Stop(ctx context.Context) error {
	s.connManager.CloseAll()
	s.mutex.RLock()
	srv := s.server
	s.mutex.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

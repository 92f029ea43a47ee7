package conn

import (
	"context"
	"fmt"
	"sync"

	"github.com/BetaCatPro/medlink-rt/internal/errors"
	"github.com/BetaCatPro/medlink-rt/internal/presence"
	"github.com/BetaCatPro/medlink-rt/pkg/types"
)

// ConnectionManager 开发后端的连接管理器：用户连接与问诊房间成员
type ConnectionManager struct {
	connections map[string]*Connection // userID -> 连接
	presence    presence.Store
	mutex       sync.RWMutex
}

// NewConnectionManager 创建连接管理器，store 为空时使用内存存储
func NewConnectionManager(store presence.Store) *ConnectionManager {
	if store == nil {
		store = presence.NewMemoryStore()
	}
	return &ConnectionManager{
		connections: make(map[string]*Connection),
		presence:    store,
	}
}

// AddConnection 添加用户连接，同一用户的旧连接会被关闭
func (cm *ConnectionManager) AddConnection(userID string, conn *Connection) {
	cm.mutex.Lock()
	old, exists := cm.connections[userID]
	cm.connections[userID] = conn
	cm.mutex.Unlock()

	if exists && old != conn {
		log.Infow("用户重复连接，关闭旧连接", "user", userID, "old", old.GetID())
		old.Close()
	}
}

// RemoveConnection 移除连接。只有当前登记的连接才会被移除，并离开其所有房间
func (cm *ConnectionManager) RemoveConnection(ctx context.Context, userID string, conn *Connection) {
	cm.mutex.Lock()
	current, exists := cm.connections[userID]
	if !exists || current != conn {
		cm.mutex.Unlock()
		return
	}
	delete(cm.connections, userID)
	cm.mutex.Unlock()

	rooms, err := cm.presence.LeaveAll(ctx, userID)
	if err != nil {
		log.Warnw("清理房间成员失败", "user", userID, "error", err)
		return
	}
	if len(rooms) > 0 {
		log.Infow("用户断开，离开房间", "user", userID, "rooms", rooms)
	}
}

// GetConnection 获取用户连接
func (cm *ConnectionManager) GetConnection(userID string) (*Connection, bool) {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	conn, exists := cm.connections[userID]
	return conn, exists
}

// JoinRoom 加入问诊房间
func (cm *ConnectionManager) JoinRoom(ctx context.Context, room, userID string) error {
	return cm.presence.Join(ctx, room, userID)
}

// LeaveRoom 离开问诊房间
func (cm *ConnectionManager) LeaveRoom(ctx context.Context, room, userID string) error {
	return cm.presence.Leave(ctx, room, userID)
}

// RoomMembers 房间内的用户
func (cm *ConnectionManager) RoomMembers(ctx context.Context, room string) ([]string, error) {
	return cm.presence.Members(ctx, room)
}

// SendToUser 发送消息给指定用户
func (cm *ConnectionManager) SendToUser(userID string, msg types.ChannelMessage) error {
	conn, ok := cm.GetConnection(userID)
	if !ok {
		return fmt.Errorf("user %s: %w", userID, errors.ErrUserOffline)
	}
	return conn.Send(msg)
}

// BroadcastToRoom 发送消息给房间内所有在线用户，返回发送成功的数量
func (cm *ConnectionManager) BroadcastToRoom(ctx context.Context, room string, msg types.ChannelMessage, exclude string) (int, error) {
	members, err := cm.presence.Members(ctx, room)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, userID := range members {
		if userID == exclude {
			continue
		}
		if err := cm.SendToUser(userID, msg); err != nil {
			log.Debugw("房间广播跳过", "room", room, "user", userID, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// Broadcast 广播消息到所有连接
func (cm *ConnectionManager) Broadcast(msg types.ChannelMessage) int {
	cm.mutex.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for _, conn := range cm.connections {
		conns = append(conns, conn)
	}
	cm.mutex.RUnlock()

	sent := 0
	for _, conn := range conns {
		if !conn.IsConnected() {
			continue
		}
		if err := conn.Send(msg); err != nil {
			log.Debugw("广播失败", "conn", conn.GetID(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

// OnlineCount 在线用户数
func (cm *ConnectionManager) OnlineCount() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.connections)
}

// GetStats 获取连接统计信息
func (cm *ConnectionManager) GetStats() types.ConnectionStats {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	stats := types.ConnectionStats{}
	for _, conn := range cm.connections {
		stats.TotalMessages += conn.Received()
		stats.SentMessages += conn.Sent()
	}
	return stats
}

// CloseAll 关闭所有连接
func (cm *ConnectionManager) CloseAll() {
	cm.mutex.Lock()
	conns := cm.connections
	cm.connections = make(map[string]*Connection)
	cm.mutex.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

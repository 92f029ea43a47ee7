// Package presence tracks which users are in which consultation room.
package presence

import (
	"context"
	"sort"
	"sync"
)

// Store 房间成员存储
type Store interface {
	Join(ctx context.Context, room, user string) error
	Leave(ctx context.Context, room, user string) error
	// LeaveAll 用户断开时离开所有房间，返回离开的房间
	LeaveAll(ctx context.Context, user string) ([]string, error)
	Members(ctx context.Context, room string) ([]string, error)
	Close() error
}

// MemoryStore 单进程内存实现
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
	users map[string]map[string]struct{}
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]map[string]struct{}),
		users: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) Join(_ context.Context, room, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	add(m.rooms, room, user)
	add(m.users, user, room)
	return nil
}

func (m *MemoryStore) Leave(_ context.Context, room, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	remove(m.rooms, room, user)
	remove(m.users, user, room)
	return nil
}

func (m *MemoryStore) LeaveAll(_ context.Context, user string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var left []string
	for room := range m.users[user] {
		remove(m.rooms, room, user)
		left = append(left, room)
	}
	delete(m.users, user)
	sort.Strings(left)
	return left, nil
}

func (m *MemoryStore) Members(_ context.Context, room string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.rooms[room]))
	for u := range m.rooms[room] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func add(idx map[string]map[string]struct{}, key, val string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[val] = struct{}{}
}

func remove(idx map[string]map[string]struct{}, key, val string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, val)
	if len(set) == 0 {
		delete(idx, key)
	}
}

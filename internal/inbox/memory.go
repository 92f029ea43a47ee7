package inbox

import (
	"sync"

	"github.com/BetaCatPro/medlink-rt/pkg/types"
)

// MemoryStore 内存存储
type MemoryStore struct {
	mu    sync.RWMutex
	items []types.Notification
	limit int
}

// NewMemoryStore 创建内存存储，limit<=0 时使用 DefaultLimit
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &MemoryStore{limit: limit}
}

func (s *MemoryStore) Add(n types.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]types.Notification, 0, min(len(s.items)+1, s.limit))
	items = append(items, n)
	items = append(items, s.items...)
	if len(items) > s.limit {
		items = items[:s.limit]
	}
	s.items = items
	return nil
}

func (s *MemoryStore) List() ([]types.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Notification(nil), s.items...), nil
}

func (s *MemoryStore) UnreadCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, it := range s.items {
		if !it.Read {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkAsRead(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i].Read = true
		}
	}
	return nil
}

func (s *MemoryStore) MarkAllAsRead() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		s.items[i].Read = true
	}
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	s.items = nil
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/redis/go-redis/v9"
)

var log = logging.Logger("presence")

const presenceTTL = 24 * time.Hour

// RedisStore 基于 Redis 集合的实现，多个后端实例可共享
type RedisStore struct {
	client *redis.Client
	prefix string
}

// ConnectRedis 连接 Redis 并检查可用性
func ConnectRedis(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	log.Infow("redis connected", "addr", addr)
	return NewRedisStore(client, "medlink:"), nil
}

// NewRedisStore 使用已有客户端
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) roomKey(room string) string { return r.prefix + "room:" + room + ":members" }
func (r *RedisStore) userKey(user string) string { return r.prefix + "user:" + user + ":rooms" }

func (r *RedisStore) Join(ctx context.Context, room, user string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, r.roomKey(room), user)
		p.Expire(ctx, r.roomKey(room), presenceTTL)
		p.SAdd(ctx, r.userKey(user), room)
		p.Expire(ctx, r.userKey(user), presenceTTL)
		return nil
	})
	return err
}

func (r *RedisStore) Leave(ctx context.Context, room, user string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, r.roomKey(room), user)
		p.SRem(ctx, r.userKey(user), room)
		return nil
	})
	return err
}

func (r *RedisStore) LeaveAll(ctx context.Context, user string) ([]string, error) {
	rooms, err := r.client.SMembers(ctx, r.userKey(user)).Result()
	if err != nil {
		return nil, err
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, room := range rooms {
			p.SRem(ctx, r.roomKey(room), user)
		}
		p.Del(ctx, r.userKey(user))
		return nil
	})
	sort.Strings(rooms)
	return rooms, err
}

func (r *RedisStore) Members(ctx context.Context, room string) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.roomKey(room)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

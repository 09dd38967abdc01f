package redis

import (
	"context"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// KeyValueStore 是缓存与秒杀两条链路对 Redis 的最小依赖面。
type KeyValueStore interface {
	// Get 返回 key 对应的原始字节；found=false 表示 key 不存在。
	Get(ctx context.Context, key string) (val []byte, found bool, err error)
	// Set 写入 key，ttl<=0 表示不设置过期时间。
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// SetNX 仅当 key 不存在时写入，返回是否写入成功。
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	// RunScript 以单次往返原子执行 Lua 脚本，要求返回整数。
	RunScript(ctx context.Context, script *rd.Script, keys []string, args ...any) (int64, error)
}

var _ KeyValueStore = (*Store)(nil)

// Store 基于 go-redis 的 KeyValueStore 实现。
type Store struct {
	rdb rd.UniversalClient
}

func NewStore(rdb rd.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

func (s *Store) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.rdb.Set(ctx, key, val, ttl).Err()
}

func (s *Store) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, val, ttl).Result()
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

// RunScript 先走 EVALSHA，NOSCRIPT 时由 go-redis 自动回退到 EVAL。
func (s *Store) RunScript(ctx context.Context, script *rd.Script, keys []string, args ...any) (int64, error) {
	return script.Run(ctx, s.rdb, keys, args...).Int64()
}

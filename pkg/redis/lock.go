package redis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// ErrLockNotHeld 表示释放时锁已过期或已被他人持有。
var ErrLockNotHeld = errors.New("lock not held")

// releaseIfMatch 仅当锁值仍是本次获取时的 token 才删除，避免误删别人新拿到的锁。
var releaseIfMatch = rd.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Lock 一次成功的加锁。锁不可转让，TTL 到期由 Redis 自动释放（持有者崩溃时自愈）。
type Lock struct {
	kv    KeyValueStore
	key   string
	token string
	ttl   time.Duration
}

// TryLock 用 SET NX PX 抢锁，不等待。acquired=false 表示锁被他人持有。
func TryLock(ctx context.Context, kv KeyValueStore, key string, ttl time.Duration) (*Lock, bool, error) {
	token := uuid.NewString()
	ok, err := kv.SetNX(ctx, key, []byte(token), ttl)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{kv: kv, key: key, token: token, ttl: ttl}, true, nil
}

func (l *Lock) Key() string { return l.key }
func (l *Lock) Token() string { return l.token }
func (l *Lock) TTL() time.Duration { return l.ttl }

// Unlock 比较 token 后删除。锁已过期或被他人重新获取时返回 ErrLockNotHeld。
func (l *Lock) Unlock(ctx context.Context) error {
	n, err := l.kv.RunScript(ctx, releaseIfMatch, []string{l.key}, l.token)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

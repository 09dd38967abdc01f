// Package cache 实现基于 Redis 的 cache-aside 客户端：
// 缓存空值防穿透、互斥锁重建、逻辑过期 + 异步重建防击穿。
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	rediskey "dianping/pkg/redis"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotFound 数据在数据源中不存在（或命中了空值标记）。
	ErrNotFound = errors.New("cache: not found")
	// ErrLockTimeout 互斥重建在最大重试次数内没有拿到锁。
	ErrLockTimeout = errors.New("cache: rebuild lock not acquired")
)

// Loader 回源函数。返回 nil, nil 表示数据不存在。
type Loader[ID any, V any] func(ctx context.Context, id ID) (*V, error)

// Options 控制空值 TTL、锁 TTL 与互斥重建的重试策略。
type Options struct {
	NullTTL time.Duration
	LockTTL time.Duration

	MutexRetryBase   time.Duration
	MutexRetryMax    time.Duration
	MutexMaxAttempts int
}

func DefaultOptions() Options {
	return Options{
		NullTTL:          rediskey.CacheNullTTL,
		LockTTL:          rediskey.LockTTL,
		MutexRetryBase:   50 * time.Millisecond,
		MutexRetryMax:    time.Second,
		MutexMaxAttempts: 10,
	}
}

// Entry 逻辑过期的缓存包装，写入 Redis 时不带 TTL。
type Entry struct {
	Data       json.RawMessage `json:"data"`
	ExpireTime time.Time       `json:"expireTime"`
}

// Client 缓存客户端。重建协程池由外部注入，生命周期也由外部管理。
type Client struct {
	kv   rediskey.KeyValueStore
	pool *Pool
	opts Options
	sf   singleflight.Group
	now  func() time.Time
}

func New(kv rediskey.KeyValueStore, pool *Pool, opts Options) *Client {
	def := DefaultOptions()
	if opts.NullTTL <= 0 {
		opts.NullTTL = def.NullTTL
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = def.LockTTL
	}
	if opts.MutexRetryBase <= 0 {
		opts.MutexRetryBase = def.MutexRetryBase
	}
	if opts.MutexRetryMax <= 0 {
		opts.MutexRetryMax = def.MutexRetryMax
	}
	if opts.MutexMaxAttempts <= 0 {
		opts.MutexMaxAttempts = def.MutexMaxAttempts
	}
	return &Client{kv: kv, pool: pool, opts: opts, now: time.Now}
}

// Set 序列化后写入，带物理 TTL。
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return c.kv.Set(ctx, key, b, ttl)
}

// SetWithLogicalExpire 写入 expireTime = now + ttl 的包装，key 本身永不过期。
func (c *Client) SetWithLogicalExpire(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	b, err := json.Marshal(Entry{Data: data, ExpireTime: c.now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return c.kv.Set(ctx, key, b, 0)
}

// Delete 主动失效。
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.kv.Del(ctx, key)
}

// TryLock 获取重建互斥锁，TTL 兜底防止持有者崩溃后死锁。
func (c *Client) TryLock(ctx context.Context, key string) (*rediskey.Lock, bool, error) {
	return rediskey.TryLock(ctx, c.kv, key, c.opts.LockTTL)
}

// Unlock 释放锁，失败只记日志：锁总会随 TTL 过期。
func (c *Client) Unlock(ctx context.Context, l *rediskey.Lock) {
	if err := l.Unlock(ctx); err != nil {
		log.Warn().Err(err).Str("lock", l.Key()).Msg("cache unlock failed")
	}
}

// lockKey cache:shop:1 -> lock:shop:1
func lockKey(key string) string {
	return "lock:" + strings.TrimPrefix(key, "cache:")
}

// waitDuration 第 attempt 次失败后的退避时间：base * 2^(attempt-1)，不超过 max。
func (c *Client) waitDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	wait := math.Pow(2, float64(attempt-1)) * float64(c.opts.MutexRetryBase)
	if c.opts.MutexRetryMax > 0 {
		wait = math.Min(wait, float64(c.opts.MutexRetryMax))
	}
	return time.Duration(wait)
}

func cacheKey[ID any](prefix string, id ID) string {
	return prefix + fmt.Sprint(id)
}

// lookup 读缓存。hit=true 且 err=ErrNotFound 表示命中空值标记。
func lookup[V any](ctx context.Context, c *Client, key string) (*V, bool, error) {
	raw, found, err := c.kv.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	if len(raw) == 0 {
		return nil, true, ErrNotFound
	}
	v := new(V)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return v, true, nil
}

// fill 回源并写缓存，数据不存在时写入短 TTL 的空值标记。
func fill[V any, ID any](ctx context.Context, c *Client, key string, id ID, fallback Loader[ID, V], ttl time.Duration) (*V, error) {
	v, err := fallback(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		if err := c.kv.Set(ctx, key, nil, c.opts.NullTTL); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("cache write null marker failed")
		}
		return nil, ErrNotFound
	}
	if err := c.Set(ctx, key, v, ttl); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	return v, nil
}

// QueryWithPassThrough 缓存空值解决缓存穿透。
func QueryWithPassThrough[V any, ID any](ctx context.Context, c *Client, keyPrefix string, id ID, fallback Loader[ID, V], ttl time.Duration) (*V, error) {
	key := cacheKey(keyPrefix, id)
	v, hit, err := lookup[V](ctx, c, key)
	if err != nil || hit {
		return v, err
	}
	return fill(ctx, c, key, id, fallback, ttl)
}

// QueryWithMutex 互斥锁重建：未命中时只有拿到锁的一方回源，其余等待重试。
// 同进程内的并发请求先经 singleflight 合并，再去抢分布式锁。
func QueryWithMutex[V any, ID any](ctx context.Context, c *Client, keyPrefix string, id ID, fallback Loader[ID, V], ttl time.Duration) (*V, error) {
	key := cacheKey(keyPrefix, id)
	v, hit, err := lookup[V](ctx, c, key)
	if err != nil || hit {
		return v, err
	}
	res, err, _ := c.sf.Do(key, func() (any, error) {
		return rebuildWithMutex(ctx, c, key, id, fallback, ttl)
	})
	if err != nil {
		return nil, err
	}
	return res.(*V), nil
}

func rebuildWithMutex[V any, ID any](ctx context.Context, c *Client, key string, id ID, fallback Loader[ID, V], ttl time.Duration) (*V, error) {
	lk := lockKey(key)
	for attempt := 1; ; attempt++ {
		l, ok, err := c.TryLock(ctx, lk)
		if err != nil {
			return nil, err
		}
		if ok {
			defer c.Unlock(context.WithoutCancel(ctx), l)
			break
		}
		if attempt >= c.opts.MutexMaxAttempts {
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrLockTimeout, lk, attempt)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.waitDuration(attempt)):
		}
		// 等待期间别人可能已经重建完成
		if v, hit, err := lookup[V](ctx, c, key); err != nil || hit {
			return v, err
		}
	}
	// 拿到锁后再查一次，避免重复回源
	if v, hit, err := lookup[V](ctx, c, key); err != nil || hit {
		return v, err
	}
	return fill(ctx, c, key, id, fallback, ttl)
}

// QueryWithLogicalExpire 逻辑过期解决缓存击穿。
// 要求缓存已预热：未命中直接返回 ErrNotFound。
// 过期时只有抢到锁的请求提交异步重建，所有请求都立即拿到旧值。
func QueryWithLogicalExpire[V any, ID any](ctx context.Context, c *Client, keyPrefix string, id ID, fallback Loader[ID, V], ttl time.Duration) (*V, error) {
	key := cacheKey(keyPrefix, id)
	v, expired, err := readLogical[V](ctx, c, key)
	if err != nil {
		return nil, err
	}
	if !expired {
		return v, nil
	}

	l, ok, err := c.TryLock(ctx, lockKey(key))
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("cache rebuild lock failed, serving stale value")
		return v, nil
	}
	if ok {
		c.scheduleRebuild(key, l, func(ctx context.Context) error {
			return rebuildLogical(ctx, c, key, id, fallback, ttl)
		})
	}
	return v, nil
}

// readLogical 读取逻辑过期包装。未命中或空值返回 ErrNotFound。
func readLogical[V any](ctx context.Context, c *Client, key string) (*V, bool, error) {
	raw, found, err := c.kv.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !found || len(raw) == 0 {
		return nil, false, ErrNotFound
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	v := new(V)
	if err := json.Unmarshal(e.Data, v); err != nil {
		return nil, false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return v, !c.now().Before(e.ExpireTime), nil
}

func rebuildLogical[V any, ID any](ctx context.Context, c *Client, key string, id ID, fallback Loader[ID, V], ttl time.Duration) error {
	// 排队期间可能已有其他实例完成重建
	if _, expired, err := readLogical[V](ctx, c, key); err == nil && !expired {
		return nil
	}
	v, err := fallback(ctx, id)
	if err != nil {
		return err
	}
	if v == nil {
		return c.kv.Del(ctx, key)
	}
	return c.SetWithLogicalExpire(ctx, key, v, ttl)
}

// scheduleRebuild 把重建任务交给协程池，锁在任务结束（含 panic）时释放。
// 池满时不排队，立即释放锁，下一个读到过期数据的请求会再次尝试。
func (c *Client) scheduleRebuild(key string, l *rediskey.Lock, rebuild func(ctx context.Context) error) {
	job := func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.LockTTL)
		defer cancel()
		defer c.Unlock(context.Background(), l)
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("key", key).Interface("panic", r).Msg("cache rebuild panicked")
			}
		}()
		if err := rebuild(ctx); err != nil {
			log.Error().Err(err).Str("key", key).Msg("cache rebuild failed")
		}
	}
	if c.pool == nil || !c.pool.Submit(job) {
		log.Warn().Str("key", key).Msg("cache rebuild pool busy, skip")
		c.Unlock(context.Background(), l)
	}
}

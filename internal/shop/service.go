// Package shop 商户查询与更新，读走缓存，写走数据库后删缓存。
package shop

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"dianping/internal/cache"
	"dianping/internal/model"
	"dianping/internal/store"
	rediskey "dianping/pkg/redis"
)

// Strategy 商户缓存的读取策略。
type Strategy string

const (
	StrategyPassThrough Strategy = "passthrough" // 缓存空值
	StrategyMutex       Strategy = "mutex"       // 互斥锁重建
	StrategyLogical     Strategy = "logical"     // 逻辑过期，需要预热
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyPassThrough, StrategyMutex, StrategyLogical:
		return Strategy(s), nil
	case "":
		return StrategyPassThrough, nil
	}
	return "", fmt.Errorf("unknown cache strategy %q", s)
}

type Service struct {
	store    *store.Store
	cache    *cache.Client
	strategy Strategy
	ttl      time.Duration
}

func NewService(st *store.Store, c *cache.Client, strategy Strategy, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = rediskey.CacheShopTTL
	}
	if strategy == "" {
		strategy = StrategyPassThrough
	}
	return &Service{store: st, cache: c, strategy: strategy, ttl: ttl}
}

// QueryByID 按配置的策略读取商户。不存在返回 cache.ErrNotFound。
func (s *Service) QueryByID(ctx context.Context, id int64) (*model.Shop, error) {
	switch s.strategy {
	case StrategyMutex:
		return cache.QueryWithMutex(ctx, s.cache, rediskey.CacheShopKeyPrefix, id, s.store.GetShop, s.ttl)
	case StrategyLogical:
		return cache.QueryWithLogicalExpire(ctx, s.cache, rediskey.CacheShopKeyPrefix, id, s.store.GetShop, s.ttl)
	default:
		return cache.QueryWithPassThrough(ctx, s.cache, rediskey.CacheShopKeyPrefix, id, s.store.GetShop, s.ttl)
	}
}

// Update 先更新数据库再处理缓存。逻辑过期策略下读路径不会自己回填，
// 删除缓存等于让商户下线，所以改为用库里的最新值重新预热。
func (s *Service) Update(ctx context.Context, shop *model.Shop) error {
	if shop.ID <= 0 {
		return fmt.Errorf("shop id must be positive")
	}
	if err := s.store.UpdateShop(ctx, shop); err != nil {
		return err
	}
	if s.strategy == StrategyLogical {
		return s.Warm(ctx, shop.ID)
	}
	return s.cache.Delete(ctx, shopKey(shop.ID))
}

// Warm 把商户以逻辑过期的形式写入缓存。
func (s *Service) Warm(ctx context.Context, id int64) error {
	shop, err := s.store.GetShop(ctx, id)
	if err != nil {
		return err
	}
	if shop == nil {
		return cache.ErrNotFound
	}
	return s.cache.SetWithLogicalExpire(ctx, shopKey(id), shop, s.ttl)
}

func shopKey(id int64) string {
	return rediskey.CacheShopKeyPrefix + strconv.FormatInt(id, 10)
}

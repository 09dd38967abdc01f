package redis

import (
	"fmt"
	"time"
)

// 缓存相关 key 前缀与默认 TTL。
const (
	CacheShopKeyPrefix = "cache:shop:"
	LockShopKeyPrefix  = "lock:shop:"

	CacheShopTTL = 30 * time.Minute
	// CacheNullTTL 空值标记的 TTL，必须明显短于正常值，缩短新建数据不可见的窗口。
	CacheNullTTL = 2 * time.Minute
	LockTTL      = 10 * time.Second
)

// 秒杀 key 使用 {voucherID} hash tag，保证 Lua 脚本涉及的 key 落在同一个 slot。

// SeckillStockKey 秒杀券在 Redis 中的实时库存。
func SeckillStockKey(voucherID int64) string {
	return fmt.Sprintf("seckill:stock:{%d}", voucherID)
}

// SeckillWindowKey 秒杀时间窗（hash: begin/end，毫秒时间戳）。
func SeckillWindowKey(voucherID int64) string {
	return fmt.Sprintf("seckill:window:{%d}", voucherID)
}

// SeckillOrderKey 已抢到该券的用户集合，用于一人一单判断。
func SeckillOrderKey(voucherID int64) string {
	return fmt.Sprintf("seckill:order:{%d}", voucherID)
}

// OrderLockKey 落单消费者按用户加的兜底锁。
func OrderLockKey(userID int64) string {
	return fmt.Sprintf("lock:order:%d", userID)
}

// OrderStateKey 存储订单异步落库状态。
func OrderStateKey(orderID int64) string {
	return fmt.Sprintf("seckill:order:state:%d", orderID)
}

// SequenceKey 全局 ID 生成器按天分片的自增计数器。
func SequenceKey(prefix string, day time.Time) string {
	return "icr:" + prefix + ":" + day.Format("2006:01:02")
}

package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// OrderState 对应 Redis 内的订单落库状态。
type OrderState struct {
	OrderID string
	Status  string
	Reason  string
}

// GetOrderState 查询订单异步落库状态。found=false 表示还没有终态记录。
func GetOrderState(ctx context.Context, rdb rd.UniversalClient, orderID int64) (OrderState, bool, error) {
	m, err := rdb.HGetAll(ctx, OrderStateKey(orderID)).Result()
	if err != nil {
		return OrderState{}, false, err
	}
	if len(m) == 0 {
		return OrderState{}, false, nil
	}
	return OrderState{
		OrderID: m["order_id"],
		Status:  m["status"],
		Reason:  m["reason"],
	}, true, nil
}

// PutOrderState 写入订单状态并刷新 TTL。
func PutOrderState(ctx context.Context, rdb rd.UniversalClient, orderID int64, status, reason string, ttl time.Duration) error {
	key := OrderStateKey(orderID)
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"order_id", orderID,
		"status", status,
		"reason", reason,
	)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

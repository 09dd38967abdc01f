package seckill

import (
	"context"
	"strconv"
	"time"

	"dianping/internal/queue"
	rediskey "dianping/pkg/redis"

	"github.com/rs/zerolog/log"
	rd "github.com/redis/go-redis/v9"
)

// 对外暴露的订单状态。
const (
	OrderPending      = "pending"
	OrderCreated      = "created"
	OrderRejected     = "rejected"
	OrderRetryPending = "retry_pending"
	OrderFailed       = "failed"
)

// StateRecorder 把流水线的结果状态写回 Redis，供查询接口使用。
type StateRecorder struct {
	rdb rd.UniversalClient
	ttl time.Duration
	// 开启了订单日志时失败任务会在下次启动时重放
	replayable bool
}

// NewStateRecorder replayable 表示流水线是否带日志，决定失败任务对外显示为
// retry_pending 还是 failed。
func NewStateRecorder(rdb rd.UniversalClient, ttl time.Duration, replayable bool) *StateRecorder {
	return &StateRecorder{rdb: rdb, ttl: ttl, replayable: replayable}
}

// Observe 实现 queue.WithObserver 的回调，只记录终态和失败。
func (r *StateRecorder) Observe(ctx context.Context, t queue.OrderTask, s queue.TaskState) {
	var status string
	switch s {
	case queue.StatePersisted:
		status = OrderCreated
	case queue.StateDroppedDuplicate, queue.StateDroppedInconsistent:
		status = OrderRejected
	case queue.StateFailed:
		status = OrderFailed
		if r.replayable {
			status = OrderRetryPending
		}
	default:
		return
	}
	if err := rediskey.PutOrderState(ctx, r.rdb, t.OrderID, status, s.String(), r.ttl); err != nil {
		log.Warn().Err(err).Int64("order_id", t.OrderID).Msg("record order state failed")
	}
}

// Lookup 查询订单状态，没有记录时视为仍在排队。
func (r *StateRecorder) Lookup(ctx context.Context, orderID int64) (rediskey.OrderState, error) {
	st, found, err := rediskey.GetOrderState(ctx, r.rdb, orderID)
	if err != nil {
		return rediskey.OrderState{}, err
	}
	if !found {
		return rediskey.OrderState{OrderID: strconv.FormatInt(orderID, 10), Status: OrderPending}, nil
	}
	return st, nil
}

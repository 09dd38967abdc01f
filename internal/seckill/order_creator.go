package seckill

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dianping/internal/model"
	"dianping/internal/queue"
	"dianping/internal/store"
	rediskey "dianping/pkg/redis"

	"github.com/rs/zerolog/log"
)

// ErrOrderLockBusy 同一用户的另一笔订单正在别处落库，任务需要稍后重放。
var ErrOrderLockBusy = errors.New("seckill: order lock busy")

// 用户锁被占用时的短暂重试：别处持锁通常只覆盖一次落库事务。
const (
	orderLockAttempts = 3
	orderLockWait     = 50 * time.Millisecond
)

// EventPublisher 订单落库后的事件出口，可为 nil。
// Handle 在唯一的落库消费者里同步调用它，实现必须不阻塞，例如 *queue.Dispatcher。
type EventPublisher interface {
	Publish(ctx context.Context, e queue.OrderCreatedEvent) error
}

// OrderCreator 订单流水线的消费者处理逻辑。
// Redis 脚本已经保证一人一单，这里的用户锁与重复检查是第二道防线：
// 覆盖用户集合被清理、日志回放、多实例同时消费等情况。
type OrderCreator struct {
	store   *store.Store
	kv      rediskey.KeyValueStore
	lockTTL time.Duration
	events  EventPublisher
}

func NewOrderCreator(st *store.Store, kv rediskey.KeyValueStore, lockTTL time.Duration, events EventPublisher) *OrderCreator {
	if lockTTL <= 0 {
		lockTTL = rediskey.LockTTL
	}
	return &OrderCreator{store: st, kv: kv, lockTTL: lockTTL, events: events}
}

// Handle 实现 queue.Handler。
func (c *OrderCreator) Handle(ctx context.Context, t queue.OrderTask) (queue.TaskState, error) {
	lock, ok, err := c.acquire(ctx, t.UserID)
	if err != nil {
		return queue.StateFailed, fmt.Errorf("order lock: %w", err)
	}
	if !ok {
		// 锁按用户而不是按券加，别处持锁的可能是同一用户另一张券的合法订单。
		// 这里不能当重复单丢弃：Redis 里的库存和用户集合都已记下这笔资格。
		log.Warn().Int64("user_id", t.UserID).Int64("order_id", t.OrderID).Msg("order lock held elsewhere, task left for replay")
		return queue.StateFailed, fmt.Errorf("user %d: %w", t.UserID, ErrOrderLockBusy)
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Int64("user_id", t.UserID).Msg("order unlock failed")
		}
	}()

	state := queue.StatePersisted
	err = c.store.Transaction(ctx, func(tx *store.Store) error {
		exists, err := tx.HasOrder(ctx, t.UserID, t.VoucherID)
		if err != nil {
			return err
		}
		if exists {
			state = queue.StateDroppedDuplicate
			return nil
		}
		ok, err := tx.DecrStock(ctx, t.VoucherID)
		if err != nil {
			return err
		}
		if !ok {
			// Redis 已放行但落库库存为 0：两份库存出现了不一致
			log.Error().Int64("voucher_id", t.VoucherID).Int64("order_id", t.OrderID).
				Msg("stock inconsistency: admitted order has no durable stock")
			state = queue.StateDroppedInconsistent
			return nil
		}
		order := &model.VoucherOrder{
			ID:        t.OrderID,
			UserID:    t.UserID,
			VoucherID: t.VoucherID,
			Status:    model.VoucherOrderUnpaid,
			CreatedAt: t.CreatedAt,
		}
		return tx.CreateOrder(ctx, order)
	})
	if errors.Is(err, store.ErrDuplicateOrder) {
		// 唯一索引兜底，事务已回滚，库存未扣
		return queue.StateDroppedDuplicate, nil
	}
	if err != nil {
		return queue.StateFailed, err
	}

	if state == queue.StatePersisted && c.events != nil {
		e := queue.OrderCreatedEvent{OrderID: t.OrderID, UserID: t.UserID, VoucherID: t.VoucherID, CreatedAt: t.CreatedAt}
		if err := c.events.Publish(ctx, e); err != nil {
			log.Warn().Err(err).Int64("order_id", t.OrderID).Msg("publish order created event failed")
		}
	}
	return state, nil
}

func (c *OrderCreator) acquire(ctx context.Context, userID int64) (*rediskey.Lock, bool, error) {
	key := rediskey.OrderLockKey(userID)
	for attempt := 1; ; attempt++ {
		lock, ok, err := rediskey.TryLock(ctx, c.kv, key, c.lockTTL)
		if err != nil || ok || attempt == orderLockAttempts {
			return lock, ok, err
		}
		select {
		case <-time.After(orderLockWait):
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

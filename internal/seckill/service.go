// Package seckill 秒杀下单：Redis 脚本准入 + 异步落库。
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

var (
	ErrOutOfStock      = errors.New("seckill: out of stock")
	ErrDuplicateOrder  = errors.New("seckill: user already ordered this voucher")
	ErrSaleClosed      = errors.New("seckill: voucher not on sale")
	ErrVoucherNotFound = errors.New("seckill: voucher not found")
)

// Retryable 判断下单失败是否可以提示用户稍后重试（资格已回滚）。
func Retryable(err error) bool {
	return errors.Is(err, queue.ErrQueueFull)
}

// Submitter 订单任务入队，由 queue.Pipeline 实现。
type Submitter interface {
	Submit(ctx context.Context, task queue.OrderTask) error
}

// Service 秒杀下单入口。
type Service struct {
	store    *store.Store
	gate     *Gate
	ids      *rediskey.IDWorker
	pipeline Submitter
	now      func() time.Time
}

func NewService(st *store.Store, gate *Gate, ids *rediskey.IDWorker, pipeline Submitter) *Service {
	return &Service{store: st, gate: gate, ids: ids, pipeline: pipeline, now: time.Now}
}

// AddSeckillVoucher 新增秒杀券（同一事务写两张表），随后把库存与时间窗预热到 Redis。
func (s *Service) AddSeckillVoucher(ctx context.Context, v *model.Voucher, sv *model.SeckillVoucher) error {
	if sv.Stock < 0 {
		return fmt.Errorf("stock must be >= 0")
	}
	if !sv.EndTime.After(sv.BeginTime) {
		return fmt.Errorf("end time must be after begin time")
	}
	if err := s.store.CreateSeckillVoucher(ctx, v, sv); err != nil {
		return fmt.Errorf("create seckill voucher: %w", err)
	}
	return s.gate.Preload(ctx, *sv, 0)
}

// Preload 按落库数据重新预热某张券，可以在售卖过程中调用。
func (s *Service) Preload(ctx context.Context, voucherID int64) error {
	persisted, err := s.store.CountOrders(ctx, voucherID)
	if err != nil {
		return err
	}
	sv, err := s.store.GetSeckillVoucher(ctx, voucherID)
	if err != nil {
		return err
	}
	if sv == nil {
		return ErrVoucherNotFound
	}
	return s.gate.Preload(ctx, *sv, persisted)
}

// Seckill 抢购：脚本放行后生成订单号并入队，立即返回订单号，不等待落库。
func (s *Service) Seckill(ctx context.Context, voucherID, userID int64) (int64, error) {
	res, err := s.gate.Admit(ctx, voucherID, userID)
	if err != nil {
		return 0, err
	}
	switch res {
	case ResultOK:
	case ResultOutOfStock:
		return 0, ErrOutOfStock
	case ResultDuplicate:
		return 0, ErrDuplicateOrder
	case ResultSaleClosed:
		return 0, ErrSaleClosed
	}

	orderID, err := s.ids.NextID(ctx, "order")
	if err != nil {
		s.revert(ctx, voucherID, userID)
		return 0, err
	}
	task := queue.OrderTask{
		OrderID:   orderID,
		UserID:    userID,
		VoucherID: voucherID,
		CreatedAt: s.now(),
	}
	if err := s.pipeline.Submit(ctx, task); err != nil {
		s.revert(ctx, voucherID, userID)
		return 0, fmt.Errorf("enqueue order %d: %w", orderID, err)
	}
	return orderID, nil
}

// revert 入队失败时回滚 Redis 中的资格，让用户可以重试。
func (s *Service) revert(ctx context.Context, voucherID, userID int64) {
	if _, err := s.gate.Revert(context.WithoutCancel(ctx), voucherID, userID); err != nil {
		log.Error().Err(err).Int64("voucher_id", voucherID).Int64("user_id", userID).Msg("revert admission failed")
	}
}

package seckill

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"dianping/internal/model"
	rediskey "dianping/pkg/redis"
)

// Result 资格校验脚本的返回码，与脚本内数值一一对应。
type Result int64

const (
	ResultOK         Result = 0
	ResultOutOfStock Result = 1
	ResultDuplicate  Result = 2
	ResultSaleClosed Result = 3
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultOutOfStock:
		return "OUT_OF_STOCK"
	case ResultDuplicate:
		return "DUPLICATE"
	case ResultSaleClosed:
		return "SALE_CLOSED"
	default:
		return "Result(" + strconv.FormatInt(int64(r), 10) + ")"
	}
}

// Gate 秒杀准入闸门，一次往返完成资格判断与库存预扣。
type Gate struct {
	kv  rediskey.KeyValueStore
	now func() time.Time
}

func NewGate(kv rediskey.KeyValueStore) *Gate {
	return &Gate{kv: kv, now: time.Now}
}

// Preload 把落库库存和时间窗写入 Redis。persisted 为该券已落库的订单数，
// 用户集合中超出它的部分视为仍在队列里的资格，从库存中扣除。
// persisted 须在读取 sv 之前统计：两次读取之间有订单落库时只会少放，不会超卖。
func (g *Gate) Preload(ctx context.Context, sv model.SeckillVoucher, persisted int64) error {
	_, err := g.kv.RunScript(ctx, preloadScript,
		[]string{
			rediskey.SeckillStockKey(sv.VoucherID),
			rediskey.SeckillWindowKey(sv.VoucherID),
			rediskey.SeckillOrderKey(sv.VoucherID),
		},
		sv.Stock, sv.BeginTime.UnixMilli(), sv.EndTime.UnixMilli(), persisted)
	if err != nil {
		return fmt.Errorf("preload voucher %d: %w", sv.VoucherID, err)
	}
	return nil
}

// Admit 执行资格校验脚本。返回 ResultOK 时库存已扣减、用户已记录。
func (g *Gate) Admit(ctx context.Context, voucherID, userID int64) (Result, error) {
	n, err := g.kv.RunScript(ctx, admitScript,
		[]string{
			rediskey.SeckillStockKey(voucherID),
			rediskey.SeckillWindowKey(voucherID),
			rediskey.SeckillOrderKey(voucherID),
		},
		userID, g.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("admit voucher %d user %d: %w", voucherID, userID, err)
	}
	r := Result(n)
	if r < ResultOK || r > ResultSaleClosed {
		return 0, fmt.Errorf("admit voucher %d: unexpected script result %d", voucherID, n)
	}
	return r, nil
}

// Revert 回滚 Admit 的效果，返回是否真的回滚了（重复调用返回 false）。
func (g *Gate) Revert(ctx context.Context, voucherID, userID int64) (bool, error) {
	n, err := g.kv.RunScript(ctx, revertScript,
		[]string{rediskey.SeckillStockKey(voucherID), rediskey.SeckillOrderKey(voucherID)},
		userID)
	if err != nil {
		return false, fmt.Errorf("revert voucher %d user %d: %w", voucherID, userID, err)
	}
	return n == 1, nil
}

// Package store 是关系型数据源（gorm），缓存回源与订单落库都经由这里。
package store

import (
	"context"
	"errors"
	"fmt"

	"dianping/internal/model"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrDuplicateOrder 插入订单时命中 (user_id, voucher_id) 唯一索引。
var ErrDuplicateOrder = errors.New("store: duplicate voucher order")

// Open 按 driver 打开数据库并自动建表。driver 支持 sqlite / postgres。
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Warn),
		SkipDefaultTransaction: true,
		// 驱动错误翻译成 gorm.ErrDuplicatedKey 等通用错误
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.AutoMigrate(&model.Shop{}, &model.Voucher{}, &model.SeckillVoucher{}, &model.VoucherOrder{}); err != nil {
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	return db, nil
}

// Store 封装业务用到的查询与条件更新。
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Transaction 在同一事务内执行 fn，fn 返回错误则回滚。
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// GetShop 按 ID 查询商户，不存在返回 nil, nil。
func (s *Store) GetShop(ctx context.Context, id int64) (*model.Shop, error) {
	var shop model.Shop
	if err := s.db.WithContext(ctx).First(&shop, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &shop, nil
}

func (s *Store) CreateShop(ctx context.Context, shop *model.Shop) error {
	return s.db.WithContext(ctx).Create(shop).Error
}

// UpdateShop 更新商户，记录不存在返回 gorm.ErrRecordNotFound。
func (s *Store) UpdateShop(ctx context.Context, shop *model.Shop) error {
	res := s.db.WithContext(ctx).Model(shop).Select("*").Omit("created_at").Updates(shop)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CreateSeckillVoucher 在一个事务里写入优惠券与秒杀库存。
func (s *Store) CreateSeckillVoucher(ctx context.Context, v *model.Voucher, sv *model.SeckillVoucher) error {
	return s.Transaction(ctx, func(tx *Store) error {
		v.Type = model.VoucherTypeSeckill
		if err := tx.db.Create(v).Error; err != nil {
			return err
		}
		sv.VoucherID = v.ID
		return tx.db.Create(sv).Error
	})
}

// GetSeckillVoucher 不存在返回 nil, nil。
func (s *Store) GetSeckillVoucher(ctx context.Context, voucherID int64) (*model.SeckillVoucher, error) {
	var sv model.SeckillVoucher
	if err := s.db.WithContext(ctx).First(&sv, "voucher_id = ?", voucherID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sv, nil
}

// HasOrder 判断用户是否已有该券的订单。
func (s *Store) HasOrder(ctx context.Context, userID, voucherID int64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.VoucherOrder{}).
		Where("user_id = ? AND voucher_id = ?", userID, voucherID).
		Count(&count).Error
	return count > 0, err
}

// DecrStock 条件扣减落库库存：stock = stock - 1 WHERE stock > 0。
// 返回 false 表示库存已为 0，没有扣减。
func (s *Store) DecrStock(ctx context.Context, voucherID int64) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.SeckillVoucher{}).
		Where("voucher_id = ? AND stock > 0", voucherID).
		Update("stock", gorm.Expr("stock - 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CreateOrder 插入订单，唯一索引冲突转换为 ErrDuplicateOrder。
func (s *Store) CreateOrder(ctx context.Context, o *model.VoucherOrder) error {
	if err := s.db.WithContext(ctx).Create(o).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateOrder
		}
		return err
	}
	return nil
}

// CountOrders 某券已落库的订单数。
func (s *Store) CountOrders(ctx context.Context, voucherID int64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.VoucherOrder{}).
		Where("voucher_id = ?", voucherID).
		Count(&count).Error
	return count, err
}

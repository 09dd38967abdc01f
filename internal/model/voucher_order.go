package model

import (
	"time"
)

// VoucherOrderStatus 订单状态。
type VoucherOrderStatus int

const (
	VoucherOrderUnpaid   VoucherOrderStatus = iota + 1 // 未支付
	VoucherOrderPaid                                   // 已支付
	VoucherOrderUsed                                   // 已核销
	VoucherOrderCanceled                               // 已取消
)

// VoucherOrder 秒杀订单。(user_id, voucher_id) 唯一，兜底一人一单。
type VoucherOrder struct {
	ID        int64              `gorm:"primaryKey;autoIncrement:false" json:"id"` // 全局 ID 生成器生成
	UserID    int64              `gorm:"not null;uniqueIndex:idx_user_voucher" json:"userId"`
	VoucherID int64              `gorm:"not null;uniqueIndex:idx_user_voucher;index" json:"voucherId"`
	Status    VoucherOrderStatus `gorm:"not null;default:1" json:"status"`
	CreatedAt time.Time          `json:"createTime"`
	UpdatedAt time.Time          `json:"updateTime"`
}

func (VoucherOrder) TableName() string { return "tb_voucher_order" }

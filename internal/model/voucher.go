package model

import (
	"time"
)

// Voucher 优惠券。Type=1 为秒杀券，库存与时间窗在 SeckillVoucher 中。
type Voucher struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	ShopID      int64     `gorm:"not null;index" json:"shopId"`
	Title       string    `gorm:"size:255;not null" json:"title"`
	SubTitle    string    `gorm:"size:255" json:"subTitle"`
	Rules       string    `gorm:"size:1024" json:"rules"`
	PayValue    int64     `gorm:"not null" json:"payValue"`    // 支付金额，单位：分
	ActualValue int64     `gorm:"not null" json:"actualValue"` // 抵扣金额，单位：分
	Type        int       `gorm:"not null;default:0" json:"type"`
	CreatedAt   time.Time `json:"createTime"`
	UpdatedAt   time.Time `json:"updateTime"`
}

func (Voucher) TableName() string { return "tb_voucher" }

const VoucherTypeSeckill = 1

// SeckillVoucher 秒杀券库存与时间窗。
// Stock 是落库侧库存，只允许 stock = stock - 1 WHERE stock > 0 的条件扣减；
// 秒杀实时扣减走 Redis。
type SeckillVoucher struct {
	VoucherID int64     `gorm:"primaryKey;autoIncrement:false" json:"voucherId"`
	Stock     int64     `gorm:"not null;default:0" json:"stock"`
	BeginTime time.Time `gorm:"not null" json:"beginTime"`
	EndTime   time.Time `gorm:"not null" json:"endTime"`
	CreatedAt time.Time `json:"createTime"`
	UpdatedAt time.Time `json:"updateTime"`
}

func (SeckillVoucher) TableName() string { return "tb_seckill_voucher" }

// OnSale 判断 t 是否在秒杀时间窗内（闭区间）。
func (v SeckillVoucher) OnSale(t time.Time) bool {
	return !t.Before(v.BeginTime) && !t.After(v.EndTime)
}

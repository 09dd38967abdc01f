package queue

import (
	"fmt"
	"time"
)

// OrderTask 已通过秒杀资格校验、尚未落库的订单。
// 入队后只归 Pipeline 所有，直到消费者处理完成。
type OrderTask struct {
	OrderID   int64     `json:"order_id"`
	UserID    int64     `json:"user_id"`
	VoucherID int64     `json:"voucher_id"`
	CreatedAt time.Time `json:"created_at"`

	// journalID 任务在订单日志中的位置，未开启日志时为空。
	journalID string
}

// Validate 做最小字段校验，防止消费者处理脏数据（例如日志回放出的坏消息）。
func (t OrderTask) Validate() error {
	if t.OrderID <= 0 {
		return fmt.Errorf("order_id is required")
	}
	if t.UserID <= 0 {
		return fmt.Errorf("user_id is required")
	}
	if t.VoucherID <= 0 {
		return fmt.Errorf("voucher_id is required")
	}
	return nil
}

// TaskState 订单任务状态机：
// Admitted -> Queued -> Ingesting -> {Persisted | DroppedDuplicate | DroppedInconsistent}
type TaskState int

const (
	StateAdmitted TaskState = iota
	StateQueued
	StateIngesting
	StatePersisted
	StateDroppedDuplicate
	StateDroppedInconsistent
	// StateFailed 落库出错（如数据库不可用），开启日志时会在重启后回放。
	StateFailed
)

func (s TaskState) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateQueued:
		return "queued"
	case StateIngesting:
		return "ingesting"
	case StatePersisted:
		return "persisted"
	case StateDroppedDuplicate:
		return "dropped_duplicate"
	case StateDroppedInconsistent:
		return "dropped_inconsistent"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

// Terminal 是否为终态。Failed 不是终态：任务保留在日志中等待回放。
func (s TaskState) Terminal() bool {
	return s == StatePersisted || s == StateDroppedDuplicate || s == StateDroppedInconsistent
}

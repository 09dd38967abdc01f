package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	rd "github.com/redis/go-redis/v9"
)

var _ Journal = (*StreamJournal)(nil)

// StreamJournal 用 Redis Stream 持久化在途订单任务。
// 每个实例使用自己的 stream，重启时只回放本实例未完成的任务。
type StreamJournal struct {
	rdb    rd.UniversalClient
	stream string
}

func NewStreamJournal(rdb rd.UniversalClient, stream string) *StreamJournal {
	return &StreamJournal{rdb: rdb, stream: stream}
}

// Append 写入任务，返回 stream 消息 ID。
func (j *StreamJournal) Append(ctx context.Context, t OrderTask) (string, error) {
	return j.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: j.stream,
		Values: map[string]any{
			"order_id":   t.OrderID,
			"user_id":    t.UserID,
			"voucher_id": t.VoucherID,
			"created_at": t.CreatedAt.UnixMilli(),
		},
	}).Result()
}

// Ack 任务到达终态后从 stream 删除。
func (j *StreamJournal) Ack(ctx context.Context, id string) error {
	return j.rdb.XDel(ctx, j.stream, id).Err()
}

// Pending 读取全部未确认任务。解析失败的脏消息直接删除，避免每次启动都卡住。
func (j *StreamJournal) Pending(ctx context.Context) ([]OrderTask, error) {
	msgs, err := j.rdb.XRange(ctx, j.stream, "-", "+").Result()
	if err != nil {
		return nil, err
	}
	out := make([]OrderTask, 0, len(msgs))
	for _, xm := range msgs {
		t, err := parseOrderTask(xm.Values)
		if err != nil {
			log.Warn().Err(err).Str("id", xm.ID).Msg("journal drop malformed task")
			if err := j.Ack(ctx, xm.ID); err != nil {
				return nil, fmt.Errorf("drop malformed %s: %w", xm.ID, err)
			}
			continue
		}
		t.journalID = xm.ID
		out = append(out, t)
	}
	return out, nil
}

func parseOrderTask(values map[string]any) (OrderTask, error) {
	orderID, err := getStreamInt(values, "order_id")
	if err != nil {
		return OrderTask{}, err
	}
	userID, err := getStreamInt(values, "user_id")
	if err != nil {
		return OrderTask{}, err
	}
	voucherID, err := getStreamInt(values, "voucher_id")
	if err != nil {
		return OrderTask{}, err
	}
	createdAt, err := getStreamInt(values, "created_at")
	if err != nil {
		return OrderTask{}, err
	}

	t := OrderTask{
		OrderID:   orderID,
		UserID:    userID,
		VoucherID: voucherID,
		CreatedAt: time.UnixMilli(createdAt),
	}
	if err := t.Validate(); err != nil {
		return OrderTask{}, err
	}
	return t, nil
}

func getStreamInt(values map[string]any, key string) (int64, error) {
	v, ok := values[key]
	if !ok {
		return 0, fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q", key, x)
		}
		return n, nil
	case []byte:
		return getStreamInt(map[string]any{key: string(x)}, key)
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	default:
		return 0, fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}

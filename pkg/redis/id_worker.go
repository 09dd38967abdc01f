package redis

import (
	"context"
	"fmt"
	"time"
)

const (
	// idEpoch 2022-01-01T00:00:00Z，时间戳部分从这里开始计秒。
	idEpoch = int64(1640995200)
	// seqBits 低 32 位留给当天的自增序列。
	seqBits = 32
)

// IDWorker 生成全局唯一、趋势递增的 int64 ID：
// 高位为距 idEpoch 的秒数，低 32 位为 Redis 中按天分片的计数器。
type IDWorker struct {
	kv  KeyValueStore
	now func() time.Time
}

func NewIDWorker(kv KeyValueStore) *IDWorker {
	return &IDWorker{kv: kv, now: time.Now}
}

// NextID 为业务前缀 prefix（如 "order"）生成下一个 ID。
func (w *IDWorker) NextID(ctx context.Context, prefix string) (int64, error) {
	now := w.now().UTC()
	ts := now.Unix() - idEpoch
	seq, err := w.kv.Incr(ctx, SequenceKey(prefix, now))
	if err != nil {
		return 0, fmt.Errorf("next id %s: %w", prefix, err)
	}
	if seq >= 1<<seqBits {
		return 0, fmt.Errorf("next id %s: sequence overflow for %s", prefix, now.Format(time.DateOnly))
	}
	return ts<<seqBits | seq, nil
}

// SplitID 拆出 ID 的生成时间和序列号，排查问题用。
func SplitID(id int64) (time.Time, int64) {
	return time.Unix(id>>seqBits+idEpoch, 0).UTC(), id & (1<<seqBits - 1)
}

package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// OrderCreatedEvent 订单落库成功后对外发布的事件。
type OrderCreatedEvent struct {
	OrderID   int64     `json:"order_id"`
	UserID    int64     `json:"user_id"`
	VoucherID int64     `json:"voucher_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (e OrderCreatedEvent) message() (kafka.Message, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(e.OrderID, 10)),
		Value: b,
	}, nil
}

// Producer 封装 Kafka 写入器。
type Producer struct {
	w *kafka.Writer
}

// NewProducer 创建生产者并配置可靠性参数：
// - Hash + Key: 同一订单的事件落到同一分区。
// - RequireAll: 等待 ISR 副本确认，降低消息丢失风险。
// - MaxAttempts/Timeout: 控制重试与超时边界。
// - BatchSize 1: 每条事件立即发出，不等 BatchTimeout 凑批。
//
// Publish 是同步的，落库消费者应通过 Dispatcher 调用它。
func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  3,
			WriteTimeout: 2 * time.Second,
			ReadTimeout:  2 * time.Second,
			BatchSize:    1,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Close 释放 writer 资源。
func (p *Producer) Close() error { return p.w.Close() }

// Publish 同步写入一条订单创建事件，order_id 作为 Kafka key。
func (p *Producer) Publish(ctx context.Context, e OrderCreatedEvent) error {
	msg, err := e.message()
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, msg)
}

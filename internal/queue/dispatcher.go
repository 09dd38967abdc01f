package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrDispatcherFull 事件缓冲区已满，本条事件被丢弃。
	ErrDispatcherFull = errors.New("queue: event buffer full")
	// ErrDispatcherClosed 分发器已关闭。
	ErrDispatcherClosed = errors.New("queue: event dispatcher closed")
)

// Publisher 订单事件的实际发送方，例如 *Producer。
type Publisher interface {
	Publish(ctx context.Context, e OrderCreatedEvent) error
}

// Dispatcher 把订单事件交给后台协程发送。
// 落库消费者只做一次非阻塞投递，Kafka 变慢或不可用都不会拖住订单落库；
// 发送失败只记日志。
type Dispatcher struct {
	next    Publisher
	events  chan OrderCreatedEvent
	timeout time.Duration
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher 启动后台发送协程。buffer 为等待发送的事件上限，timeout 为单条事件的发送超时。
func NewDispatcher(next Publisher, buffer int, timeout time.Duration) *Dispatcher {
	if buffer <= 0 {
		buffer = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &Dispatcher{
		next:    next,
		events:  make(chan OrderCreatedEvent, buffer),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.events {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.next.Publish(ctx, e)
		cancel()
		if err != nil {
			log.Warn().Err(err).Int64("order_id", e.OrderID).Msg("publish order created event failed")
		}
	}
}

// Publish 非阻塞投递，缓冲区满或已关闭时丢弃并返回错误。
func (d *Dispatcher) Publish(_ context.Context, e OrderCreatedEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return ErrDispatcherClosed
	}
	select {
	case d.events <- e:
		return nil
	default:
		d.dropped.Add(1)
		return ErrDispatcherFull
	}
}

// Dropped 因缓冲区满或关闭而丢弃的事件数。
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Close 停止接收新事件，等待缓冲区里的事件发送完或 ctx 结束。
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

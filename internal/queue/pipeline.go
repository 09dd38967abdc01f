// Package queue 实现秒杀订单的异步落库流水线：
// 有界内存队列 + 单消费者，可选 Redis Stream 日志用于崩溃后回放。
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

var (
	// ErrQueueFull 队列已满，调用方应回滚资格并提示用户重试。
	ErrQueueFull = errors.New("queue: order queue full")
	// ErrStopped 流水线已停止，不再接收任务。
	ErrStopped = errors.New("queue: pipeline stopped")
)

// DefaultCapacity 足够吸收一次秒杀洪峰。
const DefaultCapacity = 1 << 20

// Handler 落库处理函数，返回任务终态；返回 error 视为 StateFailed。
type Handler func(ctx context.Context, task OrderTask) (TaskState, error)

// Journal 持久化的任务日志：先写日志再确认资格，任务到达终态后删除。
type Journal interface {
	Append(ctx context.Context, task OrderTask) (id string, err error)
	Ack(ctx context.Context, id string) error
	// Pending 返回所有尚未确认的任务，按写入顺序。
	Pending(ctx context.Context) ([]OrderTask, error)
}

// Stats 流水线累计计数。
type Stats struct {
	Queued              int64
	Persisted           int64
	DroppedDuplicate    int64
	DroppedInconsistent int64
	Failed              int64
	Replayed            int64
}

type Option func(*Pipeline)

// WithJournal 开启任务日志。
func WithJournal(j Journal) Option {
	return func(p *Pipeline) { p.journal = j }
}

// WithObserver 订阅任务状态变化，回调在消费者协程内同步执行，必须足够快。
func WithObserver(fn func(ctx context.Context, task OrderTask, state TaskState)) Option {
	return func(p *Pipeline) { p.observer = fn }
}

// Pipeline 有界队列 + 唯一消费者。消费者是该业务订单表的唯一写入方，
// 保证落库全局有序，热点插入路径上不需要行锁。
type Pipeline struct {
	tasks    chan OrderTask
	handle   Handler
	journal  Journal
	observer func(ctx context.Context, task OrderTask, state TaskState)

	mu      sync.RWMutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	queued, persisted, dropDup, dropInc, failed, replayed atomic.Int64
}

func NewPipeline(capacity int, handle Handler, opts ...Option) *Pipeline {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &Pipeline{
		tasks:  make(chan OrderTask, capacity),
		handle: handle,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start 启动消费者。开启日志时先回放上次未完成的任务。
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return fmt.Errorf("queue: pipeline already started")
	}

	var replay []OrderTask
	if p.journal != nil {
		var err error
		replay, err = p.journal.Pending(ctx)
		if err != nil {
			return fmt.Errorf("journal replay: %w", err)
		}
		if len(replay) > 0 {
			log.Info().Int("tasks", len(replay)).Msg("order pipeline replaying journal")
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.started = true
	go p.run(runCtx, replay)
	return nil
}

func (p *Pipeline) run(ctx context.Context, replay []OrderTask) {
	defer close(p.done)
	for _, t := range replay {
		if ctx.Err() != nil {
			return
		}
		p.replayed.Add(1)
		p.process(ctx, t)
	}
	for {
		select {
		case t, ok := <-p.tasks:
			if !ok {
				return
			}
			p.process(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

// Submit 非阻塞入队。队列满返回 ErrQueueFull，任务不会被静默丢弃。
func (p *Pipeline) Submit(ctx context.Context, task OrderTask) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid order task: %w", err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	if p.journal != nil {
		id, err := p.journal.Append(ctx, task)
		if err != nil {
			return fmt.Errorf("journal append: %w", err)
		}
		task.journalID = id
	}

	select {
	case p.tasks <- task:
		p.queued.Add(1)
		p.notify(ctx, task, StateQueued)
		return nil
	default:
		if task.journalID != "" {
			if err := p.journal.Ack(ctx, task.journalID); err != nil {
				log.Warn().Err(err).Int64("order_id", task.OrderID).Msg("journal remove rejected task failed")
			}
		}
		return ErrQueueFull
	}
}

func (p *Pipeline) process(ctx context.Context, t OrderTask) {
	p.notify(ctx, t, StateIngesting)

	state, err := p.safeHandle(ctx, t)
	ev := log.With().
		Int64("order_id", t.OrderID).
		Int64("user_id", t.UserID).
		Int64("voucher_id", t.VoucherID).
		Logger()
	if err != nil {
		p.failed.Add(1)
		ev.Error().Err(err).Msg("order ingestion failed")
		p.notify(ctx, t, StateFailed)
		return
	}

	switch state {
	case StatePersisted:
		p.persisted.Add(1)
		ev.Debug().Msg("order persisted")
	case StateDroppedDuplicate:
		p.dropDup.Add(1)
		ev.Warn().Msg("duplicate order dropped")
	case StateDroppedInconsistent:
		p.dropInc.Add(1)
		ev.Error().Msg("order dropped: durable stock exhausted after admission")
	default:
		p.failed.Add(1)
		ev.Error().Stringer("state", state).Msg("order handler returned non-terminal state")
		p.notify(ctx, t, StateFailed)
		return
	}

	if p.journal != nil && t.journalID != "" {
		if err := p.journal.Ack(ctx, t.journalID); err != nil {
			ev.Warn().Err(err).Msg("journal ack failed, task may be replayed")
		}
	}
	p.notify(ctx, t, state)
}

func (p *Pipeline) safeHandle(ctx context.Context, t OrderTask) (state TaskState, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("order handler panic: %v", r)
		}
	}()
	return p.handle(ctx, t)
}

func (p *Pipeline) notify(ctx context.Context, t OrderTask, s TaskState) {
	if p.observer != nil {
		p.observer(ctx, t, s)
	}
}

// Stop 停止接收任务并等待消费者处理完队列中剩余任务。
// ctx 到期时放弃剩余任务并返回 ctx.Err()；开启日志时这些任务会在下次启动回放。
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.tasks)
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.done
		return ctx.Err()
	}
}

// Len 当前排队中的任务数。
func (p *Pipeline) Len() int { return len(p.tasks) }

func (p *Pipeline) Stats() Stats {
	return Stats{
		Queued:              p.queued.Load(),
		Persisted:           p.persisted.Load(),
		DroppedDuplicate:    p.dropDup.Load(),
		DroppedInconsistent: p.dropInc.Load(),
		Failed:              p.failed.Load(),
		Replayed:            p.replayed.Load(),
	}
}

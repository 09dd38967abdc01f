package seckill

import (
	"context"
	"errors"
	"testing"
	"time"

	"dianping/internal/model"
	"dianping/internal/queue"
	rediskey "dianping/pkg/redis"
)

func seedVoucher(t *testing.T, env *testEnv, stock int64) int64 {
	t.Helper()
	now := time.Now()
	v := &model.Voucher{ShopID: 1, Title: "50元代金券", PayValue: 4000, ActualValue: 5000}
	sv := &model.SeckillVoucher{Stock: stock, BeginTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour)}
	if err := env.st.CreateSeckillVoucher(context.Background(), v, sv); err != nil {
		t.Fatalf("CreateSeckillVoucher: %v", err)
	}
	return v.ID
}

func TestOrderCreator_Persist(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	vid := seedVoucher(t, env, 2)

	task := queue.OrderTask{OrderID: 11, UserID: 1001, VoucherID: vid, CreatedAt: time.Now()}
	state, err := env.creator.Handle(ctx, task)
	if err != nil || state != queue.StatePersisted {
		t.Fatalf("Handle = %v, %v", state, err)
	}
	if env.mr.Exists(rediskey.OrderLockKey(1001)) {
		t.Fatal("order lock not released")
	}
	sv, _ := env.st.GetSeckillVoucher(ctx, vid)
	if sv.Stock != 1 {
		t.Fatalf("durable stock = %d, want 1", sv.Stock)
	}
	if env.events.len() != 1 {
		t.Fatalf("events = %d, want 1", env.events.len())
	}
}

func TestOrderCreator_ReplayedTaskIsDuplicate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	vid := seedVoucher(t, env, 2)

	task := queue.OrderTask{OrderID: 11, UserID: 1001, VoucherID: vid, CreatedAt: time.Now()}
	if state, _ := env.creator.Handle(ctx, task); state != queue.StatePersisted {
		t.Fatalf("first Handle = %v", state)
	}
	// 同一用户换了订单号再来一次（例如用户集合被清理后重新放行）
	task.OrderID = 12
	state, err := env.creator.Handle(ctx, task)
	if err != nil || state != queue.StateDroppedDuplicate {
		t.Fatalf("second Handle = %v, %v", state, err)
	}
	sv, _ := env.st.GetSeckillVoucher(ctx, vid)
	if sv.Stock != 1 {
		t.Fatalf("durable stock = %d, want 1", sv.Stock)
	}
	if n, _ := env.st.CountOrders(ctx, vid); n != 1 {
		t.Fatalf("orders = %d, want 1", n)
	}
}

func TestOrderCreator_Inconsistent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	vid := seedVoucher(t, env, 0)

	task := queue.OrderTask{OrderID: 11, UserID: 1001, VoucherID: vid, CreatedAt: time.Now()}
	state, err := env.creator.Handle(ctx, task)
	if err != nil || state != queue.StateDroppedInconsistent {
		t.Fatalf("Handle = %v, %v", state, err)
	}
	if n, _ := env.st.CountOrders(ctx, vid); n != 0 {
		t.Fatalf("orders = %d, want 0", n)
	}
	if env.events.len() != 0 {
		t.Fatal("event published for dropped order")
	}
}

func TestOrderCreator_LockHeldElsewhere(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	// 另一个实例正在为同一用户落库 first 券的订单，本实例处理的是 second 券
	first := seedVoucher(t, env, 2)
	second := seedVoucher(t, env, 2)
	if first == second {
		t.Fatal("vouchers share an id")
	}

	if err := env.mr.Set(rediskey.OrderLockKey(1001), "other"); err != nil {
		t.Fatal(err)
	}
	task := queue.OrderTask{OrderID: 11, UserID: 1001, VoucherID: second, CreatedAt: time.Now()}
	state, err := env.creator.Handle(ctx, task)
	if !errors.Is(err, ErrOrderLockBusy) || state != queue.StateFailed {
		t.Fatalf("Handle = %v, %v; want FAILED with ErrOrderLockBusy", state, err)
	}
	if got, _ := env.mr.Get(rediskey.OrderLockKey(1001)); got != "other" {
		t.Fatalf("foreign lock overwritten: %q", got)
	}
	if n, _ := env.st.CountOrders(ctx, second); n != 0 {
		t.Fatalf("orders = %d, want 0", n)
	}

	// 锁释放后重放同一任务，订单正常落库
	env.mr.Del(rediskey.OrderLockKey(1001))
	state, err = env.creator.Handle(ctx, task)
	if err != nil || state != queue.StatePersisted {
		t.Fatalf("replayed Handle = %v, %v", state, err)
	}
	sv, _ := env.st.GetSeckillVoucher(ctx, second)
	if sv.Stock != 1 {
		t.Fatalf("durable stock = %d, want 1", sv.Stock)
	}
}

func TestOrderCreator_LockReleasedWhileWaiting(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	vid := seedVoucher(t, env, 2)

	if err := env.mr.Set(rediskey.OrderLockKey(1001), "other"); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(orderLockWait / 2)
		env.mr.Del(rediskey.OrderLockKey(1001))
	}()
	task := queue.OrderTask{OrderID: 11, UserID: 1001, VoucherID: vid, CreatedAt: time.Now()}
	state, err := env.creator.Handle(ctx, task)
	if err != nil || state != queue.StatePersisted {
		t.Fatalf("Handle = %v, %v", state, err)
	}
}

// slowPublisher 同步发送很慢的事件出口，模拟 broker 变慢。
type slowPublisher struct {
	delay time.Duration
	sent  *recordingPublisher
}

func (p *slowPublisher) Publish(ctx context.Context, e queue.OrderCreatedEvent) error {
	time.Sleep(p.delay)
	return p.sent.Publish(ctx, e)
}

func TestOrderCreator_SlowEventsDoNotThrottle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	const orders = 10
	vid := seedVoucher(t, env, orders)

	slow := &slowPublisher{delay: 200 * time.Millisecond, sent: &recordingPublisher{}}
	d := queue.NewDispatcher(slow, orders, 5*time.Second)
	creator := NewOrderCreator(env.st, env.kv, time.Second, d)

	start := time.Now()
	for i := int64(1); i <= orders; i++ {
		task := queue.OrderTask{OrderID: i, UserID: 2000 + i, VoucherID: vid, CreatedAt: time.Now()}
		if state, err := creator.Handle(ctx, task); err != nil || state != queue.StatePersisted {
			t.Fatalf("Handle %d = %v, %v", i, state, err)
		}
	}
	// 同步发送至少要 orders × delay
	if elapsed := time.Since(start); elapsed >= orders*slow.delay/2 {
		t.Fatalf("persisting %d orders took %v", orders, elapsed)
	}

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.Close(closeCtx); err != nil {
		t.Fatalf("dispatcher Close: %v", err)
	}
	if slow.sent.len() != orders {
		t.Fatalf("events = %d, want %d", slow.sent.len(), orders)
	}
}

func TestStateRecorder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	st, err := env.states.Lookup(ctx, 42)
	if err != nil || st.Status != OrderPending || st.OrderID != "42" {
		t.Fatalf("Lookup before any state = %+v, %v", st, err)
	}

	task := queue.OrderTask{OrderID: 42, UserID: 1, VoucherID: 1}
	env.states.Observe(ctx, task, queue.StateIngesting)
	if env.mr.Exists(rediskey.OrderStateKey(42)) {
		t.Fatal("non-terminal state recorded")
	}
	env.states.Observe(ctx, task, queue.StateFailed)
	if st, _ := env.states.Lookup(ctx, 42); st.Status != OrderFailed {
		t.Fatalf("after failure without journal = %+v", st)
	}
	replayed := NewStateRecorder(env.rdb, time.Hour, true)
	replayed.Observe(ctx, task, queue.StateFailed)
	if st, _ := replayed.Lookup(ctx, 42); st.Status != OrderRetryPending {
		t.Fatalf("after failure with journal = %+v", st)
	}
	env.states.Observe(ctx, task, queue.StateDroppedInconsistent)
	st, _ = env.states.Lookup(ctx, 42)
	if st.Status != OrderRejected || st.Reason != queue.StateDroppedInconsistent.String() {
		t.Fatalf("after drop = %+v", st)
	}
	if ttl := env.mr.TTL(rediskey.OrderStateKey(42)); ttl != time.Hour {
		t.Fatalf("state ttl = %v", ttl)
	}
}

package redis

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestIDWorker_Layout(t *testing.T) {
	ctx := context.Background()
	kv, mr := newTestStore(t)

	at := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	w := NewIDWorker(kv)
	w.now = func() time.Time { return at }

	first, err := w.NextID(ctx, "order")
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	second, err := w.NextID(ctx, "order")
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	if second <= first {
		t.Fatalf("ids not increasing: %d then %d", first, second)
	}

	ts, seq := SplitID(second)
	if !ts.Equal(at) {
		t.Fatalf("timestamp = %v, want %v", ts, at)
	}
	if seq != 2 {
		t.Fatalf("seq = %d, want 2", seq)
	}
	if got, _ := mr.Get("icr:order:2024:03:09"); got != "2" {
		t.Fatalf("counter = %q, want 2", got)
	}
}

func TestIDWorker_LaterSecondSortsAfter(t *testing.T) {
	ctx := context.Background()
	kv, _ := newTestStore(t)

	at := time.Date(2024, 3, 9, 23, 59, 59, 0, time.UTC)
	w := NewIDWorker(kv)
	w.now = func() time.Time { return at }
	for i := 0; i < 5; i++ {
		if _, err := w.NextID(ctx, "order"); err != nil {
			t.Fatalf("NextID: %v", err)
		}
	}
	last, _ := w.NextID(ctx, "order")

	at = at.Add(time.Second)
	next, err := w.NextID(ctx, "order")
	if err != nil {
		t.Fatalf("NextID: %v", err)
	}
	if next <= last {
		t.Fatalf("id from next day %d not greater than %d", next, last)
	}
	if _, seq := SplitID(next); seq != 1 {
		t.Fatalf("new day sequence = %d, want 1", seq)
	}
}

func TestIDWorker_ConcurrentUnique(t *testing.T) {
	ctx := context.Background()
	kv, _ := newTestStore(t)
	w := NewIDWorker(kv)

	const n = 200
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := w.NextID(ctx, "order")
			if err != nil {
				t.Errorf("NextID: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]struct{}, n)
	for id := range ids {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = struct{}{}
	}
	if len(seen) != n {
		t.Fatalf("got %d ids, want %d", len(seen), n)
	}
}

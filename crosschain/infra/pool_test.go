package infra

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bridge-gateway/crosschain/domain"
)

func testPool(maxOps, queue int) *Pool {
	return NewPool(domain.ChainConfig{
		ChainID:               "eth",
		MaxConcurrentOps:      maxOps,
		MaxQueueSize:          queue,
		AvgBlockTime:          12 * time.Second,
		ConfirmationsRequired: 1,
	})
}

func checkLedger(t *testing.T, p *Pool) {
	t.Helper()
	s := p.Snapshot()
	if s.Reserved+s.Available != s.Total {
		t.Fatalf("ledger broken: reserved=%d available=%d total=%d", s.Reserved, s.Available, s.Total)
	}
	if s.Reserved < 0 || s.Reserved > s.Total {
		t.Fatalf("reserved out of range: %d", s.Reserved)
	}
}

func TestPool_ReserveAndReleaseKeepLedger(t *testing.T) {
	p := testPool(2, 10)

	if err := p.Reserve(domain.Operation{ID: "a"}, 6); err != nil {
		t.Fatalf("reserve a: %v", err)
	}
	checkLedger(t, p)
	if err := p.Reserve(domain.Operation{ID: "b"}, 15); !errors.Is(err, ErrInsufficientCapacity) {
		t.Fatalf("expected insufficient capacity, got %v", err)
	}
	if err := p.Reserve(domain.Operation{ID: "a"}, 1); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected already registered, got %v", err)
	}
	if err := p.Reserve(domain.Operation{ID: "b"}, 1); err != nil {
		t.Fatalf("reserve b: %v", err)
	}
	// teto de concorrência, mesmo com capacidade sobrando
	if err := p.Reserve(domain.Operation{ID: "c"}, 1); !errors.Is(err, ErrInsufficientCapacity) {
		t.Fatalf("expected concurrency ceiling, got %v", err)
	}

	if _, ok := p.Release("a"); !ok {
		t.Fatalf("expected release of a")
	}
	if _, ok := p.Release("a"); ok {
		t.Fatalf("expected second release to be a no-op")
	}
	checkLedger(t, p)
	if s := p.Snapshot(); s.Reserved != 1 || s.Active != 1 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
}

func TestPool_QueueOrdersByPriorityStable(t *testing.T) {
	p := testPool(1, 10)

	for _, op := range []domain.Operation{
		{ID: "p1", Priority: 1},
		{ID: "p5", Priority: 5},
		{ID: "p3", Priority: 3},
		{ID: "p5b", Priority: 5},
	} {
		if _, err := p.Enqueue(op); err != nil {
			t.Fatalf("enqueue %s: %v", op.ID, err)
		}
	}

	want := []string{"p5", "p5b", "p3", "p1"}
	for i, id := range want {
		if pos := p.Position(id); pos != i+1 {
			t.Fatalf("expected %s at %d, got %d", id, i+1, pos)
		}
	}
	for _, id := range want {
		head, ok := p.Head()
		if !ok || head.ID != id {
			t.Fatalf("expected head %s, got %+v", id, head)
		}
		p.Remove(id)
	}
}

func TestPool_QueueNeverPassesQueuedDependency(t *testing.T) {
	p := testPool(1, 10)

	for _, op := range []domain.Operation{
		{ID: "dep", Priority: 1},
		{ID: "low", Priority: 0},
		{ID: "child", Priority: 5, Dependencies: []string{"dep"}},
		{ID: "free", Priority: 5},
	} {
		if _, err := p.Enqueue(op); err != nil {
			t.Fatalf("enqueue %s: %v", op.ID, err)
		}
	}

	want := []string{"free", "dep", "child", "low"}
	for i, id := range want {
		if pos := p.Position(id); pos != i+1 {
			t.Fatalf("expected %s at %d, got %d (queue %v)", id, i+1, pos, p.Queued())
		}
	}
}

func TestPool_QueueFull(t *testing.T) {
	p := testPool(1, 1)
	if _, err := p.Enqueue(domain.Operation{ID: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := p.Enqueue(domain.Operation{ID: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
}

func TestPool_ExpireQueued(t *testing.T) {
	p := testPool(1, 10)
	t0 := time.Unix(1_700_000_000, 0)
	p.Enqueue(domain.Operation{ID: "old", QueuedAt: t0})
	p.Enqueue(domain.Operation{ID: "new", QueuedAt: t0.Add(time.Minute)})

	expired := p.ExpireQueued(t0.Add(30 * time.Second))
	if len(expired) != 1 || expired[0].ID != "old" {
		t.Fatalf("expected old expired, got %+v", expired)
	}
	if p.QueueLen() != 1 || p.Position("new") != 1 {
		t.Fatalf("expected only new left in queue")
	}
}

func TestPool_RebalanceComputesUtilization(t *testing.T) {
	p := testPool(4, 10) // total 40
	p.Reserve(domain.Operation{ID: "a"}, 10)
	now := time.Unix(1_700_000_000, 0)
	if u := p.Rebalance(now); u != 0.25 {
		t.Fatalf("expected utilization 0.25, got %v", u)
	}
	if s := p.Snapshot(); !s.LastRebalance.Equal(now) {
		t.Fatalf("expected lastRebalance set")
	}
}

func TestPool_ConcurrentReserveNeverOversubscribes(t *testing.T) {
	p := testPool(1000, 0) // total 10000
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			op := domain.Operation{ID: fmt.Sprintf("op-%d", i)}
			if p.Reserve(op, 100) == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	checkLedger(t, p)
	if admitted != 100 {
		t.Fatalf("expected exactly 100 admissions of cost 100 into 10000, got %d", admitted)
	}
}

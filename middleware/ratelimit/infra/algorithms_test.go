package infra

import (
	"testing"
	"time"

	"bridge-gateway/middleware/ratelimit/domain"
)

var t0 = time.Unix(1_700_000_000, 0)

func rule(alg domain.Algorithm, max int, window time.Duration) domain.Rule {
	return domain.Rule{Name: "r", Scope: domain.ScopeIP, Algorithm: alg, MaxRequests: max, Window: window}
}

func TestSlidingWindow_BlocksAfterLimitAndRecovers(t *testing.T) {
	a := NewSlidingWindow()
	r := rule(domain.AlgorithmSlidingWindow, 3, time.Second)

	for i := 0; i < 3; i++ {
		info, err := a.Check("k", r, 3, t0.Add(time.Duration(i)*100*time.Millisecond))
		if err != nil || info.Blocked {
			t.Fatalf("expected call %d allowed (err=%v)", i, err)
		}
	}

	info, _ := a.Check("k", r, 3, t0.Add(500*time.Millisecond))
	if !info.Blocked {
		t.Fatalf("expected 4th call blocked")
	}
	if info.Remaining != 0 || info.Current != 3 {
		t.Fatalf("unexpected counters %+v", info)
	}
	if !info.ResetTime.Equal(t0.Add(time.Second)) {
		t.Fatalf("expected reset at oldest+window, got %s", info.ResetTime)
	}
	if info.RetryAfter != 500*time.Millisecond {
		t.Fatalf("expected retryAfter=500ms, got %s", info.RetryAfter)
	}

	info, _ = a.Check("k", r, 3, t0.Add(time.Second))
	if info.Blocked {
		t.Fatalf("expected call allowed once the oldest entry left the window")
	}
}

func TestSlidingWindow_KeysAreIndependent(t *testing.T) {
	a := NewSlidingWindow()
	r := rule(domain.AlgorithmSlidingWindow, 1, time.Minute)

	if info, _ := a.Check("a", r, 1, t0); info.Blocked {
		t.Fatalf("expected a allowed")
	}
	if info, _ := a.Check("b", r, 1, t0); info.Blocked {
		t.Fatalf("expected b allowed")
	}
	if info, _ := a.Check("a", r, 1, t0); !info.Blocked {
		t.Fatalf("expected second a blocked")
	}
}

func TestTokenBucket_BurstThenSingleRefill(t *testing.T) {
	a := NewTokenBucket()
	r := rule(domain.AlgorithmTokenBucket, 5, 5*time.Second) // 1 token/s

	for i := 0; i < 5; i++ {
		info, err := a.Check("k", r, 5, t0)
		if err != nil || info.Blocked {
			t.Fatalf("expected call %d allowed (err=%v)", i, err)
		}
	}
	info, _ := a.Check("k", r, 5, t0)
	if !info.Blocked {
		t.Fatalf("expected 6th call blocked")
	}
	if info.RetryAfter != time.Second {
		t.Fatalf("expected retryAfter=1s, got %s", info.RetryAfter)
	}

	later := t0.Add(time.Second)
	if info, _ := a.Check("k", r, 5, later); info.Blocked {
		t.Fatalf("expected exactly one call after one refill")
	}
	if info, _ := a.Check("k", r, 5, later); !info.Blocked {
		t.Fatalf("expected the second call after one refill to be blocked")
	}
}

func TestTokenBucket_CarriesFractionalRefill(t *testing.T) {
	a := NewTokenBucket()
	r := rule(domain.AlgorithmTokenBucket, 2, 2*time.Second) // 1 token/s, capacidade 2

	a.Check("k", r, 2, t0)
	a.Check("k", r, 2, t0)
	if info, _ := a.Check("k", r, 2, t0.Add(1500*time.Millisecond)); info.Blocked {
		t.Fatalf("expected call allowed after 1.5 refills")
	}
	// o meio token que sobrou em 1.5s conta; em 2s já há um token inteiro
	info, _ := a.Check("k", r, 2, t0.Add(2*time.Second))
	if info.Blocked {
		t.Fatalf("expected fractional credit carried over, got %+v", info)
	}
	info, _ = a.Check("k", r, 2, t0.Add(2*time.Second))
	if !info.Blocked || info.RetryAfter != time.Second {
		t.Fatalf("expected empty bucket with 1s retry, got %+v", info)
	}
}

func TestTokenBucket_UsesExplicitRefillRate(t *testing.T) {
	a := NewTokenBucket()
	r := rule(domain.AlgorithmTokenBucket, 2, time.Hour)
	r.RefillRate = 2

	a.Check("k", r, 2, t0)
	a.Check("k", r, 2, t0)
	if info, _ := a.Check("k", r, 2, t0.Add(500*time.Millisecond)); info.Blocked {
		t.Fatalf("expected refill of 1 token after 500ms at 2 tokens/s")
	}
}

func TestFixedWindow_ResetsOnNextBucket(t *testing.T) {
	a := NewFixedWindow()
	r := rule(domain.AlgorithmFixedWindow, 2, time.Minute)
	start := time.UnixMilli(t0.UnixMilli() / 60_000 * 60_000)

	a.Check("k", r, 2, start)
	a.Check("k", r, 2, start.Add(time.Second))
	info, _ := a.Check("k", r, 2, start.Add(2*time.Second))
	if !info.Blocked {
		t.Fatalf("expected third call in the same bucket blocked")
	}
	if !info.ResetTime.Equal(start.Add(time.Minute)) {
		t.Fatalf("expected reset at bucket end, got %s", info.ResetTime)
	}

	if info, _ := a.Check("k", r, 2, start.Add(time.Minute)); info.Blocked {
		t.Fatalf("expected new bucket to allow")
	}
}

func TestAdaptive_DisabledBehavesAsSliding(t *testing.T) {
	a := NewAdaptive(NewSlidingWindow(), false, 2, func() float64 { return 1 })
	r := rule(domain.AlgorithmAdaptive, 2, time.Minute)

	a.Check("k", r, 2, t0)
	info, _ := a.Check("k", r, 2, t0)
	if info.Blocked || info.Limit != 2 {
		t.Fatalf("expected plain sliding behaviour, got %+v", info)
	}
	if info.Algorithm != domain.AlgorithmAdaptive {
		t.Fatalf("expected algorithm adaptive, got %s", info.Algorithm)
	}
}

func TestAdaptive_MultiplierDecreasesWithLoad(t *testing.T) {
	load := 0.0
	a := NewAdaptive(NewSlidingWindow(), true, 2, func() float64 { return load })

	if m := a.Multiplier(); m != 2 {
		t.Fatalf("expected ceiling 2 at zero load, got %v", m)
	}
	load = 0.5
	if m := a.Multiplier(); m != 1 {
		t.Fatalf("expected 1 at half load, got %v", m)
	}
	load = 1
	if m := a.Multiplier(); m != 0.1 {
		t.Fatalf("expected floor 0.1 at full load, got %v", m)
	}

	r := rule(domain.AlgorithmAdaptive, 10, time.Minute)
	info, _ := a.Check("k", r, 10, t0)
	if info.Limit != 1 {
		t.Fatalf("expected limit scaled to 1 under full load, got %d", info.Limit)
	}
}

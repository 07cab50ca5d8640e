package infra

import (
	"context"
	"testing"

	"bridge-gateway/middleware/ratelimit/domain"
)

func TestMemoryStatsStore_GroupsByRuleTierAndReason(t *testing.T) {
	s := NewMemoryStatsStore(WithTrackKeys(true))
	ctx := context.Background()

	_ = s.Record(ctx, domain.StatsEvent{Key: "k1", Rule: "api", Tier: domain.TierFree, Allowed: true})
	_ = s.Record(ctx, domain.StatsEvent{Key: "k1", Rule: "api", Tier: domain.TierFree, Reason: domain.ReasonRateLimited})
	_ = s.Record(ctx, domain.StatsEvent{Key: "k2", Rule: "api", Tier: domain.TierPremium, Allowed: true})

	if got := s.Total(); got.Allowed != 2 || got.Denied != 1 {
		t.Fatalf("unexpected total: %+v", got)
	}
	if got := s.ByRule()["api/free"]; got.Allowed != 1 || got.Denied != 1 {
		t.Fatalf("unexpected api/free counters: %+v", got)
	}
	if got := s.ByReason()[domain.ReasonRateLimited]; got != 1 {
		t.Fatalf("expected one rate_limited, got %d", got)
	}
	if len(s.ByKey()) != 2 {
		t.Fatalf("expected 2 tracked keys, got %v", s.ByKey())
	}

	// a cópia devolvida não compartilha estado
	s.ByRule()["api/free"] = Counters{}
	if s.ByRule()["api/free"].Allowed != 1 {
		t.Fatalf("expected ByRule to return a copy")
	}
}

func TestParseOutcomes(t *testing.T) {
	got := parseOutcomes(map[string]string{
		"allowed":               "7",
		"denied":                "2",
		"api/free:allowed":      "3",
		"api/free:denied":       "1",
		"swap/premium:allowed":  "4",
		"swap/premium:whatever": "9",
		"broken:allowed":        "x",
	})

	if got[""].Allowed != 7 || got[""].Denied != 2 {
		t.Fatalf("unexpected totals: %+v", got[""])
	}
	if got["api/free"] != (Counters{Allowed: 3, Denied: 1}) {
		t.Fatalf("unexpected api/free: %+v", got["api/free"])
	}
	if got["swap/premium"] != (Counters{Allowed: 4}) {
		t.Fatalf("unexpected swap/premium: %+v", got["swap/premium"])
	}
	if _, ok := got["broken"]; ok {
		t.Fatalf("expected non-numeric field skipped")
	}
}

func TestRedisStatsStore_NilIsNoop(t *testing.T) {
	var s *RedisStatsStore
	if err := s.Record(context.Background(), domain.StatsEvent{}); err != nil {
		t.Fatalf("expected nil store to be a no-op, got %v", err)
	}
}

package application

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"bridge-gateway/breaker"
	"bridge-gateway/events"
	"bridge-gateway/middleware/ratelimit/domain"

	"github.com/sirupsen/logrus"
)

type fakeLimiter struct {
	blocked bool
	err     error
	panics  bool

	calls     int
	lastKey   string
	lastLimit int
}

func (f *fakeLimiter) Check(key string, rule domain.Rule, limit int, now time.Time) (domain.Info, error) {
	f.calls++
	f.lastKey = key
	f.lastLimit = limit
	if f.panics {
		panic("boom")
	}
	if f.err != nil {
		return domain.Info{}, f.err
	}
	info := domain.Info{Limit: limit, Algorithm: rule.Algorithm, ResetTime: now.Add(rule.Window)}
	if f.blocked {
		info.Blocked = true
		info.Current = limit
		info.Reason = domain.ReasonRateLimited
		info.RetryAfter = time.Second
	} else {
		info.Current = 1
		info.Remaining = limit - 1
	}
	return info, nil
}

type fakeStore struct {
	lim domain.Limiter
}

func (s fakeStore) Get(domain.Algorithm) (domain.Limiter, bool) { return s.lim, s.lim != nil }

type fakeStats struct {
	events []domain.StatsEvent
}

func (f *fakeStats) Record(_ context.Context, ev domain.StatsEvent) error {
	f.events = append(f.events, ev)
	return nil
}

var testRule = domain.Rule{
	Name:        "swap_api",
	Scope:       domain.ScopeIP,
	Algorithm:   domain.AlgorithmSlidingWindow,
	Window:      time.Minute,
	MaxRequests: 10,
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestService(t *testing.T, lim domain.Limiter, mutate func(*Options)) (*Service, *events.Recorder, *fakeStats) {
	t.Helper()
	rec := &events.Recorder{}
	stats := &fakeStats{}
	now := time.Unix(1_700_000_000, 0)
	opts := Options{
		Algorithms: fakeStore{lim: lim},
		Stats:      stats,
		Notifier:   rec,
		Logger:     quietLogger(),
		Rules:      []domain.Rule{testRule},
		Now:        func() time.Time { return now },
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := NewService(opts)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, rec, stats
}

var req = domain.RequestInfo{IP: "10.0.0.1", UserAgent: "wallet/1.0", Endpoint: "/swap", Method: "POST"}

func TestService_AllowsAndAudits(t *testing.T) {
	lim := &fakeLimiter{}
	svc, _, stats := newTestService(t, lim, nil)

	info, err := svc.CheckRateLimit(context.Background(), "10.0.0.1", testRule, domain.TierFree, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Blocked {
		t.Fatalf("expected allowed")
	}
	if len(stats.events) != 1 || !stats.events[0].Allowed || stats.events[0].Rule != "swap_api" {
		t.Fatalf("expected one allowed audit record, got %+v", stats.events)
	}
}

func TestService_SkipDoesNotTouchStorage(t *testing.T) {
	lim := &fakeLimiter{blocked: true}
	svc, _, stats := newTestService(t, lim, func(o *Options) {
		o.Skip = func(_ string, r domain.RequestInfo) bool { return r.Endpoint == "/health" }
	})

	info, _ := svc.CheckRateLimit(context.Background(), "k", testRule, domain.TierFree, domain.RequestInfo{Endpoint: "/health"})
	if info.Blocked || info.Reason != domain.ReasonSkipped {
		t.Fatalf("expected skipped pass-through, got %+v", info)
	}
	if lim.calls != 0 || len(stats.events) != 0 {
		t.Fatalf("expected no limiter call and no audit on skip")
	}
}

func TestService_DenyAndAllowLists(t *testing.T) {
	lim := &fakeLimiter{}
	svc, _, _ := newTestService(t, lim, func(o *Options) {
		o.AllowIPs = []string{"10.0.0.0/24"}
		o.DenyIPs = []string{"10.0.0.66"}
	})

	info, _ := svc.CheckRateLimit(context.Background(), "k", testRule, domain.TierFree, domain.RequestInfo{IP: "10.0.0.66"})
	if !info.Blocked || info.Reason != domain.ReasonDenied {
		t.Fatalf("expected deny-list block, got %+v", info)
	}

	info, _ = svc.CheckRateLimit(context.Background(), "k", testRule, domain.TierFree, domain.RequestInfo{IP: "192.168.1.1"})
	if !info.Blocked || info.Reason != domain.ReasonNotAllowed {
		t.Fatalf("expected allow-list block, got %+v", info)
	}

	info, _ = svc.CheckRateLimit(context.Background(), "k", testRule, domain.TierFree, domain.RequestInfo{IP: "10.0.0.7"})
	if info.Blocked {
		t.Fatalf("expected listed ip to pass, got %+v", info)
	}
	if lim.calls != 1 {
		t.Fatalf("expected limiter called only for the admitted ip, got %d", lim.calls)
	}
}

func TestService_TierAdjustsLimit(t *testing.T) {
	lim := &fakeLimiter{}
	svc, _, _ := newTestService(t, lim, nil)

	svc.CheckRateLimit(context.Background(), "k", testRule, domain.TierPremium, req)
	if lim.lastLimit != 50 {
		t.Fatalf("expected premium limit 10*5=50, got %d", lim.lastLimit)
	}
	svc.CheckRateLimit(context.Background(), "k", testRule, domain.TierFree, req)
	if lim.lastLimit != 10 {
		t.Fatalf("expected free limit 10, got %d", lim.lastLimit)
	}
}

func TestService_BreakerOpenRejectsRegardlessOfQuota(t *testing.T) {
	lim := &fakeLimiter{}
	svc, rec, _ := newTestService(t, lim, func(o *Options) {
		o.Breaker = breaker.Options{MinimumRequests: 2, ErrorPercentageThreshold: 50, RecoveryTimeout: time.Hour}
	})

	svc.RecordOutcome("swap_api", domain.TierFree, false)
	svc.RecordOutcome("swap_api", domain.TierFree, false)

	info, _ := svc.CheckRateLimit(context.Background(), "k", testRule, domain.TierFree, req)
	if !info.Blocked || info.Reason != "circuit breaker open" {
		t.Fatalf("expected breaker rejection, got %+v", info)
	}
	if lim.calls != 0 {
		t.Fatalf("expected quota not consulted while breaker open")
	}
	if rec.Count(events.KindBreakerOpened) != 1 {
		t.Fatalf("expected breaker opened event")
	}

	// outro tier tem breaker próprio
	if info, _ := svc.CheckRateLimit(context.Background(), "k", testRule, domain.TierBasic, req); info.Blocked {
		t.Fatalf("expected other tier unaffected, got %+v", info)
	}
}

func TestService_BreakerEventsDeliveredOutsideBreakerLock(t *testing.T) {
	var (
		svc    *Service
		states [][]breaker.State
	)
	svc, _, _ = newTestService(t, &fakeLimiter{}, func(o *Options) {
		o.Breaker = breaker.Options{MinimumRequests: 1, ErrorPercentageThreshold: 50, RecoveryTimeout: time.Hour}
		o.Notifier = events.NotifierFunc(func(_ context.Context, ev events.Event) {
			if ev.Kind() == events.KindBreakerOpened {
				// reentrada: travaria se o evento saísse com o lock do breaker preso
				states = append(states, svc.BreakerStates())
			}
		})
	})

	svc.RecordOutcome("swap_api", domain.TierFree, false)

	if len(states) != 1 || len(states[0]) != 1 || states[0][0].Status != breaker.StatusOpen {
		t.Fatalf("expected one opened notification seeing the open breaker, got %+v", states)
	}
}

func TestService_CancelOutcomeReturnsHalfOpenSlot(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc, _, _ := newTestService(t, &fakeLimiter{}, func(o *Options) {
		o.Breaker = breaker.Options{MinimumRequests: 1, ErrorPercentageThreshold: 50, RecoveryTimeout: time.Minute, HalfOpenMaxRequests: 1}
		o.Now = func() time.Time { return now }
	})

	svc.RecordOutcome("swap_api", domain.TierFree, false)
	now = now.Add(time.Minute)

	if info, _ := svc.CheckRateLimit(context.Background(), "k", testRule, domain.TierFree, req); info.Blocked {
		t.Fatalf("expected half-open call admitted, got %+v", info)
	}
	if info, _ := svc.CheckRateLimit(context.Background(), "k", testRule, domain.TierFree, req); !info.Blocked {
		t.Fatalf("expected half-open budget exhausted")
	}

	svc.CancelOutcome("swap_api", domain.TierFree)
	if info, _ := svc.CheckRateLimit(context.Background(), "k", testRule, domain.TierFree, req); info.Blocked {
		t.Fatalf("expected cancelled slot to be reusable, got %+v", info)
	}
}

func TestService_InternalErrorsBlock(t *testing.T) {
	for name, lim := range map[string]*fakeLimiter{
		"error": {err: errors.New("corrupted state")},
		"panic": {panics: true},
	} {
		t.Run(name, func(t *testing.T) {
			svc, _, _ := newTestService(t, lim, nil)
			info, err := svc.CheckRateLimit(context.Background(), "k", testRule, domain.TierFree, req)
			if err != nil {
				t.Fatalf("internal errors must not propagate, got %v", err)
			}
			if !info.Blocked || info.Reason != domain.ReasonInternalError {
				t.Fatalf("expected internal_error block, got %+v", info)
			}
		})
	}
}

func TestService_ConfigurationErrors(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeLimiter{}, nil)

	if _, err := svc.Check(context.Background(), "k", "nope", domain.TierFree, req); !errors.Is(err, domain.ErrUnknownRule) {
		t.Fatalf("expected ErrUnknownRule, got %v", err)
	}

	bad := testRule
	bad.MaxRequests = 0
	if _, err := svc.CheckRateLimit(context.Background(), "k", bad, domain.TierFree, req); !errors.Is(err, domain.ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
}

func TestService_BlockDurationHoldsKey(t *testing.T) {
	lim := &fakeLimiter{blocked: true}
	rule := testRule
	rule.BlockDuration = 10 * time.Minute
	svc, _, _ := newTestService(t, lim, func(o *Options) { o.Rules = []domain.Rule{rule} })

	info, _ := svc.CheckRateLimit(context.Background(), "k", rule, domain.TierFree, req)
	if info.RetryAfter != 10*time.Minute {
		t.Fatalf("expected retryAfter raised to block duration, got %s", info.RetryAfter)
	}

	lim.blocked = false
	info, _ = svc.CheckRateLimit(context.Background(), "k", rule, domain.TierFree, req)
	if !info.Blocked || info.Reason != domain.ReasonKeyBlocked {
		t.Fatalf("expected key_blocked while block lasts, got %+v", info)
	}
}

func TestService_AutoBlacklistAfterThreshold(t *testing.T) {
	lim := &fakeLimiter{blocked: true}
	called := 0
	rule := testRule
	rule.OnLimitReached = func(domain.Info, domain.RequestInfo) { called++ }
	svc, rec, _ := newTestService(t, lim, func(o *Options) {
		o.Rules = []domain.Rule{rule}
		o.AutoBlacklist = AutoBlacklistOptions{Enabled: true, Threshold: 3, Window: time.Minute}
	})

	for i := 0; i < 3; i++ {
		svc.CheckRateLimit(context.Background(), "k", rule, domain.TierFree, req)
	}
	if rec.Count(events.KindRateLimitViolation) != 3 {
		t.Fatalf("expected 3 violation events, got %d", rec.Count(events.KindRateLimitViolation))
	}
	if rec.Count(events.KindIPBlacklisted) != 1 {
		t.Fatalf("expected ip blacklisted event")
	}
	if called != 3 {
		t.Fatalf("expected rule callback per block, got %d", called)
	}
	if got := svc.Blacklisted(); len(got) != 1 || got[0] != req.IP {
		t.Fatalf("expected %s blacklisted, got %v", req.IP, got)
	}

	lim.blocked = false
	info, _ := svc.CheckRateLimit(context.Background(), "k", rule, domain.TierFree, req)
	if !info.Blocked || info.Reason != domain.ReasonDenied {
		t.Fatalf("expected blacklisted ip denied, got %+v", info)
	}

	svc.Unblacklist(req.IP)
	if info, _ := svc.CheckRateLimit(context.Background(), "k", rule, domain.TierFree, req); info.Blocked {
		t.Fatalf("expected ip admitted after unblacklist, got %+v", info)
	}
}

func TestService_SuspiciousActivity(t *testing.T) {
	lim := &fakeLimiter{blocked: true}
	svc, rec, _ := newTestService(t, lim, func(o *Options) { o.SuspiciousDetection = true })

	svc.CheckRateLimit(context.Background(), "k", testRule, domain.TierFree, domain.RequestInfo{IP: "10.0.0.2", UserAgent: "python-requests/2.31"})

	evs := rec.Events()
	var found *events.SuspiciousActivity
	for _, ev := range evs {
		if s, ok := ev.(events.SuspiciousActivity); ok {
			found = &s
		}
	}
	if found == nil {
		t.Fatalf("expected suspicious activity event, got %v", evs)
	}
	if !strings.Contains(strings.Join(found.Signals, ","), "automation_user_agent") {
		t.Fatalf("expected automation signal, got %v", found.Signals)
	}
}

func TestService_StorageKeyIsBoundedAndNamespaced(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeLimiter{}, func(o *Options) { o.KeyPrefix = "bridge:" })

	long := strings.Repeat("x", 4096)
	k1 := svc.StorageKey(long, testRule, domain.TierFree)
	k2 := svc.StorageKey(long, testRule, domain.TierBasic)

	if !strings.HasPrefix(k1, "bridge:per_ip:") {
		t.Fatalf("expected namespaced key, got %q", k1)
	}
	if len(k1) > 64 {
		t.Fatalf("expected bounded key, got %d chars", len(k1))
	}
	if k1 == k2 {
		t.Fatalf("expected tier to change the key")
	}
	if k1 != svc.StorageKey(long, testRule, domain.TierFree) {
		t.Fatalf("expected deterministic key")
	}
}

func TestTierResolver_RejectsNonIncreasingMultipliers(t *testing.T) {
	_, err := NewTierResolver(domain.TierMultipliers{
		domain.TierFree: 1, domain.TierBasic: 1, domain.TierPremium: 2, domain.TierEnterprise: 3,
	}, domain.TierFree)
	if !errors.Is(err, domain.ErrInvalidTiers) {
		t.Fatalf("expected ErrInvalidTiers, got %v", err)
	}

	r, err := NewTierResolver(nil, domain.TierBasic)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Assign("key-1", domain.TierEnterprise)
	if got := r.Resolve(domain.RequestInfo{APIKey: "key-1"}); got != domain.TierEnterprise {
		t.Fatalf("expected enterprise for assigned key, got %s", got)
	}
	if got := r.Resolve(domain.RequestInfo{UserID: "u"}); got != domain.TierBasic {
		t.Fatalf("expected default tier, got %s", got)
	}
}

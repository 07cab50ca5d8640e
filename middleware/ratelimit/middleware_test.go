package ratelimit

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bridge-gateway/breaker"
	"bridge-gateway/middleware/ratelimit/application"
	"bridge-gateway/middleware/ratelimit/domain"
	"bridge-gateway/middleware/ratelimit/infra"

	"github.com/sirupsen/logrus"
)

func newService(t *testing.T, mutate func(*application.Options)) *application.Service {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	opts := application.Options{
		Algorithms: infra.NewAlgorithms(infra.AdaptiveConfig{}),
		Logger:     log,
		Rules: []domain.Rule{{
			Name:        "api",
			Scope:       domain.ScopeIP,
			Algorithm:   domain.AlgorithmSlidingWindow,
			Window:      time.Minute,
			MaxRequests: 1,
		}},
	}
	if mutate != nil {
		mutate(&opts)
	}
	svc, err := application.NewService(opts)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func mustMiddleware(t *testing.T, opts Options) func(http.Handler) http.Handler {
	t.Helper()
	mw, err := Middleware(opts)
	if err != nil {
		t.Fatalf("middleware: %v", err)
	}
	return mw
}

func get(h http.Handler, remote string, headers map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "http://example/swap", nil)
	r.RemoteAddr = remote
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestMiddleware_AllowsThenRejectsSameKey(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})

	h := mustMiddleware(t, Options{Service: newService(t, nil), Rule: "api", AddRateLimitHeaders: true})(next)

	w1 := get(h, "10.0.0.1:1234", nil)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w1.Code)
	}
	if got := w1.Header().Get("X-RateLimit-Limit"); got != "1" {
		t.Fatalf("expected X-RateLimit-Limit=1, got %q", got)
	}
	if got := w1.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected X-RateLimit-Remaining=0, got %q", got)
	}
	if got := w1.Header().Get("X-RateLimit-Tier"); got != "free" {
		t.Fatalf("expected free tier header, got %q", got)
	}

	w2 := get(h, "10.0.0.1:1234", nil)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w2.Code)
	}
	if got := w2.Header().Get("Retry-After"); got == "" || got == "0" {
		t.Fatalf("expected positive Retry-After, got %q", got)
	}
	if calls != 1 {
		t.Fatalf("expected next handler to be called once, got %d", calls)
	}
}

func TestMiddleware_KeyByHeader(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := mustMiddleware(t, Options{Service: newService(t, nil), Rule: "api", KeyHeader: "X-Client"})(next)

	// mesmo IP, chaves diferentes => cada chave tem sua própria cota
	if w := get(h, "10.0.0.1:1234", map[string]string{"X-Client": "k1"}); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for key k1, got %d", w.Code)
	}
	if w := get(h, "10.0.0.1:1234", map[string]string{"X-Client": "k2"}); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for key k2, got %d", w.Code)
	}
}

func TestMiddleware_TierFromAPIKey(t *testing.T) {
	svc := newService(t, nil)
	svc.Tiers().Assign("vip", domain.TierBasic)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := mustMiddleware(t, Options{Service: svc, Rule: "api"})(next)

	hdr := map[string]string{"X-Api-Key": "vip"}
	for i := 0; i < 2; i++ {
		if w := get(h, "10.0.0.1:1234", hdr); w.Code != http.StatusOK {
			t.Fatalf("expected basic tier to allow 2 calls, call %d got %d", i, w.Code)
		}
	}
	if w := get(h, "10.0.0.1:1234", hdr); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected third call rejected, got %d", w.Code)
	}
}

func TestMiddleware_DeniedIPGets403(t *testing.T) {
	svc := newService(t, func(o *application.Options) { o.DenyIPs = []string{"10.9.0.0/16"} })
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := mustMiddleware(t, Options{Service: svc, Rule: "api"})(next)

	if w := get(h, "10.9.1.1:80", nil); w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestMiddleware_UpstreamFailuresOpenBreaker(t *testing.T) {
	svc := newService(t, func(o *application.Options) {
		o.Rules[0].MaxRequests = 100
		o.Breaker = breaker.Options{MinimumRequests: 2, ErrorPercentageThreshold: 50, RecoveryTimeout: time.Hour}
	})
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	})
	h := mustMiddleware(t, Options{Service: svc, Rule: "api"})(next)

	get(h, "10.0.0.1:1", nil)
	get(h, "10.0.0.2:1", nil)

	w := get(h, "10.0.0.3:1", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while breaker open, got %d", w.Code)
	}
	if calls != 2 {
		t.Fatalf("expected upstream untouched while open, got %d calls", calls)
	}
}

func serveRecovering(h http.Handler, remote string) (p any) {
	defer func() { p = recover() }()
	get(h, remote, nil)
	return nil
}

func TestMiddleware_AbortedRequestDoesNotWedgeBreaker(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	svc := newService(t, func(o *application.Options) {
		o.Rules[0].MaxRequests = 100
		o.Breaker = breaker.Options{MinimumRequests: 2, ErrorPercentageThreshold: 50, RecoveryTimeout: time.Minute, HalfOpenMaxRequests: 1}
		o.Now = func() time.Time { return now }
	})
	status, abort := http.StatusBadGateway, false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if abort {
			panic(http.ErrAbortHandler)
		}
		w.WriteHeader(status)
	})
	h := mustMiddleware(t, Options{Service: svc, Rule: "api"})(next)

	get(h, "10.0.0.1:1", nil)
	get(h, "10.0.0.2:1", nil)
	now = now.Add(time.Minute)

	abort = true
	if p := serveRecovering(h, "10.0.0.3:1"); p != http.ErrAbortHandler {
		t.Fatalf("expected abort panic to propagate, got %v", p)
	}

	abort, status = false, http.StatusOK
	if w := get(h, "10.0.0.4:1", nil); w.Code != http.StatusOK {
		t.Fatalf("expected half-open slot returned after abort, got %d", w.Code)
	}
	if st := svc.BreakerStates(); len(st) != 1 || st[0].HalfOpenRequests != 0 {
		t.Fatalf("expected no half-open call left in flight, got %+v", st)
	}
}

func TestMiddleware_HandlerPanicCountsAsFailure(t *testing.T) {
	svc := newService(t, func(o *application.Options) {
		o.Rules[0].MaxRequests = 100
		o.Breaker = breaker.Options{MinimumRequests: 1, ErrorPercentageThreshold: 50, RecoveryTimeout: time.Hour}
	})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	h := mustMiddleware(t, Options{Service: svc, Rule: "api"})(next)

	if p := serveRecovering(h, "10.0.0.1:1"); p != "boom" {
		t.Fatalf("expected panic to propagate, got %v", p)
	}
	if w := get(h, "10.0.0.2:1", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected breaker open after panic, got %d", w.Code)
	}
}

func TestMiddleware_IsFailureOverridesDefault(t *testing.T) {
	svc := newService(t, func(o *application.Options) {
		o.Rules[0].MaxRequests = 100
		o.Breaker = breaker.Options{MinimumRequests: 2, ErrorPercentageThreshold: 50, RecoveryTimeout: time.Hour}
	})
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	h := mustMiddleware(t, Options{
		Service:   svc,
		Rule:      "api",
		IsFailure: func(status int) bool { return ServerError(status) && status != http.StatusServiceUnavailable },
	})(next)

	for i := 0; i < 5; i++ {
		get(h, "10.0.0.1:1", nil)
	}
	if calls != 5 {
		t.Fatalf("expected every call to reach the handler, got %d", calls)
	}
	if st := svc.BreakerStates(); len(st) != 1 || st[0].Status != breaker.StatusClosed {
		t.Fatalf("expected breaker closed, got %+v", st)
	}
}

func TestMiddleware_SkipBypassesQuota(t *testing.T) {
	svc := newService(t, func(o *application.Options) {
		o.Skip = func(_ string, r domain.RequestInfo) bool { return r.Endpoint == "/swap" }
	})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := mustMiddleware(t, Options{Service: svc, Rule: "api", AddRateLimitHeaders: true})(next)

	for i := 0; i < 3; i++ {
		w := get(h, "10.0.0.1:1", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected skipped path always allowed, got %d", w.Code)
		}
		if w.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatalf("expected no rate limit headers on skipped path")
		}
	}
}

func TestMiddleware_UnknownRuleFailsFast(t *testing.T) {
	_, err := Middleware(Options{Service: newService(t, nil), Rule: "missing"})
	if !errors.Is(err, domain.ErrUnknownRule) {
		t.Fatalf("expected ErrUnknownRule, got %v", err)
	}
}

func TestRetryAfterSeconds_RoundsUp(t *testing.T) {
	if got := retryAfterSeconds(2500 * time.Millisecond); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	if got := retryAfterSeconds(0); got != 1 {
		t.Fatalf("expected minimum 1, got %d", got)
	}
}

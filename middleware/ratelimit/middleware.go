package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"bridge-gateway/middleware/ratelimit/application"
	"bridge-gateway/middleware/ratelimit/domain"

	"github.com/sirupsen/logrus"
)

type KeyFunc func(r *http.Request) string

type Options struct {
	Service *application.Service
	// Rule é o nome de uma regra registrada no Service.
	Rule string

	KeyFn              KeyFunc
	KeyHeader          string
	TrustXForwardedFor bool
	UserHeader         string
	APIKeyHeader       string

	RejectStatus        int
	AddRateLimitHeaders bool
	// IsFailure diz se o status da resposta conta como falha no breaker. Padrão: >= 500.
	IsFailure func(status int) bool
	Logger    logrus.FieldLogger
}

// ServerError é o IsFailure padrão.
func ServerError(status int) bool { return status >= http.StatusInternalServerError }

// ClientIP devolve o IP de origem (primeiro IP do XFF se confiável, senão RemoteAddr).
func ClientIP(r *http.Request, trustXFF bool) string {
	if trustXFF {
		// pega o primeiro IP do X-Forwarded-For (cliente original)
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}
		if ip := ClientIP(r, trustXFF); ip != "" {
			return ip
		}
		return "unknown"
	}
}

// Middleware resolve a regra uma vez; regra desconhecida é erro de configuração.
func Middleware(opts Options) (func(next http.Handler) http.Handler, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("%w: service is required", domain.ErrInvalidRule)
	}
	rule, ok := opts.Service.Rule(opts.Rule)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownRule, opts.Rule)
	}
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.UserHeader == "" {
		opts.UserHeader = "X-User-Id"
	}
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "X-Api-Key"
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	if opts.IsFailure == nil {
		opts.IsFailure = ServerError
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	svc := opts.Service
	log := opts.Logger.WithField("rule", rule.Name)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.KeyFn(r)
			req := domain.RequestInfo{
				IP:        ClientIP(r, opts.TrustXForwardedFor),
				UserAgent: r.UserAgent(),
				Endpoint:  r.URL.Path,
				Method:    r.Method,
				UserID:    strings.TrimSpace(r.Header.Get(opts.UserHeader)),
				APIKey:    strings.TrimSpace(r.Header.Get(opts.APIKeyHeader)),
			}
			tier := svc.Tiers().Resolve(req)

			info, err := svc.CheckRateLimit(r.Context(), key, rule, tier, req)
			if err != nil {
				log.WithError(err).Error("rate limit check failed")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			if opts.AddRateLimitHeaders && info.Reason != domain.ReasonSkipped {
				h := w.Header()
				h.Set("X-RateLimit-Limit", formatInt(info.Limit))
				h.Set("X-RateLimit-Remaining", formatInt(info.Remaining))
				h.Set("X-RateLimit-Reset", formatInt(int(info.ResetTime.Unix())))
				h.Set("X-RateLimit-Tier", string(tier))
			}

			if info.Blocked {
				w.Header().Set("Retry-After", formatInt(retryAfterSeconds(info.RetryAfter)))
				status := statusFor(info.Reason, opts.RejectStatus)
				http.Error(w, http.StatusText(status), status)
				return
			}

			if info.Reason == domain.ReasonSkipped {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				p := recover()
				switch {
				case p == nil:
					svc.RecordOutcome(rule.Name, tier, !opts.IsFailure(sw.status))
					return
				case p == http.ErrAbortHandler:
					// cliente foi embora; a chamada não tem resultado
					svc.CancelOutcome(rule.Name, tier)
				default:
					svc.RecordOutcome(rule.Name, tier, false)
				}
				panic(p)
			}()
			next.ServeHTTP(sw, r)
		})
	}, nil
}

func statusFor(reason string, rejectStatus int) int {
	switch reason {
	case domain.ReasonBreakerOpen, domain.ReasonInternalError:
		return http.StatusServiceUnavailable
	case domain.ReasonDenied, domain.ReasonNotAllowed:
		return http.StatusForbidden
	}
	return rejectStatus
}

// retryAfterSeconds arredonda para cima, mínimo 1s.
func retryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		return 1
	}
	return s
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRule = errors.New("invalid rate limit rule")
	ErrUnknownRule = errors.New("unknown rate limit rule")
)

type Key string

type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopeIP        Scope = "per_ip"
	ScopeUser      Scope = "per_user"
	ScopeAPIKey    Scope = "per_api_key"
	ScopeChain     Scope = "per_chain"
	ScopeOperation Scope = "per_operation"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeIP, ScopeUser, ScopeAPIKey, ScopeChain, ScopeOperation:
		return true
	}
	return false
}

type Algorithm string

const (
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmTokenBucket   Algorithm = "token_bucket"
	AlgorithmFixedWindow   Algorithm = "fixed_window"
	AlgorithmAdaptive      Algorithm = "adaptive"
)

func (a Algorithm) Valid() bool {
	switch a {
	case AlgorithmSlidingWindow, AlgorithmTokenBucket, AlgorithmFixedWindow, AlgorithmAdaptive:
		return true
	}
	return false
}

// Motivos de bloqueio legíveis por máquina.
const (
	ReasonRateLimited   = "rate_limited"
	ReasonBreakerOpen   = "circuit breaker open"
	ReasonDenied        = "ip_denied"
	ReasonNotAllowed    = "ip_not_allowed"
	ReasonKeyBlocked    = "key_blocked"
	ReasonInternalError = "internal_error"
	ReasonSkipped       = "skipped"
)

// Rule é imutável e consultada a cada verificação.
type Rule struct {
	Name          string
	Scope         Scope
	Algorithm     Algorithm
	Window        time.Duration
	MaxRequests   int
	BurstLimit    int
	RefillRate    float64 // tokens por segundo; 0 => MaxRequests/Window
	BlockDuration time.Duration

	// OnLimitReached é chamado quando a regra bloqueia. Não deve bloquear.
	OnLimitReached func(info Info, req RequestInfo)
}

func (r Rule) Validate() error {
	switch {
	case r.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidRule)
	case !r.Scope.Valid():
		return fmt.Errorf("%w: rule %q has unknown scope %q", ErrInvalidRule, r.Name, r.Scope)
	case !r.Algorithm.Valid():
		return fmt.Errorf("%w: rule %q has unknown algorithm %q", ErrInvalidRule, r.Name, r.Algorithm)
	case r.Window <= 0:
		return fmt.Errorf("%w: rule %q window must be > 0", ErrInvalidRule, r.Name)
	case r.MaxRequests <= 0:
		return fmt.Errorf("%w: rule %q maxRequests must be > 0", ErrInvalidRule, r.Name)
	case r.BurstLimit < 0 || r.RefillRate < 0 || r.BlockDuration < 0:
		return fmt.Errorf("%w: rule %q has negative burst/refill/block", ErrInvalidRule, r.Name)
	}
	return nil
}

// EffectiveRefillRate devolve a taxa de reposição em tokens/s.
func (r Rule) EffectiveRefillRate() float64 {
	if r.RefillRate > 0 {
		return r.RefillRate
	}
	return float64(r.MaxRequests) / r.Window.Seconds()
}

// RequestInfo é o contexto genérico da chamada (sem net/http).
type RequestInfo struct {
	IP        string
	UserAgent string
	Endpoint  string
	Method    string
	UserID    string
	APIKey    string
}

// Info é o resultado de uma verificação. Um valor novo por chamada.
type Info struct {
	Limit     int
	Current   int
	Remaining int
	ResetTime time.Time
	// RetryAfter só é preenchido quando Blocked.
	RetryAfter time.Duration
	Blocked    bool
	Algorithm  Algorithm
	Reason     string
}

// Limiter é um algoritmo de rate limit sobre um store por chave.
// limit já vem ajustado pelo tier.
type Limiter interface {
	Check(key string, rule Rule, limit int, now time.Time) (Info, error)
}

// LimiterStore resolve o Limiter de um algoritmo.
type LimiterStore interface {
	Get(Algorithm) (Limiter, bool)
}

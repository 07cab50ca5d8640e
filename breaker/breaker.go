// Package breaker implementa o circuit breaker usado tanto pelo rate limiter
// (uma instância por regra×tier) quanto pelo coordenador cross-chain (uma por chain).
//
// O breaker é uma máquina de estados passiva: quem chama Allow é responsável por
// reportar o resultado (RecordSuccess/RecordFailure) exatamente uma vez, ou devolver
// a vaga com Cancel quando a operação não chegou a executar.
package breaker

import (
	"sync"
	"time"
)

type Status string

const (
	StatusClosed   Status = "closed"
	StatusOpen     Status = "open"
	StatusHalfOpen Status = "half_open"
)

// Options controla os limiares do breaker.
type Options struct {
	// MinimumRequests é o volume mínimo antes de avaliar a taxa de erro.
	MinimumRequests int
	// ErrorPercentageThreshold em 0..100.
	ErrorPercentageThreshold float64
	RecoveryTimeout          time.Duration
	HalfOpenMaxRequests      int
	// SuccessThreshold é quantos sucessos em half-open fecham o circuito.
	// Se 0, usa MinimumRequests.
	SuccessThreshold int
	// MonitoringPeriod zera os contadores do estado fechado periodicamente.
	// Se 0, os contadores só zeram em transições.
	MonitoringPeriod time.Duration

	Now func() time.Time
	// OnStateChange roda com o lock do breaker; não chame o breaker de dentro dele.
	OnStateChange func(name string, from, to Status)
}

func (o Options) withDefaults() Options {
	if o.MinimumRequests <= 0 {
		o.MinimumRequests = 20
	}
	if o.ErrorPercentageThreshold <= 0 {
		o.ErrorPercentageThreshold = 50
	}
	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = 30 * time.Second
	}
	if o.HalfOpenMaxRequests <= 0 {
		o.HalfOpenMaxRequests = 3
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = o.MinimumRequests
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// State é um snapshot do breaker.
type State struct {
	Name             string    `json:"name"`
	Status           Status    `json:"status"`
	IsOpen           bool      `json:"isOpen"`
	FailureCount     int       `json:"failureCount"`
	SuccessCount     int       `json:"successCount"`
	RequestCount     int       `json:"requestCount"`
	HalfOpenRequests int       `json:"currentHalfOpenRequests"`
	LastFailureTime  time.Time `json:"lastFailureTime"`
	OpenedAt         time.Time `json:"openedAt"`
}

type Breaker struct {
	mu   sync.Mutex
	name string
	opts Options

	status      Status
	failures    int
	successes   int
	requests    int
	halfOpen    int
	lastFailure time.Time
	openedAt    time.Time
	periodStart time.Time
}

func New(name string, opts Options) *Breaker {
	opts = opts.withDefaults()
	return &Breaker{
		name:        name,
		opts:        opts,
		status:      StatusClosed,
		periodStart: opts.Now(),
	}
}

func (b *Breaker) Name() string { return b.name }

// Allow informa se a chamada pode prosseguir.
// Em half-open cada true consome uma vaga de probe até RecordSuccess/RecordFailure/Cancel.
func (b *Breaker) Allow() bool {
	if b == nil {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	switch b.status {
	case StatusOpen:
		if now.Sub(b.openedAt) < b.opts.RecoveryTimeout {
			return false
		}
		b.transition(StatusHalfOpen, now)
		b.halfOpen = 1
		return true
	case StatusHalfOpen:
		if b.halfOpen >= b.opts.HalfOpenMaxRequests {
			return false
		}
		b.halfOpen++
		return true
	default:
		b.rollPeriod(now)
		return true
	}
}

// Cancel devolve uma vaga de probe que não vai produzir resultado.
func (b *Breaker) Cancel() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == StatusHalfOpen && b.halfOpen > 0 {
		b.halfOpen--
	}
}

func (b *Breaker) RecordSuccess() {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	switch b.status {
	case StatusHalfOpen:
		if b.halfOpen > 0 {
			b.halfOpen--
		}
		b.successes++
		b.requests++
		if b.successes >= b.opts.SuccessThreshold {
			b.transition(StatusClosed, now)
		}
	case StatusClosed:
		b.rollPeriod(now)
		b.successes++
		b.requests++
		b.evaluate(now)
	}
}

func (b *Breaker) RecordFailure() {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	b.lastFailure = now
	switch b.status {
	case StatusHalfOpen:
		b.transition(StatusOpen, now)
	case StatusClosed:
		b.rollPeriod(now)
		b.failures++
		b.requests++
		b.evaluate(now)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		Name:             b.name,
		Status:           b.status,
		IsOpen:           b.status == StatusOpen,
		FailureCount:     b.failures,
		SuccessCount:     b.successes,
		RequestCount:     b.requests,
		HalfOpenRequests: b.halfOpen,
		LastFailureTime:  b.lastFailure,
		OpenedAt:         b.openedAt,
	}
}

// evaluate assume b.mu travado e estado fechado.
func (b *Breaker) evaluate(now time.Time) {
	if b.requests < b.opts.MinimumRequests {
		return
	}
	pct := float64(b.failures) / float64(b.requests) * 100
	if pct >= b.opts.ErrorPercentageThreshold {
		b.transition(StatusOpen, now)
	}
}

func (b *Breaker) rollPeriod(now time.Time) {
	if b.opts.MonitoringPeriod <= 0 {
		return
	}
	if now.Sub(b.periodStart) >= b.opts.MonitoringPeriod {
		b.resetCounters()
		b.periodStart = now
	}
}

func (b *Breaker) resetCounters() {
	b.failures = 0
	b.successes = 0
	b.requests = 0
	b.halfOpen = 0
}

func (b *Breaker) transition(to Status, now time.Time) {
	from := b.status
	b.status = to
	b.resetCounters()
	switch to {
	case StatusOpen:
		b.openedAt = now
	case StatusClosed:
		b.openedAt = time.Time{}
		b.periodStart = now
	}
	if b.opts.OnStateChange != nil && from != to {
		b.opts.OnStateChange(b.name, from, to)
	}
}

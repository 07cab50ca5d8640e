// Package events define as notificações emitidas pelo rate limiter e pelo
// coordenador cross-chain.
//
// Cada tipo de evento é uma variante própria (struct) que implementa Event.
// Consumidores fazem type switch exaustivo; o núcleo não faz I/O de rede,
// quem entrega (NATS, log, métricas) é um Notifier instalado pelo binário.
package events

import (
	"context"
	"math/big"
	"sync"
	"time"
)

type Kind string

const (
	KindOperationApproved   Kind = "operation.approved"
	KindOperationQueued     Kind = "operation.queued"
	KindOperationRejected   Kind = "operation.rejected"
	KindOperationCompleted  Kind = "operation.completed"
	KindOperationExpired    Kind = "operation.expired"
	KindBreakerOpened       Kind = "breaker.opened"
	KindBreakerClosed       Kind = "breaker.closed"
	KindPoolHighUtilization Kind = "pool.high_utilization"
	KindRateLimitViolation  Kind = "ratelimit.violation"
	KindIPBlacklisted       Kind = "ratelimit.ip_blacklisted"
	KindSuspiciousActivity  Kind = "ratelimit.suspicious_activity"
)

// Event é implementado apenas pelas variantes deste pacote.
type Event interface {
	Kind() Kind
	OccurredAt() time.Time
	isEvent()
}

type OperationApproved struct {
	OperationID      string    `json:"operationId"`
	UserID           string    `json:"userId"`
	SourceChain      string    `json:"sourceChain"`
	DestinationChain string    `json:"destinationChain"`
	Value            *big.Int  `json:"value"`
	Cost             int64     `json:"cost"`
	At               time.Time `json:"at"`
}

type OperationQueued struct {
	OperationID    string        `json:"operationId"`
	UserID         string        `json:"userId"`
	ChainID        string        `json:"chainId"`
	Position       int           `json:"position"`
	EstimatedDelay time.Duration `json:"estimatedDelay"`
	Reason         string        `json:"reason"`
	At             time.Time     `json:"at"`
}

type OperationRejected struct {
	UserID           string    `json:"userId"`
	SourceChain      string    `json:"sourceChain"`
	DestinationChain string    `json:"destinationChain"`
	Reason           string    `json:"reason"`
	At               time.Time `json:"at"`
}

type OperationCompleted struct {
	OperationID string            `json:"operationId"`
	UserID      string            `json:"userId"`
	Success     bool              `json:"success"`
	Duration    time.Duration     `json:"duration"`
	Unblocked   []string          `json:"unblocked,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	At          time.Time         `json:"at"`
}

type OperationExpired struct {
	OperationID string        `json:"operationId"`
	ChainID     string        `json:"chainId"`
	Waited      time.Duration `json:"waited"`
	At          time.Time     `json:"at"`
}

type BreakerOpened struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

type BreakerClosed struct {
	Name string    `json:"name"`
	At   time.Time `json:"at"`
}

type PoolHighUtilization struct {
	ChainID     string    `json:"chainId"`
	Utilization float64   `json:"utilization"`
	QueueLength int       `json:"queueLength"`
	At          time.Time `json:"at"`
}

type RateLimitViolation struct {
	Key        string        `json:"key"`
	Rule       string        `json:"rule"`
	Tier       string        `json:"tier"`
	IP         string        `json:"ip,omitempty"`
	Endpoint   string        `json:"endpoint,omitempty"`
	Reason     string        `json:"reason"`
	Limit      int           `json:"limit"`
	Current    int           `json:"current"`
	RetryAfter time.Duration `json:"retryAfter"`
	At         time.Time     `json:"at"`
}

type IPBlacklisted struct {
	IP         string    `json:"ip"`
	Violations int       `json:"violations"`
	Until      time.Time `json:"until,omitempty"`
	At         time.Time `json:"at"`
}

type SuspiciousActivity struct {
	IP      string    `json:"ip"`
	UserID  string    `json:"userId,omitempty"`
	Signals []string  `json:"signals"`
	At      time.Time `json:"at"`
}

func (OperationApproved) Kind() Kind   { return KindOperationApproved }
func (OperationQueued) Kind() Kind     { return KindOperationQueued }
func (OperationRejected) Kind() Kind   { return KindOperationRejected }
func (OperationCompleted) Kind() Kind  { return KindOperationCompleted }
func (OperationExpired) Kind() Kind    { return KindOperationExpired }
func (BreakerOpened) Kind() Kind       { return KindBreakerOpened }
func (BreakerClosed) Kind() Kind       { return KindBreakerClosed }
func (PoolHighUtilization) Kind() Kind { return KindPoolHighUtilization }
func (RateLimitViolation) Kind() Kind  { return KindRateLimitViolation }
func (IPBlacklisted) Kind() Kind       { return KindIPBlacklisted }
func (SuspiciousActivity) Kind() Kind  { return KindSuspiciousActivity }

func (e OperationApproved) OccurredAt() time.Time   { return e.At }
func (e OperationQueued) OccurredAt() time.Time     { return e.At }
func (e OperationRejected) OccurredAt() time.Time   { return e.At }
func (e OperationCompleted) OccurredAt() time.Time  { return e.At }
func (e OperationExpired) OccurredAt() time.Time    { return e.At }
func (e BreakerOpened) OccurredAt() time.Time       { return e.At }
func (e BreakerClosed) OccurredAt() time.Time       { return e.At }
func (e PoolHighUtilization) OccurredAt() time.Time { return e.At }
func (e RateLimitViolation) OccurredAt() time.Time  { return e.At }
func (e IPBlacklisted) OccurredAt() time.Time       { return e.At }
func (e SuspiciousActivity) OccurredAt() time.Time  { return e.At }

func (OperationApproved) isEvent()   {}
func (OperationQueued) isEvent()     {}
func (OperationRejected) isEvent()   {}
func (OperationCompleted) isEvent()  {}
func (OperationExpired) isEvent()    {}
func (BreakerOpened) isEvent()       {}
func (BreakerClosed) isEvent()       {}
func (PoolHighUtilization) isEvent() {}
func (RateLimitViolation) isEvent()  {}
func (IPBlacklisted) isEvent()       {}
func (SuspiciousActivity) isEvent()  {}

// Notifier recebe eventos. Deve ser best-effort e não bloquear o caminho de admissão.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

type NotifierFunc func(ctx context.Context, ev Event)

func (f NotifierFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

// Nop descarta tudo.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Fanout repassa cada evento para todos os notifiers, na ordem.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, ev Event) {
	for _, n := range f {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}

// Recorder guarda os eventos em memória. Útil para testes e para o dashboard local.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count conta os eventos de um tipo.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind() == kind {
			n++
		}
	}
	return n
}

package domain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

var (
	ErrInvalidConfig    = errors.New("invalid cross-chain configuration")
	ErrUnknownChain     = errors.New("unknown chain")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrUnknownOperation = errors.New("unknown operation")
	ErrOperationQueued  = errors.New("operation is queued, withdraw it instead")
	ErrOperationActive  = errors.New("operation is active, complete it instead")
)

type OperationType string

const (
	SwapInitiate OperationType = "swap_initiate"
	SwapRedeem   OperationType = "swap_redeem"
	SwapRefund   OperationType = "swap_refund"
)

func (t OperationType) Valid() bool {
	switch t {
	case SwapInitiate, SwapRedeem, SwapRefund:
		return true
	}
	return false
}

// Motivos de rejeição/fila, legíveis por máquina.
const (
	ReasonBreakerOpen          = "circuit_breaker_open"
	ReasonGlobalLimit          = "global_concurrency_limit"
	ReasonUserLimit            = "user_rate_limit"
	ReasonChainLimit           = "chain_rate_limit"
	ReasonChainCooldown        = "chain_cooldown"
	ReasonTypeLimit            = "operation_type_limit"
	ReasonTypeInterval         = "operation_interval"
	ReasonValuePerOperation    = "value_exceeds_operation_limit"
	ReasonValuePerWindow       = "value_exceeds_window_limit"
	ReasonDailyValue           = "value_exceeds_daily_limit"
	ReasonLifetimeValue        = "value_exceeds_lifetime_limit"
	ReasonInsufficientCapacity = "insufficient_capacity"
	ReasonDependencyPending    = "dependency_pending"
	ReasonQueueFull            = "queue_full"
	ReasonInternalError        = "internal_error"
)

// OperationRequest é o que o relayer/resolver submete.
type OperationRequest struct {
	// ID opcional; vazio gera um uuid.
	ID                string
	UserID            string
	Type              OperationType
	SourceChain       string
	DestinationChain  string
	Value             *big.Int
	Priority          int
	EstimatedDuration time.Duration
	Dependencies      []string
	Metadata          map[string]string
}

func (r OperationRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.UserID) == "":
		return fmt.Errorf("%w: empty user id", ErrInvalidOperation)
	case !r.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, r.Type)
	case r.SourceChain == "" || r.DestinationChain == "":
		return fmt.Errorf("%w: source and destination chains are required", ErrInvalidOperation)
	case r.Value == nil || r.Value.Sign() < 0:
		return fmt.Errorf("%w: value must be a non-negative integer", ErrInvalidOperation)
	}
	return nil
}

// Operation vive enquanto estiver na fila ou no conjunto ativo de um pool.
type Operation struct {
	ID                string
	UserID            string
	Type              OperationType
	SourceChain       string
	DestinationChain  string
	Value             *big.Int
	Priority          int
	CreatedAt         time.Time
	EstimatedDuration time.Duration
	RetryCount        int
	Dependencies      []string
	Metadata          map[string]string

	Cost       int64
	QueuedAt   time.Time
	AdmittedAt time.Time
}

// Chains devolve as cadeias tocadas pela operação, sem repetição.
func (o Operation) Chains() []string {
	if o.SourceChain == o.DestinationChain {
		return []string{o.SourceChain}
	}
	return []string{o.SourceChain, o.DestinationChain}
}

// Decision é sempre um valor; rejeição nunca vira erro.
type Decision struct {
	Allowed        bool
	Queued         bool
	OperationID    string
	Reason         string
	RetryAfter     time.Duration
	EstimatedDelay time.Duration
	QueuePosition  int
}

type OperationState string

const (
	StateActive OperationState = "active"
	StateQueued OperationState = "queued"
)

type OperationStatus struct {
	Operation Operation
	State     OperationState
	ChainID   string
	// Position é 1-based; só faz sentido em fila.
	Position int
}

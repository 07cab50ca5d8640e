package infra

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"bridge-gateway/crosschain/domain"
)

var (
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrQueueFull            = errors.New("queue full")
	ErrAlreadyRegistered    = errors.New("operation already registered in pool")
)

type activeEntry struct {
	op   domain.Operation
	cost int64
}

// Pool é o livro-razão de capacidade de uma cadeia, com o conjunto ativo e a fila por prioridade.
//
// Invariante: reserved + available == total ao retornar de qualquer método.
type Pool struct {
	mu  sync.Mutex
	cfg domain.ChainConfig

	total     int64
	available int64
	reserved  int64

	active map[string]activeEntry
	queue  []domain.Operation

	lastRebalance time.Time
	utilization   float64
}

func NewPool(cfg domain.ChainConfig) *Pool {
	total := cfg.TotalCapacity()
	return &Pool{
		cfg:       cfg,
		total:     total,
		available: total,
		active:    make(map[string]activeEntry),
	}
}

func (p *Pool) ChainID() string            { return p.cfg.ChainID }
func (p *Pool) Config() domain.ChainConfig { return p.cfg }

// Fits diz se uma operação de custo cost caberia agora.
func (p *Pool) Fits(cost int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fitsLocked(cost)
}

func (p *Pool) fitsLocked(cost int64) bool {
	return cost <= p.available && len(p.active) < p.cfg.MaxConcurrentOps
}

// Reserve debita cost e registra a operação como ativa. Tudo ou nada.
func (p *Pool) Reserve(op domain.Operation, cost int64) error {
	if cost < 0 {
		return fmt.Errorf("negative cost %d", cost)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[op.ID]; ok {
		return ErrAlreadyRegistered
	}
	if p.indexLocked(op.ID) >= 0 {
		return ErrAlreadyRegistered
	}
	if !p.fitsLocked(cost) {
		return ErrInsufficientCapacity
	}
	p.available -= cost
	p.reserved += cost
	p.active[op.ID] = activeEntry{op: op, cost: cost}
	return nil
}

// Release devolve a capacidade da operação ativa. Segunda chamada para o mesmo id é no-op.
func (p *Pool) Release(id string) (domain.Operation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.active[id]
	if !ok {
		return domain.Operation{}, false
	}
	delete(p.active, id)
	p.reserved -= e.cost
	p.available += e.cost
	return e.op, true
}

// Enqueue insere antes da primeira entrada de prioridade estritamente menor
// (empates mantêm a ordem de chegada), mas nunca à frente de uma dependência
// que já esteja na mesma fila. Devolve a posição 1-based.
func (p *Pool) Enqueue(op domain.Operation) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[op.ID]; ok {
		return 0, ErrAlreadyRegistered
	}
	if p.indexLocked(op.ID) >= 0 {
		return 0, ErrAlreadyRegistered
	}
	if len(p.queue) >= p.cfg.MaxQueueSize {
		return 0, ErrQueueFull
	}

	floor := 0
	for i, q := range p.queue {
		if slices.Contains(op.Dependencies, q.ID) {
			floor = i + 1
		}
	}
	at := len(p.queue)
	for i := floor; i < len(p.queue); i++ {
		if q := p.queue[i]; q.Priority < op.Priority {
			at = i
			break
		}
	}
	p.queue = append(p.queue, domain.Operation{})
	copy(p.queue[at+1:], p.queue[at:])
	p.queue[at] = op
	return at + 1, nil
}

func (p *Pool) Head() (domain.Operation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return domain.Operation{}, false
	}
	return p.queue[0], true
}

// Remove tira a operação da fila.
func (p *Pool) Remove(id string) (domain.Operation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.indexLocked(id)
	if i < 0 {
		return domain.Operation{}, false
	}
	op := p.queue[i]
	p.queue = append(p.queue[:i], p.queue[i+1:]...)
	return op, true
}

// Position é 1-based; 0 se não estiver na fila.
func (p *Pool) Position(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.indexLocked(id) + 1
}

func (p *Pool) indexLocked(id string) int {
	for i, q := range p.queue {
		if q.ID == id {
			return i
		}
	}
	return -1
}

// Queued devolve uma cópia da fila em ordem de admissão.
func (p *Pool) Queued() []domain.Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.queue)
}

func (p *Pool) Active(id string) (domain.Operation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.active[id]
	return e.op, ok
}

func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// ExpireQueued remove da fila as entradas enfileiradas antes de cutoff.
func (p *Pool) ExpireQueued(cutoff time.Time) []domain.Operation {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []domain.Operation
	kept := p.queue[:0]
	for _, q := range p.queue {
		if q.QueuedAt.Before(cutoff) {
			expired = append(expired, q)
			continue
		}
		kept = append(kept, q)
	}
	clear(p.queue[len(kept):])
	p.queue = kept
	return expired
}

// Rebalance recalcula utilization = reserved/total.
func (p *Pool) Rebalance(now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.utilization = p.utilizationLocked()
	p.lastRebalance = now
	return p.utilization
}

func (p *Pool) utilizationLocked() float64 {
	if p.total <= 0 {
		return 0
	}
	return float64(p.reserved) / float64(p.total)
}

type PoolSnapshot struct {
	ChainID       string    `json:"chainId"`
	Total         int64     `json:"totalCapacity"`
	Available     int64     `json:"availableCapacity"`
	Reserved      int64     `json:"reservedCapacity"`
	Active        int       `json:"activeOperations"`
	Queued        int       `json:"queuedOperations"`
	Utilization   float64   `json:"utilizationRate"`
	LastRebalance time.Time `json:"lastRebalance"`
}

// Snapshot usa a utilização corrente, não a do último rebalance.
func (p *Pool) Snapshot() PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolSnapshot{
		ChainID:       p.cfg.ChainID,
		Total:         p.total,
		Available:     p.available,
		Reserved:      p.reserved,
		Active:        len(p.active),
		Queued:        len(p.queue),
		Utilization:   p.utilizationLocked(),
		LastRebalance: p.lastRebalance,
	}
}

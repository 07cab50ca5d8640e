package application

import (
	"bridge-gateway/breaker"
	"bridge-gateway/crosschain/infra"
)

type ChainStats struct {
	infra.PoolSnapshot
	Breaker breaker.State `json:"breaker"`
}

// Stats é o snapshot consumido pelo monitoramento.
type Stats struct {
	TotalRequests int64 `json:"totalRequests"`
	Approved      int64 `json:"approved"`
	Queued        int64 `json:"queued"`
	Rejected      int64 `json:"rejected"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Expired       int64 `json:"expired"`
	Withdrawn     int64 `json:"withdrawn"`

	ActiveOperations int          `json:"activeOperations"`
	QueuedOperations int          `json:"queuedOperations"`
	TrackedUsers     int          `json:"trackedUsers"`
	Chains           []ChainStats `json:"chains"`
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		TotalRequests:    c.counters.requests,
		Approved:         c.counters.approved,
		Queued:           c.counters.queued,
		Rejected:         c.counters.rejected,
		Completed:        c.counters.completed,
		Failed:           c.counters.failed,
		Expired:          c.counters.expired,
		Withdrawn:        c.counters.withdrawn,
		ActiveOperations: len(c.active),
		QueuedOperations: len(c.queued),
		TrackedUsers:     len(c.users),
		Chains:           make([]ChainStats, 0, len(c.chainIDs)),
	}
	for _, id := range c.chainIDs {
		s.Chains = append(s.Chains, ChainStats{
			PoolSnapshot: c.pools[id].Snapshot(),
			Breaker:      c.breakers[id].State(),
		})
	}
	c.mu.Unlock()
	return s
}

// Load em [0,1]: o maior entre a ocupação do teto global e a utilização dos pools.
// Serve de LoadFunc para o algoritmo adaptativo do rate limiter.
func (c *Coordinator) Load() float64 {
	c.mu.Lock()
	active := len(c.active)
	c.mu.Unlock()

	load := 0.0
	if ceiling := c.opts.Limits.MaxConcurrentOperations; ceiling > 0 {
		load = float64(active) / float64(ceiling)
	}
	for _, id := range c.chainIDs {
		load = max(load, c.pools[id].Snapshot().Utilization)
	}
	return min(load, 1)
}

package application

import (
	"strings"
	"sync"

	"bridge-gateway/middleware/ratelimit/domain"
)

// TierResolver mapeia quem chama (API key ou usuário) para um tier de cota.
type TierResolver struct {
	mu          sync.RWMutex
	assignments map[string]domain.Tier
	def         domain.Tier
	multipliers domain.TierMultipliers
}

// NewTierResolver valida os multiplicadores; nil usa domain.DefaultTierMultipliers.
func NewTierResolver(multipliers domain.TierMultipliers, def domain.Tier) (*TierResolver, error) {
	if multipliers == nil {
		multipliers = domain.DefaultTierMultipliers()
	}
	if err := multipliers.Validate(); err != nil {
		return nil, err
	}
	if def.Rank() < 0 {
		def = domain.TierFree
	}
	return &TierResolver{
		assignments: make(map[string]domain.Tier),
		def:         def,
		multipliers: multipliers,
	}, nil
}

func (r *TierResolver) Assign(subject string, t domain.Tier) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments[subject] = t
}

// Resolve procura primeiro a API key, depois o usuário; senão devolve o tier padrão.
func (r *TierResolver) Resolve(req domain.RequestInfo) domain.Tier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.assignments[req.APIKey]; ok && req.APIKey != "" {
		return t
	}
	if t, ok := r.assignments[req.UserID]; ok && req.UserID != "" {
		return t
	}
	return r.def
}

func (r *TierResolver) Multiplier(t domain.Tier) float64 {
	if m, ok := r.multipliers[t]; ok {
		return m
	}
	return 1
}

// AdjustedLimit = floor(maxRequests × multiplicador do tier).
func (r *TierResolver) AdjustedLimit(maxRequests int, t domain.Tier) int {
	return r.multipliers.Adjust(maxRequests, t)
}

package infra

import "bridge-gateway/middleware/ratelimit/domain"

type cleaner interface {
	Cleanup()
	StartJanitor(ctx DoneContext)
}

// Algorithms implementa domain.LimiterStore com os quatro algoritmos em memória.
type Algorithms struct {
	limiters map[domain.Algorithm]domain.Limiter
	stores   []cleaner
}

type AdaptiveConfig struct {
	Enabled       bool
	MaxMultiplier float64
	Load          LoadFunc
}

func NewAlgorithms(adaptive AdaptiveConfig, opts ...StoreOption) *Algorithms {
	sliding := NewSlidingWindow(opts...)
	bucket := NewTokenBucket(opts...)
	fixed := NewFixedWindow(opts...)
	adaptiveWindow := NewSlidingWindow(opts...)

	return &Algorithms{
		limiters: map[domain.Algorithm]domain.Limiter{
			domain.AlgorithmSlidingWindow: sliding,
			domain.AlgorithmTokenBucket:   bucket,
			domain.AlgorithmFixedWindow:   fixed,
			domain.AlgorithmAdaptive:      NewAdaptive(adaptiveWindow, adaptive.Enabled, adaptive.MaxMultiplier, adaptive.Load),
		},
		stores: []cleaner{sliding, bucket, fixed, adaptiveWindow},
	}
}

// Get implementa domain.LimiterStore.
func (a *Algorithms) Get(alg domain.Algorithm) (domain.Limiter, bool) {
	l, ok := a.limiters[alg]
	return l, ok
}

func (a *Algorithms) Cleanup() {
	for _, s := range a.stores {
		s.Cleanup()
	}
}

// StartJanitor inicia a limpeza periódica de todos os stores. Pare cancelando o contexto.
func (a *Algorithms) StartJanitor(ctx DoneContext) {
	for _, s := range a.stores {
		s.StartJanitor(ctx)
	}
}

package infra

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"bridge-gateway/middleware/ratelimit/domain"

	"golang.org/x/time/rate"
)

// fixedWindowSlack mantém o contador um pouco além do fim da janela.
const fixedWindowSlack = time.Second

// SlidingWindow guarda os timestamps por chave e descarta os mais velhos que a janela.
type SlidingWindow struct {
	store *Store[[]time.Time]
}

func NewSlidingWindow(opts ...StoreOption) *SlidingWindow {
	return &SlidingWindow{store: NewStore[[]time.Time](opts...)}
}

func (a *SlidingWindow) Check(key string, rule domain.Rule, limit int, now time.Time) (domain.Info, error) {
	info := domain.Info{Limit: limit, Algorithm: domain.AlgorithmSlidingWindow}
	cutoff := now.Add(-rule.Window)

	err := a.store.Update(key, now, rule.Window, func(ts *[]time.Time, _ bool) error {
		kept := (*ts)[:0]
		for _, t := range *ts {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}

		if len(kept) >= limit {
			info.Blocked = true
		} else {
			kept = append(kept, now)
		}
		*ts = kept

		info.Current = len(kept)
		if len(kept) > 0 {
			info.ResetTime = kept[0].Add(rule.Window)
		} else {
			info.ResetTime = now.Add(rule.Window)
		}
		return nil
	})
	if err != nil {
		return domain.Info{}, err
	}

	info.Remaining = max(limit-info.Current, 0)
	if info.Blocked {
		info.Reason = domain.ReasonRateLimited
		info.RetryAfter = max(info.ResetTime.Sub(now), 0)
	}
	return info, nil
}

func (a *SlidingWindow) Cleanup()                     { a.store.Cleanup() }
func (a *SlidingWindow) StartJanitor(ctx DoneContext) { a.store.StartJanitor(ctx) }

// TokenBucket usa golang.org/x/time/rate por chave.
// Capacidade = limite ajustado (ou BurstLimit, se maior); reposição = RefillRate escalado pelo tier.
type TokenBucket struct {
	store *Store[*rate.Limiter]
}

func NewTokenBucket(opts ...StoreOption) *TokenBucket {
	return &TokenBucket{store: NewStore[*rate.Limiter](opts...)}
}

func (a *TokenBucket) Check(key string, rule domain.Rule, limit int, now time.Time) (domain.Info, error) {
	burst := limit
	if rule.BurstLimit > burst {
		burst = rule.BurstLimit
	}
	refill := rule.EffectiveRefillRate() * float64(limit) / float64(rule.MaxRequests)
	if refill <= 0 || math.IsNaN(refill) || math.IsInf(refill, 0) {
		return domain.Info{}, fmt.Errorf("token bucket %q: invalid refill rate %v", rule.Name, refill)
	}

	info := domain.Info{Limit: burst, Algorithm: domain.AlgorithmTokenBucket}
	var tokens float64

	err := a.store.Update(key, now, 0, func(lim **rate.Limiter, exists bool) error {
		if !exists || *lim == nil {
			*lim = rate.NewLimiter(rate.Limit(refill), burst)
		} else {
			if (*lim).Limit() != rate.Limit(refill) {
				(*lim).SetLimitAt(now, rate.Limit(refill))
			}
			if (*lim).Burst() != burst {
				(*lim).SetBurstAt(now, burst)
			}
		}
		info.Blocked = !(*lim).AllowN(now, 1)
		tokens = (*lim).TokensAt(now)
		return nil
	})
	if err != nil {
		return domain.Info{}, err
	}

	info.Remaining = max(int(math.Floor(tokens)), 0)
	info.Current = burst - info.Remaining
	info.ResetTime = now.Add(secondsToDuration((float64(burst) - tokens) / refill))
	if info.Blocked {
		info.Reason = domain.ReasonRateLimited
		info.RetryAfter = secondsToDuration((1 - tokens) / refill)
	}
	return info, nil
}

func (a *TokenBucket) Cleanup()                     { a.store.Cleanup() }
func (a *TokenBucket) StartJanitor(ctx DoneContext) { a.store.StartJanitor(ctx) }

// FixedWindow conta por bucket floor(now/window)*window; o contador expira após window+slack.
type FixedWindow struct {
	store *Store[int]
}

func NewFixedWindow(opts ...StoreOption) *FixedWindow {
	return &FixedWindow{store: NewStore[int](opts...)}
}

func (a *FixedWindow) Check(key string, rule domain.Rule, limit int, now time.Time) (domain.Info, error) {
	windowMs := rule.Window.Milliseconds()
	if windowMs <= 0 {
		return domain.Info{}, fmt.Errorf("fixed window %q: window below 1ms", rule.Name)
	}
	bucket := now.UnixMilli() / windowMs * windowMs
	reset := time.UnixMilli(bucket + windowMs)

	info := domain.Info{Limit: limit, Algorithm: domain.AlgorithmFixedWindow, ResetTime: reset}
	bucketKey := key + ":" + strconv.FormatInt(bucket, 10)

	err := a.store.Update(bucketKey, now, rule.Window+fixedWindowSlack, func(count *int, _ bool) error {
		if *count >= limit {
			info.Blocked = true
		} else {
			*count++
		}
		info.Current = *count
		return nil
	})
	if err != nil {
		return domain.Info{}, err
	}

	info.Remaining = max(limit-info.Current, 0)
	if info.Blocked {
		info.Reason = domain.ReasonRateLimited
		info.RetryAfter = max(reset.Sub(now), 0)
	}
	return info, nil
}

func (a *FixedWindow) Cleanup()                     { a.store.Cleanup() }
func (a *FixedWindow) StartJanitor(ctx DoneContext) { a.store.StartJanitor(ctx) }

// LoadFunc devolve a carga do sistema em [0,1].
type LoadFunc func() float64

// Adaptive escala o limite por um multiplicador de carga e delega para a janela deslizante.
// Desabilitado, comporta-se exatamente como SlidingWindow.
type Adaptive struct {
	sliding       *SlidingWindow
	enabled       bool
	maxMultiplier float64
	load          LoadFunc
}

const minAdaptiveMultiplier = 0.1

func NewAdaptive(sliding *SlidingWindow, enabled bool, maxMultiplier float64, load LoadFunc) *Adaptive {
	if maxMultiplier < minAdaptiveMultiplier {
		maxMultiplier = 1
	}
	return &Adaptive{sliding: sliding, enabled: enabled && load != nil, maxMultiplier: maxMultiplier, load: load}
}

// Multiplier é monotonicamente decrescente com a carga, em [0.1, max].
func (a *Adaptive) Multiplier() float64 {
	if !a.enabled {
		return 1
	}
	load := a.load()
	if math.IsNaN(load) {
		load = 1
	}
	load = min(max(load, 0), 1)
	return min(max(a.maxMultiplier*(1-load), minAdaptiveMultiplier), a.maxMultiplier)
}

func (a *Adaptive) Check(key string, rule domain.Rule, limit int, now time.Time) (domain.Info, error) {
	if a.enabled {
		limit = max(int(math.Floor(float64(limit)*a.Multiplier())), 1)
	}
	info, err := a.sliding.Check(key, rule, limit, now)
	if err != nil {
		return info, err
	}
	info.Algorithm = domain.AlgorithmAdaptive
	return info, nil
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 || math.IsNaN(s) {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

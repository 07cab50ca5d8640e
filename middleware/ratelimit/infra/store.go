package infra

import (
	"sync"
	"time"
)

// Store é um mapa por chave com TTL por entrada, expiração por inatividade e
// limpeza periódica. Cada Update roda inteiro sob o lock do store, então a
// verificação de uma chave é atômica em relação às demais.
type Store[V any] struct {
	mu           sync.Mutex
	entries      map[string]*storeEntry[V]
	idleTTL      time.Duration
	cleanupEvery time.Duration
	now          func() time.Time
}

type storeEntry[V any] struct {
	val       V
	lastSeen  time.Time
	expiresAt time.Time
}

type storeConfig struct {
	idleTTL      time.Duration
	cleanupEvery time.Duration
	now          func() time.Time
}

type StoreOption func(*storeConfig)

func WithIdleTTL(d time.Duration) StoreOption {
	return func(c *storeConfig) { c.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) StoreOption {
	return func(c *storeConfig) { c.cleanupEvery = d }
}

func WithClock(now func() time.Time) StoreOption {
	return func(c *storeConfig) { c.now = now }
}

func NewStore[V any](opts ...StoreOption) *Store[V] {
	cfg := storeConfig{
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Store[V]{
		entries:      make(map[string]*storeEntry[V]),
		idleTTL:      cfg.idleTTL,
		cleanupEvery: cfg.cleanupEvery,
		now:          cfg.now,
	}
}

func (s *Store[V]) CleanupEvery() time.Duration { return s.cleanupEvery }

// Update executa fn sobre o valor da chave. Entradas expiradas contam como inexistentes.
// ttl > 0 renova a expiração da entrada para now+ttl.
func (s *Store[V]) Update(key string, now time.Time, ttl time.Duration, fn func(v *V, exists bool) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if ok && !ent.expiresAt.IsZero() && !now.Before(ent.expiresAt) {
		ok = false
	}
	if !ok {
		ent = &storeEntry[V]{}
	}

	if err := fn(&ent.val, ok); err != nil {
		return err
	}

	ent.lastSeen = now
	if ttl > 0 {
		ent.expiresAt = now.Add(ttl)
	}
	s.entries[key] = ent
	return nil
}

// Get devolve uma cópia do valor, se presente e não expirado.
func (s *Store[V]) Get(key string, now time.Time) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok || (!ent.expiresAt.IsZero() && !now.Before(ent.expiresAt)) {
		var zero V
		return zero, false
	}
	return ent.val, true
}

func (s *Store[V]) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Cleanup remove entradas expiradas ou inativas há mais de idleTTL.
func (s *Store[V]) Cleanup() {
	now := s.now()
	cutoff := now.Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		expired := !ent.expiresAt.IsZero() && !now.Before(ent.expiresAt)
		if expired || (s.idleTTL > 0 && ent.lastSeen.Before(cutoff)) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor inicia uma goroutine que limpa chaves inativas periodicamente.
// Pare cancelando o contexto.
func (s *Store[V]) StartJanitor(ctx DoneContext) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// DoneContext é o mínimo necessário para aceitar context.Context sem importar context aqui.
// (Permite reuso em libs sem acoplar.)
type DoneContext interface {
	Done() <-chan struct{}
}

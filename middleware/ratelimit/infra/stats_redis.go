package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bridge-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore agrega as decisões do rate limit em hashes do Redis:
//
//	<prefix>:total                  allowed/denied
//	<prefix>:minute:<yyyymmddhhmm>  allowed/denied (expira em ttl)
//	<prefix>:rule                   "<regra>/<tier>:allowed|denied"
//	<prefix>:tier                   "<tier>:allowed|denied"
//	<prefix>:reason                 motivo do bloqueio
//	<prefix>:key:<chave>            allowed/denied (opcional, expira em ttl)
type RedisStatsStore struct {
	rdb redis.Cmdable

	prefix string
	// ttl só vale para série por minuto e por chave; os agregados não expiram.
	ttl       time.Duration
	perMinute bool
	trackKeys bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

// WithStatsBucket: "minute" (padrão) ou "none".
func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		s.perMinute = strings.ToLower(strings.TrimSpace(bucket)) != "none"
	}
}

func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackKeys = track }
}

func NewRedisStatsStore(rdb redis.Cmdable, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:       rdb,
		prefix:    "ratelimit:stats",
		ttl:       24 * time.Hour,
		perMinute: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	outcome := outcomeField(ev.Allowed)

	pipe := s.rdb.Pipeline()
	s.incr(ctx, pipe, "total", outcome, false)
	if s.perMinute {
		s.incr(ctx, pipe, "minute:"+at.UTC().Format("200601021504"), outcome, true)
	}
	if ev.Rule != "" {
		s.incr(ctx, pipe, "rule", ev.Rule+"/"+string(ev.Tier)+":"+outcome, false)
	}
	if ev.Tier != "" {
		s.incr(ctx, pipe, "tier", string(ev.Tier)+":"+outcome, false)
	}
	if !ev.Allowed && ev.Reason != "" {
		s.incr(ctx, pipe, "reason", ev.Reason, false)
	}
	if k := strings.TrimSpace(string(ev.Key)); s.trackKeys && k != "" {
		s.incr(ctx, pipe, "key:"+k, outcome, true)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis stats record: %w", err)
	}
	return nil
}

func (s *RedisStatsStore) incr(ctx context.Context, pipe redis.Pipeliner, suffix, field string, expiring bool) {
	key := s.prefix + ":" + suffix
	pipe.HIncrBy(ctx, key, field, 1)
	if expiring && s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
}

// RedisTotals é a leitura dos agregados (sem série por minuto nem por chave).
type RedisTotals struct {
	Total    Counters            `json:"total"`
	ByRule   map[string]Counters `json:"byRule"`
	ByTier   map[string]Counters `json:"byTier"`
	ByReason map[string]int64    `json:"byReason"`
}

func (s *RedisStatsStore) Totals(ctx context.Context) (RedisTotals, error) {
	pipe := s.rdb.Pipeline()
	total := pipe.HGetAll(ctx, s.prefix+":total")
	rule := pipe.HGetAll(ctx, s.prefix+":rule")
	tier := pipe.HGetAll(ctx, s.prefix+":tier")
	reason := pipe.HGetAll(ctx, s.prefix+":reason")
	if _, err := pipe.Exec(ctx); err != nil {
		return RedisTotals{}, fmt.Errorf("redis stats read: %w", err)
	}

	out := RedisTotals{
		Total:    parseOutcomes(total.Val())[""],
		ByRule:   parseOutcomes(rule.Val()),
		ByTier:   parseOutcomes(tier.Val()),
		ByReason: make(map[string]int64, len(reason.Val())),
	}
	for k, v := range reason.Val() {
		n, _ := strconv.ParseInt(v, 10, 64)
		out.ByReason[k] = n
	}
	return out, nil
}

func outcomeField(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

// parseOutcomes agrupa campos "<nome>:allowed|denied" por nome.
// Campos sem nome ("allowed"/"denied" puros) caem na chave "".
func parseOutcomes(fields map[string]string) map[string]Counters {
	out := make(map[string]Counters)
	for field, raw := range fields {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		name, outcome := "", field
		if i := strings.LastIndexByte(field, ':'); i >= 0 {
			name, outcome = field[:i], field[i+1:]
		}
		c := out[name]
		switch outcome {
		case "allowed":
			c.Allowed += n
		case "denied":
			c.Denied += n
		default:
			continue
		}
		out[name] = c
	}
	return out
}

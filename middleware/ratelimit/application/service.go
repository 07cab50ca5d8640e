package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"bridge-gateway/breaker"
	"bridge-gateway/events"
	"bridge-gateway/middleware/ratelimit/domain"

	"github.com/sirupsen/logrus"
)

// Options configura o Service. Algorithms é obrigatório.
type Options struct {
	Algorithms domain.LimiterStore
	Stats      domain.StatsStore
	Notifier   events.Notifier
	Logger     logrus.FieldLogger
	Tiers      *TierResolver
	Rules      []domain.Rule

	// KeyPrefix namespace das chaves de armazenamento.
	KeyPrefix string
	// Skip, se satisfeito, devolve passagem livre sem tocar em storage.
	Skip func(key string, req domain.RequestInfo) bool

	AllowIPs []string
	DenyIPs  []string

	// Breaker vale para cada par regra×tier. SuccessThreshold padrão = MinimumRequests.
	Breaker             breaker.Options
	AutoBlacklist       AutoBlacklistOptions
	SuspiciousDetection bool

	Now func() time.Time
}

// Service é a fachada do rate limit: derivação de chave, algoritmo, tier,
// breaker, allow/deny-list e relatório de violações numa verificação só.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas devolve um domain.Info.
type Service struct {
	algorithms domain.LimiterStore
	stats      domain.StatsStore
	notifier   events.Notifier
	log        logrus.FieldLogger
	tiers      *TierResolver
	rules      map[string]domain.Rule
	prefix     string
	skip       func(string, domain.RequestInfo) bool
	guard      *ipGuard
	suspicious bool
	breakerOpt breaker.Options
	now        func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker.Breaker
	blocks   map[string]time.Time

	// pending guarda transições de breaker até o lock do breaker ser solto.
	pendingMu sync.Mutex
	pending   []events.Event
}

func NewService(opts Options) (*Service, error) {
	if opts.Algorithms == nil {
		return nil, fmt.Errorf("%w: algorithms store is required", domain.ErrInvalidRule)
	}
	if opts.Tiers == nil {
		t, err := NewTierResolver(nil, domain.TierFree)
		if err != nil {
			return nil, err
		}
		opts.Tiers = t
	}
	if opts.Notifier == nil {
		opts.Notifier = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	prefix := strings.Trim(opts.KeyPrefix, ":")
	if prefix == "" {
		prefix = "rl"
	}
	if len(prefix) > 32 {
		prefix = prefix[:32]
	}

	rules := make(map[string]domain.Rule, len(opts.Rules))
	for _, r := range opts.Rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := rules[r.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate rule %q", domain.ErrInvalidRule, r.Name)
		}
		rules[r.Name] = r
	}

	s := &Service{
		algorithms: opts.Algorithms,
		stats:      opts.Stats,
		notifier:   opts.Notifier,
		log:        opts.Logger.WithField("component", "ratelimit"),
		tiers:      opts.Tiers,
		rules:      rules,
		prefix:     prefix,
		skip:       opts.Skip,
		guard:      newIPGuard(opts.AllowIPs, opts.DenyIPs, opts.AutoBlacklist),
		suspicious: opts.SuspiciousDetection,
		breakerOpt: opts.Breaker,
		now:        opts.Now,
		breakers:   make(map[string]*breaker.Breaker),
		blocks:     make(map[string]time.Time),
	}
	if s.breakerOpt.Now == nil {
		s.breakerOpt.Now = opts.Now
	}
	s.breakerOpt.OnStateChange = s.onBreakerChange
	return s, nil
}

func (s *Service) Rule(name string) (domain.Rule, bool) {
	r, ok := s.rules[name]
	return r, ok
}

func (s *Service) Tiers() *TierResolver { return s.tiers }

// Check resolve a regra pelo nome. Regra desconhecida é erro de configuração.
func (s *Service) Check(ctx context.Context, key, ruleName string, tier domain.Tier, req domain.RequestInfo) (domain.Info, error) {
	r, ok := s.rules[ruleName]
	if !ok {
		return domain.Info{}, fmt.Errorf("%w: %q", domain.ErrUnknownRule, ruleName)
	}
	return s.CheckRateLimit(ctx, key, r, tier, req)
}

// CheckRateLimit decide se a chamada pode seguir.
//
// Só devolve erro para regra inválida. Rejeições são sempre Info.Blocked=true com
// Reason preenchido; erros internos de cálculo bloqueiam com ReasonInternalError.
func (s *Service) CheckRateLimit(ctx context.Context, key string, rule domain.Rule, tier domain.Tier, req domain.RequestInfo) (domain.Info, error) {
	if err := rule.Validate(); err != nil {
		return domain.Info{Blocked: true, Reason: domain.ReasonInternalError, Algorithm: rule.Algorithm}, err
	}

	now := s.now()
	limit := s.tiers.AdjustedLimit(rule.MaxRequests, tier)

	if s.skip != nil && s.skip(key, req) {
		return domain.Info{
			Limit:     limit,
			Remaining: limit,
			ResetTime: now.Add(rule.Window),
			Algorithm: rule.Algorithm,
			Reason:    domain.ReasonSkipped,
		}, nil
	}

	if reason := s.guard.admit(req.IP, now); reason != "" {
		info := domain.Info{Limit: limit, Blocked: true, Algorithm: rule.Algorithm, Reason: reason, ResetTime: now}
		s.audit(ctx, key, rule, tier, req, info, now)
		return info, nil
	}

	storeKey := s.StorageKey(key, rule, tier)

	if until, blocked := s.blockedUntil(storeKey, now); blocked {
		info := domain.Info{
			Limit:      limit,
			Current:    limit,
			Blocked:    true,
			Algorithm:  rule.Algorithm,
			Reason:     domain.ReasonKeyBlocked,
			ResetTime:  until,
			RetryAfter: until.Sub(now),
		}
		s.finish(ctx, key, rule, tier, req, info, now)
		return info, nil
	}

	br := s.breaker(rule.Name, tier)
	defer s.flushBreakerEvents(ctx)
	if !br.Allow() {
		info := domain.Info{Limit: limit, Blocked: true, Algorithm: rule.Algorithm, Reason: domain.ReasonBreakerOpen, ResetTime: now}
		s.finish(ctx, key, rule, tier, req, info, now)
		return info, nil
	}

	info, err := s.evaluate(storeKey, rule, limit, now)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"rule": rule.Name,
			"tier": tier,
		}).Error("rate limit evaluation failed, blocking")
		info = domain.Info{Limit: limit, Blocked: true, Algorithm: rule.Algorithm, Reason: domain.ReasonInternalError, ResetTime: now}
	}

	if info.Blocked {
		// a vaga de probe não vai ter resultado
		br.Cancel()
		if rule.BlockDuration > 0 && info.Reason == domain.ReasonRateLimited {
			s.block(storeKey, now.Add(rule.BlockDuration))
			info.RetryAfter = max(info.RetryAfter, rule.BlockDuration)
		}
	}

	s.finish(ctx, key, rule, tier, req, info, now)
	return info, nil
}

// RecordOutcome alimenta o breaker regra×tier com o resultado da chamada admitida.
func (s *Service) RecordOutcome(ruleName string, tier domain.Tier, success bool) {
	br := s.breaker(ruleName, tier)
	if success {
		br.RecordSuccess()
	} else {
		br.RecordFailure()
	}
	s.flushBreakerEvents(context.Background())
}

// CancelOutcome devolve a vaga half-open de uma chamada admitida que não produziu resultado.
func (s *Service) CancelOutcome(ruleName string, tier domain.Tier) {
	s.breaker(ruleName, tier).Cancel()
}

func (s *Service) BreakerStates() []breaker.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]breaker.State, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.State())
	}
	return out
}

func (s *Service) Blacklisted() []string { return s.guard.blacklisted() }
func (s *Service) Unblacklist(ip string) { s.guard.unblacklist(ip) }

// Cleanup descarta bloqueios vencidos e violações fora da janela.
func (s *Service) Cleanup() {
	now := s.now()
	s.guard.cleanup(now)

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, until := range s.blocks {
		if !now.Before(until) {
			delete(s.blocks, k)
		}
	}
}

// StartJanitor roda Cleanup a cada every até o ctx encerrar.
func (s *Service) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
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

// StorageKey = prefixo:escopo:sha256(key|regra|tier). Tamanho limitado independente da chave.
func (s *Service) StorageKey(key string, rule domain.Rule, tier domain.Tier) string {
	sum := sha256.Sum256([]byte(key + "\x1f" + rule.Name + "\x1f" + string(tier)))
	return s.prefix + ":" + string(rule.Scope) + ":" + hex.EncodeToString(sum[:16])
}

func (s *Service) evaluate(storeKey string, rule domain.Rule, limit int, now time.Time) (info domain.Info, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("algorithm %s panicked: %v", rule.Algorithm, p)
		}
	}()

	lim, ok := s.algorithms.Get(rule.Algorithm)
	if !ok || lim == nil {
		return domain.Info{}, fmt.Errorf("no limiter registered for %s", rule.Algorithm)
	}
	if limit <= 0 {
		return domain.Info{}, fmt.Errorf("adjusted limit %d for rule %q", limit, rule.Name)
	}
	return lim.Check(storeKey, rule, limit, now)
}

func (s *Service) breaker(ruleName string, tier domain.Tier) *breaker.Breaker {
	name := ruleName + "_" + string(tier)

	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = breaker.New(name, s.breakerOpt)
		s.breakers[name] = b
	}
	return b
}

func (s *Service) blockedUntil(storeKey string, now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.blocks[storeKey]
	if !ok {
		return time.Time{}, false
	}
	if !now.Before(until) {
		delete(s.blocks, storeKey)
		return time.Time{}, false
	}
	return until, true
}

func (s *Service) block(storeKey string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[storeKey] = until
}

// finish grava a auditoria e, se bloqueou, roda o relatório de violação.
func (s *Service) finish(ctx context.Context, key string, rule domain.Rule, tier domain.Tier, req domain.RequestInfo, info domain.Info, now time.Time) {
	s.audit(ctx, key, rule, tier, req, info, now)
	if info.Blocked {
		s.reportViolation(ctx, key, rule, tier, req, info, now)
	}
}

func (s *Service) audit(ctx context.Context, key string, rule domain.Rule, tier domain.Tier, req domain.RequestInfo, info domain.Info, now time.Time) {
	if s.stats == nil {
		return
	}
	err := s.stats.Record(ctx, domain.StatsEvent{
		Key:       domain.Key(key),
		Rule:      rule.Name,
		Tier:      tier,
		Allowed:   !info.Blocked,
		Reason:    info.Reason,
		Method:    req.Method,
		Path:      req.Endpoint,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		At:        now,
	})
	if err != nil {
		s.log.WithError(err).WithField("rule", rule.Name).Warn("rate limit audit failed")
	}
}

func (s *Service) reportViolation(ctx context.Context, key string, rule domain.Rule, tier domain.Tier, req domain.RequestInfo, info domain.Info, now time.Time) {
	s.notifier.Notify(ctx, events.RateLimitViolation{
		Key:        key,
		Rule:       rule.Name,
		Tier:       string(tier),
		IP:         req.IP,
		Endpoint:   req.Endpoint,
		Reason:     info.Reason,
		Limit:      info.Limit,
		Current:    info.Current,
		RetryAfter: info.RetryAfter,
		At:         now,
	})

	count, distinct, blacklisted, until := s.guard.recordViolation(req.IP, rule.Name, now)

	if s.suspicious {
		if signals := suspiciousSignals(req, count, distinct); len(signals) > 0 {
			s.log.WithFields(logrus.Fields{
				"ip":      req.IP,
				"user":    req.UserID,
				"signals": signals,
			}).Warn("suspicious activity")
			s.notifier.Notify(ctx, events.SuspiciousActivity{IP: req.IP, UserID: req.UserID, Signals: signals, At: now})
		}
	}

	if blacklisted {
		s.log.WithFields(logrus.Fields{
			"ip":         req.IP,
			"violations": count,
			"until":      until,
		}).Warn("ip auto-blacklisted")
		s.notifier.Notify(ctx, events.IPBlacklisted{IP: req.IP, Violations: count, Until: until, At: now})
	}

	if rule.OnLimitReached != nil {
		rule.OnLimitReached(info, req)
	}
}

// onBreakerChange roda com o lock do breaker; o envio fica para flushBreakerEvents.
func (s *Service) onBreakerChange(name string, _, to breaker.Status) {
	now := s.now()
	var ev events.Event
	switch to {
	case breaker.StatusOpen:
		s.log.WithField("breaker", name).Warn("rate limit breaker opened")
		ev = events.BreakerOpened{Name: name, At: now}
	case breaker.StatusClosed:
		s.log.WithField("breaker", name).Info("rate limit breaker closed")
		ev = events.BreakerClosed{Name: name, At: now}
	default:
		return
	}
	s.pendingMu.Lock()
	s.pending = append(s.pending, ev)
	s.pendingMu.Unlock()
}

func (s *Service) flushBreakerEvents(ctx context.Context) {
	s.pendingMu.Lock()
	evs := s.pending
	s.pending = nil
	s.pendingMu.Unlock()
	for _, ev := range evs {
		s.notifier.Notify(ctx, ev)
	}
}

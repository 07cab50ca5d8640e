package application

import (
	"math/big"
	"time"

	"bridge-gateway/crosschain/domain"
)

const day = 24 * time.Hour

type chainUsage struct {
	timestamps    []time.Time
	cooldownUntil time.Time
	violations    int
}

type typeUsage struct {
	timestamps []time.Time
	last       time.Time
}

type economicUsage struct {
	windowSpent *big.Int
	windowStart time.Time
	dailySpent  *big.Int
	dailyStart  time.Time
	lifetime    *big.Int
}

// userLimits pertence ao coordenador; só é tocado com o lock dele.
type userLimits struct {
	userID       string
	operations   []time.Time
	chains       map[string]*chainUsage
	types        map[domain.OperationType]*typeUsage
	economic     economicUsage
	lastActivity time.Time
}

func newUserLimits(userID string, now time.Time) *userLimits {
	return &userLimits{
		userID: userID,
		chains: make(map[string]*chainUsage),
		types:  make(map[domain.OperationType]*typeUsage),
		economic: economicUsage{
			windowSpent: new(big.Int),
			windowStart: now,
			dailySpent:  new(big.Int),
			dailyStart:  now,
			lifetime:    new(big.Int),
		},
		lastActivity: now,
	}
}

func (u *userLimits) chain(id string) *chainUsage {
	c, ok := u.chains[id]
	if !ok {
		c = &chainUsage{}
		u.chains[id] = c
	}
	return c
}

func (u *userLimits) opType(t domain.OperationType) *typeUsage {
	tu, ok := u.types[t]
	if !ok {
		tu = &typeUsage{}
		u.types[t] = tu
	}
	return tu
}

// pruneTimes mantém só o que está depois de now-window.
func pruneTimes(list []time.Time, now time.Time, window time.Duration) []time.Time {
	if window <= 0 {
		return list[:0]
	}
	cutoff := now.Add(-window)
	kept := list[:0]
	for _, t := range list {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// retryFrom é quanto falta para o registro mais antigo sair da janela.
func retryFrom(list []time.Time, now time.Time, window time.Duration) time.Duration {
	if len(list) == 0 {
		return 0
	}
	return max(list[0].Add(window).Sub(now), 0)
}

func (u *userLimits) rollEconomic(now time.Time, l domain.Limits) {
	e := &u.economic
	if l.Economic.ValueWindow > 0 && now.Sub(e.windowStart) >= l.Economic.ValueWindow {
		e.windowSpent.SetInt64(0)
		e.windowStart = now
	}
	if now.Sub(e.dailyStart) >= day {
		e.dailySpent.SetInt64(0)
		e.dailyStart = now
	}
}

// check aplica os limites na ordem: global, usuário, cadeia (+cooldown), tipo (+intervalo), econômico.
// Devolve "" se passou.
func (u *userLimits) check(op domain.Operation, active int, l domain.Limits, now time.Time) (string, time.Duration) {
	if l.MaxConcurrentOperations > 0 && active >= l.MaxConcurrentOperations {
		return domain.ReasonGlobalLimit, 0
	}

	if l.MaxUserOperations > 0 {
		u.operations = pruneTimes(u.operations, now, l.UserWindow)
		if len(u.operations) >= l.MaxUserOperations {
			return domain.ReasonUserLimit, retryFrom(u.operations, now, l.UserWindow)
		}
	}

	for _, id := range op.Chains() {
		c := u.chain(id)
		if now.Before(c.cooldownUntil) {
			return domain.ReasonChainCooldown, c.cooldownUntil.Sub(now)
		}
		if l.MaxChainOperations > 0 {
			c.timestamps = pruneTimes(c.timestamps, now, l.ChainWindow)
			if len(c.timestamps) >= l.MaxChainOperations {
				return domain.ReasonChainLimit, retryFrom(c.timestamps, now, l.ChainWindow)
			}
		}
	}

	tu := u.opType(op.Type)
	if limit := l.MaxTypeOperations[op.Type]; limit > 0 {
		tu.timestamps = pruneTimes(tu.timestamps, now, l.TypeWindow)
		if len(tu.timestamps) >= limit {
			return domain.ReasonTypeLimit, retryFrom(tu.timestamps, now, l.TypeWindow)
		}
	}
	if gap := l.MinInterval[op.Type]; gap > 0 && !tu.last.IsZero() {
		if next := tu.last.Add(gap); now.Before(next) {
			return domain.ReasonTypeInterval, next.Sub(now)
		}
	}

	return u.checkEconomic(op.Value, l, now)
}

func (u *userLimits) checkEconomic(value *big.Int, l domain.Limits, now time.Time) (string, time.Duration) {
	e := l.Economic
	if value == nil {
		value = new(big.Int)
	}
	if e.MaxValuePerOperation != nil && value.Cmp(e.MaxValuePerOperation) > 0 {
		return domain.ReasonValuePerOperation, 0
	}

	u.rollEconomic(now, l)
	sum := new(big.Int)
	if e.MaxValuePerWindow != nil && sum.Add(u.economic.windowSpent, value).Cmp(e.MaxValuePerWindow) > 0 {
		return domain.ReasonValuePerWindow, max(u.economic.windowStart.Add(e.ValueWindow).Sub(now), 0)
	}
	if e.MaxDailyValue != nil && sum.Add(u.economic.dailySpent, value).Cmp(e.MaxDailyValue) > 0 {
		return domain.ReasonDailyValue, max(u.economic.dailyStart.Add(day).Sub(now), 0)
	}
	if e.MaxLifetimeValue != nil && sum.Add(u.economic.lifetime, value).Cmp(e.MaxLifetimeValue) > 0 {
		return domain.ReasonLifetimeValue, 0
	}
	return "", 0
}

// commit contabiliza uma operação aceita (admitida ou enfileirada).
func (u *userLimits) commit(op domain.Operation, now time.Time) {
	u.operations = append(u.operations, now)
	for _, id := range op.Chains() {
		c := u.chain(id)
		c.timestamps = append(c.timestamps, now)
	}
	tu := u.opType(op.Type)
	tu.timestamps = append(tu.timestamps, now)
	tu.last = now

	if op.Value != nil {
		u.economic.windowSpent.Add(u.economic.windowSpent, op.Value)
		u.economic.dailySpent.Add(u.economic.dailySpent, op.Value)
		u.economic.lifetime.Add(u.economic.lifetime, op.Value)
	}
	u.lastActivity = now
}

// penalize aplica o cooldown escalonado na cadeia.
func (u *userLimits) penalize(chainID string, l domain.Limits, now time.Time) time.Duration {
	c := u.chain(chainID)
	c.violations++
	d := l.Cooldown(c.violations)
	if d > 0 {
		c.cooldownUntil = now.Add(d)
	}
	return d
}

// prune descarta o que saiu das janelas. Violações ficam até o usuário ser esquecido.
func (u *userLimits) prune(now time.Time, l domain.Limits) {
	u.operations = pruneTimes(u.operations, now, l.UserWindow)
	for id, c := range u.chains {
		c.timestamps = pruneTimes(c.timestamps, now, l.ChainWindow)
		if len(c.timestamps) == 0 && !now.Before(c.cooldownUntil) && c.violations == 0 {
			delete(u.chains, id)
		}
	}
	for t, tu := range u.types {
		tu.timestamps = pruneTimes(tu.timestamps, now, l.TypeWindow)
		if len(tu.timestamps) == 0 && now.Sub(tu.last) >= l.MinInterval[t] {
			delete(u.types, t)
		}
	}
	u.rollEconomic(now, l)
}

func (u *userLimits) coolingDown(now time.Time) bool {
	for _, c := range u.chains {
		if now.Before(c.cooldownUntil) {
			return true
		}
	}
	return false
}

package application

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"bridge-gateway/middleware/ratelimit/domain"
)

// AutoBlacklistOptions: um IP com Threshold violações dentro de Window entra na deny-list.
// Duration 0 bloqueia até remoção manual.
type AutoBlacklistOptions struct {
	Enabled   bool
	Threshold int
	Window    time.Duration
	Duration  time.Duration
}

func (o AutoBlacklistOptions) withDefaults() AutoBlacklistOptions {
	if o.Threshold <= 0 {
		o.Threshold = 10
	}
	if o.Window <= 0 {
		o.Window = 5 * time.Minute
	}
	return o
}

type violation struct {
	at   time.Time
	rule string
}

// ipGuard concentra allow-list, deny-list (estática + automática) e o histórico
// de violações por IP usado pela análise de atividade suspeita.
type ipGuard struct {
	mu         sync.Mutex
	allow      map[string]struct{}
	allowNets  []*net.IPNet
	deny       map[string]struct{}
	denyNets   []*net.IPNet
	blacklist  map[string]time.Time // zero => permanente
	violations map[string][]violation
	opts       AutoBlacklistOptions
}

func newIPGuard(allow, deny []string, opts AutoBlacklistOptions) *ipGuard {
	g := &ipGuard{
		blacklist:  make(map[string]time.Time),
		violations: make(map[string][]violation),
		opts:       opts.withDefaults(),
	}
	g.allow, g.allowNets = parseIPList(allow)
	g.deny, g.denyNets = parseIPList(deny)
	return g
}

// parseIPList aceita IPs e CIDRs.
func parseIPList(list []string) (map[string]struct{}, []*net.IPNet) {
	ips := make(map[string]struct{})
	var nets []*net.IPNet
	for _, raw := range list {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			if _, n, err := net.ParseCIDR(v); err == nil {
				nets = append(nets, n)
			}
			continue
		}
		ips[v] = struct{}{}
	}
	return ips, nets
}

func matches(ip string, ips map[string]struct{}, nets []*net.IPNet) bool {
	if _, ok := ips[ip]; ok {
		return true
	}
	if len(nets) == 0 {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// admit devolve "" se o IP pode seguir, ou o motivo do bloqueio.
func (g *ipGuard) admit(ip string, now time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ip != "" {
		if matches(ip, g.deny, g.denyNets) {
			return domain.ReasonDenied
		}
		if until, ok := g.blacklist[ip]; ok {
			if until.IsZero() || now.Before(until) {
				return domain.ReasonDenied
			}
			delete(g.blacklist, ip)
		}
	}
	if len(g.allow) > 0 || len(g.allowNets) > 0 {
		if ip == "" || !matches(ip, g.allow, g.allowNets) {
			return domain.ReasonNotAllowed
		}
	}
	return ""
}

// recordViolation guarda a violação e avalia o auto-blacklist.
// Devolve (violações na janela, distintas regras violadas, se o IP acabou de entrar na lista, até quando).
func (g *ipGuard) recordViolation(ip, rule string, now time.Time) (count, rules int, blacklisted bool, until time.Time) {
	if ip == "" {
		return 0, 0, false, time.Time{}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	list := pruneViolations(g.violations[ip], now.Add(-g.opts.Window))
	list = append(list, violation{at: now, rule: rule})
	g.violations[ip] = list

	seen := make(map[string]struct{}, len(list))
	for _, v := range list {
		seen[v.rule] = struct{}{}
	}
	count, rules = len(list), len(seen)

	if !g.opts.Enabled || count < g.opts.Threshold {
		return count, rules, false, time.Time{}
	}
	if _, already := g.blacklist[ip]; already {
		return count, rules, false, time.Time{}
	}
	if g.opts.Duration > 0 {
		until = now.Add(g.opts.Duration)
	}
	g.blacklist[ip] = until
	return count, rules, true, until
}

func (g *ipGuard) unblacklist(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blacklist, ip)
	delete(g.violations, ip)
}

func (g *ipGuard) blacklisted() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.blacklist))
	for ip := range g.blacklist {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

func (g *ipGuard) cleanup(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := now.Add(-g.opts.Window)
	for ip, list := range g.violations {
		list = pruneViolations(list, cutoff)
		if len(list) == 0 {
			delete(g.violations, ip)
			continue
		}
		g.violations[ip] = list
	}
	for ip, until := range g.blacklist {
		if !until.IsZero() && !now.Before(until) {
			delete(g.blacklist, ip)
		}
	}
}

func pruneViolations(list []violation, cutoff time.Time) []violation {
	kept := list[:0]
	for _, v := range list {
		if v.at.After(cutoff) {
			kept = append(kept, v)
		}
	}
	return kept
}

var automationAgents = []string{"curl", "wget", "python-requests", "go-http-client", "scrapy", "bot", "spider", "headless"}

// suspiciousSignals é uma heurística barata sobre a requisição bloqueada.
func suspiciousSignals(req domain.RequestInfo, violations, distinctRules int) []string {
	var signals []string
	ua := strings.ToLower(strings.TrimSpace(req.UserAgent))
	if ua == "" {
		signals = append(signals, "missing_user_agent")
	} else {
		for _, a := range automationAgents {
			if strings.Contains(ua, a) {
				signals = append(signals, "automation_user_agent")
				break
			}
		}
	}
	if distinctRules >= 3 {
		signals = append(signals, "multiple_rules_violated")
	}
	if violations >= 5 {
		signals = append(signals, "repeated_violations")
	}
	return signals
}

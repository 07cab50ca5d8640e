// Package config carrega a configuração do gateway: arquivo YAML opcional
// (CONFIG_FILE) sobre os padrões, depois overrides por variável de ambiente.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"strings"
	"time"

	"bridge-gateway/breaker"
	ccdomain "bridge-gateway/crosschain/domain"
	rldomain "bridge-gateway/middleware/ratelimit/domain"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	ListenAddr  string `yaml:"listenAddr"`
	UpstreamURL string `yaml:"upstreamUrl"`
	MetricsPath string `yaml:"metricsPath"`
	LogLevel    string `yaml:"logLevel"`

	RateLimit  RateLimitConfig  `yaml:"rateLimit"`
	Stats      StatsConfig      `yaml:"stats"`
	NATS       NATSConfig       `yaml:"nats"`
	CrossChain CrossChainConfig `yaml:"crossChain"`
}

type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	// Rule é a regra aplicada pelo middleware HTTP.
	Rule       string `yaml:"rule"`
	KeyHeader  string `yaml:"keyHeader"`
	TrustXFF   bool   `yaml:"trustXff"`
	AddHeaders bool   `yaml:"addHeaders"`
	KeyPrefix  string `yaml:"keyPrefix"`

	Rules []RuleConfig `yaml:"rules"`
	// Tiers nil => domain.DefaultTierMultipliers.
	Tiers       map[string]float64 `yaml:"tiers"`
	DefaultTier string             `yaml:"defaultTier"`
	// Assignments: user id / api key -> tier.
	Assignments map[string]string `yaml:"assignments"`

	AllowIPs            []string            `yaml:"allowIps"`
	DenyIPs             []string            `yaml:"denyIps"`
	AutoBlacklist       AutoBlacklistConfig `yaml:"autoBlacklist"`
	SuspiciousDetection bool                `yaml:"suspiciousDetection"`
	Adaptive            AdaptiveConfig      `yaml:"adaptive"`
	Breaker             BreakerConfig       `yaml:"breaker"`
	CleanupInterval     time.Duration       `yaml:"cleanupInterval"`
}

type RuleConfig struct {
	Name          string        `yaml:"name"`
	Scope         string        `yaml:"scope"`
	Algorithm     string        `yaml:"algorithm"`
	Window        time.Duration `yaml:"window"`
	MaxRequests   int           `yaml:"maxRequests"`
	BurstLimit    int           `yaml:"burstLimit"`
	RefillRate    float64       `yaml:"refillRate"`
	BlockDuration time.Duration `yaml:"blockDuration"`
}

func (r RuleConfig) Rule() rldomain.Rule {
	return rldomain.Rule{
		Name:          r.Name,
		Scope:         rldomain.Scope(r.Scope),
		Algorithm:     rldomain.Algorithm(r.Algorithm),
		Window:        r.Window,
		MaxRequests:   r.MaxRequests,
		BurstLimit:    r.BurstLimit,
		RefillRate:    r.RefillRate,
		BlockDuration: r.BlockDuration,
	}
}

type AutoBlacklistConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
	Duration  time.Duration `yaml:"duration"`
}

type AdaptiveConfig struct {
	Enabled       bool    `yaml:"enabled"`
	MaxMultiplier float64 `yaml:"maxMultiplier"`
}

// BreakerConfig espelha breaker.Options sem os hooks.
type BreakerConfig struct {
	MinimumRequests          int           `yaml:"minimumRequests"`
	ErrorPercentageThreshold float64       `yaml:"errorPercentageThreshold"`
	RecoveryTimeout          time.Duration `yaml:"recoveryTimeout"`
	HalfOpenMaxRequests      int           `yaml:"halfOpenMaxRequests"`
	SuccessThreshold         int           `yaml:"successThreshold"`
	MonitoringPeriod         time.Duration `yaml:"monitoringPeriod"`
}

func (b BreakerConfig) Options() breaker.Options {
	return breaker.Options{
		MinimumRequests:          b.MinimumRequests,
		ErrorPercentageThreshold: b.ErrorPercentageThreshold,
		RecoveryTimeout:          b.RecoveryTimeout,
		HalfOpenMaxRequests:      b.HalfOpenMaxRequests,
		SuccessThreshold:         b.SuccessThreshold,
		MonitoringPeriod:         b.MonitoringPeriod,
	}
}

type StatsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDb"`
	Prefix        string        `yaml:"prefix"`
	TTL           time.Duration `yaml:"ttl"`
	Bucket        string        `yaml:"bucket"`
	TrackKeys     bool          `yaml:"trackKeys"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subjectPrefix"`
	Timeout       time.Duration `yaml:"timeout"`
}

type CrossChainConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Chains  []ccdomain.ChainConfig `yaml:"chains"`
	Limits  ccdomain.Limits        `yaml:"limits"`
	// Values sobrepõe os limites econômicos (decimal ou 0x; "none" remove o limite).
	Values ValueLimitsConfig `yaml:"values"`

	QueueResidency    time.Duration `yaml:"queueResidency"`
	DrainInterval     time.Duration `yaml:"drainInterval"`
	RebalanceInterval time.Duration `yaml:"rebalanceInterval"`
	CleanupInterval   time.Duration `yaml:"cleanupInterval"`
	HighUtilization   float64       `yaml:"highUtilization"`
	UserRetention     time.Duration `yaml:"userRetention"`
	Breaker           BreakerConfig `yaml:"breaker"`
}

type ValueLimitsConfig struct {
	MaxPerOperation string `yaml:"maxPerOperation"`
	MaxPerWindow    string `yaml:"maxPerWindow"`
	MaxDaily        string `yaml:"maxDaily"`
	MaxLifetime     string `yaml:"maxLifetime"`
}

// Default reproduz os padrões do gateway: token bucket por IP de 10 rps com burst 20.
func Default() Config {
	return Config{
		ListenAddr:  ":8080",
		MetricsPath: "/metrics",
		LogLevel:    "info",
		RateLimit: RateLimitConfig{
			Enabled:   true,
			Rule:      "default",
			KeyPrefix: "ratelimit",
			Rules: []RuleConfig{
				{Name: "default", Scope: string(rldomain.ScopeIP), Algorithm: string(rldomain.AlgorithmTokenBucket), Window: time.Second, MaxRequests: 20, BurstLimit: 20, RefillRate: 10},
				{Name: "swap", Scope: string(rldomain.ScopeUser), Algorithm: string(rldomain.AlgorithmSlidingWindow), Window: time.Minute, MaxRequests: 10},
			},
			DefaultTier:     string(rldomain.TierFree),
			CleanupInterval: time.Minute,
		},
		Stats: StatsConfig{
			Prefix: "ratelimit:stats",
			TTL:    24 * time.Hour,
			Bucket: "minute",
		},
		NATS: NATSConfig{
			SubjectPrefix: "bridge.admission",
			Timeout:       10 * time.Second,
		},
		CrossChain: CrossChainConfig{
			Enabled: true,
			Chains:  ccdomain.DefaultChains(),
			Limits:  ccdomain.DefaultLimits(),
		},
	}
}

// Load lê o arquivo (se path != "") e aplica o ambiente. Não valida.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	overrideFromEnv(&cfg)
	return cfg, nil
}

// FromEnv = Load(CONFIG_FILE) + Validate.
func FromEnv() (Config, error) {
	cfg, err := Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.UpstreamURL) == "" {
		return fmt.Errorf("%w: UPSTREAM_URL is required", ErrInvalidConfig)
	}
	if _, err := url.Parse(c.UpstreamURL); err != nil {
		return fmt.Errorf("%w: invalid UPSTREAM_URL: %v", ErrInvalidConfig, err)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Stats.Enabled && strings.TrimSpace(c.Stats.RedisAddr) == "" {
		return fmt.Errorf("%w: RATE_STATS_REDIS_ADDR is required when RATE_STATS_ENABLED=true", ErrInvalidConfig)
	}

	if c.RateLimit.Enabled {
		found := false
		for _, r := range c.RateLimit.Rules {
			if err := r.Rule().Validate(); err != nil {
				return err
			}
			found = found || r.Name == c.RateLimit.Rule
		}
		if !found {
			return fmt.Errorf("%w: %q", rldomain.ErrUnknownRule, c.RateLimit.Rule)
		}
		if _, err := c.RateLimit.TierMultipliers(); err != nil {
			return err
		}
	}

	if c.CrossChain.Enabled {
		if len(c.CrossChain.Chains) == 0 {
			return fmt.Errorf("%w: at least one chain is required", ErrInvalidConfig)
		}
		for _, ch := range c.CrossChain.Chains {
			if err := ch.Validate(); err != nil {
				return err
			}
		}
		limits, err := c.CrossChain.BuildLimits()
		if err != nil {
			return err
		}
		if err := limits.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DomainRules converte as regras para o domínio.
func (r RateLimitConfig) DomainRules() []rldomain.Rule {
	out := make([]rldomain.Rule, 0, len(r.Rules))
	for _, rc := range r.Rules {
		out = append(out, rc.Rule())
	}
	return out
}

func (r RateLimitConfig) TierMultipliers() (rldomain.TierMultipliers, error) {
	if len(r.Tiers) == 0 {
		return rldomain.DefaultTierMultipliers(), nil
	}
	m := make(rldomain.TierMultipliers, len(r.Tiers))
	for k, v := range r.Tiers {
		m[rldomain.Tier(k)] = v
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// BuildLimits aplica Values sobre Limits.Economic.
func (c CrossChainConfig) BuildLimits() (ccdomain.Limits, error) {
	l := c.Limits
	for _, f := range []struct {
		raw string
		dst **big.Int
	}{
		{c.Values.MaxPerOperation, &l.Economic.MaxValuePerOperation},
		{c.Values.MaxPerWindow, &l.Economic.MaxValuePerWindow},
		{c.Values.MaxDaily, &l.Economic.MaxDailyValue},
		{c.Values.MaxLifetime, &l.Economic.MaxLifetimeValue},
	} {
		switch strings.ToLower(strings.TrimSpace(f.raw)) {
		case "":
		case "none":
			*f.dst = nil
		default:
			v, err := ccdomain.ParseValue(f.raw)
			if err != nil {
				return ccdomain.Limits{}, fmt.Errorf("%w: value limit: %v", ErrInvalidConfig, err)
			}
			*f.dst = v
		}
	}
	return l, nil
}

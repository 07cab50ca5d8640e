package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func overrideFromEnv(cfg *Config) {
	cfg.ListenAddr = getenvDefault("LISTEN_ADDR", cfg.ListenAddr)
	cfg.UpstreamURL = getenvDefault("UPSTREAM_URL", cfg.UpstreamURL)
	cfg.MetricsPath = getenvDefault("METRICS_PATH", cfg.MetricsPath)
	cfg.LogLevel = getenvDefault("LOG_LEVEL", cfg.LogLevel)

	rl := &cfg.RateLimit
	rl.Enabled = getenvBoolDefault("RATE_ENABLED", rl.Enabled)
	rl.Rule = getenvDefault("RATE_RULE", rl.Rule)
	rl.KeyHeader = getenvDefault("RATE_KEY_HEADER", rl.KeyHeader)
	rl.TrustXFF = getenvBoolDefault("TRUST_XFF", rl.TrustXFF)
	rl.AddHeaders = getenvBoolDefault("ADD_RATELIMIT_HEADERS", rl.AddHeaders)
	if v := os.Getenv("RATE_DENY_IPS"); v != "" {
		rl.DenyIPs = splitList(v)
	}
	if v := os.Getenv("RATE_ALLOW_IPS"); v != "" {
		rl.AllowIPs = splitList(v)
	}
	rl.AutoBlacklist.Enabled = getenvBoolDefault("RATE_AUTO_BLACKLIST", rl.AutoBlacklist.Enabled)
	rl.Adaptive.Enabled = getenvBoolDefault("RATE_ADAPTIVE", rl.Adaptive.Enabled)
	overrideTokenBucket(rl)

	st := &cfg.Stats
	st.Enabled = getenvBoolDefault("RATE_STATS_ENABLED", st.Enabled)
	st.RedisAddr = getenvDefault("RATE_STATS_REDIS_ADDR", st.RedisAddr)
	st.RedisPassword = getenvDefault("RATE_STATS_REDIS_PASSWORD", st.RedisPassword)
	st.RedisDB = getenvIntDefault("RATE_STATS_REDIS_DB", st.RedisDB)
	st.Prefix = getenvDefault("RATE_STATS_PREFIX", st.Prefix)
	st.TTL = getenvDurationDefault("RATE_STATS_TTL", st.TTL)
	st.Bucket = getenvDefault("RATE_STATS_BUCKET", st.Bucket)
	st.TrackKeys = getenvBoolDefault("RATE_STATS_TRACK_KEYS", st.TrackKeys)

	cfg.NATS.URL = getenvDefault("NATS_URL", cfg.NATS.URL)
	cfg.NATS.SubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", cfg.NATS.SubjectPrefix)

	cc := &cfg.CrossChain
	cc.Enabled = getenvBoolDefault("CROSSCHAIN_ENABLED", cc.Enabled)
	cc.QueueResidency = getenvDurationDefault("CROSSCHAIN_QUEUE_RESIDENCY", cc.QueueResidency)
	cc.Limits.MaxConcurrentOperations = getenvIntDefault("CROSSCHAIN_MAX_CONCURRENT", cc.Limits.MaxConcurrentOperations)
}

// overrideTokenBucket mantém RATE_RPS/RATE_BURST sobre a regra "default".
func overrideTokenBucket(rl *RateLimitConfig) {
	idx := -1
	for i, r := range rl.Rules {
		if r.Name == "default" {
			idx = i
		}
	}
	if idx < 0 {
		return
	}
	r := &rl.Rules[idx]
	if getenvIsSet("RATE_RPS") {
		r.RefillRate = getenvFloatDefault("RATE_RPS", r.RefillRate)
	}
	// IMPORTANTE: o "burst" permite uma rajada inicial de requisições.
	// Com RPS muito baixo (ex: 0.02), o padrão 20 pode dar a impressão de que
	// o limiter não está funcionando, porque as primeiras ~20 passam.
	if burst, ok := getenvInt("RATE_BURST"); ok {
		r.BurstLimit = burst
		r.MaxRequests = burst
	} else if getenvIsSet("RATE_RPS") && r.RefillRate > 0 && r.RefillRate < 1 {
		r.BurstLimit = 1
		r.MaxRequests = 1
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvInt(k string) (int, bool) {
	v, ok := os.LookupEnv(k)
	if !ok || v == "" {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

func getenvIsSet(k string) bool {
	v, ok := os.LookupEnv(k)
	return ok && v != ""
}

func getenvFloatDefault(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"bridge-gateway/config"
	"bridge-gateway/crosschain"
	ccapp "bridge-gateway/crosschain/application"
	"bridge-gateway/events"
	"bridge-gateway/metrics"
	"bridge-gateway/middleware/ratelimit"
	rlapp "bridge-gateway/middleware/ratelimit/application"
	"bridge-gateway/middleware/ratelimit/domain"
	"bridge-gateway/middleware/ratelimit/infra"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	level, _ := logrus.ParseLevel(cfg.LogLevel)
	logger.SetLevel(level)

	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		log.Fatalf("invalid UPSTREAM_URL: %v", err)
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.WithError(err).WithField("path", r.URL.Path).Warn("proxy error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	notifiers := events.Fanout{metrics.New(reg)}

	if cfg.NATS.URL != "" {
		nc, err := events.DialNATS(cfg.NATS.URL, cfg.NATS.Timeout, logger)
		if err != nil {
			log.Fatalf("nats connect error: %v", err)
		}
		defer nc.Drain()
		notifiers = append(notifiers, events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix, logger))
	}

	var coord *ccapp.Coordinator
	load := func() float64 { return 0 }
	if cfg.CrossChain.Enabled {
		coord, err = newCoordinator(cfg.CrossChain, notifiers, logger)
		if err != nil {
			log.Fatalf("crosschain error: %v", err)
		}
		if err := coord.Start(ctx); err != nil {
			log.Fatalf("crosschain start error: %v", err)
		}
		reg.MustRegister(metrics.NewCoordinatorCollector(coord.Stats))
		load = coord.Load
	}

	algorithms := infra.NewAlgorithms(infra.AdaptiveConfig{
		Enabled:       cfg.RateLimit.Adaptive.Enabled,
		MaxMultiplier: cfg.RateLimit.Adaptive.MaxMultiplier,
		Load:          load,
	})
	algorithms.StartJanitor(ctx)

	var (
		statsStore domain.StatsStore
		redisStats *infra.RedisStatsStore
	)
	if cfg.Stats.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Stats.RedisAddr,
			Password: cfg.Stats.RedisPassword,
			DB:       cfg.Stats.RedisDB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := rdb.Ping(pingCtx).Result()
		pingCancel()
		if err != nil {
			log.Fatalf("redis stats ping error: %v", err)
		}

		redisStats = infra.NewRedisStatsStore(
			rdb,
			infra.WithStatsPrefix(cfg.Stats.Prefix),
			infra.WithStatsTTL(cfg.Stats.TTL),
			infra.WithStatsBucket(cfg.Stats.Bucket),
			infra.WithStatsTrackKeys(cfg.Stats.TrackKeys),
		)
		statsStore = redisStats
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if redisStats != nil {
		mux.HandleFunc("GET /_gateway/ratelimit/stats", func(w http.ResponseWriter, r *http.Request) {
			totals, err := redisStats.Totals(r.Context())
			if err != nil {
				logger.WithError(err).Warn("rate limit stats read failed")
				http.Error(w, "stats unavailable", http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(totals)
		})
	}

	upstream := http.Handler(proxy)
	var api http.Handler
	if coord != nil {
		api = http.StripPrefix("/crosschain", crosschain.NewHandler(coord, crosschain.HandlerOptions{Logger: logger}))
	}

	if cfg.RateLimit.Enabled {
		svc, err := newRateLimitService(cfg.RateLimit, algorithms, statsStore, notifiers, logger)
		if err != nil {
			log.Fatalf("rate limit error: %v", err)
		}
		svc.StartJanitor(ctx, cfg.RateLimit.CleanupInterval)

		upstream = mustMiddleware(ratelimit.Options{
			Service:             svc,
			Rule:                cfg.RateLimit.Rule,
			KeyHeader:           cfg.RateLimit.KeyHeader,
			TrustXForwardedFor:  cfg.RateLimit.TrustXFF,
			AddRateLimitHeaders: cfg.RateLimit.AddHeaders,
			Logger:              logger,
		})(upstream)
		if api != nil {
			if _, ok := svc.Rule("swap"); ok {
				api = mustMiddleware(ratelimit.Options{
					Service:             svc,
					Rule:                "swap",
					KeyHeader:           "X-User-Id",
					TrustXForwardedFor:  cfg.RateLimit.TrustXFF,
					AddRateLimitHeaders: cfg.RateLimit.AddHeaders,
					IsFailure:           crosschain.IsFailureStatus,
					Logger:              logger,
				})(api)
			}
		}
	}
	if api != nil {
		mux.Handle("/crosschain/", api)
	}
	mux.Handle("/", upstream)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("gateway listening on %s -> %s", cfg.ListenAddr, target)
	log.Printf("rate: enabled=%v rule=%q keyHeader=%q trustXFF=%v adaptive=%v", cfg.RateLimit.Enabled, cfg.RateLimit.Rule, cfg.RateLimit.KeyHeader, cfg.RateLimit.TrustXFF, cfg.RateLimit.Adaptive.Enabled)
	log.Printf("rate-stats: enabled=%v redisAddr=%q bucket=%q ttl=%s trackKeys=%v", cfg.Stats.Enabled, cfg.Stats.RedisAddr, cfg.Stats.Bucket, cfg.Stats.TTL, cfg.Stats.TrackKeys)
	log.Printf("crosschain: enabled=%v chains=%d maxConcurrent=%d", cfg.CrossChain.Enabled, len(cfg.CrossChain.Chains), cfg.CrossChain.Limits.MaxConcurrentOperations)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	if coord != nil {
		coord.Wait()
	}
}

func newCoordinator(cfg config.CrossChainConfig, notifier events.Notifier, logger logrus.FieldLogger) (*ccapp.Coordinator, error) {
	limits, err := cfg.BuildLimits()
	if err != nil {
		return nil, err
	}
	return ccapp.NewCoordinator(ccapp.Options{
		Chains:            cfg.Chains,
		Limits:            limits,
		Breaker:           cfg.Breaker.Options(),
		QueueResidency:    cfg.QueueResidency,
		DrainInterval:     cfg.DrainInterval,
		RebalanceInterval: cfg.RebalanceInterval,
		CleanupInterval:   cfg.CleanupInterval,
		HighUtilization:   cfg.HighUtilization,
		UserRetention:     cfg.UserRetention,
		Notifier:          notifier,
		Logger:            logger,
	})
}

func newRateLimitService(cfg config.RateLimitConfig, algorithms domain.LimiterStore, stats domain.StatsStore, notifier events.Notifier, logger logrus.FieldLogger) (*rlapp.Service, error) {
	multipliers, err := cfg.TierMultipliers()
	if err != nil {
		return nil, err
	}
	tiers, err := rlapp.NewTierResolver(multipliers, domain.Tier(cfg.DefaultTier))
	if err != nil {
		return nil, err
	}
	for subject, tier := range cfg.Assignments {
		tiers.Assign(subject, domain.Tier(tier))
	}
	return rlapp.NewService(rlapp.Options{
		Algorithms: algorithms,
		Stats:      stats,
		Notifier:   notifier,
		Logger:     logger,
		Tiers:      tiers,
		Rules:      cfg.DomainRules(),
		KeyPrefix:  cfg.KeyPrefix,
		AllowIPs:   cfg.AllowIPs,
		DenyIPs:    cfg.DenyIPs,
		Breaker:    cfg.Breaker.Options(),
		AutoBlacklist: rlapp.AutoBlacklistOptions{
			Enabled:   cfg.AutoBlacklist.Enabled,
			Threshold: cfg.AutoBlacklist.Threshold,
			Window:    cfg.AutoBlacklist.Window,
			Duration:  cfg.AutoBlacklist.Duration,
		},
		SuspiciousDetection: cfg.SuspiciousDetection,
	})
}

func mustMiddleware(opts ratelimit.Options) func(http.Handler) http.Handler {
	mw, err := ratelimit.Middleware(opts)
	if err != nil {
		log.Fatalf("rate limit middleware error: %v", err)
	}
	return mw
}

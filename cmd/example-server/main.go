package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bridge-gateway/events"
	"bridge-gateway/middleware/ratelimit"
	"bridge-gateway/middleware/ratelimit/application"
	"bridge-gateway/middleware/ratelimit/domain"
	"bridge-gateway/middleware/ratelimit/infra"

	"github.com/sirupsen/logrus"
)

func main() {
	// Exemplo: injetando o middleware diretamente no seu webserver (sem proxy)
	logger := logrus.New()
	algorithms := infra.NewAlgorithms(infra.AdaptiveConfig{})
	stats := infra.NewMemoryStatsStore(infra.WithTrackKeys(true))

	svc, err := application.NewService(application.Options{
		Algorithms: algorithms,
		Stats:      stats,
		Notifier: events.NotifierFunc(func(_ context.Context, ev events.Event) {
			logger.WithField("kind", ev.Kind()).Info("rate limit event")
		}),
		Logger: logger,
		Rules: []domain.Rule{{
			Name:        "api",
			Scope:       domain.ScopeAPIKey,
			Algorithm:   domain.AlgorithmTokenBucket,
			Window:      time.Second,
			MaxRequests: 10,
			BurstLimit:  10,
			RefillRate:  5,
		}},
		AutoBlacklist: application.AutoBlacklistOptions{Enabled: true, Threshold: 50, Duration: 10 * time.Minute},
	})
	if err != nil {
		log.Fatalf("rate limit error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	algorithms.StartJanitor(ctx)
	svc.StartJanitor(ctx, time.Minute)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/_stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total":       stats.Total(),
			"byRule":      stats.ByRule(),
			"byReason":    stats.ByReason(),
			"breakers":    svc.BreakerStates(),
			"blacklisted": svc.Blacklisted(),
		})
	})

	mw, err := ratelimit.Middleware(ratelimit.Options{
		Service:             svc,
		Rule:                "api",
		KeyHeader:           "X-Api-Key", // ou vazio para usar IP
		TrustXForwardedFor:  true,
		AddRateLimitHeaders: true,
		Logger:              logger,
	})
	if err != nil {
		log.Fatalf("middleware error: %v", err)
	}
	h := mw(mux)

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("example server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

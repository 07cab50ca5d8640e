// Package metrics expõe os eventos do gateway e o snapshot do coordenador em Prometheus.
package metrics

import (
	"context"
	"strconv"

	"bridge-gateway/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bridge"

// Metrics é um events.Notifier que converte cada variante em contadores/histogramas.
type Metrics struct {
	Events             *prometheus.CounterVec
	RateLimitBlocks    *prometheus.CounterVec
	OperationsRejected *prometheus.CounterVec
	QueueDelay         prometheus.Histogram
	OperationDuration  *prometheus.HistogramVec
	BreakerTransitions *prometheus.CounterVec
	HotPoolSignals     *prometheus.CounterVec
	Blacklisted        prometheus.Counter
	Suspicious         prometheus.Counter
}

// New registra os coletores em reg (nil => registry padrão).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Notifications emitted, by kind",
		}, []string{"kind"}),

		RateLimitBlocks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_blocked_total",
			Help:      "Rate limit rejections by rule, tier and reason",
		}, []string{"rule", "tier", "reason"}),

		OperationsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_rejected_total",
			Help:      "Cross-chain operations rejected, by reason",
		}, []string{"reason"}),

		QueueDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_estimated_queue_delay_seconds",
			Help:      "Estimated delay announced to queued operations",
			Buckets:   prometheus.ExponentialBuckets(10, 3, 8),
		}),

		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Time between admission and completion",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"success"}),

		BreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker transitions, by breaker and target state",
		}, []string{"name", "state"}),

		HotPoolSignals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_high_utilization_total",
			Help:      "High utilization signals raised by rebalance",
		}, []string{"chain"}),

		Blacklisted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_ip_blacklisted_total",
			Help:      "IPs automatically blacklisted",
		}),

		Suspicious: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_suspicious_activity_total",
			Help:      "Blocked requests flagged as suspicious",
		}),
	}
}

func (m *Metrics) Notify(_ context.Context, ev events.Event) {
	m.Events.WithLabelValues(string(ev.Kind())).Inc()

	switch e := ev.(type) {
	case events.OperationApproved:
	case events.OperationQueued:
		m.QueueDelay.Observe(e.EstimatedDelay.Seconds())
	case events.OperationRejected:
		m.OperationsRejected.WithLabelValues(e.Reason).Inc()
	case events.OperationCompleted:
		m.OperationDuration.WithLabelValues(strconv.FormatBool(e.Success)).Observe(e.Duration.Seconds())
	case events.OperationExpired:
	case events.BreakerOpened:
		m.BreakerTransitions.WithLabelValues(e.Name, "open").Inc()
	case events.BreakerClosed:
		m.BreakerTransitions.WithLabelValues(e.Name, "closed").Inc()
	case events.PoolHighUtilization:
		m.HotPoolSignals.WithLabelValues(e.ChainID).Inc()
	case events.RateLimitViolation:
		m.RateLimitBlocks.WithLabelValues(e.Rule, e.Tier, e.Reason).Inc()
	case events.IPBlacklisted:
		m.Blacklisted.Inc()
	case events.SuspiciousActivity:
		m.Suspicious.Inc()
	}
}

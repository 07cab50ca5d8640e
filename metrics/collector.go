package metrics

import (
	"bridge-gateway/breaker"
	"bridge-gateway/crosschain/application"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsFunc devolve o snapshot do coordenador; normalmente (*application.Coordinator).Stats.
type StatsFunc func() application.Stats

// CoordinatorCollector lê o snapshot a cada scrape em vez de manter gauges atualizados.
type CoordinatorCollector struct {
	stats StatsFunc

	operations   *prometheus.Desc
	active       *prometheus.Desc
	queued       *prometheus.Desc
	users        *prometheus.Desc
	capacity     *prometheus.Desc
	utilization  *prometheus.Desc
	chainQueue   *prometheus.Desc
	breakerState *prometheus.Desc
}

func NewCoordinatorCollector(stats StatsFunc) *CoordinatorCollector {
	name := func(n string) string { return prometheus.BuildFQName(namespace, "crosschain", n) }
	return &CoordinatorCollector{
		stats:        stats,
		operations:   prometheus.NewDesc(name("operations_total"), "Operations by outcome since start", []string{"outcome"}, nil),
		active:       prometheus.NewDesc(name("active_operations"), "Operations holding capacity", nil, nil),
		queued:       prometheus.NewDesc(name("queued_operations"), "Operations waiting in chain queues", nil, nil),
		users:        prometheus.NewDesc(name("tracked_users"), "Users with limit state in memory", nil, nil),
		capacity:     prometheus.NewDesc(name("pool_capacity"), "Pool capacity units by state", []string{"chain", "state"}, nil),
		utilization:  prometheus.NewDesc(name("pool_utilization_ratio"), "Reserved over total capacity", []string{"chain"}, nil),
		chainQueue:   prometheus.NewDesc(name("pool_queue_length"), "Queued operations per chain", []string{"chain"}, nil),
		breakerState: prometheus.NewDesc(name("breaker_state"), "1 for the current breaker state of the chain", []string{"chain", "state"}, nil),
	}
}

func (c *CoordinatorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.operations
	ch <- c.active
	ch <- c.queued
	ch <- c.users
	ch <- c.capacity
	ch <- c.utilization
	ch <- c.chainQueue
	ch <- c.breakerState
}

func (c *CoordinatorCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()

	for outcome, v := range map[string]int64{
		"requested": s.TotalRequests,
		"approved":  s.Approved,
		"queued":    s.Queued,
		"rejected":  s.Rejected,
		"completed": s.Completed,
		"failed":    s.Failed,
		"expired":   s.Expired,
		"withdrawn": s.Withdrawn,
	} {
		ch <- prometheus.MustNewConstMetric(c.operations, prometheus.CounterValue, float64(v), outcome)
	}
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.ActiveOperations))
	ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(s.QueuedOperations))
	ch <- prometheus.MustNewConstMetric(c.users, prometheus.GaugeValue, float64(s.TrackedUsers))

	for _, chain := range s.Chains {
		id := chain.ChainID
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(chain.Total), id, "total")
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(chain.Available), id, "available")
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(chain.Reserved), id, "reserved")
		ch <- prometheus.MustNewConstMetric(c.utilization, prometheus.GaugeValue, chain.Utilization, id)
		ch <- prometheus.MustNewConstMetric(c.chainQueue, prometheus.GaugeValue, float64(chain.Queued), id)
		for _, st := range []breaker.Status{breaker.StatusClosed, breaker.StatusOpen, breaker.StatusHalfOpen} {
			v := 0.0
			if chain.Breaker.Status == st {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, v, id, string(st))
		}
	}
}

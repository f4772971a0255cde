// Package metrics wraps the Prometheus collectors for cycle settlement and
// player actions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	registry *prometheus.Registry

	transitions      *prometheus.CounterVec
	settlementTime   prometheus.Histogram
	suppliesResolved prometheus.Counter
	transactions     *prometheus.CounterVec
	actions          *prometheus.CounterVec
	currentCycle     prometheus.Gauge
}

func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "tradecycle"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "transitions_total",
		Help:      "Cycle transitions by kind (start, finish, next).",
	}, []string{"kind"})
	c.settlementTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "settlement_seconds",
		Help:      "Wall time of a cycle finish including delivery, fees and shares.",
		Buckets:   prometheus.DefBuckets,
	})
	c.suppliesResolved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "supplies_resolved_total",
		Help:      "Supplies resolved at cycle finish.",
	})
	c.transactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "transactions_total",
		Help:      "Ledger transactions appended by kind.",
	}, []string{"kind"})
	c.actions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "player",
		Name:      "actions_total",
		Help:      "Player actions by action and outcome (ok, rejected, error).",
	}, []string{"action", "outcome"})
	c.currentCycle = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cycle",
		Name:      "current",
		Help:      "Id of the current cycle.",
	})

	c.registry.MustRegister(c.transitions, c.settlementTime, c.suppliesResolved, c.transactions, c.actions, c.currentCycle)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// The record methods are no-ops on a nil collector.

func (c *Collector) RecordTransition(kind string, cycle int64) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(kind).Inc()
	c.currentCycle.Set(float64(cycle))
}

func (c *Collector) RecordSettlement(d time.Duration, supplies int) {
	if c == nil {
		return
	}
	c.settlementTime.Observe(d.Seconds())
	c.suppliesResolved.Add(float64(supplies))
}

func (c *Collector) RecordTransaction(kind string) {
	if c == nil {
		return
	}
	c.transactions.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordAction(action, outcome string) {
	if c == nil {
		return
	}
	c.actions.WithLabelValues(action, outcome).Inc()
}

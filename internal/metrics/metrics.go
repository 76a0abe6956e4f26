package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Decision outcomes recorded by the gatekeeper
const (
	OutcomeAdmitted     = "admitted"
	OutcomeDenied       = "denied"
	OutcomeMissing      = "missing"
	OutcomeUnrecognized = "unrecognized"
	OutcomeFailOpen     = "fail_open"
	OutcomeFailClosed   = "fail_closed"
)

// Collector holds the quota metrics. A nil *Collector is valid and records
// nothing.
type Collector struct {
	decisions     *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	storeDuration prometheus.Histogram
	breakerOpen   prometheus.Gauge
}

func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_decisions_total",
			Help: "Quota decisions by tier and outcome.",
		}, []string{"tier", "outcome"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quota_store_errors_total",
			Help: "Failed quota store operations.",
		}, []string{"op"}),
		storeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "quota_store_duration_seconds",
			Help:    "Latency of quota store script calls.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}),
		breakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quota_breaker_open",
			Help: "1 while the quota store circuit breaker is not closed.",
		}),
	}

	if reg != nil {
		reg.MustRegister(c.decisions, c.storeErrors, c.storeDuration, c.breakerOpen)
	}

	return c
}

func (c *Collector) ObserveDecision(tierName, outcome string) {
	if c == nil {
		return
	}
	if tierName == "" {
		tierName = "none"
	}
	c.decisions.WithLabelValues(tierName, outcome).Inc()
}

func (c *Collector) ObserveStoreError(op string) {
	if c == nil {
		return
	}
	c.storeErrors.WithLabelValues(op).Inc()
}

func (c *Collector) ObserveStoreDuration(d time.Duration) {
	if c == nil {
		return
	}
	c.storeDuration.Observe(d.Seconds())
}

func (c *Collector) SetBreakerOpen(open bool) {
	if c == nil {
		return
	}
	if open {
		c.breakerOpen.Set(1)
		return
	}
	c.breakerOpen.Set(0)
}

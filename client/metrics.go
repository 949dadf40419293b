package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "async_rpc_client"

// Collector is a prometheus.Collector that collects metrics about the calls
// made through a Dispatcher.
type Collector struct {
	inFlight    prometheus.Gauge
	latency     *prometheus.HistogramVec
	completions *prometheus.CounterVec
}

// NewMetricsCollector returns a new Collector. Pass it to WithMetrics and
// register it with a prometheus.Registerer.
func NewMetricsCollector() *Collector {
	return &Collector{
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "calls_in_flight",
				Help:      "The number of accepted calls not yet resolved.",
			},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "call_duration_seconds",
				Help:      "The time from submission to resolution of a call.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			}, []string{"operation"},
		),
		completions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "calls_total",
				Help:      "The number of resolved calls by outcome.",
			}, []string{"operation", "outcome"},
		),
	}
}

func (c *Collector) started() {
	if c == nil {
		return
	}
	c.inFlight.Inc()
}

// finished records one resolution. outcome is "success", "cancelled" or
// the failure kind.
func (c *Collector) finished(op, outcome string, took time.Duration) {
	if c == nil {
		return
	}
	c.inFlight.Dec()
	c.latency.WithLabelValues(op).Observe(took.Seconds())
	c.completions.WithLabelValues(op, outcome).Inc()
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.inFlight.Describe(ch)
	c.latency.Describe(ch)
	c.completions.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.inFlight.Collect(ch)
	c.latency.Collect(ch)
	c.completions.Collect(ch)
}

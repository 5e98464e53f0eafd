package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prom mirrors the fabric's counters as Prometheus metrics so a scrape
// endpoint can watch a run live. The authoritative numbers for the paper
// come from the Collector's histograms; this is operational visibility
// only.
type Prom struct {
	registry *prometheus.Registry

	RequestsTotal  prometheus.Counter
	DeadlineMisses prometheus.Counter
	Orphans        prometheus.Counter
	Inflight       prometheus.Gauge
	QueueLength    prometheus.Gauge
	CurrentRPS     prometheus.Gauge
	LatencySeconds prometheus.Histogram
}

// NewProm registers the metric set for one node under its own registry.
func NewProm(node string) *Prom {
	labels := prometheus.Labels{"node": node}
	p := &Prom{
		registry: prometheus.NewRegistry(),
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "dispatch_requests_total",
			Help:        "Total number of completed requests",
			ConstLabels: labels,
		}),
		DeadlineMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "dispatch_deadline_misses_total",
			Help:        "Total number of requests completed after their deadline",
			ConstLabels: labels,
		}),
		Orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "dispatch_orphan_responses_total",
			Help:        "Responses with no matching pending record",
			ConstLabels: labels,
		}),
		Inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dispatch_inflight_requests",
			Help:        "Requests currently in flight",
			ConstLabels: labels,
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dispatch_queue_length",
			Help:        "Local admission queue length",
			ConstLabels: labels,
		}),
		CurrentRPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dispatch_current_rps",
			Help:        "Sliding-window completion rate",
			ConstLabels: labels,
		}),
		LatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "dispatch_e2e_latency_seconds",
			Help:        "End-to-end latency",
			Buckets:     prometheus.ExponentialBuckets(1e-6, 2, 24),
			ConstLabels: labels,
		}),
	}
	p.registry.MustRegister(
		p.RequestsTotal, p.DeadlineMisses, p.Orphans,
		p.Inflight, p.QueueLength, p.CurrentRPS, p.LatencySeconds,
	)
	return p
}

// Handler returns the scrape handler for this node's registry.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

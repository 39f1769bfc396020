package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the crawler's Prometheus collectors on a private registry,
// so several crawler instances (and tests) never collide on registration.
type Metrics struct {
	Registry *prometheus.Registry

	PagesTotal      *prometheus.CounterVec
	FilesTotal      *prometheus.CounterVec
	PolicyDenials   *prometheus.CounterVec
	FrontierPending prometheus.Gauge
	BatchDuration   prometheus.Histogram
}

// New registers a fresh set of collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		PagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fileharvest_pages_total",
			Help: "Pages processed by result (ok, failed, non_html).",
		}, []string{"result"}),
		FilesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fileharvest_files_total",
			Help: "File candidates processed by result (saved, skipped, failed).",
		}, []string{"result", "file_type"}),
		PolicyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fileharvest_policy_denials_total",
			Help: "URLs vetoed by robots.txt or the blocklist.",
		}, []string{"reason"}),
		FrontierPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fileharvest_frontier_pending",
			Help: "URLs waiting in the frontier.",
		}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fileharvest_batch_duration_seconds",
			Help:    "Wall time of one dispatched batch.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}),
	}
	reg.MustRegister(m.PagesTotal, m.FilesTotal, m.PolicyDenials, m.FrontierPending, m.BatchDuration)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncPage(result string) {
	m.PagesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncFile(result, fileType string) {
	m.FilesTotal.WithLabelValues(result, fileType).Inc()
}

func (m *Metrics) IncDenial(reason string) {
	m.PolicyDenials.WithLabelValues(reason).Inc()
}

// Package metrics defines the Prometheus collectors exported by the crawler.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/mining-intel/internal/model"
)

const namespace = "mining"

// Item outcomes recorded by ItemProcessed.
const (
	OutcomeChecked   = "checked"
	OutcomeImported  = "imported"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Metrics holds the crawler's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	UpstreamRequests *prometheus.CounterVec
	CooldownTrips    prometheus.Counter
	Items            *prometheus.CounterVec
	Candidates       *prometheus.CounterVec
	RunsFinished     *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	RunsRunning      prometheus.Gauge
	Extractions      *prometheus.CounterVec
}

// New creates and registers all collectors on reg (the default registerer
// when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		UpstreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream HTTP responses by host and status class",
		}, []string{"host", "class"}),
		CooldownTrips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "cooldown_trips_total",
			Help:      "Times an upstream rate-limit signal started a cooldown",
		}),
		Items: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crawl",
			Name:      "items_total",
			Help:      "Filings and documents processed by outcome",
		}, []string{"outcome"}),
		Candidates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crawl",
			Name:      "candidates_total",
			Help:      "Candidate documents detected by exhibit label",
		}, []string{"label"}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crawl",
			Name:      "runs_finished_total",
			Help:      "Crawl runs that reached a terminal status",
		}, []string{"status"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "crawl",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of finished crawl runs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~9h
		}),
		RunsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "crawl",
			Name:      "runs_running",
			Help:      "Crawl runs currently running in this process",
		}),
		Extractions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "fields_total",
			Help:      "Extracted document fields by field and whether a value was found",
		}, []string{"field", "found"}),
	}
}

// StatusClass buckets an HTTP status code ("2xx", "429", "5xx").
func StatusClass(status int) string {
	switch {
	case status == 429 || status == 503:
		return strconv.Itoa(status)
	case status >= 100 && status < 600:
		return strconv.Itoa(status/100) + "xx"
	default:
		return "other"
	}
}

// Upstream records one upstream response.
func (m *Metrics) Upstream(host string, status int) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(host, StatusClass(status)).Inc()
}

// Tripped records a cooldown trip.
func (m *Metrics) Tripped(string, time.Time) {
	if m == nil {
		return
	}
	m.CooldownTrips.Inc()
}

// Item records one processed item.
func (m *Metrics) Item(outcome string) {
	if m == nil {
		return
	}
	m.Items.WithLabelValues(outcome).Inc()
}

// Candidate records one detected candidate document.
func (m *Metrics) Candidate(label string) {
	if m == nil {
		return
	}
	m.Candidates.WithLabelValues(label).Inc()
}

// RunStarted increments the running gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsRunning.Inc()
}

// RunFinished records a terminal run.
func (m *Metrics) RunFinished(status model.RunStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsRunning.Dec()
	m.RunsFinished.WithLabelValues(string(status)).Inc()
	m.RunDuration.Observe(d.Seconds())
}

// Extracted records one field extraction result.
func (m *Metrics) Extracted(field string, found bool) {
	if m == nil {
		return
	}
	m.Extractions.WithLabelValues(field, strconv.FormatBool(found)).Inc()
}

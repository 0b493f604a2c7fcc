package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission outcomes.
const (
	OutcomeAccepted    = "accepted"
	OutcomeSuppressed  = "suppressed"
	OutcomeInvalid     = "invalid"
	OutcomeRateLimited = "rate_limited"
	OutcomeFailed      = "failed"
)

// Collector owns the service's Prometheus metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	submissionsTotal   *prometheus.CounterVec
	submissionDuration *prometheus.HistogramVec
	uploadedFiles      *prometheus.CounterVec
	httpRequestsTotal  *prometheus.CounterVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		submissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadline",
			Name:      "submissions_total",
			Help:      "Submissions by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		submissionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "leadline",
			Name:      "submission_duration_seconds",
			Help:      "Time spent handling a submission.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		uploadedFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadline",
			Name:      "uploaded_files_total",
			Help:      "Uploaded files by result.",
		}, []string{"result"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "leadline",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status.",
		}, []string{"method", "status"}),
	}
	c.registry.MustRegister(
		c.submissionsTotal,
		c.submissionDuration,
		c.uploadedFiles,
		c.httpRequestsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) RecordSubmission(endpoint, outcome string, d time.Duration) {
	c.submissionsTotal.WithLabelValues(endpoint, outcome).Inc()
	c.submissionDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func (c *Collector) RecordFiles(stored, failed int) {
	c.uploadedFiles.WithLabelValues("stored").Add(float64(stored))
	c.uploadedFiles.WithLabelValues("failed").Add(float64(failed))
}

func (c *Collector) RecordHTTP(method string, status int) {
	c.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

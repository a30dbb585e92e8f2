package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsService owns the Prometheus registry: HTTP request metrics plus a
// workflow-transition counter labelled by audit action.
type MetricsService struct {
	registry            *prometheus.Registry
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	workflowTransitions *prometheus.CounterVec
}

// NewMetricsService constructs the service and registers all collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	httpRequestsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailtrack_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailtrack_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	workflowTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailtrack_workflow_transitions_total",
		Help: "Mail workflow transitions by audit action.",
	}, []string{"action"})

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequestsTotal,
		httpRequestDuration,
		workflowTransitions,
	)

	return &MetricsService{
		registry:            registry,
		httpRequestsTotal:   httpRequestsTotal,
		httpRequestDuration: httpRequestDuration,
		workflowTransitions: workflowTransitions,
	}
}

// Registry exposes the registry for the /metrics handler.
func (s *MetricsService) Registry() *prometheus.Registry {
	return s.registry
}

// ObserveHTTPRequest records one handled HTTP request.
func (s *MetricsService) ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	s.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	s.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordWorkflowTransition counts one workflow transition.
func (s *MetricsService) RecordWorkflowTransition(action string) {
	s.workflowTransitions.WithLabelValues(action).Inc()
}

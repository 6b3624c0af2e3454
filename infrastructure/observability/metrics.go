// Package observability provides metrics and tracing for the task engine.
//
// Two metrics sinks implement ports.MetricsRecorder:
//   - Collector keeps Prometheus series for long-running servers and serves
//     them on /metrics.
//   - CloudWatchRecorder publishes custom metrics from Lambda functions,
//     where nothing scrapes the process.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"decisium-backend/application/ports"
	"decisium-backend/domain/task"
)

// Collector holds all Prometheus metrics for the application
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Engine metrics
	TaskExecutions *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	Dispatches     *prometheus.CounterVec
}

var _ ports.MetricsRecorder = (*Collector)(nil)

// NewCollector creates a collector with its own registry, so tests can build
// as many as they like.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		TaskExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_executions_total",
				Help:      "Executed tasks by type and final status",
			},
			[]string{"task_type", "status"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_execution_duration_seconds",
				Help:      "Handler run time including persistence",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"task_type"},
		),
		Dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "continuation_dispatches_total",
				Help:      "Continuation triggers by mode and outcome",
			},
			[]string{"mode", "result"},
		),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.TaskExecutions,
		c.TaskDuration,
		c.Dispatches,
		prometheus.NewGoCollector(),
	)
	return c
}

// RecordExecution implements ports.MetricsRecorder
func (c *Collector) RecordExecution(taskType task.Type, status task.Status, duration time.Duration) {
	c.TaskExecutions.WithLabelValues(string(taskType), string(status)).Inc()
	c.TaskDuration.WithLabelValues(string(taskType)).Observe(duration.Seconds())
}

// RecordDispatch implements ports.MetricsRecorder
func (c *Collector) RecordDispatch(mode string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.Dispatches.WithLabelValues(mode, result).Inc()
}

// RecordHTTP records one served request
func (c *Collector) RecordHTTP(method, route string, status int, duration time.Duration) {
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Package metrics exposes Prometheus collectors for memory operations,
// embedding calls, maintenance runs and provider spend.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "toolmate"

// LatencyBuckets histogram buckets in seconds
var LatencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1, 2.5, 5, 10, 30, 60,
}

// Embedding outcomes
const (
	OutcomeSuccess   = "success"
	OutcomeRetry     = "retry"
	OutcomeExhausted = "exhausted"
	OutcomeCacheHit  = "cache_hit"
)

// Collector owns a registry and every toolmate metric. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	MemoryOps          *prometheus.CounterVec
	MemoryOpLatency    *prometheus.HistogramVec
	RecordsReturned    prometheus.Counter
	EmbeddingRequests  *prometheus.CounterVec
	EmbeddingLatency   prometheus.Histogram
	MaintenanceRuns    *prometheus.CounterVec
	MaintenanceRecords *prometheus.CounterVec
	LastMaintenance    prometheus.Gauge
	SpendUSD           *prometheus.CounterVec
	QueueDepth         prometheus.GaugeFunc
}

// New registers all collectors on a fresh registry. queueDepth may be nil.
func New(queueDepth func() float64) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,

		MemoryOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "memory_operations_total",
				Help:      "Memory manager operations by kind and status",
			},
			[]string{"op", "status"},
		),
		MemoryOpLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "memory_operation_latency_seconds",
				Help:      "Memory manager operation latency in seconds",
				Buckets:   LatencyBuckets,
			},
			[]string{"op"},
		),
		RecordsReturned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_records_returned_total",
			Help:      "Records returned by retrieval queries",
		}),
		EmbeddingRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "embedding_requests_total",
				Help:      "Embedding attempts by outcome",
			},
			[]string{"outcome"},
		),
		EmbeddingLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "embedding_latency_seconds",
			Help:      "Wall time of embed-with-retry including backoff",
			Buckets:   LatencyBuckets,
		}),
		MaintenanceRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "maintenance_runs_total",
				Help:      "Lifecycle maintenance runs by status",
			},
			[]string{"status"},
		),
		MaintenanceRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "maintenance_records_total",
				Help:      "Records changed by lifecycle maintenance",
			},
			[]string{"action"},
		),
		LastMaintenance: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "maintenance_last_run_timestamp_seconds",
			Help:      "Unix time of the last completed maintenance run",
		}),
		SpendUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_spend_usd_total",
				Help:      "Estimated provider spend in USD",
			},
			[]string{"service", "operation"},
		),
	}

	if queueDepth != nil {
		c.QueueDepth = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_queue_depth",
			Help:      "Units of work waiting in the background queue",
		}, queueDepth)
	}

	return c
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveMemoryOp records one façade call
func (c *Collector) ObserveMemoryOp(op string, start time.Time, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.MemoryOps.WithLabelValues(op, status).Inc()
	c.MemoryOpLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// AddRecordsReturned counts rows handed back by a retrieval
func (c *Collector) AddRecordsReturned(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.RecordsReturned.Add(float64(n))
}

// ObserveEmbeddingAttempt counts one attempt outcome
func (c *Collector) ObserveEmbeddingAttempt(outcome string) {
	if c == nil {
		return
	}
	c.EmbeddingRequests.WithLabelValues(outcome).Inc()
}

// ObserveEmbeddingLatency records the duration of one embed-with-retry call
func (c *Collector) ObserveEmbeddingLatency(start time.Time) {
	if c == nil {
		return
	}
	c.EmbeddingLatency.Observe(time.Since(start).Seconds())
}

// ObserveMaintenance records one maintenance run
func (c *Collector) ObserveMaintenance(compressed, archived int64, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.MaintenanceRuns.WithLabelValues("error").Inc()
		return
	}
	c.MaintenanceRuns.WithLabelValues("ok").Inc()
	c.MaintenanceRecords.WithLabelValues("compressed").Add(float64(compressed))
	c.MaintenanceRecords.WithLabelValues("archived").Add(float64(archived))
	c.LastMaintenance.SetToCurrentTime()
}

// AddSpend adds estimated cost for a provider call
func (c *Collector) AddSpend(service, operation string, usd float64) {
	if c == nil || usd <= 0 {
		return
	}
	c.SpendUSD.WithLabelValues(service, operation).Add(usd)
}

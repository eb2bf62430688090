// Package metrics exposes benchmark, GPU and agent request statistics as
// Prometheus collectors.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noc-turne/LLM-Light-Testing/internal/bench"
	"github.com/noc-turne/LLM-Light-Testing/internal/telemetry"
)

// Collector owns a private registry so that several runs in one process
// never collide on registration.
type Collector struct {
	reg *prometheus.Registry

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	tokensTotal      *prometheus.CounterVec
	gpuUtilization   *prometheus.GaugeVec
	gpuMemUsed       *prometheus.GaugeVec
	gpuMemTotal      *prometheus.GaugeVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lighttest_dispatch_total",
				Help: "Chat completion attempts by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lighttest_dispatch_duration_seconds",
				Help:    "Latency of successful chat completion attempts.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"endpoint"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lighttest_tokens_total",
				Help: "Tokens reported by endpoints, by kind (prompt or completion).",
			},
			[]string{"endpoint", "kind"},
		),
		gpuUtilization: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lighttest_gpu_utilization_percent",
				Help: "Last sampled GPU utilization.",
			},
			[]string{"endpoint", "gpu"},
		),
		gpuMemUsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lighttest_gpu_memory_used_mib",
				Help: "Last sampled GPU memory in use.",
			},
			[]string{"endpoint", "gpu"},
		),
		gpuMemTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lighttest_gpu_memory_total_mib",
				Help: "Total GPU memory.",
			},
			[]string{"endpoint", "gpu"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lighttest_http_requests_total",
				Help: "Total number of HTTP requests served by the agent.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lighttest_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
	c.reg.MustRegister(
		c.dispatchTotal, c.dispatchDuration, c.tokensTotal,
		c.gpuUtilization, c.gpuMemUsed, c.gpuMemTotal,
		c.httpRequests, c.httpDuration,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// RecordDispatch counts one benchmark attempt.
func (c *Collector) RecordDispatch(_ context.Context, rec bench.Record) error {
	if rec.Failed() {
		c.dispatchTotal.WithLabelValues(rec.Model, "failure_"+rec.Kind.String()).Inc()
		return nil
	}
	c.dispatchTotal.WithLabelValues(rec.Model, "success").Inc()
	c.dispatchDuration.WithLabelValues(rec.Model).Observe(rec.Elapsed.Seconds())
	c.tokensTotal.WithLabelValues(rec.Model, "prompt").Add(float64(rec.PromptTokens))
	c.tokensTotal.WithLabelValues(rec.Model, "completion").Add(float64(rec.CompletionTokens))
	return nil
}

// RecordGPUSample updates the GPU gauges of endpoint.
func (c *Collector) RecordGPUSample(_ context.Context, endpoint string, _ time.Time, stats []telemetry.GPUStat) error {
	for _, g := range stats {
		id := strconv.Itoa(g.ID)
		c.gpuUtilization.WithLabelValues(endpoint, id).Set(g.Utilization)
		c.gpuMemUsed.WithLabelValues(endpoint, id).Set(g.MemoryUsed)
		c.gpuMemTotal.WithLabelValues(endpoint, id).Set(g.MemoryTotal)
	}
	return nil
}

// ObserveHTTP records one served request.
func (c *Collector) ObserveHTTP(method, path string, status int, d time.Duration) {
	c.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// WriteTextfile writes the current values to path for the node exporter
// textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.reg); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}

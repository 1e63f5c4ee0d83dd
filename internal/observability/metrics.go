package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MarkoPoloResearchLab/genmeter/pkg/generation"
)

const metricsNamespace = "genmeter"

// Metrics holds the Prometheus collectors of one process.
type Metrics struct {
	registry        *prometheus.Registry
	generations     *prometheus.CounterVec
	generationTime  *prometheus.HistogramVec
	failovers       *prometheus.CounterVec
	refunds         *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
	reconciledTotal prometheus.Counter
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		generations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "generations_total",
			Help:      "Generation requests by result code.",
		}, []string{"code"}),
		generationTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "generation_duration_seconds",
			Help:      "Generation latency including provider failover.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"code"}),
		failovers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "credential_failovers_total",
			Help:      "Credentials marked failed during provider failover.",
		}, []string{"provider"}),
		refunds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "refunds_total",
			Help:      "Reservations refunded after a failed generation.",
		}, []string{"reason"}),
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "webhook_events_total",
			Help:      "Payment webhook events by type and outcome.",
		}, []string{"event_type", "outcome"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "endpoint", "status"}),
		httpLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "Request latency.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"method", "endpoint"}),
		reconciledTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stale_refunds_total",
			Help:      "Stale transactions refunded by the reconcile command.",
		}),
	}
}

// ObserveGeneration implements generation.Recorder.
func (metrics *Metrics) ObserveGeneration(code generation.Code, elapsed time.Duration) {
	metrics.generations.WithLabelValues(string(code)).Inc()
	metrics.generationTime.WithLabelValues(string(code)).Observe(elapsed.Seconds())
}

// CredentialFailover implements generation.Recorder.
func (metrics *Metrics) CredentialFailover(provider string) {
	metrics.failovers.WithLabelValues(provider).Inc()
}

// RefundIssued implements generation.Recorder.
func (metrics *Metrics) RefundIssued(reason string) {
	metrics.refunds.WithLabelValues(reason).Inc()
}

// WebhookProcessed implements webhook.Recorder.
func (metrics *Metrics) WebhookProcessed(eventType string, outcome string) {
	metrics.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// StaleRefunded counts a refund issued by the reconcile command.
func (metrics *Metrics) StaleRefunded() {
	metrics.reconciledTotal.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{Registry: metrics.registry})
}

// Registry exposes the underlying registry.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// GinMiddleware records request counts and latency per route template.
func (metrics *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		endpoint := ctx.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		method := ctx.Request.Method
		metrics.httpRequests.WithLabelValues(method, endpoint, strconv.Itoa(ctx.Writer.Status())).Inc()
		metrics.httpLatency.WithLabelValues(method, endpoint).Observe(time.Since(started).Seconds())
	}
}

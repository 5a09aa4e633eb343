// Package metrics exposes the Prometheus counters and histograms shared by
// the control plane and dispatcher HTTP servers, plus the DP-side
// puller/container-pool gauges referenced throughout spec §5.
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric a server (CP or DP) emits. Both servers share
// the same metric names with a "service" label distinguishing them, rather
// than maintaining two parallel metric sets.
type Registry struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	QueueClaimsTotal     *prometheus.CounterVec
	ContainerPoolInUse   *prometheus.GaugeVec
	ContainerPoolWaiting *prometheus.GaugeVec
	WorkspaceExports     *prometheus.CounterVec
}

// New registers every metric against a dedicated registry (not the global
// default) so CP and DP can each run their own /metrics endpoint without
// colliding when both are compiled into one test binary.
func New(service string) *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "loomrun_http_requests_total",
			Help:        "Total HTTP requests handled, by route and status.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "loomrun_http_request_duration_seconds",
			Help:        "HTTP request latency in seconds, by route.",
			ConstLabels: prometheus.Labels{"service": service},
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "path"}),
		QueueClaimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "loomrun_queue_claims_total",
			Help:        "Run claim attempts, by schedule_mode and outcome.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"schedule_mode", "outcome"}),
		ContainerPoolInUse: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "loomrun_container_pool_in_use",
			Help:        "Executor containers currently checked out of the pool.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"mode"}),
		ContainerPoolWaiting: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "loomrun_container_pool_waiting",
			Help:        "Dispatch attempts blocked waiting for a free container slot.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"mode"}),
		WorkspaceExports: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "loomrun_workspace_exports_total",
			Help:        "Workspace export job outcomes.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"outcome"}),
	}
	r.registry = reg
	return r
}

func (r *Registry) handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}

// Handler returns the /metrics endpoint handler for this registry.
func (r *Registry) Handler() gin.HandlerFunc {
	return r.handler()
}

// Middleware records request counts and latency for every route.
func (r *Registry) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()
		r.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(status)).Inc()
		r.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func statusBucket(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

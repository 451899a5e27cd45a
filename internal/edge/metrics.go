package edge

import (
	prom "github.com/prometheus/client_golang/prometheus"
)

// Metrics
var (
	metricRequestsTotal = prom.NewCounterVec(prom.CounterOpts{
		Name: "overture_requests_total",
		Help: "Total number of handled requests.",
	}, []string{"class", "method", "status"})
	metricRequestDuration = prom.NewHistogramVec(prom.HistogramOpts{
		Name:    "overture_request_seconds",
		Help:    "Duration of handled requests.",
		Buckets: prom.DefBuckets,
	}, []string{"class", "method"})
	metricActiveUpgrades = prom.NewGauge(prom.GaugeOpts{
		Name: "overture_active_upgrades",
		Help: "Number of upgraded streams currently being relayed.",
	})
	metricUpstreamErrors = prom.NewCounter(prom.CounterOpts{
		Name: "overture_upstream_errors_total",
		Help: "Total number of failed upstream exchanges.",
	})
	metricRateLimited = prom.NewCounter(prom.CounterOpts{
		Name: "overture_ratelimited_total",
		Help: "Total number of requests rejected by the rate limiter.",
	})
	metricCertNotAfter = prom.NewGauge(prom.GaugeOpts{
		Name: "overture_cert_not_after_seconds",
		Help: "Expiry time of the serving certificate as a Unix timestamp.",
	})
)

func init() {
	prom.MustRegister(
		metricRequestsTotal,
		metricRequestDuration,
		metricActiveUpgrades,
		metricUpstreamErrors,
		metricRateLimited,
		metricCertNotAfter,
	)
}

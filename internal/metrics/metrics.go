// Package metrics provides Prometheus metrics for maas-api.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Result labels for metrics.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

const namespace = "maas_api"

var (
	// TokensIssuedTotal counts credentials minted through the TokenRequest API.
	TokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "issued_total",
			Help:      "Total number of credential issuance attempts",
		},
		[]string{"tier", "result"},
	)

	// TokenRevocationsTotal counts revoke-all operations.
	TokenRevocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "revocations_total",
			Help:      "Total number of revoke-all operations",
		},
		[]string{"result"},
	)

	// MetadataPersistFailuresTotal counts credentials issued without an audit record.
	MetadataPersistFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apikey",
			Name:      "metadata_persist_failures_total",
			Help:      "Credentials that were issued but whose metadata could not be stored",
		},
	)

	// StoreOperationsTotal counts metadata store operations per backend.
	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total number of metadata store operations",
		},
		[]string{"backend", "operation", "result"},
	)

	// TierLookupsTotal counts tier resolutions by outcome.
	TierLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tier",
			Name:      "lookups_total",
			Help:      "Total number of tier lookups",
		},
		[]string{"result"},
	)

	// ModelsDiscovered tracks the size of the last built catalog.
	ModelsDiscovered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "models",
			Name:      "discovered",
			Help:      "Number of models in the last built catalog",
		},
		[]string{"ready"},
	)

	// HTTPRequestDuration observes request latency per route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		TokensIssuedTotal,
		TokenRevocationsTotal,
		MetadataPersistFailuresTotal,
		StoreOperationsTotal,
		TierLookupsTotal,
		ModelsDiscovered,
		HTTPRequestDuration,
	)
}

// ObserveStore records a store operation outcome
func ObserveStore(backend, operation string, err error) {
	StoreOperationsTotal.WithLabelValues(backend, operation, result(err)).Inc()
}

// ObserveTokenIssued records a credential issuance outcome
func ObserveTokenIssued(tier string, err error) {
	TokensIssuedTotal.WithLabelValues(tier, result(err)).Inc()
}

// GinMiddleware records request latency for every routed request
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		HTTPRequestDuration.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

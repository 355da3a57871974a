package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quay/quay-sub006/metrics"
	"github.com/quay/quay-sub006/registry/storage/cache"
)

var (
	requestCounter *prometheus.CounterVec
	latencyHist    *prometheus.HistogramVec
)

const (
	subsystem    = "cache"
	backendLabel = "backend"
	typeLabel    = "type"
	opLabel      = "operation"

	requestTotalName = "requests_total"
	requestTotalDesc = "A counter of cache lookups by result."

	latencyName = "operation_duration_seconds"
	latencyDesc = "A histogram of latencies for cache operations."
)

func init() {
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      requestTotalName,
			Help:      requestTotalDesc,
		},
		[]string{backendLabel, typeLabel},
	)

	latencyHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      latencyName,
			Help:      latencyDesc,
			Buckets:   prometheus.DefBuckets,
		},
		[]string{backendLabel, opLabel},
	)

	prometheus.MustRegister(requestCounter)
	prometheus.MustRegister(latencyHist)
}

type prometheusCache struct {
	cache.Cache
	backend string
}

// NewPrometheusCache wraps c, counting hits, misses and errors and timing every operation.
func NewPrometheusCache(c cache.Cache, backend string) cache.Cache {
	return &prometheusCache{Cache: c, backend: backend}
}

func (pc *prometheusCache) observe(op string, start time.Time) {
	latencyHist.WithLabelValues(pc.backend, op).Observe(time.Since(start).Seconds())
}

func (pc *prometheusCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	defer pc.observe("get", time.Now())

	v, found, err := pc.Cache.Get(ctx, key)
	switch {
	case err != nil:
		requestCounter.WithLabelValues(pc.backend, "error").Inc()
	case found:
		requestCounter.WithLabelValues(pc.backend, "hit").Inc()
	default:
		requestCounter.WithLabelValues(pc.backend, "miss").Inc()
	}
	return v, found, err
}

func (pc *prometheusCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	defer pc.observe("set", time.Now())
	return pc.Cache.Set(ctx, key, value, ttl)
}

func (pc *prometheusCache) Delete(ctx context.Context, key string) error {
	defer pc.observe("delete", time.Now())
	return pc.Cache.Delete(ctx, key)
}

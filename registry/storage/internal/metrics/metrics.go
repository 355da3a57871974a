package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quay/quay-sub006/metrics"
)

var (
	opDurationHist *prometheus.HistogramVec
	opCounter      *prometheus.CounterVec
	retryCounter   *prometheus.CounterVec
	timeSince      = time.Since // for test purposes only
)

const (
	subsystem      = "storage"
	locationLabel  = "location"
	operationLabel = "operation"
	errorLabel     = "error"

	opDurationName = "operation_duration_seconds"
	opDurationDesc = "A histogram of latencies for storage operations per location."

	opTotalName = "operations_total"
	opTotalDesc = "A counter for storage operations per location."

	retryTotalName = "read_retries_total"
	retryTotalDesc = "A counter for storage read retries caused by eventual consistency."
)

func init() {
	opDurationHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      opDurationName,
			Help:      opDurationDesc,
			Buckets:   prometheus.DefBuckets,
		},
		[]string{locationLabel, operationLabel, errorLabel},
	)

	opCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      opTotalName,
			Help:      opTotalDesc,
		},
		[]string{locationLabel, operationLabel, errorLabel},
	)

	retryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      retryTotalName,
			Help:      retryTotalDesc,
		},
		[]string{operationLabel},
	)

	prometheus.MustRegister(opDurationHist)
	prometheus.MustRegister(opCounter)
	prometheus.MustRegister(retryCounter)
}

// Operation starts timing a storage operation against location. The returned func records the outcome.
func Operation(location, op string) func(err error) {
	start := time.Now()
	return func(err error) {
		failed := strconv.FormatBool(err != nil)
		opCounter.WithLabelValues(location, op, failed).Inc()
		opDurationHist.WithLabelValues(location, op, failed).Observe(timeSince(start).Seconds())
	}
}

// ReadRetry counts a retried read.
func ReadRetry(op string) {
	retryCounter.WithLabelValues(op).Inc()
}

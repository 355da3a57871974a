package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/quay/quay-sub006/metrics"
)

var (
	runDurationHist    *prometheus.HistogramVec
	runCounter         *prometheus.CounterVec
	sleepDurationHist  *prometheus.HistogramVec
	queueSizeGauge     *prometheus.GaugeVec
	rowsDeletedCounter *prometheus.CounterVec
	reposPurgedCounter prometheus.Counter
	timeSince          = time.Since // for test purposes only
)

const (
	subsystem   = "gc"
	workerLabel = "worker"
	errorLabel  = "error"
	noopLabel   = "noop"
	queueLabel  = "queue"
	tableLabel  = "table"

	runDurationName = "run_duration_seconds"
	runDurationDesc = "A histogram of latencies for online GC worker runs."

	runTotalName = "runs_total"
	runTotalDesc = "A counter for online GC worker runs."

	sleepDurationName = "sleep_duration_seconds"
	sleepDurationDesc = "A histogram of sleep durations between online GC worker runs."

	queueSizeName = "queue_size"
	queueSizeDesc = "A gauge for the number of pending items in an online GC queue."

	rowsDeletedName = "table_rows_deleted_total"
	rowsDeletedDesc = "A counter for database rows deleted by the garbage collector."

	reposPurgedName = "repos_purged_total"
	reposPurgedDesc = "A counter for repositories purged by the garbage collector."
)

func init() {
	runDurationHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      runDurationName,
			Help:      runDurationDesc,
			Buckets:   prometheus.DefBuckets,
		},
		[]string{workerLabel, noopLabel, errorLabel},
	)

	runCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      runTotalName,
			Help:      runTotalDesc,
		},
		[]string{workerLabel, noopLabel, errorLabel},
	)

	sleepDurationHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      sleepDurationName,
			Help:      sleepDurationDesc,
			Buckets:   []float64{.5, 1, 5, 15, 30, 60, 300, 600, 1800, 3600, 43200, 86400},
		},
		[]string{workerLabel},
	)

	queueSizeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      queueSizeName,
			Help:      queueSizeDesc,
		},
		[]string{queueLabel},
	)

	rowsDeletedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      rowsDeletedName,
			Help:      rowsDeletedDesc,
		},
		[]string{tableLabel},
	)

	reposPurgedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      reposPurgedName,
			Help:      reposPurgedDesc,
		},
	)

	prometheus.MustRegister(runDurationHist)
	prometheus.MustRegister(runCounter)
	prometheus.MustRegister(sleepDurationHist)
	prometheus.MustRegister(queueSizeGauge)
	prometheus.MustRegister(rowsDeletedCounter)
	prometheus.MustRegister(reposPurgedCounter)
}

func WorkerRun(name string) func(noop bool, err error) {
	start := time.Now()
	return func(noop bool, err error) {
		failed := strconv.FormatBool(err != nil)
		np := strconv.FormatBool(noop)

		runCounter.WithLabelValues(name, np, failed).Inc()
		runDurationHist.WithLabelValues(name, np, failed).Observe(timeSince(start).Seconds())
	}
}

// WorkerSleep records the time a worker sleeps before its next run.
func WorkerSleep(name string, d time.Duration) {
	sleepDurationHist.WithLabelValues(name).Observe(d.Seconds())
}

// QueueSize records the number of pending items in a queue.
func QueueSize(queue string, n int) {
	queueSizeGauge.WithLabelValues(queue).Set(float64(n))
}

// RowsDeleted counts rows deleted from a table.
func RowsDeleted(table string, n int) {
	if n > 0 {
		rowsDeletedCounter.WithLabelValues(table).Add(float64(n))
	}
}

// RepositoryPurged counts a purged repository.
func RepositoryPurged() {
	reposPurgedCounter.Inc()
}

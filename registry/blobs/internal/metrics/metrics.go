package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quay/quay-sub006/metrics"
)

var (
	chunkDurationHist *prometheus.HistogramVec
	pushedBytes       prometheus.Counter
	pulledBytes       prometheus.Counter
	mountCounter      *prometheus.CounterVec
	timeSince         = time.Since // for test purposes only
)

const (
	subsystem     = "blobs"
	locationLabel = "location"
	resultLabel   = "result"

	chunkDurationName = "chunk_upload_duration_seconds"
	chunkDurationDesc = "A histogram of latencies for blob chunk uploads per location."

	pushedBytesName = "pushed_bytes_total"
	pushedBytesDesc = "A counter for bytes pushed to the registry."

	pulledBytesName = "pulled_bytes_total"
	pulledBytesDesc = "A counter for blob bytes served by the registry, including redirects."

	mountTotalName = "mounts_total"
	mountTotalDesc = "A counter for cross repository blob mount attempts."
)

func init() {
	chunkDurationHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      chunkDurationName,
			Help:      chunkDurationDesc,
			Buckets:   prometheus.DefBuckets,
		},
		[]string{locationLabel},
	)

	pushedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      pushedBytesName,
			Help:      pushedBytesDesc,
		},
	)

	pulledBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      pulledBytesName,
			Help:      pulledBytesDesc,
		},
	)

	mountCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      mountTotalName,
			Help:      mountTotalDesc,
		},
		[]string{resultLabel},
	)

	prometheus.MustRegister(chunkDurationHist)
	prometheus.MustRegister(pushedBytes)
	prometheus.MustRegister(pulledBytes)
	prometheus.MustRegister(mountCounter)
}

// ChunkUpload starts timing a chunk upload to location. The returned func records the bytes written.
func ChunkUpload(location string) func(written int64) {
	start := time.Now()
	return func(written int64) {
		chunkDurationHist.WithLabelValues(location).Observe(timeSince(start).Seconds())
		pushedBytes.Add(float64(written))
	}
}

// BlobPulled counts the bytes of a served blob.
func BlobPulled(size int64) {
	pulledBytes.Add(float64(size))
}

// Mount counts a mount attempt by outcome.
func Mount(mounted bool) {
	result := "fallthrough"
	if mounted {
		result = "mounted"
	}
	mountCounter.WithLabelValues(result).Inc()
}

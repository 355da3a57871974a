package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quay/quay-sub006/metrics"
)

var (
	requestDurationHist *prometheus.HistogramVec
	requestTotal        *prometheus.CounterVec
	imagePulls          *prometheus.CounterVec
	imagePushes         *prometheus.CounterVec
	timeSince           = time.Since // for test purposes only
)

const (
	subsystem   = "http"
	routeLabel  = "route"
	methodLabel = "method"
	codeLabel   = "code"
	byLabel     = "by"

	mediaTypeLabel = "media_type"

	requestDurationName = "request_duration_seconds"
	requestDurationDesc = "A histogram of latencies for API requests per route."

	requestTotalName = "requests_total"
	requestTotalDesc = "A counter for API requests per route, method and status code."

	imagePullsName = "image_pulls_total"
	imagePullsDesc = "A counter for manifest pulls by tag or by digest, per status code."

	imagePushesName = "image_pushes_total"
	imagePushesDesc = "A counter for manifest pushes per status code and media type."
)

func init() {
	requestDurationHist = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      requestDurationName,
			Help:      requestDurationDesc,
			Buckets:   prometheus.DefBuckets,
		},
		[]string{routeLabel, methodLabel},
	)

	requestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      requestTotalName,
			Help:      requestTotalDesc,
		},
		[]string{routeLabel, methodLabel, codeLabel},
	)

	imagePulls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      imagePullsName,
			Help:      imagePullsDesc,
		},
		[]string{byLabel, codeLabel},
	)

	imagePushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metrics.NamespacePrefix,
			Subsystem: subsystem,
			Name:      imagePushesName,
			Help:      imagePushesDesc,
		},
		[]string{codeLabel, mediaTypeLabel},
	)

	prometheus.MustRegister(requestDurationHist)
	prometheus.MustRegister(requestTotal)
	prometheus.MustRegister(imagePulls)
	prometheus.MustRegister(imagePushes)
}

// Request starts timing a request to route. The returned func records the response status code.
func Request(route, method string) func(code int) {
	start := time.Now()
	return func(code int) {
		requestDurationHist.WithLabelValues(route, method).Observe(timeSince(start).Seconds())
		requestTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	}
}

// ImagePull counts a manifest pull. by is either "tag" or "manifest".
func ImagePull(by string, code int) {
	imagePulls.WithLabelValues(by, strconv.Itoa(code)).Inc()
}

// ImagePush counts a manifest push.
func ImagePush(code int, mediaType string) {
	imagePushes.WithLabelValues(strconv.Itoa(code), mediaType).Inc()
}

package obs

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics groups Prometheus collectors for HTTP observability.
type HTTPMetrics struct {
	ReqTotal *prometheus.CounterVec
	ReqDur   *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

// NewHTTPMetrics registers and returns HTTP metrics collectors.
func NewHTTPMetrics(namespace string, buckets []float64, reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if len(buckets) == 0 {
		buckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500}
	} else {
		sort.Float64s(buckets)
	}
	factory := promauto.With(reg)
	return &HTTPMetrics{
		ReqTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled by the server.",
		}, []string{"method", "route", "status"}),
		ReqDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency distribution in milliseconds.",
			Buckets:   buckets,
		}, []string{"method", "route"}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
	}
}

// PaymentMetrics groups the payment-domain collectors.
type PaymentMetrics struct {
	// SubmissionsTotal counts processed submissions by outcome
	// (paid, pending, subscribed, failed, authorize_failed, ...).
	SubmissionsTotal *prometheus.CounterVec
	// IPNTotal counts inbound notifications by order status and outcome
	// (processed, duplicate, invalid_signature, unmatched, ignored).
	IPNTotal *prometheus.CounterVec
	// LegacyDigest is set to 1 once a notification signed with the legacy
	// md5 digest has been accepted, so operators can spot merchants that
	// never rotated.
	LegacyDigest prometheus.Gauge
}

// NewPaymentMetrics registers and returns the payment-domain collectors.
func NewPaymentMetrics(namespace string, reg prometheus.Registerer) *PaymentMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PaymentMetrics{
		SubmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_submissions_total",
			Help:      "Form submissions processed through the payment gateway, by outcome.",
		}, []string{"result"}),
		IPNTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_ipn_total",
			Help:      "Inbound payment notifications, by order status and processing outcome.",
		}, []string{"status", "outcome"}),
		LegacyDigest: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "payment_ipn_legacy_digest",
			Help:      "1 when a notification signed with the legacy md5 digest has been seen.",
		}),
	}
}

// ParseBucketsCSV converts a comma-separated list of bucket boundaries (milliseconds) into floats.
func ParseBucketsCSV(csv string) []float64 {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]float64, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		v, err := strconv.ParseFloat(trimmed, 64)
		if err != nil || v <= 0 {
			continue
		}
		out = append(out, v)
	}
	return out
}

// DurationMillis converts a duration to milliseconds for metric observation.
func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

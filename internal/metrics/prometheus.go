package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teenlancer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "teenlancer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	approvalDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teenlancer_approval_decisions_total",
			Help: "Approval decisions by kind and result",
		},
		[]string{"kind", "result"},
	)

	otpVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teenlancer_otp_verifications_total",
			Help: "OTP verification attempts by verdict",
		},
		[]string{"verdict"},
	)

	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teenlancer_notifications_total",
			Help: "Outbound email and SMS sends by channel and result",
		},
		[]string{"channel", "provider", "result"},
	)

	provisionResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "teenlancer_provision_results_total",
			Help: "Linked account provisioning outcomes",
		},
		[]string{"result"},
	)

	expiredSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "teenlancer_approvals_expired_total",
			Help: "Pending approvals moved to expired by the sweep",
		},
	)

	realtimeSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "teenlancer_realtime_subscribers",
			Help: "Open websocket change-feed subscribers",
		},
	)
)

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	}
	return "unknown"
}

func RecordHTTPRequest(method, route string, statusCode int, durationSeconds float64) {
	httpRequestsTotal.WithLabelValues(method, route, statusClass(statusCode)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}

func RecordDecision(kind, result string) {
	approvalDecisions.WithLabelValues(kind, result).Inc()
}

func RecordOTPVerification(verdict string) {
	otpVerifications.WithLabelValues(verdict).Inc()
}

func RecordNotification(channel, provider string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	notificationsSent.WithLabelValues(channel, provider, result).Inc()
}

func RecordProvision(result string) {
	provisionResults.WithLabelValues(result).Inc()
}

func AddExpired(n int) {
	expiredSwept.Add(float64(n))
}

func SubscriberOpened() { realtimeSubscribers.Inc() }
func SubscriberClosed() { realtimeSubscribers.Dec() }

func Handler() http.Handler {
	return promhttp.Handler()
}

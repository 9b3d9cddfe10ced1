package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Per-domain message counters and histograms, incremented from the SMTP
// server and queue. Domain labels use the ASCII form.
var (
	metricMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_messages_received_total",
			Help: "Messages accepted in SMTP transactions, by sender domain.",
		},
		[]string{"domain"},
	)
	metricMessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_messages_sent_total",
			Help: "Messages queued for external delivery, by sender domain.",
		},
		[]string{"domain"},
	)
	metricMessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_messages_rejected_total",
			Help: "Messages rejected, by sender domain and reason.",
		},
		[]string{"domain", "reason"},
	)
	metricMessageSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smtpd_message_size_bytes",
			Help:    "Size of accepted messages, by sender domain.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
		[]string{"domain"},
	)
	metricDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smtpd_delivery_duration_seconds",
			Help:    "Duration of message handling, by sender domain and type.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"domain", "type"}, // Type: accept, local, external.
	)
	metricAuthResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_authchecks_total",
			Help: "SPF/DKIM/DMARC verification results for inbound messages, by method, sender domain and result.",
		},
		[]string{"method", "domain", "result"},
	)
)

func MessageReceivedInc(domain string) {
	metricMessagesReceived.WithLabelValues(domain).Inc()
}

func MessageSentInc(domain string) {
	metricMessagesSent.WithLabelValues(domain).Inc()
}

func MessageRejectedInc(domain, reason string) {
	metricMessagesRejected.WithLabelValues(domain, reason).Inc()
}

func MessageSizeObserve(domain string, size int64) {
	metricMessageSize.WithLabelValues(domain).Observe(float64(size))
}

func DeliveryDurationObserve(domain, kind string, seconds float64) {
	metricDeliveryDuration.WithLabelValues(domain, kind).Observe(seconds)
}

func AuthCheckInc(method, domain, result string) {
	metricAuthResults.WithLabelValues(method, domain, result).Inc()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAuthentication = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_authentication_total",
			Help: "Authentication attempts and results.",
		},
		[]string{
			"kind",    // smtp, submission
			"variant", // plain, login
			"result",  // ok, baduser, badpassword, badcreds, ratelimited, locked, disabled, error, aborted
		},
	)
)

func AuthenticationInc(kind, variant, result string) {
	metricAuthentication.WithLabelValues(kind, variant, result).Inc()
}

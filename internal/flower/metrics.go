package flower

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tcflower"

var (
	malformedReplies = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "malformed_reply_total",
		Help:      "Filter replies too short to carry a tcmsg header.",
	})
	verifyMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "verify_mismatch_total",
		Help:      "Installed rules that differ from the request.",
	})
)

func init() {
	prometheus.MustRegister(malformedReplies, verifyMismatches)
}

package forwarder

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tcflower",
		Subsystem: "driver",
		Name:      "requests_total",
		Help:      "Requests sent to the kernel by operation and result.",
	}, []string{"op", "result"})
	rulePackets = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tcflower",
		Subsystem: "rule",
		Name:      "packets",
		Help:      "Packets matched by a rule at the last dump, software and hardware.",
	}, []string{"rule", "path"})
)

func init() {
	prometheus.MustRegister(requests, rulePackets)
}

func countRequest(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	requests.WithLabelValues(op, result).Inc()
}

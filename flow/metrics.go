package flow

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "quicmitm"
)

var (
	totalUDPFlows = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flow",
		Name:      "udp_total",
		Help:      "Total count of datagram flows that have been tracked",
	})
	totalTCPFlows = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flow",
		Name:      "tcp_total",
		Help:      "Total count of stream flows that have been tracked",
	})
	flowRegistrationsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flow",
		Name:      "registrations_rate_limited_total",
		Help:      "Count of flow registrations that were rate limited",
	}, []string{"flow_type"})
)

func init() {
	prometheus.MustRegister(
		totalUDPFlows,
		totalTCPFlows,
		flowRegistrationsDropped,
	)
}

package quic

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "quicmitm"
)

var (
	totalClientConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quic",
		Name:      "client_connections_total",
		Help:      "Total count of client-facing QUIC connections accepted",
	})
	roamedConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quic",
		Name:      "roamed_connections_total",
		Help:      "Total count of connections spliced onto an existing handler after migration",
	})
	versionNegotiationsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quic",
		Name:      "version_negotiations_total",
		Help:      "Total count of version negotiation packets sent",
	})
	clientHelloParseFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quic",
		Name:      "clienthello_parse_failures_total",
		Help:      "Total count of initial packets whose ClientHello could not be parsed",
	})
	unroutedPackets = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quic",
		Name:      "unrouted_packets_total",
		Help:      "Total count of outgoing packets dropped for lack of a route",
	})
	relayedStreamBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quic",
		Name:      "relayed_stream_bytes_total",
		Help:      "Total bytes of stream data relayed between the two endpoints",
	})
	relayedDatagramBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "quic",
		Name:      "relayed_datagram_bytes_total",
		Help:      "Total bytes of datagram payload relayed between the two endpoints",
	})
)

func init() {
	prometheus.MustRegister(
		totalClientConnections,
		roamedConnections,
		versionNegotiationsSent,
		clientHelloParseFailures,
		unroutedPackets,
		relayedStreamBytes,
		relayedDatagramBytes,
	)
}

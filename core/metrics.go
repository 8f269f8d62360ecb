package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transport metrics, registered on the default registry and exposed by
// the daemon's status listener.
var (
	metricBytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilnet_net_bytes_received_total",
		Help: "Bytes received across all connections.",
	})
	metricBytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veilnet_net_bytes_sent_total",
		Help: "Bytes written across all connections.",
	})
	metricConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "veilnet_net_connections",
		Help: "Live connections by direction.",
	}, []string{"direction"})
	metricTxsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veilnet_relay_transactions_total",
		Help: "Transactions handed to the relay engine by method.",
	}, []string{"method"})
)

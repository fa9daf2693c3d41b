package lan

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// counter is a prometheus counter whose value can also be read back for snapshots.
type counter struct {
	prom prometheus.Counter
	n    atomic.Uint64
}

func (c *counter) Inc() {
	c.prom.Inc()
	c.n.Add(1)
}

func (c *counter) Load() uint64 { return c.n.Load() }

type metrics struct {
	multicastSent     *counter
	multicastReceived *counter
	multicastDropped  *counter
	listenerErrors    *counter
	opened            *counter
	accepted          *counter
	connectFailures   *counter
	closed            *counter
	bytesSent         prometheus.Counter
	bytesReceived     prometheus.Counter
	live              prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	c := func(name, help string) *counter {
		return &counter{prom: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "scan", Subsystem: "lan", Name: name, Help: help,
		})}
	}
	return &metrics{
		multicastSent:     c("multicast_sent_total", "Datagrams sent to the discovery group"),
		multicastReceived: c("multicast_received_total", "Datagrams received from the discovery group"),
		multicastDropped:  c("multicast_dropped_total", "Datagrams that could not be sent"),
		listenerErrors:    c("listener_errors_total", "Deliveries the listener or a handler failed"),
		opened:            c("connections_opened_total", "Outbound connections opened"),
		accepted:          c("connections_accepted_total", "Inbound connections accepted"),
		connectFailures:   c("connect_failures_total", "Outbound connections that failed to establish"),
		closed:            c("connections_closed_total", "Connections torn down"),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "scan", Subsystem: "lan", Name: "stream_bytes_sent_total",
			Help: "Bytes written to stream connections",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "scan", Subsystem: "lan", Name: "stream_bytes_received_total",
			Help: "Bytes read from stream connections",
		}),
		live: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "scan", Subsystem: "lan", Name: "connections",
			Help: "Currently open connections",
		}),
	}
}

//go:build linux

package lan

import (
	"net"
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rflandau/Scan/pkg/reactor"
	"github.com/rs/zerolog"
)

// File options.go provides options that can be passed to Start to configure the network.

// Option function to set various options on the network.
// Uses defaults if an option is not set.
type Option func(*Network)

// WithLogger replaces the network's default logger with the given logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(n *Network) {
		n.log = l
	}
}

// WithPort overwrites physical.DefaultPort for both the multicast group and the stream listener.
func WithPort(port uint16) Option {
	return func(n *Network) { n.port = port }
}

// WithGroup overwrites physical.DefaultGroup.
func WithGroup(group netip.Addr) Option {
	return func(n *Network) { n.group = group }
}

// WithInterface selects the interface multicast traffic is sent and received on.
func WithInterface(iface *net.Interface) Option {
	return func(n *Network) { n.iface = iface }
}

// WithListenAddr binds the stream listener (and outbound connections) to the given local address.
func WithListenAddr(addr netip.Addr) Option {
	return func(n *Network) { n.listenAddr = addr }
}

// WithRegisterer registers the network's metrics with reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(n *Network) { n.reg = reg }
}

// WithReactor runs the network on an existing reactor.
// The reactor is left running when the network closes.
func WithReactor(r *reactor.Reactor) Option {
	return func(n *Network) { n.r = r }
}

//go:build linux

package reactor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Option function to set various options on the reactor.
// Uses defaults if an option is not set.
type Option func(*Reactor)

// WithLogger replaces the reactor's default logger with the given logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(r *Reactor) {
		r.log = l
	}
}

// WithRegisterer registers the reactor's metrics with reg instead of a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Reactor) { r.reg = reg }
}

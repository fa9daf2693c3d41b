//go:build linux

/*
Scan daemon.

Joins the discovery group, periodically announces itself, greets every peer it hears from over a stream connection, and logs the frames it receives.
Optionally serves the status API.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rflandau/Scan/pkg/frame"
	"github.com/rflandau/Scan/pkg/physical"
	"github.com/rflandau/Scan/pkg/physical/lan"
	"github.com/rflandau/Scan/pkg/status"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type config struct {
	port     uint16
	group    string
	iface    string
	listen   string
	status   string
	announce bool
	interval time.Duration
	logLevel string
}

func main() {
	var cfg config

	rootCmd := &cobra.Command{
		Use:   "scand",
		Short: "Scan discovery daemon",
		Long: `scand joins a Scan discovery group on the local network.

It announces itself to the group, opens a connection to every peer it hears
from, and logs the frames those peers send. The status API reports the state
of the network and exposes Prometheus metrics.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	fs := rootCmd.Flags()
	fs.Uint16Var(&cfg.port, "port", physical.DefaultPort, "UDP port of the discovery group and TCP port to listen on")
	fs.StringVar(&cfg.group, "group", physical.DefaultGroup.String(), "IPv4 multicast group to join")
	fs.StringVar(&cfg.iface, "iface", "", "interface to multicast on (default: first multicast-capable interface)")
	fs.StringVar(&cfg.listen, "listen", "0.0.0.0", "IPv4 address to accept connections on")
	fs.StringVar(&cfg.status, "status", "", "address to serve the status API on (ex: 127.0.0.1:8080); disabled if empty")
	fs.BoolVar(&cfg.announce, "announce", true, "periodically announce this node to the group")
	fs.DurationVar(&cfg.interval, "interval", 5*time.Second, "time between announcements")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "one of trace, debug, info, warn, error")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	lvl, err := zerolog.ParseLevel(cfg.logLevel)
	if err != nil {
		return err
	}
	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	}).With().
		Timestamp().
		Caller().
		Logger().Level(lvl)
	sublog := func(name string) *zerolog.Logger {
		l := log.With().Str("sublogger", name).Logger()
		return &l
	}

	opts, err := networkOptions(cfg)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts = append(opts, lan.WithLogger(sublog("lan")), lan.WithRegisterer(reg))

	self, err := localID(cfg)
	if err != nil {
		return err
	}
	log.Info().Str("id", self.String()).Msg("derived peer id")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	l := newLogListener(ctx, sublog("listener"), self)
	var nw *lan.Network
	cache, err := physical.NewCache(l, func(pl physical.Listener) (physical.Network, error) {
		n, err := lan.Start(pl, opts...)
		if err != nil {
			return nil, err
		}
		nw = n
		return n, nil
	}, physical.WithLogger(sublog("cache")))
	if err != nil {
		return err
	}
	l.attach(cache)

	var srv *status.Server
	if cfg.status != "" {
		ap, err := netip.ParseAddrPort(cfg.status)
		if err != nil {
			cache.Close()
			return fmt.Errorf("bad status address: %w", err)
		}
		srv = status.New(nw, status.WithLogger(sublog("status")), status.WithGatherer(reg))
		if err := srv.Start(ap); err != nil {
			cache.Close()
			return err
		}
	}

	announced := make(chan struct{})
	if cfg.announce {
		a := newAnnouncer(sublog("announcer"), cache, self, cfg.interval)
		go func() {
			defer close(announced)
			a.run(ctx)
		}()
	} else {
		close(announced)
	}

	log.Info().Func(nw.Zerolog).Msg("Send a SIGINT to kill the program")
	<-ctx.Done()
	log.Info().Msg("signal captured. Cleaning up....")

	<-announced
	var errs []error
	if srv != nil {
		errs = append(errs, srv.Stop())
	}
	errs = append(errs, cache.Close())
	return errors.Join(errs...)
}

// networkOptions translates the flags into lan options.
func networkOptions(cfg config) ([]lan.Option, error) {
	group, err := netip.ParseAddr(cfg.group)
	if err != nil {
		return nil, fmt.Errorf("bad group: %w", err)
	}
	listen, err := netip.ParseAddr(cfg.listen)
	if err != nil {
		return nil, fmt.Errorf("bad listen address: %w", err)
	}
	opts := []lan.Option{lan.WithPort(cfg.port), lan.WithGroup(group), lan.WithListenAddr(listen)}
	if cfg.iface != "" {
		iface, err := net.InterfaceByName(cfg.iface)
		if err != nil {
			return nil, err
		}
		opts = append(opts, lan.WithInterface(iface))
	}
	return opts, nil
}

// localID derives this node's peer id from the host and the process.
// Ids are stable for the life of the process only.
func localID(cfg config) (frame.PeerID, error) {
	host, err := os.Hostname()
	if err != nil {
		return frame.PeerID{}, err
	}
	return frame.PeerIDFromKey(fmt.Appendf(nil, "%s/%s:%d/%d", host, cfg.listen, cfg.port, os.Getpid())), nil
}

//go:build linux

/*
Package lan implements physical.Network over IPv4 multicast (discovery) and TCP (peer connections).

All sockets are non-blocking and multiplexed on a reactor.
Deliveries to the upper layer run on their own goroutines; until a delivery returns, the socket it came from is not read again.
*/
package lan

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rflandau/Scan/pkg/physical"
	"github.com/rflandau/Scan/pkg/reactor"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// maxDatagram is the largest UDP payload we can receive.
const maxDatagram = 1<<16 - 1

// outgoing is a queued write and the channel its outcome is reported on.
type outgoing struct {
	buf  []byte
	done chan error // buffered (1)
}

func newOutgoing(b []byte) outgoing {
	return outgoing{buf: bytes.Clone(b), done: make(chan error, 1)}
}

// A Network is a running LAN stack. Create one with Start.
type Network struct {
	log      *zerolog.Logger
	listener physical.Listener

	port       uint16
	group      netip.Addr
	iface      *net.Interface
	listenAddr netip.Addr

	reg        prometheus.Registerer
	metrics    *metrics
	r          *reactor.Reactor
	ownReactor bool

	mcast    *multicastSocket
	acceptor *acceptor

	mu        sync.Mutex
	conns     map[*conn]struct{}
	closed    bool
	closeOnce sync.Once
	closeErr  error

	handlers sync.WaitGroup // outstanding handler closes
}

var _ physical.Network = (*Network)(nil)

// Start opens the multicast and listening sockets and begins serving them.
// listener is informed of every datagram and inbound connection.
func Start(listener physical.Listener, opts ...Option) (*Network, error) {
	if listener == nil {
		return nil, physical.ErrNilListener
	}
	n := &Network{
		listener:   listener,
		port:       physical.DefaultPort,
		group:      physical.DefaultGroup,
		listenAddr: netip.IPv4Unspecified(),
		conns:      make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}).With().
			Str("sublogger", "lan").
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		n.log = &l
	}
	if !n.group.Is4() || !n.group.IsMulticast() {
		return nil, physical.ErrInvalidAddr
	} else if !n.listenAddr.Is4() {
		return nil, physical.ErrInvalidAddr
	}
	if n.iface == nil {
		n.iface = DefaultInterface()
	}
	if n.reg == nil {
		n.reg = prometheus.NewRegistry()
	}
	n.metrics = newMetrics(n.reg)

	if n.r == nil {
		r, err := reactor.New(reactor.WithLogger(n.log), reactor.WithRegisterer(n.reg))
		if err != nil {
			return nil, err
		}
		n.r, n.ownReactor = r, true
	}

	if err := n.open(); err != nil {
		if n.ownReactor {
			n.r.Close()
		}
		return nil, err
	}

	n.log.Info().Func(n.Zerolog).Msg("network started")
	return n, nil
}

// open creates both sockets and registers them with the reactor.
func (n *Network) open() error {
	mfd, err := openMulticast(n.port, n.iface)
	if err != nil {
		return err
	}
	n.mcast = &multicastSocket{n: n, fd: mfd, buf: make([]byte, maxDatagram)}
	if err := joinGroup(mfd, n.group, n.iface); err != nil {
		// unicast connections still work; discovery is deaf
		n.log.Warn().Err(err).Str("group", n.group.String()).Msg("failed to join multicast group")
	} else {
		n.mcast.joined = true
	}

	lfd, err := openListener(n.listenAddr, n.port)
	if err != nil {
		unix.Close(mfd)
		return err
	}
	n.acceptor = &acceptor{n: n, fd: lfd}

	err = n.r.Call(func() (err error) {
		if n.mcast.key, err = n.r.Register(mfd, n.mcast); err != nil {
			return err
		} else if err := n.mcast.key.Enable(reactor.Readable); err != nil {
			return err
		}
		if n.acceptor.key, err = n.r.Register(lfd, n.acceptor); err != nil {
			return err
		}
		return n.acceptor.key.Enable(reactor.Acceptable)
	})
	if err != nil {
		if n.mcast.key != nil {
			n.mcast.key.Cancel()
		}
		if n.acceptor.key != nil {
			n.acceptor.key.Cancel()
		}
		unix.Close(mfd)
		unix.Close(lfd)
		return err
	}
	return nil
}

//#region physical.Network

// SendMulticast sends payload to the group, blocking until it is on the wire or ctx is done.
// Datagrams are sent in the order SendMulticast was called.
// A payload abandoned due to ctx may still be sent.
func (n *Network) SendMulticast(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return physical.ErrEmptyDatagram
	} else if n.isClosed() {
		return physical.ErrClosed
	}
	o := newOutgoing(payload)
	if err := n.r.Call(func() error { return n.mcast.enqueue(o) }); err != nil {
		return closedOr(err)
	}
	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenConnection starts a connection to addr on the network's port, installing initiator as its local handler.
// Returns as soon as the connect is under way; sends issued before it completes are queued.
// If the connect fails, the connection (and initiator) is closed.
func (n *Network) OpenConnection(ctx context.Context, addr netip.Addr, initiator physical.Handler) (physical.Peer, error) {
	if initiator == nil {
		return nil, physical.ErrNilHandler
	}
	addr = addr.Unmap()
	if !addr.Is4() || addr.IsUnspecified() {
		return nil, physical.ErrInvalidAddr
	} else if err := ctx.Err(); err != nil {
		return nil, err
	} else if n.isClosed() {
		return nil, physical.ErrClosed
	}

	fd, pending, err := dial(n.listenAddr, addr, n.port)
	if err != nil {
		n.metrics.connectFailures.Inc()
		return nil, err
	}
	c := n.newConn(fd, netip.AddrPortFrom(addr, n.port), true)
	c.handler = initiator
	c.connecting = pending

	err = n.r.Call(func() error {
		if err := c.register(); err != nil {
			return err
		}
		if !n.track(c) {
			c.key.Cancel()
			return physical.ErrClosed
		}
		want := reactor.Readable
		if pending {
			want = reactor.Connectable
		}
		if err := c.key.Enable(want); err != nil {
			c.key.Cancel()
			n.untrack(c)
			return err
		}
		return nil
	})
	if err != nil {
		unix.Close(fd)
		return nil, closedOr(err)
	}
	n.metrics.opened.Inc()
	n.log.Debug().Str("remote", c.remote.String()).Bool("pending", pending).Msg("opened connection")
	return c, nil
}

// Close tears down every connection, then the reactor (if owned), then the multicast and listening sockets.
// Failures are logged and the first call returns them joined; subsequent calls return nil.
func (n *Network) Close() error {
	var first bool
	n.closeOnce.Do(func() {
		first = true
		n.mu.Lock()
		n.closed = true
		conns := make([]*conn, 0, len(n.conns))
		for c := range n.conns {
			conns = append(conns, c)
		}
		n.mu.Unlock()

		var errs error
		for _, c := range conns {
			errs = multierr.Append(errs, c.Close())
		}

		// fail anything still waiting to go out and stop serving our own sockets
		stop := func() error {
			n.mcast.failAll(physical.ErrClosed)
			n.mcast.key.Cancel()
			n.acceptor.key.Cancel()
			return nil
		}
		if err := n.r.Call(stop); err != nil {
			stop() // the loop is gone; nothing races us
		}
		if n.ownReactor {
			errs = multierr.Append(errs, n.r.Close())
		}
		errs = multierr.Append(errs, unix.Close(n.mcast.fd))
		errs = multierr.Append(errs, unix.Close(n.acceptor.fd))

		n.handlers.Wait()
		if errs != nil {
			n.log.Warn().Errs("errors", multierr.Errors(errs)).Msg("errors while closing network")
		}
		n.closeErr = errs
		n.log.Info().Msg("network closed")
	})
	if !first {
		return nil
	}
	return n.closeErr
}

//#endregion physical.Network

// isClosed reports whether Close has been called.
func (n *Network) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// track adds c to the live set. Returns false if the network is closing.
func (n *Network) track(c *conn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.conns[c] = struct{}{}
	n.metrics.live.Inc()
	return true
}

func (n *Network) untrack(c *conn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, found := n.conns[c]; found {
		delete(n.conns, c)
		n.metrics.live.Dec()
	}
}

// Connections returns the number of live connections.
func (n *Network) Connections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// LocalAddr returns the address the stream listener is bound to.
func (n *Network) LocalAddr() netip.AddrPort {
	return netip.AddrPortFrom(n.listenAddr, n.port)
}

// Registerer returns the registerer the network's metrics live on.
func (n *Network) Registerer() prometheus.Registerer {
	return n.reg
}

// closedOr maps reactor shutdown onto the network's closed error.
func closedOr(err error) error {
	if errors.Is(err, reactor.ErrClosed) {
		return physical.ErrClosed
	}
	return err
}

//#region snapshot

// Snapshot returns the network's current state.
func (n *Network) Snapshot() Snapshot {
	s := Snapshot{
		Group:               n.group.String(),
		Port:                n.port,
		ListenAddr:          n.listenAddr.String(),
		MulticastJoined:     n.mcast.joined,
		MulticastSent:       n.metrics.multicastSent.Load(),
		MulticastReceived:   n.metrics.multicastReceived.Load(),
		ConnectionsOpened:   n.metrics.opened.Load(),
		ConnectionsAccepted: n.metrics.accepted.Load(),
		Connections:         []ConnectionInfo{},
	}
	if n.iface != nil {
		s.Interface = n.iface.Name
	}
	n.mu.Lock()
	for c := range n.conns {
		s.Connections = append(s.Connections, ConnectionInfo{Remote: c.remote.String(), Outbound: c.outbound})
	}
	n.mu.Unlock()
	slices.SortFunc(s.Connections, func(a, b ConnectionInfo) int {
		return cmp.Compare(a.Remote, b.Remote)
	})
	return s
}

// Zerolog attaches the network's configuration to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (n *Network) Zerolog(ev *zerolog.Event) {
	ev.Str("group", n.group.String()).
		Uint16("port", n.port).
		Str("listen addr", n.listenAddr.String()).
		Bool("own reactor", n.ownReactor)
	if n.iface != nil {
		ev.Str("iface", n.iface.Name)
	}
}

//#endregion snapshot

//go:build linux

package lan

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/rflandau/Scan/pkg/physical"
	"github.com/rflandau/Scan/pkg/reactor"
	"golang.org/x/sys/unix"
)

// readBufSize is the most a single stream delivery carries.
const readBufSize = 16 << 10

// A conn is one TCP connection.
// Fields other than remote, fd and outbound are owned by the loop.
type conn struct {
	n        *Network
	remote   netip.AddrPort
	fd       int
	outbound bool

	key        *reactor.Key
	handler    physical.Handler // nil until the listener accepts an inbound connection
	connecting bool
	queue      []outgoing
	buf        []byte

	closed atomic.Bool
}

var _ physical.Peer = (*conn)(nil)

func (n *Network) newConn(fd int, remote netip.AddrPort, outbound bool) *conn {
	return &conn{n: n, remote: remote, fd: fd, outbound: outbound, buf: make([]byte, readBufSize)}
}

func (c *conn) register() (err error) {
	c.key, err = c.n.r.Register(c.fd, c)
	return err
}

//#region physical.Peer

// Send queues b and blocks until it has been fully written to the socket or ctx is done.
func (c *conn) Send(ctx context.Context, b []byte) error {
	if c.closed.Load() {
		return physical.ErrPeerClosed
	} else if len(b) == 0 {
		return nil
	}
	o := newOutgoing(b)
	err := c.n.r.Call(func() error {
		if c.closed.Load() {
			return physical.ErrPeerClosed
		}
		c.queue = append(c.queue, o)
		if c.connecting {
			return nil // flushed once connected
		}
		return c.key.Enable(reactor.Writable)
	})
	if err != nil {
		if errors.Is(err, reactor.ErrClosed) {
			return physical.ErrPeerClosed
		}
		return err
	}
	select {
	case err := <-o.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the connection down and closes its handler.
func (c *conn) Close() error {
	err := c.n.r.Call(func() error {
		c.shutdown(nil)
		return nil
	})
	if err != nil {
		// the loop is gone, so nothing else touches c
		c.shutdown(nil)
	}
	return nil
}

//#endregion physical.Peer

// shutdown closes the socket, fails queued writes, drops c from the live set and closes the handler (on its own goroutine).
// Must be called on the loop (or once the loop is dead). cause is nil for a local close.
func (c *conn) shutdown(cause error) {
	if c.closed.Swap(true) {
		return
	}
	if c.key != nil {
		c.key.Cancel()
	}
	if err := unix.Close(c.fd); err != nil {
		c.n.log.Warn().Err(err).Str("remote", c.remote.String()).Msg("failed to close socket")
	}
	for _, o := range c.queue {
		o.done <- physical.ErrPeerClosed
	}
	c.queue = nil
	c.n.untrack(c)
	c.n.metrics.closed.Inc()

	ev := c.n.log.Debug().Str("remote", c.remote.String()).Bool("outbound", c.outbound)
	if cause != nil {
		ev = ev.AnErr("cause", cause)
	}
	ev.Msg("connection closed")

	if h := c.handler; h != nil {
		c.n.handlers.Add(1)
		go func() {
			defer c.n.handlers.Done()
			if err := h.Close(); err != nil {
				c.n.log.Warn().Err(err).Str("remote", c.remote.String()).Msg("handler failed to close")
			}
		}()
	}
}

//#region reactor.Handler

func (c *conn) HandleConnectable(k *reactor.Key) error {
	if err := connectError(c.fd); err != nil {
		c.n.metrics.connectFailures.Inc()
		c.n.log.Warn().Err(err).Str("remote", c.remote.String()).Msg("failed to connect")
		c.shutdown(err)
		return nil
	}
	c.connecting = false
	if err := k.Disable(reactor.Connectable); err != nil {
		return err
	}
	want := reactor.Readable
	if len(c.queue) > 0 {
		want |= reactor.Writable
	}
	c.n.log.Debug().Str("remote", c.remote.String()).Msg("connected")
	return k.Enable(want)
}

func (c *conn) HandleAcceptable(*reactor.Key) error { return nil }

// HandleReadable reads one chunk and hands it to the handler, pausing reads until the handler returns.
func (c *conn) HandleReadable(k *reactor.Key) error {
	n, err := unix.Read(c.fd, c.buf)
	if err != nil {
		if wouldBlock(err) {
			return nil
		}
		c.shutdown(err)
		return nil
	} else if n == 0 { // orderly shutdown by the remote
		c.shutdown(nil)
		return nil
	}
	c.n.metrics.bytesReceived.Add(float64(n))
	if err := k.Disable(reactor.Readable); err != nil {
		return err
	}

	h, chunk := c.handler, c.buf[:n]
	go func() {
		err := h.Receive(chunk)
		if err != nil {
			c.n.metrics.listenerErrors.Inc()
			c.n.log.Warn().Err(err).Str("remote", c.remote.String()).Msg("handler refused data; closing connection")
		}
		c.n.r.Submit(func() {
			if c.closed.Load() {
				return
			} else if err != nil {
				c.shutdown(err)
				return
			}
			if err := k.Enable(reactor.Readable); err != nil {
				c.shutdown(err)
			}
		})
	}()
	return nil
}

// HandleWritable drains as much of the queue as the socket takes.
func (c *conn) HandleWritable(k *reactor.Key) error {
	for len(c.queue) > 0 {
		o := &c.queue[0]
		n, err := unix.Write(c.fd, o.buf)
		if err != nil {
			if wouldBlock(err) {
				return nil
			}
			c.shutdown(err)
			return nil
		}
		c.n.metrics.bytesSent.Add(float64(n))
		o.buf = o.buf[n:]
		if len(o.buf) > 0 {
			return nil // partial write; wait for the next event
		}
		o.done <- nil
		c.queue = c.queue[1:]
	}
	return k.Disable(reactor.Writable)
}

//#endregion reactor.Handler

// An acceptor serves the listening socket.
type acceptor struct {
	n   *Network
	fd  int
	key *reactor.Key
}

func (a *acceptor) HandleConnectable(*reactor.Key) error { return nil }
func (a *acceptor) HandleReadable(*reactor.Key) error    { return nil }
func (a *acceptor) HandleWritable(*reactor.Key) error    { return nil }

// HandleAcceptable accepts one connection, registers and tracks it, then asks the listener for a handler off the loop.
// Reads are not enabled until the listener returns; until then inbound bytes wait in the kernel.
func (a *acceptor) HandleAcceptable(*reactor.Key) error {
	n := a.n
	fd, sa, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if wouldBlock(err) || errors.Is(err, unix.ECONNABORTED) {
			return nil
		}
		return fmt.Errorf("accept: %w", err)
	}
	c := n.newConn(fd, addrPort(sa), false)
	if err := c.register(); err != nil {
		unix.Close(fd)
		return err
	}
	if !n.track(c) {
		c.key.Cancel()
		unix.Close(fd)
		return nil
	}
	n.metrics.accepted.Inc()
	n.log.Debug().Str("remote", c.remote.String()).Msg("accepted connection")

	go func() {
		h, err := n.listener.ReceiveConnection(c.remote.Addr(), c)
		if err == nil && h == nil {
			err = physical.ErrNilHandler
		}
		if err != nil {
			n.metrics.listenerErrors.Inc()
			n.log.Warn().Err(err).Str("remote", c.remote.String()).Msg("listener refused connection")
		}
		submitErr := n.r.Submit(func() {
			if c.closed.Load() {
				if h != nil {
					go h.Close()
				}
				return
			} else if err != nil {
				c.shutdown(err)
				return
			}
			c.handler = h
			if err := c.key.Enable(reactor.Readable); err != nil {
				c.shutdown(err)
			}
		})
		if submitErr != nil && h != nil {
			h.Close()
		}
	}()
	return nil
}

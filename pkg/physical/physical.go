/*
Package physical defines the capabilities exchanged between the network stack and whatever layer sits on top of it.

The stack consumes a Listener (supplied by the upper layer) and exposes a Network.
Byte streams flow through two halves of every connection: a Peer, used to send bytes to the remote end, and a Handler, to which bytes from the remote end are delivered.

Every call that "completes" does so by returning.
The stack never delivers a second datagram (or a second chunk of a stream) to a Listener or Handler until the previous delivery has returned; this is how the upper layer applies backpressure.
*/
package physical

import (
	"context"
	"errors"
	"net/netip"
)

// DefaultPort is the UDP port of the discovery group and the TCP port peers listen on.
const DefaultPort uint16 = 11372

// DefaultGroup is the multicast group all participants announce to.
var DefaultGroup = netip.MustParseAddr("239.255.255.244")

var (
	ErrClosed        = errors.New("network is closed")
	ErrPeerClosed    = errors.New("connection is closed")
	ErrNotConnected  = errors.New("peer is not connected")
	ErrNilListener   = errors.New("listener must not be nil")
	ErrNilHandler    = errors.New("handler must not be nil")
	ErrInvalidAddr   = errors.New("address must be a valid IPv4 address")
	ErrEmptyDatagram = errors.New("datagram must not be empty")
)

// A Handler receives the bytes arriving on one side of a connection.
type Handler interface {
	// Receive is handed the next chunk of the stream.
	// b is only valid until Receive returns; no further chunk is delivered before then.
	// Returning an error tears down the connection.
	Receive(b []byte) error
	// Close is called once when the connection is torn down, from either end.
	Close() error
}

// A Peer is a handle to the remote end of a connection.
type Peer interface {
	// Send queues b on the connection and blocks until it is fully written or ctx is done.
	Send(ctx context.Context, b []byte) error
	// Close tears down the connection, closing the local Handler as well.
	Close() error
}

// A Listener is informed of traffic that the local node did not initiate.
type Listener interface {
	// ReceiveMulticast is handed a single datagram from the discovery group.
	// payload is only valid until ReceiveMulticast returns.
	ReceiveMulticast(sender netip.Addr, payload []byte) error
	// ReceiveConnection is called when a remote node opens a connection to us.
	// responder can be used to send immediately; inbound bytes are buffered by the kernel until
	// the returned Handler is installed.
	// Returning an error refuses the connection.
	ReceiveConnection(remote netip.Addr, responder Peer) (Handler, error)
}

// A Network is the physical network stack as seen by the upper layer.
type Network interface {
	// SendMulticast sends payload to the discovery group, blocking until it is on the wire.
	SendMulticast(ctx context.Context, payload []byte) error
	// OpenConnection opens a stream connection to addr, installing initiator as the local Handler.
	OpenConnection(ctx context.Context, addr netip.Addr, initiator Handler) (Peer, error)
	// Close releases every resource held by the network. Idempotent.
	Close() error
}

// HandlerFuncs adapts a pair of functions into a Handler.
// Nil functions are no-ops.
type HandlerFuncs struct {
	OnReceive func(b []byte) error
	OnClose   func() error
}

func (h HandlerFuncs) Receive(b []byte) error {
	if h.OnReceive == nil {
		return nil
	}
	return h.OnReceive(b)
}

func (h HandlerFuncs) Close() error {
	if h.OnClose == nil {
		return nil
	}
	return h.OnClose()
}

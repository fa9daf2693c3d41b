package physical_test

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"

	. "github.com/rflandau/Scan/internal/testsupport"
	"github.com/rflandau/Scan/pkg/physical"
)

// fakeNetwork records delegated calls and hands out fakePeers.
type fakeNetwork struct {
	listener physical.Listener

	mu       sync.Mutex
	opens    map[netip.Addr]int
	handlers map[netip.Addr]physical.Handler
	fail     error
	sent     [][]byte
	closed   bool
}

func (f *fakeNetwork) SendMulticast(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeNetwork) OpenConnection(_ context.Context, addr netip.Addr, initiator physical.Handler) (physical.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens[addr]++
	if f.fail != nil {
		return nil, f.fail
	}
	f.handlers[addr] = initiator
	return &fakePeer{addr: addr}, nil
}

func (f *fakeNetwork) Close() error {
	f.closed = true
	return nil
}

func (f *fakeNetwork) openCount(addr netip.Addr) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[addr]
}

type fakePeer struct {
	addr   netip.Addr
	closed bool
}

func (p *fakePeer) Send(context.Context, []byte) error { return nil }
func (p *fakePeer) Close() error                       { p.closed = true; return nil }

// upperListener is the layer above the cache.
type upperListener struct {
	datagrams int
	peers     []physical.Peer
}

func (l *upperListener) ReceiveMulticast(netip.Addr, []byte) error {
	l.datagrams++
	return nil
}

func (l *upperListener) ReceiveConnection(_ netip.Addr, responder physical.Peer) (physical.Handler, error) {
	l.peers = append(l.peers, responder)
	return physical.HandlerFuncs{}, nil
}

func newCache(t *testing.T) (*physical.Cache, *fakeNetwork, *upperListener) {
	t.Helper()
	f := &fakeNetwork{opens: make(map[netip.Addr]int), handlers: make(map[netip.Addr]physical.Handler)}
	up := &upperListener{}
	c, err := physical.NewCache(up, func(l physical.Listener) (physical.Network, error) {
		f.listener = l
		return f, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return c, f, up
}

var (
	addr1 = netip.MustParseAddr("192.168.1.10")
	addr2 = netip.MustParseAddr("192.168.1.11")
)

func TestCache_OpenConnection(t *testing.T) {
	t.Run("second open reuses the peer", func(t *testing.T) {
		c, f, _ := newCache(t)
		p1, err := c.OpenConnection(t.Context(), addr1, physical.HandlerFuncs{})
		if err != nil {
			t.Fatal(err)
		}
		p2, err := c.OpenConnection(t.Context(), addr1, physical.HandlerFuncs{})
		if err != nil {
			t.Fatal(err)
		}
		if p1 != p2 {
			t.Fatal("expected the cached peer")
		}
		if n := f.openCount(addr1); n != 1 {
			t.Fatal(ExpectedActual(1, n))
		}
	})

	t.Run("different addresses both delegate", func(t *testing.T) {
		c, f, _ := newCache(t)
		c.OpenConnection(t.Context(), addr1, physical.HandlerFuncs{})
		c.OpenConnection(t.Context(), addr2, physical.HandlerFuncs{})
		if f.openCount(addr1) != 1 || f.openCount(addr2) != 1 {
			t.Fatal("each address should be opened once")
		}
		if c.Len() != 2 {
			t.Fatal(ExpectedActual(2, c.Len()))
		}
	})

	t.Run("open after inbound connection reuses it", func(t *testing.T) {
		c, f, up := newCache(t)
		responder := &fakePeer{addr: addr1}
		if _, err := f.listener.ReceiveConnection(addr1, responder); err != nil {
			t.Fatal(err)
		}
		p, err := c.OpenConnection(t.Context(), addr1, physical.HandlerFuncs{})
		if err != nil {
			t.Fatal(err)
		}
		if f.openCount(addr1) != 0 {
			t.Fatal("inbound connection should have been reused")
		}
		if len(up.peers) != 1 || up.peers[0] != p {
			t.Fatal("upper layer and opener should share the responder")
		}
	})

	t.Run("duplicate inbound connection replaces the entry", func(t *testing.T) {
		c, f, _ := newCache(t)
		f.listener.ReceiveConnection(addr1, &fakePeer{addr: addr1})
		second := &fakePeer{addr: addr1}
		f.listener.ReceiveConnection(addr1, second)
		p, _ := c.OpenConnection(t.Context(), addr1, physical.HandlerFuncs{})
		p.Close()
		if !second.closed {
			t.Fatal("the newest connection should be cached")
		}
	})

	t.Run("failures are not memoized", func(t *testing.T) {
		c, f, _ := newCache(t)
		boom := errors.New("unreachable")
		f.fail = boom
		if _, err := c.OpenConnection(t.Context(), addr1, physical.HandlerFuncs{}); !errors.Is(err, boom) {
			t.Fatal(ExpectedActual(boom, err))
		}
		f.fail = nil
		if _, err := c.OpenConnection(t.Context(), addr1, physical.HandlerFuncs{}); err != nil {
			t.Fatal(err)
		}
		if n := f.openCount(addr1); n != 2 {
			t.Fatal(ExpectedActual(2, n))
		}
	})

	t.Run("closing the peer evicts", func(t *testing.T) {
		c, f, _ := newCache(t)
		p, _ := c.OpenConnection(t.Context(), addr1, physical.HandlerFuncs{})
		if err := p.Close(); err != nil {
			t.Fatal(err)
		}
		c.OpenConnection(t.Context(), addr1, physical.HandlerFuncs{})
		if n := f.openCount(addr1); n != 2 {
			t.Fatal(ExpectedActual(2, n))
		}
	})

	t.Run("closing the handler evicts", func(t *testing.T) {
		c, f, _ := newCache(t)
		closed := false
		c.OpenConnection(t.Context(), addr1, physical.HandlerFuncs{OnClose: func() error { closed = true; return nil }})
		// the network tears the connection down from its side
		f.handlers[addr1].Close()
		if !closed {
			t.Fatal("initiator was not closed")
		}
		if c.Len() != 0 {
			t.Fatal(ExpectedActual(0, c.Len()))
		}
	})

	t.Run("nil handler", func(t *testing.T) {
		c, _, _ := newCache(t)
		if _, err := c.OpenConnection(t.Context(), addr1, nil); !errors.Is(err, physical.ErrNilHandler) {
			t.Fatal(ExpectedActual(physical.ErrNilHandler, err))
		}
	})
}

func TestCache_Passthrough(t *testing.T) {
	c, f, up := newCache(t)
	if err := c.SendMulticast(t.Context(), []byte("hi")); err != nil {
		t.Fatal(err)
	}
	if len(f.sent) != 1 {
		t.Fatal(ExpectedActual(1, len(f.sent)))
	}
	f.listener.ReceiveMulticast(addr1, []byte("hello"))
	if up.datagrams != 1 {
		t.Fatal(ExpectedActual(1, up.datagrams))
	}
	c.Close()
	if !f.closed {
		t.Fatal("wrapped network was not closed")
	}
	if _, err := physical.NewCache(nil, nil); !errors.Is(err, physical.ErrNilListener) {
		t.Fatal(ExpectedActual(physical.ErrNilListener, err))
	}
}

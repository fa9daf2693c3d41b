package physical

import (
	"context"
	"net/netip"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// A Cache is a Network that keeps at most one connection per remote address.
// Opening a connection to an address that already has one (opened by either side) returns the existing Peer without touching the wrapped network.
// Failed opens are forgotten, and an entry is evicted as soon as its Peer or Handler is closed.
type Cache struct {
	log      *zerolog.Logger
	listener Listener
	inner    Network

	mu      sync.Mutex
	entries map[netip.Addr]*entry
}

var _ Network = (*Cache)(nil)

// entry is a (possibly in-flight) connection to one address.
type entry struct {
	ready chan struct{} // closed once peer/err are set
	peer  Peer
	err   error
}

// CacheOption function to set various options on the cache.
type CacheOption func(*Cache)

// WithLogger replaces the cache's default logger with the given logger.
func WithLogger(l *zerolog.Logger) CacheOption {
	return func(c *Cache) { c.log = l }
}

// NewCache wraps the network produced by start.
// start is handed the listener the wrapped network must report to; listener receives everything that listener does.
func NewCache(listener Listener, start func(Listener) (Network, error), opts ...CacheOption) (*Cache, error) {
	if listener == nil {
		return nil, ErrNilListener
	}
	c := &Cache{listener: listener, entries: make(map[netip.Addr]*entry)}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}).With().
			Str("sublogger", "cache").
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		c.log = &l
	}
	inner, err := start(cacheListener{c})
	if err != nil {
		return nil, err
	}
	c.inner = inner
	return c, nil
}

// SendMulticast is passed through to the wrapped network.
func (c *Cache) SendMulticast(ctx context.Context, payload []byte) error {
	return c.inner.SendMulticast(ctx, payload)
}

// OpenConnection returns the cached peer for addr if there is one (waiting for it if it is still being opened).
// Otherwise, it opens a connection on the wrapped network with initiator as the handler.
// initiator is ignored when an existing connection is returned.
func (c *Cache) OpenConnection(ctx context.Context, addr netip.Addr, initiator Handler) (Peer, error) {
	if initiator == nil {
		return nil, ErrNilHandler
	}
	c.mu.Lock()
	if e, found := c.entries[addr]; found {
		c.mu.Unlock()
		select {
		case <-e.ready:
			return e.peer, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e := &entry{ready: make(chan struct{})}
	c.entries[addr] = e
	c.mu.Unlock()

	p, err := c.inner.OpenConnection(ctx, addr, &cachedHandler{Handler: initiator, c: c, addr: addr, e: e})
	if err != nil {
		c.evict(addr, e)
		e.err = err
	} else {
		e.peer = &cachedPeer{Peer: p, c: c, addr: addr, e: e}
	}
	close(e.ready)
	return e.peer, e.err
}

// Close closes the wrapped network.
func (c *Cache) Close() error {
	return c.inner.Close()
}

// Len returns the number of cached connections (including those still being opened).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evict drops e, if it is still addr's entry.
func (c *Cache) evict(addr netip.Addr, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[addr] == e {
		delete(c.entries, addr)
	}
}

// cacheListener is the listener the wrapped network reports to.
type cacheListener struct {
	c *Cache
}

func (l cacheListener) ReceiveMulticast(sender netip.Addr, payload []byte) error {
	return l.c.listener.ReceiveMulticast(sender, payload)
}

// ReceiveConnection records the inbound connection as addr's entry.
// Two connections to the same address is a protocol violation; the newest one wins.
func (l cacheListener) ReceiveConnection(remote netip.Addr, responder Peer) (Handler, error) {
	c := l.c
	e := &entry{ready: make(chan struct{})}
	e.peer = &cachedPeer{Peer: responder, c: c, addr: remote, e: e}
	close(e.ready)

	h, err := c.listener.ReceiveConnection(remote, e.peer)
	if err != nil {
		return nil, err
	} else if h == nil {
		return nil, ErrNilHandler
	}

	c.mu.Lock()
	if _, found := c.entries[remote]; found {
		c.log.Warn().Str("remote", remote.String()).Msg("protocol violation: second connection with the same peer; replacing the cached connection")
	}
	c.entries[remote] = e
	c.mu.Unlock()
	return &cachedHandler{Handler: h, c: c, addr: remote, e: e}, nil
}

// cachedPeer evicts its entry when closed.
type cachedPeer struct {
	Peer
	c    *Cache
	addr netip.Addr
	e    *entry
}

func (p *cachedPeer) Close() error {
	p.c.evict(p.addr, p.e)
	return p.Peer.Close()
}

// cachedHandler evicts its entry when the connection closes.
type cachedHandler struct {
	Handler
	c    *Cache
	addr netip.Addr
	e    *entry
}

func (h *cachedHandler) Close() error {
	h.c.evict(h.addr, h.e)
	return h.Handler.Close()
}

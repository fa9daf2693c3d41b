//go:build linux

package main

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rflandau/Scan/pkg/frame"
	"github.com/rflandau/Scan/pkg/ids"
	"github.com/rflandau/Scan/pkg/physical"
	"github.com/rflandau/Scan/pkg/varint"
	"github.com/rs/zerolog"
)

const greetTimeout = 5 * time.Second

// greetIDs is the message id range of a single connection.
var greetIDs = [2]varint.VarInt{varint.MustNew(0), varint.MustNew(63)}

// logListener logs announcements and greets each newly heard peer over a stream connection.
// Inbound connections are decoded and their frames logged.
type logListener struct {
	ctx  context.Context
	log  *zerolog.Logger
	self frame.PeerID
	net  atomic.Pointer[physical.Cache]

	mu    sync.Mutex
	seen  map[frame.PeerID]netip.Addr
	links map[physical.Peer]*link
}

// A link is the sending half of one connection.
// The cache hands the same peer to every greeting for an address, so they share its link.
type link struct {
	msgs *ids.MessageIDs

	mu     sync.Mutex // one frame at a time
	sender *frame.Sender
}

var _ physical.Listener = (*logListener)(nil)

func newLogListener(ctx context.Context, log *zerolog.Logger, self frame.PeerID) *logListener {
	return &logListener{
		ctx:   ctx,
		log:   log,
		self:  self,
		seen:  make(map[frame.PeerID]netip.Addr),
		links: make(map[physical.Peer]*link),
	}
}

// attach sets the network greetings are sent over.
// Announcements heard before attach are logged but not greeted.
func (l *logListener) attach(c *physical.Cache) {
	l.net.Store(c)
}

// linkFor returns peer's link, creating it on first use.
func (l *logListener) linkFor(peer physical.Peer) (*link, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lk, found := l.links[peer]; found {
		return lk, nil
	}
	msgs, err := ids.NewMessageIDs(greetIDs[0], greetIDs[1])
	if err != nil {
		return nil, err
	}
	lk := &link{msgs: msgs, sender: frame.NewSender(peer)}
	l.links[peer] = lk
	return lk, nil
}

// dropLink forgets peer's link once its connection is gone.
func (l *logListener) dropLink(peer physical.Peer) {
	l.mu.Lock()
	delete(l.links, peer)
	l.mu.Unlock()
}

func (l *logListener) ReceiveMulticast(sender netip.Addr, payload []byte) error {
	id, qid, err := decodeAnnouncement(payload)
	if err != nil {
		l.log.Debug().Err(err).Str("sender", sender.String()).Int("length", len(payload)).Msg("ignoring datagram")
		return nil
	} else if id == l.self {
		return nil
	}
	l.log.Info().Str("sender", sender.String()).Str("id", id.String()).Str("query", qid.String()).Msg("heard announcement")

	l.mu.Lock()
	prev, found := l.seen[id]
	l.seen[id] = sender
	l.mu.Unlock()
	if found && prev == sender {
		return nil
	}
	if c := l.net.Load(); c != nil {
		go l.greet(c, sender, id)
	}
	return nil
}

// greet opens (or reuses) a connection to addr and sends a hello frame addressed to target.
func (l *logListener) greet(c *physical.Cache, addr netip.Addr, target frame.PeerID) {
	ctx, cancel := context.WithTimeout(l.ctx, greetTimeout)
	defer cancel()

	fl := l.frameLogger(addr)
	peer, err := c.OpenConnection(ctx, addr, frame.NewDecoder(fl))
	if err != nil {
		l.forget(target, addr)
		l.log.Warn().Err(err).Str("remote", addr.String()).Msg("failed to connect")
		return
	}
	fl.bind(peer)
	lk, err := l.linkFor(peer)
	if err != nil {
		l.log.Error().Err(err).Msg("failed to set up connection state")
		return
	}

	mid, err := lk.msgs.Reserve(ctx)
	if err != nil {
		l.log.Warn().Err(err).Str("remote", addr.String()).Msg("no message id available for greeting")
		return
	}
	defer lk.msgs.Release(mid)

	lk.mu.Lock()
	err = lk.sender.SendFrame(ctx, typeHello, &l.self, &target, mid.Bytes())
	lk.mu.Unlock()
	if err != nil {
		// the sender closed the connection; the next greeting starts over
		l.dropLink(peer)
		l.forget(target, addr)
		l.log.Warn().Err(err).Str("remote", addr.String()).Msg("failed to greet")
		return
	}
	l.log.Debug().Str("remote", addr.String()).Str("message", mid.String()).Msg("greeted peer")
}

// forget drops target so its next announcement triggers another greeting.
func (l *logListener) forget(target frame.PeerID, addr netip.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.seen[target] == addr {
		delete(l.seen, target)
	}
}

func (l *logListener) ReceiveConnection(remote netip.Addr, responder physical.Peer) (physical.Handler, error) {
	l.log.Info().Str("remote", remote.String()).Msg("accepted connection")
	fl := l.frameLogger(remote)
	fl.bind(responder)
	return frame.NewDecoder(fl), nil
}

func (l *logListener) frameLogger(remote netip.Addr) *frameLogger {
	sl := l.log.With().Str("remote", remote.String()).Logger()
	return &frameLogger{l: l, log: &sl}
}

// frameLogger logs every frame arriving on one connection.
type frameLogger struct {
	l   *logListener
	log *zerolog.Logger

	mu   sync.Mutex
	peer physical.Peer // set once the connection's peer is known
}

// bind ties the connection's peer to this logger so its link is dropped when the connection closes.
func (f *frameLogger) bind(peer physical.Peer) {
	f.mu.Lock()
	f.peer = peer
	f.mu.Unlock()
}

func (f *frameLogger) BeginFrame(hdr frame.Header) (frame.Sink, error) {
	return &payloadLogger{log: f.log, hdr: hdr}, nil
}

func (f *frameLogger) Close() error {
	f.mu.Lock()
	peer := f.peer
	f.mu.Unlock()
	if peer != nil {
		f.l.dropLink(peer)
	}
	f.log.Info().Msg("connection closed")
	return nil
}

// payloadLogger collects a frame's payload and logs the whole frame once it is complete.
type payloadLogger struct {
	log  *zerolog.Logger
	hdr  frame.Header
	body []byte
}

func (p *payloadLogger) Write(b []byte) (int, error) {
	p.body = append(p.body, b...)
	return len(b), nil
}

func (p *payloadLogger) Close() error {
	ev := p.log.Info().Func(p.hdr.Zerolog)
	if p.hdr.Type == typeHello {
		if mid, _, err := varint.Decode(p.body); err == nil {
			ev.Str("message", mid.String())
		}
	}
	ev.Msg("received frame")
	return nil
}

//go:build linux

package lan

import (
	"github.com/rflandau/Scan/pkg/reactor"
	"golang.org/x/sys/unix"
)

// multicastSocket serves the discovery group.
// queue and buf are owned by the loop.
type multicastSocket struct {
	n      *Network
	fd     int
	key    *reactor.Key
	joined bool

	queue []outgoing
	buf   []byte
}

// enqueue appends o to the send queue. Must be called on the loop.
func (m *multicastSocket) enqueue(o outgoing) error {
	if err := m.key.Enable(reactor.Writable); err != nil {
		return err
	}
	m.queue = append(m.queue, o)
	return nil
}

// failAll reports err to every queued datagram.
func (m *multicastSocket) failAll(err error) {
	for _, o := range m.queue {
		o.done <- err
	}
	m.queue = nil
}

func (m *multicastSocket) HandleConnectable(*reactor.Key) error { return nil }
func (m *multicastSocket) HandleAcceptable(*reactor.Key) error  { return nil }

// HandleReadable receives a single datagram and hands it to the listener.
// Reads are paused until the listener returns, at which point the buffer is reused.
func (m *multicastSocket) HandleReadable(k *reactor.Key) error {
	n := m.n
	sz, from, err := unix.Recvfrom(m.fd, m.buf, 0)
	if err != nil {
		if wouldBlock(err) {
			return nil
		}
		return err
	}
	sender := addrPort(from).Addr()
	if sz == 0 || !sender.IsValid() {
		return nil
	}
	n.metrics.multicastReceived.Inc()
	if err := k.Disable(reactor.Readable); err != nil {
		return err
	}

	payload := m.buf[:sz]
	go func() {
		if err := n.listener.ReceiveMulticast(sender, payload); err != nil {
			n.metrics.listenerErrors.Inc()
			n.log.Warn().Err(err).Str("sender", sender.String()).Msg("listener failed to handle datagram")
		}
		n.r.Submit(func() {
			if err := k.Enable(reactor.Readable); err != nil && k.Live() {
				n.log.Error().Err(err).Msg("failed to resume multicast reads")
			}
		})
	}()
	return nil
}

// HandleWritable sends queued datagrams until the socket would block.
func (m *multicastSocket) HandleWritable(k *reactor.Key) error {
	n := m.n
	dst := &unix.SockaddrInet4{Port: int(n.port), Addr: n.group.As4()}
	for len(m.queue) > 0 {
		o := m.queue[0]
		if err := unix.Sendto(m.fd, o.buf, 0, dst); err != nil {
			if wouldBlock(err) {
				return nil
			}
			n.metrics.multicastDropped.Inc()
			o.done <- err
		} else {
			n.metrics.multicastSent.Inc()
			o.done <- nil
		}
		m.queue = m.queue[1:]
	}
	return k.Disable(reactor.Writable)
}


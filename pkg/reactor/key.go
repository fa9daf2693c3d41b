//go:build linux

package reactor

import (
	"strings"

	"golang.org/x/sys/unix"
)

// Interest is a set of readiness conditions a key wants to be told about.
type Interest uint8

const (
	Connectable Interest = 1 << iota
	Acceptable
	Readable
	Writable
)

// dispatch order of a single event
var order = [...]Interest{Connectable, Readable, Writable, Acceptable}

func (i Interest) String() string {
	if i == 0 {
		return "none"
	}
	var parts []string
	for _, op := range order {
		if i&op == 0 {
			continue
		}
		switch op {
		case Connectable:
			parts = append(parts, "connectable")
		case Readable:
			parts = append(parts, "readable")
		case Writable:
			parts = append(parts, "writable")
		case Acceptable:
			parts = append(parts, "acceptable")
		}
	}
	return strings.Join(parts, "|")
}

// epollEvents maps interest onto epoll flags.
func (i Interest) epollEvents() uint32 {
	var ev uint32
	if i&(Acceptable|Readable) != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if i&(Connectable|Writable) != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// readyFrom maps epoll flags onto readiness.
// Errors and hangups mark everything ready so the interested handler observes the failure on its next syscall.
func readyFrom(ev uint32) Interest {
	var i Interest
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		return Connectable | Acceptable | Readable | Writable
	}
	if ev&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		i |= Acceptable | Readable
	}
	if ev&unix.EPOLLOUT != 0 {
		i |= Connectable | Writable
	}
	return i
}

// A Handler is dispatched readiness events for a registered fd.
// Methods are invoked on the loop and must not block.
// A returned error is logged; it does not cancel the key.
type Handler interface {
	HandleConnectable(k *Key) error
	HandleAcceptable(k *Key) error
	HandleReadable(k *Key) error
	HandleWritable(k *Key) error
}

// A Key is the registration of a single fd with a reactor.
// Its state belongs to the loop: methods called from any other goroutine are run on the loop as jobs.
type Key struct {
	r  *Reactor
	fd int
	h  Handler

	interest Interest
	watched  bool // fd is in the epoll set
	canceled bool
}

// FD returns the registered file descriptor.
func (k *Key) FD() int { return k.fd }

// Interest returns the current interest set.
// A key whose reactor has stopped has no interest.
func (k *Key) Interest() Interest {
	var i Interest
	if err := k.r.Call(func() error { i = k.interest; return nil }); err != nil {
		return 0
	}
	return i
}

// Live reports whether the key is still registered.
func (k *Key) Live() bool {
	var live bool
	k.r.Call(func() error { live = !k.canceled; return nil })
	return live
}

// Enable adds ops to the interest set.
func (k *Key) Enable(ops Interest) error {
	return k.r.Call(func() error { return k.setInterest(k.interest | ops) })
}

// Disable removes ops from the interest set.
func (k *Key) Disable(ops Interest) error {
	return k.r.Call(func() error { return k.setInterest(k.interest &^ ops) })
}

// setInterest brings the epoll registration in line with want.
// An fd with no interest is removed from the epoll set entirely so a hung-up fd cannot spin the loop.
// Loop only.
func (k *Key) setInterest(want Interest) error {
	if k.canceled {
		return ErrClosed
	}
	if want == k.interest {
		return nil
	}
	var err error
	switch {
	case want == 0:
		err = unix.EpollCtl(k.r.epfd, unix.EPOLL_CTL_DEL, k.fd, nil)
		k.watched = false
	case !k.watched:
		err = unix.EpollCtl(k.r.epfd, unix.EPOLL_CTL_ADD, k.fd, &unix.EpollEvent{Events: want.epollEvents(), Fd: int32(k.fd)})
		k.watched = err == nil
	default:
		err = unix.EpollCtl(k.r.epfd, unix.EPOLL_CTL_MOD, k.fd, &unix.EpollEvent{Events: want.epollEvents(), Fd: int32(k.fd)})
	}
	if err != nil {
		return err
	}
	k.interest = want
	return nil
}

// Cancel deregisters the key. The fd is not closed.
// Idempotent. Once the reactor has stopped every key is already canceled, so Cancel is a no-op.
func (k *Key) Cancel() {
	k.r.Call(func() error {
		k.cancel()
		return nil
	})
}

// cancel drops the key from the epoll set and the key table. Loop only.
func (k *Key) cancel() {
	if k.canceled {
		return
	}
	k.canceled = true
	if k.watched {
		unix.EpollCtl(k.r.epfd, unix.EPOLL_CTL_DEL, k.fd, nil)
	}
	k.watched = false
	k.interest = 0
	if k.r.keys[int32(k.fd)] == k {
		delete(k.r.keys, int32(k.fd))
		k.r.nkeys.Add(-1)
		k.r.metrics.keys.Dec()
	}
}

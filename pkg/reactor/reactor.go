//go:build linux

/*
Package reactor multiplexes non-blocking sockets onto a single goroutine.

A Reactor owns an epoll instance and a loop goroutine (the "loop").
Sockets are registered with a Handler and are dispatched readiness events on the loop, in the order connectable, readable, writable, acceptable.
Other goroutines hand work to the loop with Submit (fire-and-forget) or Call (run and wait); work submitted from the loop itself runs inline.

Handlers must never block: anything slow is to be done on its own goroutine and funneled back with Submit.
*/
package reactor

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	// waitTimeoutMS bounds how long the loop sleeps without events or wakeups.
	waitTimeoutMS = 1000
	maxEvents     = 128
)

var (
	ErrClosed     = errors.New("reactor is closed")
	ErrNilHandler = errors.New("handler must not be nil")
)

// ErrRegistered returns an error to indicate the fd already has a live key.
func ErrRegistered(fd int) error {
	return fmt.Errorf("fd %d is already registered", fd)
}

// A Reactor is a single-goroutine readiness loop plus a job queue feeding it.
type Reactor struct {
	log     *zerolog.Logger
	reg     prometheus.Registerer
	metrics *metrics

	epfd int
	wake int // eventfd used to interrupt EpollWait

	// owned by the loop
	keys  map[int32]*Key
	nkeys atomic.Int64

	mu       sync.Mutex
	jobs     []job
	released bool // epfd and wake have been closed

	closing atomic.Bool
	loopID  atomic.Int64 // goroutine id of the loop
	err     error        // set by the loop before done is closed
	done    chan struct{}
}

// New creates a reactor and starts its loop.
func New(opts ...Option) (*Reactor, error) {
	r := &Reactor{
		keys: make(map[int32]*Key),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}).With().
			Str("sublogger", "reactor").
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		r.log = &l
	}
	if r.reg == nil {
		r.reg = prometheus.NewRegistry()
	}
	r.metrics = newMetrics(r.reg)

	var err error
	if r.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		return nil, fmt.Errorf("failed to create epoll instance: %w", err)
	}
	if r.wake, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		unix.Close(r.epfd)
		return nil, fmt.Errorf("failed to create eventfd: %w", err)
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, r.wake,
		&unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(r.wake)}); err != nil {
		unix.Close(r.wake)
		unix.Close(r.epfd)
		return nil, fmt.Errorf("failed to watch eventfd: %w", err)
	}

	go r.run()
	r.log.Debug().Func(r.Zerolog).Msg("reactor started")
	return r, nil
}

// Register starts tracking fd, dispatching its readiness events to h.
// The returned key has no interest; call Enable to start receiving events.
// fd must be non-blocking and must outlive the key (Cancel before closing fd).
func (r *Reactor) Register(fd int, h Handler) (*Key, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	var k *Key
	err := r.Call(func() error {
		if r.closing.Load() {
			return ErrClosed
		} else if _, found := r.keys[int32(fd)]; found {
			return ErrRegistered(fd)
		}
		k = &Key{r: r, fd: fd, h: h}
		r.keys[int32(fd)] = k
		r.nkeys.Add(1)
		r.metrics.keys.Inc()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return k, nil
}

// Done returns a channel that is closed once the loop has exited.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

// Err returns the failure that stopped the loop, if any.
// Only meaningful once Done is closed.
func (r *Reactor) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Close stops the loop and releases the epoll instance.
// Registered keys are dropped but their fds are left open; they belong to the registrant.
// Safe to call multiple times and from the loop itself, in which case the loop exits after the current iteration.
func (r *Reactor) Close() error {
	if r.closing.Swap(true) {
		<-r.waitUnlessLoop()
		return nil
	}
	r.log.Debug().Msg("closing reactor")
	r.wakeup()
	<-r.waitUnlessLoop()
	return nil
}

// waitUnlessLoop returns done, or a closed channel when called on the loop (which cannot wait on itself).
func (r *Reactor) waitUnlessLoop() <-chan struct{} {
	if r.OnLoop() {
		c := make(chan struct{})
		close(c)
		return c
	}
	return r.done
}

// Zerolog attaches the reactor's state to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (r *Reactor) Zerolog(ev *zerolog.Event) {
	ev.Int("epfd", r.epfd).Int64("keys", r.nkeys.Load())
	r.mu.Lock()
	ev.Int("queued jobs", len(r.jobs))
	r.mu.Unlock()
	ev.Bool("closing", r.closing.Load())
}

//#region loop

func (r *Reactor) run() {
	r.loopID.Store(goid.Get())
	defer close(r.done)

	events := make([]unix.EpollEvent, maxEvents)
	for !r.closing.Load() {
		n, err := unix.EpollWait(r.epfd, events, waitTimeoutMS)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			r.log.Error().Err(err).Msg("wait failed; stopping reactor")
			r.err = fmt.Errorf("epoll wait: %w", err)
			r.closing.Store(true)
			break
		}
		r.metrics.iterations.Inc()
		for i := range n {
			r.dispatch(events[i])
		}
		r.drain()
	}

	r.shutdown()
}

// dispatch invokes the handler methods for a single ready fd.
func (r *Reactor) dispatch(ev unix.EpollEvent) {
	if int(ev.Fd) == r.wake {
		var buf [8]byte
		unix.Read(r.wake, buf[:])
		return
	}
	k := r.keys[ev.Fd]
	if k == nil {
		return
	}

	ready := readyFrom(ev.Events)
	for _, op := range order {
		if ready&op == 0 || k.interest&op == 0 || k.canceled {
			continue
		}
		r.invoke(k, op)
	}
}

// invoke runs a single handler method, recovering and logging failures.
func (r *Reactor) invoke(k *Key, op Interest) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.handlerErrors.Inc()
			r.log.Error().Interface("panic", p).Int("fd", k.fd).Stringer("op", op).Msg("handler panicked")
		}
	}()
	var err error
	switch op {
	case Connectable:
		err = k.h.HandleConnectable(k)
	case Readable:
		err = k.h.HandleReadable(k)
	case Writable:
		err = k.h.HandleWritable(k)
	case Acceptable:
		err = k.h.HandleAcceptable(k)
	}
	if err != nil {
		r.metrics.handlerErrors.Inc()
		r.log.Warn().Err(err).Int("fd", k.fd).Stringer("op", op).Msg("handler failed")
	}
}

// shutdown fails outstanding jobs, drops every key and releases the reactor's own fds.
func (r *Reactor) shutdown() {
	for fd, k := range r.keys {
		k.canceled = true
		k.watched = false
		k.interest = 0
		delete(r.keys, fd)
	}
	r.nkeys.Store(0)

	r.mu.Lock()
	pending := r.jobs
	r.jobs = nil
	r.released = true
	err := unix.Close(r.wake)
	if cerr := unix.Close(r.epfd); err == nil {
		err = cerr
	}
	r.mu.Unlock()

	if err != nil {
		r.log.Warn().Err(err).Msg("failed to release reactor fds")
	}
	for _, j := range pending {
		j.fail(ErrClosed)
	}
	r.metrics.keys.Set(0)
	r.log.Debug().Msg("reactor stopped")
}

// wakeup interrupts a pending EpollWait.
func (r *Reactor) wakeup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	var one = [8]byte{1}
	if _, err := unix.Write(r.wake, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		r.log.Warn().Err(err).Msg("failed to wake reactor")
	}
}

//#endregion loop

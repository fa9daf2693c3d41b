//go:build linux

package reactor

import (
	"fmt"

	"github.com/petermattis/goid"
)

// job is a unit of work queued for the loop.
// done is nil for fire-and-forget jobs.
type job struct {
	fn   func() error
	done chan error
}

func (j job) fail(err error) {
	if j.done != nil {
		j.done <- err
	}
}

// run executes the job, converting a panic into an error.
func (j job) run() (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return j.fn()
}

// OnLoop reports whether the caller is running on the reactor's loop.
func (r *Reactor) OnLoop() bool {
	id := r.loopID.Load()
	return id != 0 && id == goid.Get()
}

// Submit schedules fn to run on the loop and returns immediately.
// When called from the loop, fn runs before Submit returns.
// Returns ErrClosed (and drops fn) if the reactor has stopped.
func (r *Reactor) Submit(fn func()) error {
	return r.enqueue(job{fn: func() error { fn(); return nil }})
}

// Call runs fn on the loop and waits for its result.
// When called from the loop, fn runs inline.
func (r *Reactor) Call(fn func() error) error {
	done := make(chan error, 1)
	if err := r.enqueue(job{fn: fn, done: done}); err != nil {
		return err
	}
	return <-done
}

func (r *Reactor) enqueue(j job) error {
	if r.OnLoop() {
		r.complete(j)
		return nil
	}
	r.mu.Lock()
	if r.released || r.closing.Load() {
		r.mu.Unlock()
		return ErrClosed
	}
	r.jobs = append(r.jobs, j)
	r.mu.Unlock()
	r.wakeup()
	return nil
}

// drain runs a snapshot of the queued jobs.
// Jobs queued while draining wait for the next iteration.
func (r *Reactor) drain() {
	r.mu.Lock()
	batch := r.jobs
	r.jobs = nil
	r.mu.Unlock()
	for _, j := range batch {
		r.complete(j)
	}
}

func (r *Reactor) complete(j job) {
	err := j.run()
	r.metrics.jobs.Inc()
	if j.done != nil {
		j.done <- err
	} else if err != nil {
		r.metrics.handlerErrors.Inc()
		r.log.Warn().Err(err).Msg("submitted job failed")
	}
}

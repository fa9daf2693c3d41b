// Package testsupport is an internal-only package that provides utilities for testing uniformity.
package testsupport

import (
	"fmt"
	"maps"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/rflandau/Scan/pkg/physical"
)

// ExpectedActual returns a newline-prefixed string comparing the expected result to the actual result.
// Should be used to add clarity to unit test error messages.
func ExpectedActual[T any](expected, actual T) string {
	return fmt.Sprintf("\n\tExpected: '%v'\n\tActual: '%v'", expected, actual)
}

// SlicesUnorderedEqual compares the elements of the given slices for equality and equal count without taking order of the elements into account.
func SlicesUnorderedEqual[T comparable](a []T, b []T) bool {
	am := make(map[T]uint)
	for _, k := range a {
		am[k] += 1
	}
	bm := make(map[T]uint)
	for _, k := range b {
		bm[k] += 1
	}
	return maps.Equal(am, bm)
}

var (
	usedPorts   = make(map[uint16]bool)
	usedPortsMu sync.Mutex
)

// RandomPort returns an unused port in the unprivileged range, outside of the default Scan port.
// Ports are unique within a test binary, not across the host.
func RandomPort() uint16 {
	usedPortsMu.Lock()
	defer usedPortsMu.Unlock()
	for {
		port := uint16(1024 + rand.N(1<<16-1024))
		if port == physical.DefaultPort {
			continue
		}
		if !usedPorts[port] {
			usedPorts[port] = true
			return port
		}
	}
}

// Eventually polls cond every few milliseconds until it returns true or timeout elapses.
// Returns the final result of cond.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// Receive waits up to timeout for a value on ch, calling Fatal if none arrives.
func Receive[T any](t *testing.T, ch <-chan T, timeout time.Duration) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(timeout):
		var zero T
		t.Fatalf("nothing received within %v", timeout)
		return zero
	}
}

// NotReceived returns true if nothing arrives on ch within wait.
func NotReceived[T any](ch <-chan T, wait time.Duration) bool {
	select {
	case <-ch:
		return false
	case <-time.After(wait):
		return true
	}
}

package ids_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/rflandau/Scan/internal/testsupport"
	"github.com/rflandau/Scan/pkg/ids"
	"github.com/rflandau/Scan/pkg/varint"
)

// newIDs returns an allocator over [10, 19].
func newIDs(t *testing.T) *ids.MessageIDs {
	t.Helper()
	m, err := ids.NewMessageIDs(varint.MustNew(10), varint.MustNew(19))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func reserve(t *testing.T, m *ids.MessageIDs) varint.VarInt {
	t.Helper()
	id, err := m.Reserve(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestMessageIDs_LowestFree(t *testing.T) {
	t.Run("first id is available on new ids", func(t *testing.T) {
		if id := reserve(t, newIDs(t)); id != varint.MustNew(10) {
			t.Fatal(ExpectedActual(varint.MustNew(10), id))
		}
	})
	t.Run("all ids in ascending order", func(t *testing.T) {
		m := newIDs(t)
		for i := range uint64(10) {
			if id := reserve(t, m); id != varint.MustNew(10+i) {
				t.Fatal(ExpectedActual(varint.MustNew(10+i), id))
			}
		}
		if m.Reserved() != m.Cap() {
			t.Fatal(ExpectedActual(m.Cap(), m.Reserved()))
		}
	})
	t.Run("released id is reused before higher ids", func(t *testing.T) {
		m := newIDs(t)
		for range 10 {
			reserve(t, m)
		}
		if err := m.Release(varint.MustNew(10)); err != nil {
			t.Fatal(err)
		}
		if id := reserve(t, m); id != varint.MustNew(10) {
			t.Fatal(ExpectedActual(varint.MustNew(10), id))
		}
	})
	t.Run("lowest of several released ids", func(t *testing.T) {
		m := newIDs(t)
		for range 5 {
			reserve(t, m)
		}
		for _, id := range []uint64{13, 11} {
			if err := m.Release(varint.MustNew(id)); err != nil {
				t.Fatal(err)
			}
		}
		if id := reserve(t, m); id != varint.MustNew(11) {
			t.Fatal(ExpectedActual(varint.MustNew(11), id))
		}
		if id := reserve(t, m); id != varint.MustNew(13) {
			t.Fatal(ExpectedActual(varint.MustNew(13), id))
		}
		if id := reserve(t, m); id != varint.MustNew(15) {
			t.Fatal(ExpectedActual(varint.MustNew(15), id))
		}
	})
	t.Run("range spanning several words stops at its end", func(t *testing.T) {
		m, err := ids.NewMessageIDs(varint.MustNew(0), varint.MustNew(69))
		if err != nil {
			t.Fatal(err)
		}
		for i := range uint64(70) {
			if id := reserve(t, m); id != varint.MustNew(i) {
				t.Fatal(ExpectedActual(varint.MustNew(i), id))
			}
		}
		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		if id, err := m.Reserve(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatal("reserved past the end of the range:", id)
		}
		if err := m.Release(varint.MustNew(65)); err != nil {
			t.Fatal(err)
		}
		if id := reserve(t, m); id != varint.MustNew(65) {
			t.Fatal(ExpectedActual(varint.MustNew(65), id))
		}
	})
}

func TestMessageIDs_Misuse(t *testing.T) {
	m := newIDs(t)
	if err := m.Release(varint.MustNew(12)); !errors.Is(err, ids.ErrNotReserved) {
		t.Error("releasing an unreserved id", ExpectedActual(ids.ErrNotReserved, err))
	}
	id := reserve(t, m)
	if err := m.Release(id); err != nil {
		t.Fatal(err)
	}
	if err := m.Release(id); !errors.Is(err, ids.ErrNotReserved) {
		t.Error("double release", ExpectedActual(ids.ErrNotReserved, err))
	}
	if err := m.Release(varint.MustNew(20)); err == nil {
		t.Error("expected an error releasing an id above the range")
	}
	if err := m.Release(varint.MustNew(9)); err == nil {
		t.Error("expected an error releasing an id below the range")
	}
	if _, err := ids.NewMessageIDs(varint.MustNew(5), varint.MustNew(4)); !errors.Is(err, ids.ErrBadRange) {
		t.Error(ExpectedActual(ids.ErrBadRange, err))
	}
	if _, err := ids.NewMessageIDs(varint.Zero, varint.MaxValue); err == nil {
		t.Error("expected an error for an untrackable range")
	}
}

func TestMessageIDs_Blocking(t *testing.T) {
	t.Run("overflow blocks until release", func(t *testing.T) {
		m := newIDs(t)
		for range 10 {
			reserve(t, m)
		}
		got := make(chan varint.VarInt, 1)
		go func() {
			id, err := m.Reserve(context.Background())
			if err != nil {
				t.Error(err)
			}
			got <- id
		}()
		if !NotReceived(got, 20*time.Millisecond) {
			t.Fatal("11th reservation completed without a release")
		}
		if err := m.Release(varint.MustNew(17)); err != nil {
			t.Fatal(err)
		}
		if id := Receive(t, got, time.Second); id != varint.MustNew(17) {
			t.Fatal(ExpectedActual(varint.MustNew(17), id))
		}
	})

	t.Run("context cancels the wait", func(t *testing.T) {
		m := newIDs(t)
		for range 10 {
			reserve(t, m)
		}
		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
		defer cancel()
		if _, err := m.Reserve(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatal(ExpectedActual(context.DeadlineExceeded, err))
		}
		if m.Reserved() != 10 {
			t.Fatal("a cancelled reservation must not hold an id", ExpectedActual(10, m.Reserved()))
		}
	})

	t.Run("heavy over-reservation is eventually resolved", func(t *testing.T) {
		m := newIDs(t)
		var (
			wg      sync.WaitGroup
			heldMu  sync.Mutex
			held    = make(map[varint.VarInt]bool)
			clashes int
		)
		for range 100 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, err := m.Reserve(t.Context())
				if err != nil {
					t.Error(err)
					return
				}
				heldMu.Lock()
				if held[id] {
					clashes++
				}
				held[id] = true
				heldMu.Unlock()

				time.Sleep(time.Millisecond)

				heldMu.Lock()
				delete(held, id)
				heldMu.Unlock()
				if err := m.Release(id); err != nil {
					t.Error(err)
				}
			}()
		}
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		Receive(t, done, 10*time.Second)
		if clashes != 0 {
			t.Fatalf("%d reservations shared an outstanding id", clashes)
		}
		if m.Reserved() != 0 {
			t.Fatal(ExpectedActual(0, m.Reserved()))
		}
	})
}

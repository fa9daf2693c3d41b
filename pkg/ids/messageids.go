// Package ids provides the bounded id generators that multiplex concurrent operations onto the wire's small id space.
//
// MessageIDs hands out per-connection message ids from a bitmask, always preferring the lowest free id.
// QueryIDs hands out discovery query ids from a counter that restarts after a window of inactivity or exhaustion.
package ids

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/rflandau/Scan/pkg/varint"
)

var (
	ErrNotReserved = errors.New("id is not reserved")
	ErrBadRange    = errors.New("start must be <= end")
)

// ErrOutOfRange returns an error indicating that id does not belong to [start, end].
func ErrOutOfRange(id, start, end varint.VarInt) error {
	return fmt.Errorf("id %v is outside of [%v, %v]", id, start, end)
}

// MaxTracked is the largest number of ids a single MessageIDs will track.
const MaxTracked = 1 << 20

// MessageIDs tracks reserved message ids in a bitmask over the inclusive range [start, end].
// Reserve always returns the lowest free id, keeping encoded ids (and thus messages) small.
//
// Ids are only unique within one MessageIDs; use one instance per connection.
type MessageIDs struct {
	start, end varint.VarInt
	size       uint

	mu   sync.Mutex
	bits *bitset.BitSet
	used int
	// closed and replaced on every release; waiters grab it under mu after a failed search
	released chan struct{}
}

// NewMessageIDs returns an allocator over [start, end].
func NewMessageIDs(start, end varint.VarInt) (*MessageIDs, error) {
	span, ok := end.Subtract(start)
	if !ok {
		return nil, ErrBadRange
	}
	size, ok := span.Int()
	if !ok || size >= MaxTracked {
		return nil, fmt.Errorf("range [%v, %v] is too large to track (max %d ids)", start, end, MaxTracked)
	}
	size++
	return &MessageIDs{
		start:    start,
		end:      end,
		size:     uint(size),
		bits:     bitset.New(uint(size)),
		released: make(chan struct{}),
	}, nil
}

// Reserve claims the lowest free id.
// If every id is reserved, Reserve blocks until a Release frees one (or ctx is done).
// Waiters are not ordered; each retries the lowest-free search when woken.
func (ids *MessageIDs) Reserve(ctx context.Context) (varint.VarInt, error) {
	for {
		ids.mu.Lock()
		if idx, found := ids.lowestClear(); found {
			ids.bits.Set(idx)
			ids.used++
			ids.mu.Unlock()
			// cannot fail: idx < size and start+size-1 == end
			id, _ := ids.start.Add(varint.MustNew(uint64(idx)))
			return id, nil
		}
		wake := ids.released
		ids.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return varint.Zero, ctx.Err()
		}
	}
}

// Release frees id and wakes every waiting Reserve.
// Releasing an id that is not currently reserved is a usage error.
func (ids *MessageIDs) Release(id varint.VarInt) error {
	if id.Cmp(ids.start) < 0 || id.Cmp(ids.end) > 0 {
		return ErrOutOfRange(id, ids.start, ids.end)
	}
	off, _ := id.Subtract(ids.start)
	idx := uint(off.Uint64())

	ids.mu.Lock()
	defer ids.mu.Unlock()
	if !ids.bits.Test(idx) {
		return fmt.Errorf("%w: %v", ErrNotReserved, id)
	}
	ids.bits.Clear(idx)
	ids.used--
	close(ids.released)
	ids.released = make(chan struct{})
	return nil
}

// Reserved returns the number of ids currently reserved.
func (ids *MessageIDs) Reserved() int {
	ids.mu.Lock()
	defer ids.mu.Unlock()
	return ids.used
}

// Cap returns the number of ids in the range.
func (ids *MessageIDs) Cap() int { return int(ids.size) }

// lowestClear returns the index of the lowest unset bit within size.
// Caller must hold mu.
func (ids *MessageIDs) lowestClear() (uint, bool) {
	idx, found := ids.bits.NextClear(0)
	if !found || idx >= ids.size {
		return 0, false
	}
	return idx, true
}

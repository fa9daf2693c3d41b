/*
Package varint implements the bounded, variable-length integer that Scan uses for every id that crosses the wire.

A VarInt is an immutable value in [0, Max]. Arithmetic never wraps; it reports failure at the bounds instead.
On the wire, a VarInt occupies between 1 and 8 bytes: the first seven bytes each carry 7 bits of value with the high bit marking continuation, the eighth byte (if reached) carries a full 8 bits and always terminates.
Small values are therefore cheap, which is why allocators prefer handing out the lowest free id.
*/
package varint

import (
	"errors"
	"math"
	"strconv"
)

const (
	// MaxLen is the longest encoding of a VarInt, in bytes.
	MaxLen = 8
	// Max is the largest value a VarInt can hold: 7 groups of 7 bits plus one final byte of 8 bits.
	Max uint64 = 1<<(7*7+8) - 1
)

var (
	// Zero is the VarInt 0.
	Zero = VarInt{}
	// MaxValue is the VarInt holding Max.
	MaxValue = VarInt{v: Max}
)

var (
	ErrTruncated    = errors.New("varint: input ended before the integer terminated")
	ErrTooLarge     = errors.New("varint: value exceeds " + strconv.FormatUint(Max, 10))
	ErrNonCanonical = errors.New("varint: encoding is longer than necessary")
)

// A VarInt is a bounded integer in [0, Max].
// The zero value is ready for use and equals Zero.
// VarInts are comparable with ==.
type VarInt struct {
	v uint64
}

// New returns n as a VarInt.
// ok is false if n exceeds Max.
func New(n uint64) (vi VarInt, ok bool) {
	if n > Max {
		return Zero, false
	}
	return VarInt{v: n}, true
}

// MustNew is New, but panics if n exceeds Max.
// Intended for constants and tests.
func MustNew(n uint64) VarInt {
	vi, ok := New(n)
	if !ok {
		panic(ErrTooLarge)
	}
	return vi
}

// Increase returns vi+1.
// ok is false if vi is already Max.
func (vi VarInt) Increase() (_ VarInt, ok bool) {
	if vi.v == Max {
		return Zero, false
	}
	return VarInt{v: vi.v + 1}, true
}

// Decrease returns vi-1.
// ok is false if vi is 0.
func (vi VarInt) Decrease() (_ VarInt, ok bool) {
	if vi.v == 0 {
		return Zero, false
	}
	return VarInt{v: vi.v - 1}, true
}

// Add returns vi+o.
// ok is false if the sum would exceed Max.
func (vi VarInt) Add(o VarInt) (_ VarInt, ok bool) {
	// both operands are <= Max < 2^63, so the sum cannot overflow uint64
	return New(vi.v + o.v)
}

// Subtract returns vi-o.
// ok is false if the difference would be negative.
func (vi VarInt) Subtract(o VarInt) (_ VarInt, ok bool) {
	if o.v > vi.v {
		return Zero, false
	}
	return VarInt{v: vi.v - o.v}, true
}

// Cmp returns -1, 0, or 1 if vi is less than, equal to, or greater than o.
func (vi VarInt) Cmp(o VarInt) int {
	switch {
	case vi.v < o.v:
		return -1
	case vi.v > o.v:
		return 1
	}
	return 0
}

// Uint64 returns the value of vi. Always succeeds as Max fits in a uint64.
func (vi VarInt) Uint64() uint64 { return vi.v }

// Int returns vi as a platform int.
// ok is false if vi does not fit into the host's int.
func (vi VarInt) Int() (_ int, ok bool) {
	if vi.v > math.MaxInt {
		return 0, false
	}
	return int(vi.v), true
}

// Int32 returns vi as an int32.
// ok is false if vi exceeds math.MaxInt32.
func (vi VarInt) Int32() (_ int32, ok bool) {
	if vi.v > math.MaxInt32 {
		return 0, false
	}
	return int32(vi.v), true
}

func (vi VarInt) String() string {
	return strconv.FormatUint(vi.v, 10)
}

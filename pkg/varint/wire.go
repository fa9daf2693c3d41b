package varint

import (
	"errors"
	"io"
)

// wire.go contains the (de)serialization of VarInts.

const (
	groupBits    = 7
	groupMask    = 0b01111111
	continuation = 0b10000000
)

// Len returns the number of bytes Append will produce for vi.
func (vi VarInt) Len() int {
	v := vi.v
	for n := 1; n < MaxLen; n++ {
		if v < 1<<(groupBits*n) {
			return n
		}
	}
	return MaxLen
}

// Append writes the wire form of vi onto dst and returns the extended slice.
func (vi VarInt) Append(dst []byte) []byte {
	v := vi.v
	for range MaxLen - 1 {
		if v&^groupMask == 0 {
			return append(dst, byte(v))
		}
		dst = append(dst, byte(v&groupMask)|continuation)
		v >>= groupBits
	}
	// eighth byte carries the remaining 8 bits, no continuation flag
	return append(dst, byte(v))
}

// Bytes returns the wire form of vi.
func (vi VarInt) Bytes() []byte {
	return vi.Append(make([]byte, 0, vi.Len()))
}

// Decode reads a VarInt from the front of b, returning it and the number of bytes consumed.
// Returns ErrTruncated if b ends before the integer does and ErrNonCanonical if it ends in a zero group.
func Decode(b []byte) (_ VarInt, n int, err error) {
	var v uint64
	for i := range MaxLen - 1 {
		if i >= len(b) {
			return Zero, 0, ErrTruncated
		}
		v |= uint64(b[i]&groupMask) << (groupBits * i)
		if b[i]&continuation == 0 {
			if i > 0 && b[i] == 0 {
				return Zero, 0, ErrNonCanonical
			}
			return VarInt{v: v}, i + 1, nil
		}
	}
	if len(b) < MaxLen {
		return Zero, 0, ErrTruncated
	} else if b[MaxLen-1] == 0 {
		return Zero, 0, ErrNonCanonical
	}
	v |= uint64(b[MaxLen-1]) << (groupBits * (MaxLen - 1))
	return VarInt{v: v}, MaxLen, nil
}

// Read consumes a single VarInt from rd.
// Returns io.EOF if rd was empty and ErrTruncated if rd ran dry partway through.
// As with Decode, a zero final group after the first byte is ErrNonCanonical.
func Read(rd io.ByteReader) (VarInt, error) {
	var v uint64
	for i := range MaxLen {
		b, err := rd.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && i > 0 {
				return Zero, ErrTruncated
			}
			return Zero, err
		}
		if i > 0 && b == 0 {
			return Zero, ErrNonCanonical
		}
		if i == MaxLen-1 {
			v |= uint64(b) << (groupBits * i)
			break
		}
		v |= uint64(b&groupMask) << (groupBits * i)
		if b&continuation == 0 {
			break
		}
	}
	return VarInt{v: v}, nil
}

package varint_test

import (
	"bytes"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"strconv"
	"testing"

	. "github.com/rflandau/Scan/internal/testsupport"
	"github.com/rflandau/Scan/pkg/varint"
)

func TestEquality(t *testing.T) {
	if varint.MustNew(0) != varint.Zero {
		t.Error("0 should equal Zero")
	}
	if varint.MustNew(123) != varint.MustNew(123) {
		t.Error("equal values should be equal")
	}
	if varint.MustNew(123) == varint.MustNew(124) {
		t.Error("different values should not be equal")
	}
	if _, ok := varint.New(varint.Max + 1); ok {
		t.Error("New should refuse values above Max")
	}
	if vi, ok := varint.New(varint.Max); !ok || vi != varint.MaxValue {
		t.Error("Max should be representable", ExpectedActual(varint.MaxValue, vi))
	}
}

func TestIncreaseDecrease(t *testing.T) {
	t.Run("bounds", func(t *testing.T) {
		if _, ok := varint.MaxValue.Increase(); ok {
			t.Error("increasing Max should produce no result")
		}
		if _, ok := varint.Zero.Decrease(); ok {
			t.Error("decreasing 0 should produce no result")
		}
		if vi, ok := varint.MustNew(123).Increase(); !ok || vi != varint.MustNew(124) {
			t.Error("bad increase", ExpectedActual(varint.MustNew(124), vi))
		}
		if vi, ok := varint.MustNew(123).Decrease(); !ok || vi != varint.MustNew(122) {
			t.Error("bad decrease", ExpectedActual(varint.MustNew(122), vi))
		}
	})

	t.Run("inverse", func(t *testing.T) {
		samples := []uint64{0, 1, 127, 128, 16383, 16384, math.MaxUint32, varint.Max - 1, varint.Max}
		for range 200 {
			samples = append(samples, rand.Uint64N(varint.Max+1))
		}
		for _, s := range samples {
			v := varint.MustNew(s)
			if s != varint.Max {
				up, _ := v.Increase()
				if back, ok := up.Decrease(); !ok || back != v {
					t.Errorf("decrease(increase(%v)) != %v", v, v)
				}
			}
			if s != 0 {
				down, _ := v.Decrease()
				if back, ok := down.Increase(); !ok || back != v {
					t.Errorf("increase(decrease(%v)) != %v", v, v)
				}
			}
		}
	})
}

func TestAddSubtract(t *testing.T) {
	tests := []struct {
		a, b       uint64
		sum        uint64
		sumOK      bool
		difference uint64
		diffOK     bool
	}{
		{0, 0, 0, true, 0, true},
		{123, 123, 246, true, 0, true},
		{123, 124, 247, true, 0, false},
		{varint.Max, 0, varint.Max, true, varint.Max, true},
		{varint.Max, 1, 0, false, varint.Max - 1, true},
		{varint.Max - 10, 10, varint.Max, true, varint.Max - 20, true},
		{varint.Max - 10, 11, 0, false, varint.Max - 21, true},
		{0, varint.Max, varint.Max, true, 0, false},
	}
	for i, tt := range tests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			a, b := varint.MustNew(tt.a), varint.MustNew(tt.b)
			sum, ok := a.Add(b)
			if ok != tt.sumOK {
				t.Fatal("add ok mismatch", ExpectedActual(tt.sumOK, ok))
			} else if ok && sum.Uint64() != tt.sum {
				t.Fatal("bad sum", ExpectedActual(tt.sum, sum.Uint64()))
			}
			diff, ok := a.Subtract(b)
			if ok != tt.diffOK {
				t.Fatal("subtract ok mismatch", ExpectedActual(tt.diffOK, ok))
			} else if ok && diff.Uint64() != tt.difference {
				t.Fatal("bad difference", ExpectedActual(tt.difference, diff.Uint64()))
			}
		})
	}
}

func TestConversions(t *testing.T) {
	if i, ok := varint.MustNew(123456).Int32(); !ok || i != 123456 {
		t.Error("small numbers should convert", ExpectedActual(int32(123456), i))
	}
	big, _ := varint.MustNew(math.MaxInt32).Increase()
	if _, ok := big.Int32(); ok {
		t.Error("MaxInt32+1 should not convert to int32")
	}
	if i, ok := big.Int(); !ok || i != math.MaxInt32+1 {
		t.Error("MaxInt32+1 should convert to a 64-bit int", ExpectedActual(math.MaxInt32+1, i))
	}
	if varint.MustNew(42).Cmp(varint.MustNew(43)) != -1 || varint.MustNew(43).Cmp(varint.MustNew(42)) != 1 || varint.Zero.Cmp(varint.Zero) != 0 {
		t.Error("bad comparison")
	}
}

func TestWire(t *testing.T) {
	t.Run("known encodings", func(t *testing.T) {
		tests := []struct {
			v    uint64
			want []byte
		}{
			{0, []byte{0x00}},
			{1, []byte{0x01}},
			{127, []byte{0x7F}},
			{128, []byte{0x80, 0x01}},
			{300, []byte{0xAC, 0x02}},
			{1<<49 - 1, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x7F}},
			{1 << 49, []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x01}},
			{varint.Max, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
		}
		for _, tt := range tests {
			vi := varint.MustNew(tt.v)
			got := vi.Bytes()
			if !bytes.Equal(got, tt.want) {
				t.Errorf("bad encoding of %d%s", tt.v, ExpectedActual(tt.want, got))
			}
			if vi.Len() != len(tt.want) {
				t.Errorf("bad length of %d%s", tt.v, ExpectedActual(len(tt.want), vi.Len()))
			}
			dec, n, err := varint.Decode(append(got, 0xAA)) // trailing garbage must be ignored
			if err != nil {
				t.Fatal(err)
			} else if n != len(tt.want) || dec != vi {
				t.Errorf("bad decode of %d: n=%d v=%v", tt.v, n, dec)
			}
			if rd, err := varint.Read(bytes.NewReader(got)); err != nil || rd != vi {
				t.Errorf("bad read of %d: %v (%v)", tt.v, rd, err)
			}
		}
	})

	t.Run("truncated", func(t *testing.T) {
		full := varint.MaxValue.Bytes()
		for i := range len(full) {
			if _, _, err := varint.Decode(full[:i]); !errors.Is(err, varint.ErrTruncated) {
				t.Errorf("prefix of %d bytes: %s", i, ExpectedActual(varint.ErrTruncated, err))
			}
		}
		if _, err := varint.Read(bytes.NewReader(nil)); !errors.Is(err, io.EOF) {
			t.Error(ExpectedActual(io.EOF, err))
		}
		if _, err := varint.Read(bytes.NewReader(full[:3])); !errors.Is(err, varint.ErrTruncated) {
			t.Error(ExpectedActual(varint.ErrTruncated, err))
		}
	})
	t.Run("padded encodings are rejected", func(t *testing.T) {
		for _, b := range [][]byte{
			{0x80, 0x00},
			{0x81, 0x80, 0x00},
			{0xFF, 0x00},
			{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x00},
		} {
			if v, _, err := varint.Decode(b); !errors.Is(err, varint.ErrNonCanonical) {
				t.Errorf("decoded % X as %v%s", b, v, ExpectedActual(varint.ErrNonCanonical, err))
			}
			if v, err := varint.Read(bytes.NewReader(b)); !errors.Is(err, varint.ErrNonCanonical) {
				t.Errorf("read % X as %v%s", b, v, ExpectedActual(varint.ErrNonCanonical, err))
			}
		}
	})
}

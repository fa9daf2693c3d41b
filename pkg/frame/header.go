/*
Package frame implements the Scan wire framing: atomically delimited, variable-length frames over a byte stream.

Every frame is a header followed by exactly Length payload bytes:

	byte 0      bits 0-5: frame type, bit 6: source id present, bit 7: target id present
	[32 bytes]  source peer id, iff bit 6
	[32 bytes]  target peer id, iff bit 7
	2 bytes     payload length, big-endian
	payload     exactly `length` bytes

Sender writes frames onto a physical.Peer; Decoder is a physical.Handler that reassembles frames from arbitrarily fragmented input.
Payloads (including handshake exchanges) are opaque to this package.
*/
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

const (
	// MaxType is the largest frame type representable in the 6 type bits.
	MaxType uint8 = 0b00111111
	// MinHeaderLen is the length of a header with neither peer id.
	MinHeaderLen = 1 + lengthLen
	// MaxHeaderLen is the length of a header carrying both peer ids.
	MaxHeaderLen = 1 + 2*PeerIDLen + lengthLen
	// MaxPayload is the largest payload a single frame can declare.
	MaxPayload = 1<<16 - 1

	sourceFlag byte = 0b01000000
	targetFlag byte = 0b10000000
	lengthLen       = 2
)

var (
	ErrInvalidType = fmt.Errorf("frame type must be representable with 6 bits (<= %d)", MaxType)
	ErrShortHeader = errors.New("input ended within the frame header")
)

// A Header describes a single frame.
// Source and Target are optional; nil means absent.
type Header struct {
	Type   uint8
	Source *PeerID
	Target *PeerID
	// Number of payload bytes following the header.
	Length uint16
}

// headerLen returns the full header length announced by the leading flags byte.
func headerLen(lead byte) int {
	n := MinHeaderLen
	if lead&sourceFlag != 0 {
		n += PeerIDLen
	}
	if lead&targetFlag != 0 {
		n += PeerIDLen
	}
	return n
}

// Len returns the serialized length of the header.
func (hdr *Header) Len() int {
	return headerLen(hdr.lead())
}

func (hdr *Header) lead() byte {
	b := hdr.Type & MaxType
	if hdr.Source != nil {
		b |= sourceFlag
	}
	if hdr.Target != nil {
		b |= targetFlag
	}
	return b
}

// Validate tests each field in header, returning a list of issues.
func (hdr *Header) Validate() (errors []error) {
	if hdr.Type > MaxType {
		errors = append(errors, ErrInvalidType)
	}
	return errors
}

// Serialize returns the header in network-byte-order.
// Performs a single allocation of hdr.Len() bytes.
func (hdr *Header) Serialize() ([]byte, error) {
	if hdr.Type > MaxType {
		return nil, ErrInvalidType
	}
	return hdr.AppendTo(make([]byte, 0, hdr.Len())), nil
}

// AppendTo writes the header onto dst without validating it.
// Bits of Type beyond the 6 type bits are dropped.
func (hdr *Header) AppendTo(dst []byte) []byte {
	dst = append(dst, hdr.lead())
	if hdr.Source != nil {
		dst = append(dst, hdr.Source[:]...)
	}
	if hdr.Target != nil {
		dst = append(dst, hdr.Target[:]...)
	}
	return binary.BigEndian.AppendUint16(dst, hdr.Length)
}

// Deserialize populates hdr's fields from the given reader, reading exactly one header.
// Clobbers existing data. Does not read the payload.
func (hdr *Header) Deserialize(rd io.Reader) error {
	var buf [MaxHeaderLen]byte
	if _, err := io.ReadFull(rd, buf[:1]); err != nil {
		return err
	}
	n := headerLen(buf[0])
	if _, err := io.ReadFull(rd, buf[1:n]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return ErrShortHeader
		}
		return err
	}
	hdr.parse(buf[:n])
	return nil
}

// parse decodes a complete header (as sized by headerLen(b[0])) from b.
func (hdr *Header) parse(b []byte) {
	lead := b[0]
	b = b[1:]
	*hdr = Header{Type: lead & MaxType}
	if lead&sourceFlag != 0 {
		var id PeerID
		copy(id[:], b[:PeerIDLen])
		hdr.Source = &id
		b = b[PeerIDLen:]
	}
	if lead&targetFlag != 0 {
		var id PeerID
		copy(id[:], b[:PeerIDLen])
		hdr.Target = &id
		b = b[PeerIDLen:]
	}
	hdr.Length = binary.BigEndian.Uint16(b[:lengthLen])
}

// Deserialize returns a header read from rd.
func Deserialize(rd io.Reader) (*Header, error) {
	hdr := &Header{}
	return hdr, hdr.Deserialize(rd)
}

// Zerolog attaches header's fields to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (hdr *Header) Zerolog(ev *zerolog.Event) {
	ev.Uint8("type", hdr.Type).Uint16("length", hdr.Length)
	if hdr.Source != nil {
		ev.Stringer("source", hdr.Source)
	}
	if hdr.Target != nil {
		ev.Stringer("target", hdr.Target)
	}
}

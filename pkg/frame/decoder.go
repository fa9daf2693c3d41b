package frame

import (
	"errors"
	"io"
	"sync"

	"go.uber.org/multierr"
)

var ErrDecoderClosed = errors.New("decoder is closed")

// A Sink consumes the payload of a single frame.
// Close is called once the final payload byte has been written.
type Sink interface {
	io.Writer
	Close() error
}

// A Receiver is informed of each frame as its header completes.
type Receiver interface {
	// BeginFrame is called with each complete header.
	// The returned Sink receives exactly hdr.Length bytes; a nil Sink discards the payload.
	// Returning an error tears down the connection.
	BeginFrame(hdr Header) (Sink, error)
	// Close is called when the underlying connection closes.
	Close() error
}

// A Decoder reassembles frames from a byte stream, regardless of how the stream is fragmented.
// It satisfies physical.Handler.
type Decoder struct {
	recv Receiver

	mu sync.Mutex // Close may race the final delivery

	hdrBuf [MaxHeaderLen]byte
	hdrN   int // header bytes buffered

	active    bool
	sink      Sink
	remaining int

	closed bool
}

// NewDecoder returns a Decoder delivering frames to recv.
func NewDecoder(recv Receiver) *Decoder {
	return &Decoder{recv: recv}
}

// Receive consumes the next chunk of the stream.
func (d *Decoder) Receive(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDecoderClosed
	}
	for len(b) > 0 {
		if !d.active {
			n, err := d.readHeader(b)
			if err != nil {
				return err
			}
			b = b[n:]
			continue
		}

		n := min(len(b), d.remaining)
		if d.sink != nil {
			if w, err := d.sink.Write(b[:n]); err != nil {
				return err
			} else if w != n {
				return io.ErrShortWrite
			}
		}
		d.remaining -= n
		b = b[n:]
		if d.remaining == 0 {
			if err := d.endFrame(); err != nil {
				return err
			}
		}
	}
	return nil
}

// readHeader buffers header bytes from b, returning the number consumed.
// Begins the frame once the header is complete.
func (d *Decoder) readHeader(b []byte) (int, error) {
	lead := b[0]
	if d.hdrN > 0 {
		lead = d.hdrBuf[0]
	}
	want := headerLen(lead)
	n := copy(d.hdrBuf[d.hdrN:want], b)
	d.hdrN += n
	if d.hdrN < want {
		return n, nil
	}

	var hdr Header
	hdr.parse(d.hdrBuf[:want])
	d.hdrN = 0

	sink, err := d.recv.BeginFrame(hdr)
	if err != nil {
		return n, err
	}
	d.active, d.sink, d.remaining = true, sink, int(hdr.Length)
	if d.remaining == 0 {
		return n, d.endFrame()
	}
	return n, nil
}

func (d *Decoder) endFrame() error {
	sink := d.sink
	d.active, d.sink, d.remaining = false, nil, 0
	if sink != nil {
		return sink.Close()
	}
	return nil
}

// Close closes any partially received frame's sink, then the receiver.
// Subsequent calls are no-ops.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	var err error
	if d.sink != nil {
		err = d.sink.Close()
		d.sink = nil
	}
	return multierr.Append(err, d.recv.Close())
}

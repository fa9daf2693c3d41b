package frame

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rflandau/Scan/pkg/physical"
)

var (
	ErrFrameActive   = errors.New("a frame is already active; frames must be sent atomically")
	ErrFrameOverflow = errors.New("write exceeds the frame's declared length")
	ErrFrameDone     = errors.New("frame is already complete")
	// ErrSenderBroken is returned by every Begin after a header or payload send failed.
	// Bytes of the failed send may have reached the wire, so the stream can no longer be framed.
	ErrSenderBroken = errors.New("an earlier send failed; connection was closed")
)

// A Sender writes frames onto a physical connection.
// At most one frame is active at a time: a frame's header is only written once the previous frame's payload has been fully sent.
type Sender struct {
	peer physical.Peer

	mu     sync.Mutex
	active *Frame
	broken bool
}

// NewSender returns a Sender writing onto peer.
func NewSender(peer physical.Peer) *Sender {
	return &Sender{peer: peer}
}

// Begin writes hdr and returns the frame accepting exactly hdr.Length payload bytes.
// Returns ErrFrameActive if the previous frame has not been completed; this is a usage error and should not be retried blindly.
func (s *Sender) Begin(ctx context.Context, hdr Header) (*Frame, error) {
	b, err := hdr.Serialize()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.broken {
		s.mu.Unlock()
		return nil, ErrSenderBroken
	} else if s.active != nil {
		s.mu.Unlock()
		return nil, ErrFrameActive
	}
	f := &Frame{s: s, hdr: hdr, remaining: int(hdr.Length)}
	if f.remaining > 0 {
		s.active = f
	}
	s.mu.Unlock()

	if err := s.peer.Send(ctx, b); err != nil {
		return nil, s.fail(fmt.Errorf("failed to send frame header: %w", err))
	}
	return f, nil
}

// SendFrame is a helper that sends a complete frame whose Length is len(payload).
func (s *Sender) SendFrame(ctx context.Context, typ uint8, source, target *PeerID, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("payload of %d bytes exceeds the maximum of %d", len(payload), MaxPayload)
	}
	f, err := s.Begin(ctx, Header{Type: typ, Source: source, Target: target, Length: uint16(len(payload))})
	if err != nil {
		return err
	}
	return f.Send(ctx, payload)
}

// Close closes the underlying peer.
func (s *Sender) Close() error {
	return s.peer.Close()
}

// finish clears f as the active frame (if it is).
func (s *Sender) finish(f *Frame) {
	s.mu.Lock()
	if s.active == f {
		s.active = nil
	}
	s.mu.Unlock()
}

// fail breaks the sender and tears the connection down.
// Returns cause.
func (s *Sender) fail(cause error) error {
	s.mu.Lock()
	s.broken = true
	s.active = nil
	s.mu.Unlock()
	s.peer.Close()
	return cause
}

func (s *Sender) isBroken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}

// A Frame is a length-bounded sink for a single frame's payload.
// It is complete exactly when Length bytes have been accepted.
type Frame struct {
	s   *Sender
	hdr Header

	mu        sync.Mutex
	remaining int
}

// Header returns the header this frame was started with.
func (f *Frame) Header() Header { return f.hdr }

// Send writes p as part of the frame's payload, blocking until it is on the wire.
// Returns ErrFrameOverflow (and writes nothing) if p does not fit in the remaining length.
// A failed send (including one abandoned through ctx) closes the connection; see ErrSenderBroken.
func (f *Frame) Send(ctx context.Context, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.s.isBroken() {
		return ErrSenderBroken
	} else if f.remaining == 0 && len(p) > 0 {
		return ErrFrameDone
	} else if len(p) > f.remaining {
		return fmt.Errorf("%w (%d bytes given, %d remaining)", ErrFrameOverflow, len(p), f.remaining)
	} else if len(p) == 0 {
		return nil
	}
	if err := f.s.peer.Send(ctx, p); err != nil {
		return f.s.fail(fmt.Errorf("failed to send frame payload: %w", err))
	}
	f.remaining -= len(p)
	if f.remaining == 0 {
		f.s.finish(f)
	}
	return nil
}

// Write implements io.Writer on top of Send.
// Writes are all-or-nothing.
func (f *Frame) Write(p []byte) (int, error) {
	if err := f.Send(context.Background(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Remaining returns the number of payload bytes still expected.
func (f *Frame) Remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remaining
}

// Done reports whether the full payload has been sent.
func (f *Frame) Done() bool {
	return f.Remaining() == 0
}

// Package wire implements the PostgreSQL v3 frontend/backend wire protocol
// codec (spec.md C1): length-prefixed message framing, decode/encode helpers
// for every frame the engine touches, and the handful of untagged startup
// frames (StartupMessage, SSLRequest, GSSENCRequest, CancelRequest).
//
// The codec never interprets a payload it doesn't need to route or rewrite;
// unknown tags pass through as opaque Frames.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameLength bounds a single frame's length field. Anything larger is a
// malformed-length fatal codec error per spec.md §4.1.
const MaxFrameLength = 512 * 1024 * 1024

// Frame is one wire message: a type tag (0 for the untagged startup frames)
// and the body that follows the 4-byte length. Body does not include the
// length field itself.
type Frame struct {
	Type byte
	Body []byte
}

// Tagged reports whether this frame carries a leading type byte on the wire.
func (f Frame) Tagged() bool { return f.Type != 0 }

// Len returns the wire length field value (body + 4), matching what a peer
// would see on the wire.
func (f Frame) Len() int { return len(f.Body) + 4 }

// ReadFrame reads one tagged frame: 1-byte tag, 4-byte big-endian length L,
// then L-4 bytes of body.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	tag := hdr[0]
	length := binary.BigEndian.Uint32(hdr[1:5])
	return readBody(r, tag, length)
}

// ReadUntypedFrame reads one of the startup-family frames: no tag, a 4-byte
// big-endian length L, then L-4 bytes of body. The caller inspects the first
// 4 bytes of the body (a magic code, or the protocol version) to tell
// StartupMessage apart from SSLRequest/GSSENCRequest/CancelRequest.
func ReadUntypedFrame(r io.Reader) (Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	return readBody(r, 0, length)
}

func readBody(r io.Reader, tag byte, length uint32) (Frame, error) {
	if length < 4 {
		return Frame{}, fmt.Errorf("wire: malformed frame length %d: %w", length, ErrMalformedLength)
	}
	if length > MaxFrameLength {
		return Frame{}, fmt.Errorf("wire: frame length %d exceeds maximum %d: %w", length, MaxFrameLength, ErrMalformedLength)
	}
	body := make([]byte, length-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	return Frame{Type: tag, Body: body}, nil
}

// WriteFrame writes f to w, computing the length field itself. Writing a
// Frame with Type==0 omits the tag byte (startup-style frame).
func WriteFrame(w io.Writer, f Frame) error {
	buf := make([]byte, 0, 5+len(f.Body))
	if f.Tagged() {
		buf = append(buf, f.Type)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f.Body)+4))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, f.Body...)
	_, err := w.Write(buf)
	return err
}

// ErrMalformedLength is returned (wrapped) when a frame's length field is out
// of the [4, MaxFrameLength] range. It is always fatal to the connection that
// produced it.
var ErrMalformedLength = malformedLengthError{}

type malformedLengthError struct{}

func (malformedLengthError) Error() string { return "malformed frame length" }

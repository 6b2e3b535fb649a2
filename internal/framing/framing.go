// Package framing implements the length-prefixed video frame wire format:
//
//	repeat:
//	  uint32 big-endian   frame_length   (1..MaxFrameSize)
//	  byte[frame_length]  encoded image bytes
//
// There is no resynchronization marker. Once a header is rejected or a read
// comes up short, the stream position is unknown and the connection should
// be abandoned.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the width of the length prefix in bytes.
	HeaderSize = 4
	// MaxFrameSize is the largest payload a peer may announce.
	MaxFrameSize = 10_000_000
)

var (
	// ErrShortHeader means the stream ended or failed inside a length prefix.
	ErrShortHeader = errors.New("framing: short read on frame header")
	// ErrShortPayload means the stream ended or failed inside a payload.
	ErrShortPayload = errors.New("framing: short read on frame payload")
	// ErrInvalidLength matches any *LengthError.
	ErrInvalidLength = errors.New("framing: invalid frame length")
)

// LengthError reports a header announcing an empty or oversized payload.
type LengthError struct {
	Length uint32
	Max    uint32
}

func (e *LengthError) Error() string {
	if e.Length == 0 {
		return "framing: zero-length frame"
	}
	return fmt.Sprintf("framing: frame length %d exceeds limit %d", e.Length, e.Max)
}

// Is lets errors.Is(err, ErrInvalidLength) match.
func (e *LengthError) Is(target error) bool {
	return target == ErrInvalidLength
}

// Reader pulls length-prefixed payloads off a byte stream.
type Reader struct {
	r      io.Reader
	max    uint32
	header [HeaderSize]byte
}

// NewReader returns a Reader that rejects payloads larger than max.
// A max of 0 means MaxFrameSize.
func NewReader(r io.Reader, max uint32) *Reader {
	if max == 0 || max > MaxFrameSize {
		max = MaxFrameSize
	}
	return &Reader{r: r, max: max}
}

// Next reads one complete payload. The returned slice is freshly allocated
// and owned by the caller.
//
// A clean end of stream before any header byte is reported as
// ErrShortHeader wrapping io.EOF.
func (fr *Reader) Next() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrShortHeader, err)
	}

	length := binary.BigEndian.Uint32(fr.header[:])
	if length == 0 || length > fr.max {
		return nil, &LengthError{Length: length, Max: fr.max}
	}

	payload := make([]byte, length)
	if n, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("%w: got %d of %d bytes: %w", ErrShortPayload, n, length, err)
	}
	return payload, nil
}

// Writer emits length-prefixed payloads.
type Writer struct {
	w   io.Writer
	max uint32
	buf []byte
}

// NewWriter returns a Writer that refuses payloads larger than max.
// A max of 0 means MaxFrameSize.
func NewWriter(w io.Writer, max uint32) *Writer {
	if max == 0 || max > MaxFrameSize {
		max = MaxFrameSize
	}
	return &Writer{w: w, max: max}
}

// WriteFrame writes the header and payload with a single Write call so a
// frame is never interleaved with another writer's bytes on a shared conn.
func (fw *Writer) WriteFrame(payload []byte) error {
	if len(payload) == 0 || uint64(len(payload)) > uint64(fw.max) {
		return &LengthError{Length: uint32(min(uint64(len(payload)), 1<<32-1)), Max: fw.max}
	}

	need := HeaderSize + len(payload)
	if cap(fw.buf) < need {
		fw.buf = make([]byte, need)
	}
	buf := fw.buf[:need]
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	n, err := fw.w.Write(buf)
	if err != nil {
		return err
	}
	if n != need {
		return io.ErrShortWrite
	}
	return nil
}

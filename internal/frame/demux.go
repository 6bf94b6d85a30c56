// Package frame extracts discrete PNG images from the byte stream that
// FFmpeg writes with "-f image2pipe -vcodec png".
//
// The demuxer is a pure function over an accumulated buffer. Frame boundaries
// are authoritative over I/O boundaries: a PNG may be split across any number
// of reads and Demux simply reports StatusIncomplete until the IEND chunk is
// present.
//
// PNG layout:
//
//	signature  89 50 4E 47 0D 0A 1A 0A
//	chunk      length(4, big endian) | type(4) | data(length) | crc(4)
//	...        repeated until the IEND chunk
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Signature is the 8-byte PNG file signature.
var Signature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

const (
	chunkHeaderLen = 8 // length + type
	chunkCRCLen    = 4

	// maxChunkLength is the PNG limit for a single chunk's data (2^31 - 1).
	maxChunkLength = 1<<31 - 1
)

var iendType = []byte("IEND")

// ErrMalformedChunk is returned when a chunk header declares a length the
// PNG format does not allow.
var ErrMalformedChunk = errors.New("frame: malformed PNG chunk length")

// Status describes the outcome of a single Demux call.
type Status int

const (
	// StatusIncomplete means no complete frame is available yet.
	StatusIncomplete Status = iota

	// StatusFrame means Result.Frame holds a complete PNG.
	StatusFrame
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusFrame:
		return "frame"
	default:
		return "incomplete"
	}
}

// Result is the output of Demux.
type Result struct {
	Status Status

	// Frame is the exact byte range of the PNG, aliasing the input buffer.
	// Callers that retain it past the next buffer mutation must copy it.
	Frame []byte

	// Consumed is the number of leading bytes of the input that may be
	// discarded: any junk before the signature plus the frame itself.
	Consumed int

	// Skipped is the number of junk bytes found before the signature.
	Skipped int
}

// Demux looks for one complete PNG at the start of buf.
//
// Bytes preceding the first signature are treated as junk and are consumed
// together with the frame. When no frame is complete, Consumed is zero so the
// caller keeps accumulating; the caller alone decides when an ever-growing
// buffer counts as corruption.
func Demux(buf []byte) (Result, error) {
	start := bytes.Index(buf, Signature)
	if start < 0 {
		return Result{Status: StatusIncomplete}, nil
	}

	pos := start + len(Signature)
	for {
		if len(buf)-pos < chunkHeaderLen {
			return Result{Status: StatusIncomplete}, nil
		}

		length := binary.BigEndian.Uint32(buf[pos : pos+4])
		if length > maxChunkLength {
			return Result{Status: StatusIncomplete}, fmt.Errorf("%w: %d bytes at offset %d", ErrMalformedChunk, length, pos)
		}
		chunkType := buf[pos+4 : pos+8]

		end := pos + chunkHeaderLen + int(length) + chunkCRCLen
		if end > len(buf) {
			return Result{Status: StatusIncomplete}, nil
		}
		pos = end

		if bytes.Equal(chunkType, iendType) {
			return Result{
				Status:   StatusFrame,
				Frame:    buf[start:end],
				Consumed: end,
				Skipped:  start,
			}, nil
		}
	}
}

// Splitter accumulates stream chunks and yields complete frames.
//
// It is not safe for concurrent use.
type Splitter struct {
	buf []byte
}

// Write appends p to the internal buffer. It never fails.
func (s *Splitter) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame as an owned copy, or nil when more
// data is needed.
func (s *Splitter) Next() ([]byte, error) {
	res, err := Demux(s.buf)
	if err != nil {
		return nil, err
	}
	if res.Status != StatusFrame {
		return nil, nil
	}

	out := make([]byte, len(res.Frame))
	copy(out, res.Frame)

	// Shift the remainder down so the backing array is reused.
	n := copy(s.buf, s.buf[res.Consumed:])
	s.buf = s.buf[:n]
	return out, nil
}

// Len returns the number of buffered bytes not yet emitted as a frame.
func (s *Splitter) Len() int {
	return len(s.buf)
}

// Reset discards all buffered bytes.
func (s *Splitter) Reset() {
	s.buf = s.buf[:0]
}

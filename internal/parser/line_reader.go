package parser

import (
	"bufio"
	"io"
	"sync/atomic"
)

const (
	// initialLineBuffer is the scanner's starting buffer size.
	initialLineBuffer = 64 * 1024

	// MaxLineLength is the longest line passed to the sink. Longer lines are
	// truncated; the remainder up to the next newline is discarded.
	MaxLineLength = 1024 * 1024
)

// LineSink receives one line of FFmpeg output, without the trailing newline.
type LineSink func(line string)

// LineReader reads lines from an io.Reader (typically FFmpeg's stderr pipe)
// and hands each one to a sink.
//
// Run blocks until EOF or a read error, so it is started on its own
// goroutine. Stats may be read concurrently.
type LineReader struct {
	reader io.Reader
	sink   LineSink

	bytesRead atomic.Int64
	linesRead atomic.Int64
	truncated atomic.Int64
	done      atomic.Bool
}

// NewLineReader creates a line reader over r.
func NewLineReader(r io.Reader, sink LineSink) *LineReader {
	return &LineReader{
		reader: r,
		sink:   sink,
	}
}

// Run reads lines until EOF and returns the first non-EOF read error.
func (lr *LineReader) Run() error {
	defer lr.done.Store(true)

	br := bufio.NewReaderSize(lr.reader, initialLineBuffer)
	var (
		line    []byte
		discard bool
	)
	for {
		chunk, isPrefix, err := br.ReadLine()
		if len(chunk) > 0 || (err == nil && !isPrefix) {
			lr.bytesRead.Add(int64(len(chunk)))
			if !discard {
				room := MaxLineLength - len(line)
				if len(chunk) > room {
					chunk = chunk[:room]
					discard = true
					lr.truncated.Add(1)
				}
				line = append(line, chunk...)
			}
		}
		if err != nil {
			if len(line) > 0 {
				lr.emit(line)
			}
			if err == io.EOF {
				return nil
			}
			return err
		}
		if isPrefix {
			continue
		}

		lr.bytesRead.Add(1) // newline
		lr.emit(line)
		line = line[:0]
		discard = false
	}
}

func (lr *LineReader) emit(line []byte) {
	lr.linesRead.Add(1)
	if lr.sink != nil {
		lr.sink(string(trimCR(line)))
	}
}

func trimCR(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return b[:n-1]
	}
	return b
}

// Stats returns (bytesRead, linesRead, healthy). A reader is healthy until
// Run has returned.
func (lr *LineReader) Stats() (bytesRead int64, linesRead int64, healthy bool) {
	return lr.bytesRead.Load(),
		lr.linesRead.Load(),
		!lr.done.Load()
}

// Truncated returns how many lines exceeded MaxLineLength.
func (lr *LineReader) Truncated() int64 {
	return lr.truncated.Load()
}

package stdio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxFrameSize bounds a single newline-delimited frame. Frames beyond
// this size are a transport fault, not a recoverable protocol error.
const DefaultMaxFrameSize = 16 << 20 // 16 MiB

// ErrFrameTooLarge indicates an inbound frame exceeded the configured limit.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// TransportError is a fatal transport-layer fault: an unparseable or
// oversized frame, or a failed write to the peer. Once raised the byte stream
// can no longer be trusted and the connection must terminate.
type TransportError struct {
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("transport error: %s", e.Reason)
}

func (e *TransportError) Unwrap() error { return e.Err }

// frameReader splits an input stream into newline-delimited frames with a
// hard size bound. Splitting is purely structural; frame contents are never
// inspected here.
type frameReader struct {
	br  *bufio.Reader
	max int
}

func newFrameReader(r io.Reader, max int) *frameReader {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	return &frameReader{br: bufio.NewReader(r), max: max}
}

// ReadFrame returns the next frame with surrounding whitespace trimmed. Blank
// lines yield an empty slice; callers skip those. An unterminated final line
// before EOF is returned as a frame, with io.EOF on the following call.
func (f *frameReader) ReadFrame() ([]byte, error) {
	var frame []byte
	for {
		chunk, err := f.br.ReadSlice('\n')
		frame = append(frame, chunk...)
		if len(frame) > f.max {
			return nil, ErrFrameTooLarge
		}
		switch {
		case err == nil:
			return bytes.TrimSpace(frame), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(frame)) > 0:
			return bytes.TrimSpace(frame), nil
		default:
			return nil, err
		}
	}
}

// frameWriter emits one newline-terminated frame per call, flushing after
// each so a subprocess peer sees complete frames immediately.
type frameWriter struct {
	mu sync.Mutex
	bw *bufio.Writer
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{bw: bufio.NewWriter(w)}
}

func (f *frameWriter) WriteFrame(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.bw.Write(p); err != nil {
		return &TransportError{Reason: "write frame", Err: err}
	}
	if err := f.bw.WriteByte('\n'); err != nil {
		return &TransportError{Reason: "write frame", Err: err}
	}
	if err := f.bw.Flush(); err != nil {
		return &TransportError{Reason: "flush frame", Err: err}
	}
	return nil
}

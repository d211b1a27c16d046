// Package outbound owns the write side of a session. Exactly one goroutine
// touches the transport's output; every other component hands it complete
// messages. That single-writer discipline is what keeps frames from
// interleaving under concurrent request handling.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// FrameWriter writes one complete, already-encoded message frame to the
// transport. Implementations are not required to be goroutine-safe; the
// Writer guarantees single-goroutine access.
type FrameWriter interface {
	WriteFrame(p []byte) error
}

// ErrWriterClosed indicates the writer has shut down and no further
// messages will be emitted.
var ErrWriterClosed = errors.New("outbound writer closed")

const sendQueueDepth = 64

// Writer is the actor-style single consumer that serializes all outbound
// messages. Producers enqueue via Send; emission order is exactly enqueue
// order. The writer applies no reordering of its own, so producers are
// responsible for sequencing constraints such as emitting an invocation's
// notifications before its response.
type Writer struct {
	fw  FrameWriter
	log *slog.Logger

	queue chan []byte
	done  chan struct{}

	closeOnce sync.Once
	drained   chan struct{}

	failed  chan struct{}
	failErr atomic.Pointer[error]
}

// NewWriter constructs a Writer and starts its consumer goroutine.
func NewWriter(fw FrameWriter, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	w := &Writer{
		fw:      fw,
		log:     log,
		queue:   make(chan []byte, sendQueueDepth),
		done:    make(chan struct{}),
		drained: make(chan struct{}),
		failed:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) run() {
	defer close(w.drained)
	for {
		select {
		case <-w.done:
			// Flush whatever was enqueued before close.
			for {
				select {
				case frame := <-w.queue:
					w.write(frame)
				default:
					return
				}
			}
		case frame := <-w.queue:
			w.write(frame)
		}
	}
}

func (w *Writer) write(frame []byte) {
	if w.failErr.Load() != nil {
		return
	}
	if err := w.fw.WriteFrame(frame); err != nil {
		w.log.Error("outbound.write_fail", slog.String("err", err.Error()))
		werr := fmt.Errorf("write frame: %w", err)
		w.failErr.Store(&werr)
		close(w.failed)
	}
}

// Send marshals v and enqueues it for emission. It blocks only when the
// queue is full, and respects ctx while blocked. Sending on a closed writer
// returns ErrWriterClosed.
func (w *Writer) Send(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal outbound message: %w", err)
	}
	select {
	case <-w.done:
		return ErrWriterClosed
	default:
	}
	select {
	case w.queue <- b:
		return nil
	case <-w.done:
		return ErrWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failed is closed when a transport write fails. After that point the
// session cannot produce output and must terminate.
func (w *Writer) Failed() <-chan struct{} { return w.failed }

// Err returns the write failure, if any.
func (w *Writer) Err() error {
	if p := w.failErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Close stops accepting new messages, flushes the queue, and waits for the
// consumer goroutine to exit. It is idempotent.
func (w *Writer) Close() {
	w.closeOnce.Do(func() { close(w.done) })
	<-w.drained
}

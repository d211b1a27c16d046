package stdio

import (
	"io"
	"log/slog"
	"time"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithReader overrides the input stream.
func WithReader(r io.Reader) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
	}
}

// WithWriter overrides the output stream.
func WithWriter(w io.Writer) Option {
	return func(h *Handler) {
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.l = l
		}
	}
}

// WithUserProvider overrides the user provider used for authless identification.
func WithUserProvider(up UserProvider) Option {
	return func(h *Handler) {
		if up != nil {
			h.userProvider = up
		}
	}
}

// WithDrainTimeout bounds how long shutdown waits for in-flight requests.
func WithDrainTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.drainTimeout = d
		}
	}
}

// WithMaxFrameSize overrides the inbound frame size limit.
func WithMaxFrameSize(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxFrameSize = n
		}
	}
}

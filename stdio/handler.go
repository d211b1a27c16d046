package stdio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/Tibiritabara/postgres-mcp/internal/engine"
	"github.com/Tibiritabara/postgres-mcp/internal/jsonrpc"
	"github.com/Tibiritabara/postgres-mcp/internal/outbound"
	"github.com/Tibiritabara/postgres-mcp/mcp"
	"github.com/Tibiritabara/postgres-mcp/mcpservice"
)

// Handler is a single-connection stdio transport that reads newline-delimited
// JSON-RPC messages from an io.Reader and writes frames to an io.Writer. By
// default it uses os.Stdin and os.Stdout. The peer is identified through a
// UserProvider, defaulting to the current OS user.
//
// The handler is transport-only; all protocol semantics live in the engine
// and the provided mcpservice.ServerCapabilities.
type Handler struct {
	srv mcpservice.ServerCapabilities

	r io.Reader
	w io.Writer
	l *slog.Logger

	userProvider UserProvider
	drainTimeout time.Duration
	maxFrameSize int

	served atomic.Bool
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(srv mcpservice.ServerCapabilities, opts ...Option) *Handler {
	h := &Handler{
		srv:          srv,
		r:            os.Stdin,
		w:            os.Stdout,
		l:            slog.Default(),
		userProvider: OSUserProvider{},
		maxFrameSize: DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

type inboundFrame struct {
	data []byte
	err  error
}

// Serve runs the stdio event loop until the stream ends or the context is
// cancelled. It may be called at most once per Handler.
//
// Return value maps to process exit semantics: nil for a clean shutdown (EOF,
// shutdown request, or exit notification), a *TransportError for an
// unrecoverable framing or write fault, and ctx.Err() when cancelled.
func (h *Handler) Serve(ctx context.Context) error {
	if !h.served.CompareAndSwap(false, true) {
		return errors.New("stdio: Serve called twice")
	}

	userID := ""
	if h.userProvider != nil {
		if id, err := h.userProvider.CurrentUserID(); err == nil {
			userID = id
		} else {
			h.l.Warn("stdio.user_lookup_fail", slog.String("err", err.Error()))
		}
	}

	writer := outbound.NewWriter(newFrameWriter(h.w), h.l)
	defer writer.Close()

	caller := outbound.NewCaller(writer)
	defer caller.Close(nil)

	eng := engine.New(h.srv, writer,
		engine.WithLogger(h.l),
		engine.WithDrainTimeout(h.drainTimeout),
		engine.WithUserID(userID),
		engine.WithCaller(caller),
	)

	frames := make(chan inboundFrame)
	go func() {
		fr := newFrameReader(h.r, h.maxFrameSize)
		for {
			data, err := fr.ReadFrame()
			select {
			case frames <- inboundFrame{data: data, err: err}:
			case <-eng.Done():
				return
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			eng.Drain(ctx)
			return ctx.Err()

		case <-writer.Failed():
			err := writer.Err()
			h.l.Error("stdio.writer_failed", slog.String("err", err.Error()))
			caller.Close(err)
			eng.Abort()
			return err

		case <-eng.Done():
			// Drain initiated from inside the session (shutdown request or
			// exit notification). Queued frames flush on writer close.
			return nil

		case in := <-frames:
			switch {
			case in.err == nil:
				if fatal := h.handleFrame(ctx, eng, caller, writer, in.data); fatal != nil {
					caller.Close(fatal)
					eng.Abort()
					return fatal
				}
			case errors.Is(in.err, io.EOF):
				h.l.Info("stdio.eof")
				eng.Drain(ctx)
				return nil
			case errors.Is(in.err, ErrFrameTooLarge):
				terr := &TransportError{Reason: "oversized frame", Err: in.err}
				h.l.Error("stdio.fatal", slog.String("err", terr.Error()))
				caller.Close(terr)
				eng.Abort()
				return terr
			default:
				terr := &TransportError{Reason: "read", Err: in.err}
				h.l.Error("stdio.fatal", slog.String("err", terr.Error()))
				caller.Close(terr)
				eng.Abort()
				return terr
			}
		}
	}
}

// handleFrame decodes one frame and routes it. A non-JSON frame poisons the
// stream and returns a fatal error; a valid-JSON frame with a broken JSON-RPC
// envelope is answered with an error response and the session continues.
func (h *Handler) handleFrame(ctx context.Context, eng *engine.Engine, caller *outbound.Caller, writer *outbound.Writer, frame []byte) error {
	if len(frame) == 0 {
		return nil
	}

	if !json.Valid(frame) {
		return &TransportError{Reason: "malformed frame: not valid JSON"}
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		h.l.Info("stdio.invalid_envelope", slog.String("err", err.Error()))
		resp := jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, fmt.Sprintf("invalid request: %s", err.Error()), nil)
		if serr := writer.Send(ctx, resp); serr != nil {
			h.l.Error("stdio.send_fail", slog.String("err", serr.Error()))
		}
		return nil
	}

	switch msg.Type() {
	case "response":
		resp := msg.AsResponse()
		if outbound.IsServerRequestID(resp.ID.String()) {
			caller.OnResponse(resp)
		} else {
			h.l.Warn("stdio.stray_response", slog.String("id", resp.ID.String()))
		}
		return nil

	case "notification":
		// Cancellations aimed at server-initiated ids belong to the caller,
		// not the engine's request table.
		if mcp.Method(msg.Method) == mcp.CancelledNotificationMethod {
			var params mcp.CancelledNotification
			if err := json.Unmarshal(msg.Params, &params); err == nil && outbound.IsServerRequestID(params.RequestID.String()) {
				caller.OnCancelled(params.RequestID.String())
				return nil
			}
		}
		eng.HandleMessage(ctx, &msg)
		return nil

	default:
		eng.HandleMessage(ctx, &msg)
		return nil
	}
}

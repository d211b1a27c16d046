package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Tibiritabara/postgres-mcp/internal/jsonrpc"
	"github.com/Tibiritabara/postgres-mcp/mcp"
)

const serverIDPrefix = "s-"

// IsServerRequestID reports whether id belongs to the server-initiated
// correlation namespace managed by Caller.
func IsServerRequestID(id string) bool { return strings.HasPrefix(id, serverIDPrefix) }

var (
	// ErrCallerClosed indicates the caller is closed.
	ErrCallerClosed = errors.New("caller closed")
	// ErrRemoteCancelled indicates the peer cancelled the request.
	ErrRemoteCancelled = errors.New("remote cancelled")
)

type pendingCall struct {
	respCh chan *jsonrpc.Response
	errCh  chan error
}

// Caller correlates server-initiated JSON-RPC requests (roots/list, ping)
// with their responses. Ids are allocated from a namespace distinct from client ids
// ("s-1", "s-2", ...) so server and client correlation spaces never collide.
type Caller struct {
	w *Writer

	mu      sync.Mutex
	pending map[string]*pendingCall // id.String() -> call

	nextID uint64

	closed   atomic.Bool
	closeErr error
}

// NewCaller constructs a Caller emitting through the given writer.
func NewCaller(w *Writer) *Caller {
	return &Caller{w: w, pending: make(map[string]*pendingCall)}
}

// Call sends a request and waits for the matching response or context
// cancellation. On cancellation a best-effort notifications/cancelled is
// emitted for the abandoned id.
func (c *Caller) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	if c.closed.Load() {
		if c.closeErr != nil {
			return nil, c.closeErr
		}
		return nil, ErrCallerClosed
	}

	id := jsonrpc.NewRequestID(fmt.Sprintf("%s%d", serverIDPrefix, atomic.AddUint64(&c.nextID, 1)))
	key := id.String()

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	pc := &pendingCall{respCh: make(chan *jsonrpc.Response, 1), errCh: make(chan error, 1)}
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		if c.closeErr != nil {
			return nil, c.closeErr
		}
		return nil, ErrCallerClosed
	}
	c.pending[key] = pc
	c.mu.Unlock()

	if err := c.w.Send(ctx, req); err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		if err != nil {
			return nil, err
		}
		return nil, ErrCallerClosed
	case <-ctx.Done():
		if note, nerr := jsonrpc.NewNotification(string(mcp.CancelledNotificationMethod), mcp.CancelledNotification{RequestID: jsonrpc.NewRequestID(key)}); nerr == nil {
			_ = c.w.Send(context.WithoutCancel(ctx), note)
		}
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// OnResponse delivers an incoming response to a waiting call. Responses with
// no matching pending call are ignored.
func (c *Caller) OnResponse(resp *jsonrpc.Response) {
	if resp == nil || resp.ID.IsNil() {
		return
	}
	key := resp.ID.String()
	c.mu.Lock()
	pc, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if ok {
		pc.respCh <- resp
	}
}

// OnCancelled handles a peer cancellation aimed at one of our outstanding
// calls. Unknown ids are a no-op.
func (c *Caller) OnCancelled(requestID string) {
	c.mu.Lock()
	pc, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if ok {
		pc.errCh <- ErrRemoteCancelled
	}
}

// Close fails all pending calls with err and prevents new calls.
func (c *Caller) Close(err error) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	if err == nil {
		err = ErrCallerClosed
	}
	c.closeErr = err
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, pc := range c.pending {
		delete(c.pending, key)
		pc.errCh <- err
	}
}

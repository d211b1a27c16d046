package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Tibiritabara/postgres-mcp/internal/jsonrpc"
)

var (
	// ErrDuplicateRequestID indicates a request id that is already in flight.
	ErrDuplicateRequestID = errors.New("duplicate request id")
	// ErrDraining indicates the session no longer accepts new requests.
	ErrDraining = errors.New("session shutting down")
	// errDetached is the cancellation cause applied at drain timeout.
	errDetached = errors.New("detached at drain timeout")
)

// pendingRequest tracks one accepted request from intake until its single
// terminal response. The table owns it exclusively; handlers only see the
// derived context.
type pendingRequest struct {
	id       string
	rid      *jsonrpc.RequestID
	method   string
	issuedAt time.Time
	cancel   context.CancelCauseFunc

	// responded marks that a terminal response was already emitted for this
	// id (cancellation or forced detach). Once set, the handler's eventual
	// result is discarded.
	responded bool
}

// requestTable is the dispatcher's in-flight bookkeeping. It guarantees the
// exactly-one-response invariant: each accepted id ends in a single terminal
// response, whichever of handler completion, cancellation, or drain detach
// happens first.
type requestTable struct {
	mu       sync.Mutex
	pending  map[string]*pendingRequest
	draining bool
	idle     chan struct{} // non-nil only while a drain awaits in-flight work
}

func newRequestTable() *requestTable {
	return &requestTable{pending: make(map[string]*pendingRequest)}
}

// Begin registers a new in-flight request. It fails with
// ErrDuplicateRequestID when the id is already pending (the original request
// is unaffected) and with ErrDraining once drain has begun.
func (t *requestTable) Begin(rid *jsonrpc.RequestID, method string, cancel context.CancelCauseFunc) error {
	key := rid.String()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.draining {
		return ErrDraining
	}
	if _, exists := t.pending[key]; exists {
		return ErrDuplicateRequestID
	}
	t.pending[key] = &pendingRequest{
		id:       key,
		rid:      rid,
		method:   method,
		issuedAt: time.Now(),
		cancel:   cancel,
	}
	return nil
}

// FinishEmit removes the entry for id and reports whether the handler's
// response should be emitted. It returns false when a terminal response was
// already sent (the request was cancelled or detached), in which case the
// handler's result is discarded.
func (t *requestTable) FinishEmit(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, ok := t.pending[id]
	if !ok {
		return false
	}
	delete(t.pending, id)
	t.signalIdleLocked()
	return !pr.responded
}

// Cancel marks the identified request cancelled. When it wins the race with
// handler completion it returns the request id for the caller to emit the
// cancellation response, exactly once. Unknown or already-terminal ids
// return nil.
func (t *requestTable) Cancel(id string, reason error) *jsonrpc.RequestID {
	t.mu.Lock()
	pr, ok := t.pending[id]
	if !ok || pr.responded {
		t.mu.Unlock()
		return nil
	}
	pr.responded = true
	cancel := pr.cancel
	rid := pr.rid
	t.mu.Unlock()

	cancel(reason)
	return rid
}

// BeginDrain stops intake. Subsequent Begin calls fail with ErrDraining.
func (t *requestTable) BeginDrain() {
	t.mu.Lock()
	t.draining = true
	t.mu.Unlock()
}

// AwaitIdle blocks until every pending request reached its terminal
// response, the timeout elapses, or ctx is done. It reports whether the
// table is idle.
func (t *requestTable) AwaitIdle(ctx context.Context, timeout time.Duration) bool {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return true
	}
	if t.idle == nil {
		t.idle = make(chan struct{})
	}
	idle := t.idle
	t.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// ForceDetach severs every remaining request: their contexts are cancelled
// and their correlation is marked terminal so no further output is accepted
// for them. It returns the ids that still owe a response; the caller emits
// one cancellation response per id.
func (t *requestTable) ForceDetach() []*jsonrpc.RequestID {
	t.mu.Lock()
	var owed []*jsonrpc.RequestID
	var cancels []context.CancelCauseFunc
	for id, pr := range t.pending {
		if !pr.responded {
			pr.responded = true
			owed = append(owed, pr.rid)
		}
		cancels = append(cancels, pr.cancel)
		delete(t.pending, id)
	}
	t.signalIdleLocked()
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel(errDetached)
	}
	return owed
}

// Len returns the number of in-flight requests.
func (t *requestTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *requestTable) signalIdleLocked() {
	if t.idle != nil && len(t.pending) == 0 {
		close(t.idle)
		t.idle = nil
	}
}

package engine

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Tibiritabara/postgres-mcp/sessions"
)

var stateRank = map[sessions.State]int{
	sessions.StateUninitialized: 0,
	sessions.StateNegotiating:   1,
	sessions.StateReady:         2,
	sessions.StateDraining:      3,
	sessions.StateClosed:        4,
}

// SessionHandle is the engine's concrete session: one per connection. State
// transitions are monotonic; advance rejects any attempt to move backward.
type SessionHandle struct {
	id     string
	userID string

	mu              sync.Mutex
	state           sessions.State
	protocolVersion string
	clientInfo      sessions.ClientInfo
	caps            sessions.CapabilitySet
	roots           []sessions.Root
}

var _ sessions.Session = (*SessionHandle)(nil)

func newSessionHandle(userID string) *SessionHandle {
	return &SessionHandle{
		id:     uuid.NewString(),
		userID: userID,
		state:  sessions.StateUninitialized,
	}
}

func (s *SessionHandle) SessionID() string { return s.id }
func (s *SessionHandle) UserID() string    { return s.userID }

func (s *SessionHandle) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

func (s *SessionHandle) ClientInfo() sessions.ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

func (s *SessionHandle) ClientCapabilities() sessions.CapabilitySet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

func (s *SessionHandle) Roots() []sessions.Root {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sessions.Root, len(s.roots))
	copy(out, s.roots)
	return out
}

func (s *SessionHandle) setRoots(roots []sessions.Root) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots = roots
}

func (s *SessionHandle) State() sessions.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// advance moves the session to next. Moving to the current state is a no-op;
// moving backward is an error.
func (s *SessionHandle) advance(next sessions.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stateRank[next] < stateRank[s.state] {
		return fmt.Errorf("invalid session transition %s -> %s", s.state, next)
	}
	s.state = next
	return nil
}

// negotiated records the outcome of the initialize handshake.
func (s *SessionHandle) negotiated(version string, info sessions.ClientInfo, caps sessions.CapabilitySet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolVersion = version
	s.clientInfo = info
	s.caps = caps
}

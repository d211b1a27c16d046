package engine

import (
	"testing"

	"github.com/Tibiritabara/postgres-mcp/sessions"
)

func TestSessionHandle_MonotonicAdvance(t *testing.T) {
	s := newSessionHandle("alice")
	if s.State() != sessions.StateUninitialized {
		t.Fatalf("new session state = %s", s.State())
	}

	for _, next := range []sessions.State{
		sessions.StateNegotiating,
		sessions.StateReady,
		sessions.StateDraining,
		sessions.StateClosed,
	} {
		if err := s.advance(next); err != nil {
			t.Fatalf("advance to %s: %v", next, err)
		}
		if s.State() != next {
			t.Fatalf("state = %s, want %s", s.State(), next)
		}
	}
}

func TestSessionHandle_RejectsBackwardTransition(t *testing.T) {
	s := newSessionHandle("")
	if err := s.advance(sessions.StateReady); err != nil {
		t.Fatal(err)
	}
	if err := s.advance(sessions.StateNegotiating); err == nil {
		t.Fatal("expected error moving backward")
	}
	if s.State() != sessions.StateReady {
		t.Fatalf("state changed on rejected transition: %s", s.State())
	}
}

func TestSessionHandle_AdvanceToSameStateIsNoop(t *testing.T) {
	s := newSessionHandle("")
	if err := s.advance(sessions.StateDraining); err != nil {
		t.Fatal(err)
	}
	if err := s.advance(sessions.StateDraining); err != nil {
		t.Fatalf("re-entering the same state should be a no-op: %v", err)
	}
}

func TestSessionHandle_Negotiated(t *testing.T) {
	s := newSessionHandle("alice")
	s.negotiated("2025-06-18", sessions.ClientInfo{Name: "client", Version: "1.0"}, sessions.CapabilitySet{Roots: true})

	if s.ProtocolVersion() != "2025-06-18" {
		t.Fatalf("protocol version = %s", s.ProtocolVersion())
	}
	if s.ClientInfo().Name != "client" {
		t.Fatalf("client info = %+v", s.ClientInfo())
	}
	if !s.ClientCapabilities().Roots {
		t.Fatal("roots capability lost")
	}
	if s.SessionID() == "" {
		t.Fatal("missing session id")
	}
	if s.UserID() != "alice" {
		t.Fatalf("user id = %s", s.UserID())
	}
}

func TestSessionHandle_RootsCopy(t *testing.T) {
	s := newSessionHandle("")
	if got := s.Roots(); len(got) != 0 {
		t.Fatalf("fresh session roots = %v", got)
	}

	s.setRoots([]sessions.Root{{URI: "file:///a", Name: "a"}, {URI: "file:///b"}})
	got := s.Roots()
	if len(got) != 2 || got[0].URI != "file:///a" || got[1].URI != "file:///b" {
		t.Fatalf("roots = %v", got)
	}

	// Callers get a copy; mutating it must not touch session state.
	got[0].URI = "file:///mutated"
	if s.Roots()[0].URI != "file:///a" {
		t.Fatal("session roots aliased to caller slice")
	}
}

// Package sessions defines the session abstraction shared by capability
// implementations. A session is the unit of isolation: one negotiated
// protocol conversation over one transport connection. Capability code
// receives a Session so it can scope behavior, logging, and authorization
// without knowing anything about the transport behind it.
package sessions

// State is the lifecycle phase of a session. Transitions are monotonic;
// a session never moves backward.
type State string

const (
	// StateUninitialized is the phase before the initialize request arrives.
	StateUninitialized State = "uninitialized"
	// StateNegotiating covers the window between the initialize request and
	// the client's initialized notification.
	StateNegotiating State = "negotiating"
	// StateReady is the operating phase in which requests are dispatched.
	StateReady State = "ready"
	// StateDraining rejects new requests while in-flight work resolves.
	StateDraining State = "draining"
	// StateClosed is terminal.
	StateClosed State = "closed"
)

// ClientInfo identifies the client implementation on the other side of the
// stream, as reported during initialize.
type ClientInfo struct {
	Name    string
	Version string
}

// CapabilitySet records which optional client capabilities survived
// negotiation. Capabilities the server does not recognize are dropped from
// the agreed set silently; that is a compatibility affordance, not an error.
type CapabilitySet struct {
	Sampling         bool
	Roots            bool
	RootsListChanged bool
	Elicitation      bool
}

// Root identifies a workspace root reported by the client.
type Root struct {
	URI  string
	Name string
}

// Session represents a negotiated protocol session. Implementations MUST be
// safe for concurrent use; the dispatcher hands the same Session to every
// in-flight handler.
type Session interface {
	SessionID() string
	UserID() string
	// ProtocolVersion is the negotiated protocol revision for this session.
	ProtocolVersion() string
	ClientInfo() ClientInfo
	ClientCapabilities() CapabilitySet
	// Roots lists the client's workspace roots. It is empty until the first
	// roots/list round-trip completes, and always empty for clients that do
	// not advertise the roots capability.
	Roots() []Root
	State() State
}

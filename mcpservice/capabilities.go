// Package mcpservice exposes the building blocks for assembling the server
// side of an MCP deployment: the ServerCapabilities surface consumed by the
// dispatch engine, and registry containers for tools, resources, and prompts.
//
// Conventions used throughout this package:
//   - Capability discovery methods return (cap, ok, err). A false ok means
//     the capability is not supported for the session; err is reserved for
//     internal failures while determining support.
//   - All methods accept a context.Context which MUST be honored for
//     cancellation.
//   - The sessions.Session value is the unit of isolation.
//   - Pagination uses the Page[T] type; a nil cursor requests the first page.
package mcpservice

import (
	"context"

	"github.com/Tibiritabara/postgres-mcp/mcp"
	"github.com/Tibiritabara/postgres-mcp/sessions"
)

// ServerCapabilities is the contract between a server implementation and the
// dispatch engine. The engine discovers capabilities per session and
// translates protocol requests into calls on these interfaces.
type ServerCapabilities interface {
	// GetServerInfo returns implementation information surfaced in the
	// initialize result.
	GetServerInfo(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, error)

	// GetPreferredProtocolVersion returns the server's preferred protocol
	// version. If ok is false the engine negotiates from the client's
	// requested version.
	GetPreferredProtocolVersion(ctx context.Context) (version string, ok bool, err error)

	// GetInstructions returns optional human-readable instructions included
	// in the initialize result. If ok is false the field is omitted.
	GetInstructions(ctx context.Context, session sessions.Session) (instructions string, ok bool, err error)

	// GetToolsCapability returns the tools capability for the session. If ok
	// is false the server does not advertise tool support.
	GetToolsCapability(ctx context.Context, session sessions.Session) (cap ToolsCapability, ok bool, err error)

	// GetResourcesCapability returns the resources capability for the
	// session. If ok is false the server does not advertise resources.
	GetResourcesCapability(ctx context.Context, session sessions.Session) (cap ResourcesCapability, ok bool, err error)

	// GetPromptsCapability returns the prompts capability for the session.
	// If ok is false the server does not advertise prompts.
	GetPromptsCapability(ctx context.Context, session sessions.Session) (cap PromptsCapability, ok bool, err error)
}

// ToolsCapability lists registered tools and dispatches invocations.
// Implementations MUST be safe for concurrent use; the engine invokes
// CallTool from one goroutine per in-flight request.
type ToolsCapability interface {
	// ListTools returns a page of tool descriptors. A nil cursor requests
	// the first page.
	ListTools(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Tool], error)

	// CallTool validates the request arguments against the tool's declared
	// input schema and, only when validation passes, invokes the registered
	// handler. Handler failures surface as errors; they never terminate the
	// session.
	CallTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)
}

// ResourcesCapability lists resources and resource templates and reads
// resource contents by URI.
type ResourcesCapability interface {
	ListResources(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Resource], error)
	ListResourceTemplates(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.ResourceTemplate], error)

	// ReadResource resolves a URI against registered resources and
	// templates. Unknown URIs return ErrResourceNotFound.
	ReadResource(ctx context.Context, session sessions.Session, uri string) ([]mcp.ResourceContents, error)
}

// PromptsCapability lists prompts and materializes them on request.
type PromptsCapability interface {
	ListPrompts(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Prompt], error)
	GetPrompt(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error)
}

// Page represents a single page of results with an optional cursor for
// fetching the next page.
//
// Items is never nil; NewPage normalizes nil input to an empty slice.
type Page[T any] struct {
	Items      []T
	NextCursor *string
}

// PageOption configures a Page constructed via NewPage.
type PageOption[T any] func(*Page[T])

// WithNextCursor marks the page as partial and records where the next page
// begins.
func WithNextCursor[T any](cursor string) PageOption[T] {
	return func(p *Page[T]) {
		p.NextCursor = &cursor
	}
}

// NewPage constructs a Page from the provided items.
func NewPage[T any](items []T, opts ...PageOption[T]) Page[T] {
	if items == nil {
		items = make([]T, 0)
	}
	p := Page[T]{Items: items}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

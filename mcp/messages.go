package mcp

import (
	"encoding/json"

	"github.com/Tibiritabara/postgres-mcp/internal/jsonrpc"
)

// Method is an MCP method identifier carried in JSON-RPC messages.
type Method string

// MCP method names and notifications.
const (
	// Lifecycle
	InitializeMethod              Method = "initialize"
	InitializedNotificationMethod Method = "notifications/initialized"
	ShutdownMethod                Method = "shutdown"
	ExitNotificationMethod        Method = "notifications/exit"

	// Tools
	ToolsListMethod Method = "tools/list"
	ToolsCallMethod Method = "tools/call"

	// Resources
	ResourcesListMethod          Method = "resources/list"
	ResourcesReadMethod          Method = "resources/read"
	ResourcesTemplatesListMethod Method = "resources/templates/list"

	// Prompts
	PromptsListMethod Method = "prompts/list"
	PromptsGetMethod  Method = "prompts/get"

	// Roots (server-initiated)
	RootsListMethod                    Method = "roots/list"
	RootsListChangedNotificationMethod Method = "notifications/roots/list_changed"

	// General
	PingMethod                  Method = "ping"
	CancelledNotificationMethod Method = "notifications/cancelled"
	ProgressNotificationMethod  Method = "notifications/progress"
)

// PaginatedRequest carries a cursor for paginated list requests.
type PaginatedRequest struct {
	Cursor string `json:"cursor,omitzero"`
}

// PaginatedResult carries a cursor for continuing pagination.
type PaginatedResult struct {
	NextCursor string `json:"nextCursor,omitzero"`
}

// BaseMetadata carries optional request/response metadata.
type BaseMetadata struct {
	Meta map[string]any `json:"_meta,omitempty"`
}

// EmptyResult is the result payload for requests that acknowledge without
// returning data (ping, shutdown).
type EmptyResult struct{}

// CancelledNotification tells the peer that the identified request should
// stop producing output. The id may arrive as a string or a number on the
// wire.
type CancelledNotification struct {
	RequestID *jsonrpc.RequestID `json:"requestId"`
	Reason    string             `json:"reason,omitzero"`
}

// ProgressNotificationParams conveys progress of a long-running invocation.
type ProgressNotificationParams struct {
	ProgressToken any     `json:"progressToken"`
	Progress      float64 `json:"progress"`
	Total         float64 `json:"total,omitzero"`
}

// ListRootsRequest asks the client for its workspace roots.
type ListRootsRequest struct{}

// ListRootsResult returns the client's root entries.
type ListRootsResult struct {
	Roots []Root `json:"roots"`
}

// InitializeRequest starts the protocol handshake.
type InitializeRequest struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult returns the negotiated version, agreed capabilities, and
// server identity.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitzero"`
	BaseMetadata
}

// ListToolsRequest requests the set of registered tools.
type ListToolsRequest struct {
	PaginatedRequest
}

// ListToolsResult returns the registered tools.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
	PaginatedResult
	BaseMetadata
}

// CallToolRequestReceived is the server-side view of a tools/call request.
// Arguments stay raw until the registry has validated them.
type CallToolRequestReceived struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      json.RawMessage `json:"_meta,omitempty"`
}

// CallToolResult is the outcome of a tool invocation. IsError marks a
// domain-level failure that the handler chose to report as content rather
// than a protocol error.
type CallToolResult struct {
	Content []ContentBlock `json:"content,omitempty"`
	IsError bool           `json:"isError,omitzero"`
	// StructuredContent contains a typed object conforming to the tool's
	// OutputSchema when one was declared.
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	BaseMetadata
}

// ListResourcesRequest requests a page of concrete resources.
type ListResourcesRequest struct {
	PaginatedRequest
}

// ListResourcesResult returns a page of resources.
type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
	PaginatedResult
	BaseMetadata
}

// ListResourceTemplatesRequest requests the resource templates.
type ListResourceTemplatesRequest struct {
	PaginatedRequest
}

// ListResourceTemplatesResult returns the resource templates.
type ListResourceTemplatesResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	PaginatedResult
	BaseMetadata
}

// ReadResourceRequest requests the contents of a resource by URI.
type ReadResourceRequest struct {
	URI string `json:"uri"`
}

// ReadResourceResult returns resource contents.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
	BaseMetadata
}

// ListPromptsRequest requests the registered prompts.
type ListPromptsRequest struct {
	PaginatedRequest
}

// ListPromptsResult returns the registered prompts.
type ListPromptsResult struct {
	Prompts []Prompt `json:"prompts"`
	PaginatedResult
	BaseMetadata
}

// GetPromptRequestReceived is the server-side view of a prompts/get request.
type GetPromptRequestReceived struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// GetPromptResult returns the materialized prompt messages.
type GetPromptResult struct {
	Description string          `json:"description,omitzero"`
	Messages    []PromptMessage `json:"messages"`
	BaseMetadata
}

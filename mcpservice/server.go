package mcpservice

import (
	"context"

	"github.com/Tibiritabara/postgres-mcp/mcp"
	"github.com/Tibiritabara/postgres-mcp/sessions"
)

// ServerOption configures a concrete ServerCapabilities implementation.
type ServerOption func(*server)

type server struct {
	staticInfo   *mcp.ImplementationInfo
	infoProvider func(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, error)

	staticProtocolVersion string
	staticInstructions    *string

	staticToolsCap ToolsCapability
	toolsProvider  func(ctx context.Context, session sessions.Session) (ToolsCapability, bool, error)

	staticResourcesCap ResourcesCapability
	resourcesProvider  func(ctx context.Context, session sessions.Session) (ResourcesCapability, bool, error)

	staticPromptsCap PromptsCapability
	promptsProvider  func(ctx context.Context, session sessions.Session) (PromptsCapability, bool, error)
}

// NewServer builds a ServerCapabilities from functional options. Options
// configure either static values or per-session providers; later options
// override earlier ones.
func NewServer(opts ...ServerOption) ServerCapabilities {
	s := &server{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithServerInfo sets a static server info value.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *server) { s.staticInfo = &info }
}

// WithServerInfoProvider sets a provider for per-session server info.
func WithServerInfoProvider(fn func(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, error)) ServerOption {
	return func(s *server) { s.infoProvider = fn }
}

// WithPreferredProtocolVersion sets a static preferred protocol version.
func WithPreferredProtocolVersion(version string) ServerOption {
	return func(s *server) { s.staticProtocolVersion = version }
}

// WithInstructions sets static instructions returned during initialize.
func WithInstructions(instr string) ServerOption {
	return func(s *server) { s.staticInstructions = &instr }
}

// WithToolsCapability wires a static ToolsCapability used for all sessions.
func WithToolsCapability(cap ToolsCapability) ServerOption {
	return func(s *server) { s.staticToolsCap = cap }
}

// WithToolsProvider wires a per-session tools capability provider.
func WithToolsProvider(fn func(ctx context.Context, session sessions.Session) (ToolsCapability, bool, error)) ServerOption {
	return func(s *server) { s.toolsProvider = fn }
}

// WithResourcesCapability wires a static ResourcesCapability used for all sessions.
func WithResourcesCapability(cap ResourcesCapability) ServerOption {
	return func(s *server) { s.staticResourcesCap = cap }
}

// WithResourcesProvider wires a per-session resources capability provider.
func WithResourcesProvider(fn func(ctx context.Context, session sessions.Session) (ResourcesCapability, bool, error)) ServerOption {
	return func(s *server) { s.resourcesProvider = fn }
}

// WithPromptsCapability wires a static PromptsCapability used for all sessions.
func WithPromptsCapability(cap PromptsCapability) ServerOption {
	return func(s *server) { s.staticPromptsCap = cap }
}

// WithPromptsProvider wires a per-session prompts capability provider.
func WithPromptsProvider(fn func(ctx context.Context, session sessions.Session) (PromptsCapability, bool, error)) ServerOption {
	return func(s *server) { s.promptsProvider = fn }
}

func (s *server) GetServerInfo(ctx context.Context, session sessions.Session) (mcp.ImplementationInfo, error) {
	if s.infoProvider != nil {
		return s.infoProvider(ctx, session)
	}
	if s.staticInfo != nil {
		return *s.staticInfo, nil
	}
	return mcp.ImplementationInfo{Name: "mcp-server", Version: "0.0.0"}, nil
}

func (s *server) GetPreferredProtocolVersion(ctx context.Context) (string, bool, error) {
	if s.staticProtocolVersion != "" {
		return s.staticProtocolVersion, true, nil
	}
	return "", false, nil
}

func (s *server) GetInstructions(ctx context.Context, session sessions.Session) (string, bool, error) {
	if s.staticInstructions != nil {
		return *s.staticInstructions, true, nil
	}
	return "", false, nil
}

func (s *server) GetToolsCapability(ctx context.Context, session sessions.Session) (ToolsCapability, bool, error) {
	if s.toolsProvider != nil {
		return s.toolsProvider(ctx, session)
	}
	if s.staticToolsCap != nil {
		return s.staticToolsCap, true, nil
	}
	return nil, false, nil
}

func (s *server) GetResourcesCapability(ctx context.Context, session sessions.Session) (ResourcesCapability, bool, error) {
	if s.resourcesProvider != nil {
		return s.resourcesProvider(ctx, session)
	}
	if s.staticResourcesCap != nil {
		return s.staticResourcesCap, true, nil
	}
	return nil, false, nil
}

func (s *server) GetPromptsCapability(ctx context.Context, session sessions.Session) (PromptsCapability, bool, error) {
	if s.promptsProvider != nil {
		return s.promptsProvider(ctx, session)
	}
	if s.staticPromptsCap != nil {
		return s.staticPromptsCap, true, nil
	}
	return nil, false, nil
}

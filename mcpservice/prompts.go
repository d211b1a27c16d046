package mcpservice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Tibiritabara/postgres-mcp/mcp"
	"github.com/Tibiritabara/postgres-mcp/sessions"
)

// ErrPromptNotFound is returned by GetPrompt for unknown prompt names.
var ErrPromptNotFound = errors.New("prompt not found")

// PromptHandler materializes a prompt from its validated arguments.
type PromptHandler func(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error)

// StaticPrompt pairs a prompt descriptor with its handler.
type StaticPrompt struct {
	Descriptor mcp.Prompt
	Handler    PromptHandler
}

// PromptRegistry owns a threadsafe set of prompt descriptors and handlers
// and implements PromptsCapability. Registration rejects duplicate names.
type PromptRegistry struct {
	mu       sync.RWMutex
	prompts  []mcp.Prompt
	handlers map[string]PromptHandler

	pageSize int
}

// NewPromptRegistry constructs a registry holding the given prompts. It
// panics on duplicate names; use Register when the error path matters.
func NewPromptRegistry(defs ...StaticPrompt) *PromptRegistry {
	pr := &PromptRegistry{
		handlers: make(map[string]PromptHandler, len(defs)),
		pageSize: defaultPageSize,
	}
	for _, def := range defs {
		if err := pr.Register(def); err != nil {
			panic(fmt.Sprintf("mcpservice: %v", err))
		}
	}
	return pr
}

// Register adds a prompt. It fails with ErrDuplicateName when the name is
// already registered.
func (pr *PromptRegistry) Register(def StaticPrompt) error {
	name := def.Descriptor.Name
	if name == "" {
		return fmt.Errorf("prompt descriptor requires a name")
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.handlers == nil {
		pr.handlers = make(map[string]PromptHandler)
	}
	if _, exists := pr.handlers[name]; exists {
		return fmt.Errorf("prompt %q: %w", name, ErrDuplicateName)
	}
	pr.prompts = append(pr.prompts, def.Descriptor)
	pr.handlers[name] = def.Handler
	return nil
}

// ListPrompts implements PromptsCapability.
func (pr *PromptRegistry) ListPrompts(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Prompt], error) {
	pr.mu.RLock()
	all := make([]mcp.Prompt, len(pr.prompts))
	copy(all, pr.prompts)
	size := pr.pageSize
	pr.mu.RUnlock()
	return paginate(all, cursor, size)
}

// GetPrompt implements PromptsCapability. Required arguments declared in
// the descriptor are enforced before the handler runs.
func (pr *PromptRegistry) GetPrompt(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error) {
	if req == nil || req.Name == "" {
		return nil, &ValidationError{Reason: "missing prompt name"}
	}

	pr.mu.RLock()
	h, ok := pr.handlers[req.Name]
	var desc *mcp.Prompt
	for i := range pr.prompts {
		if pr.prompts[i].Name == req.Name {
			desc = &pr.prompts[i]
			break
		}
	}
	pr.mu.RUnlock()

	if !ok || desc == nil {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, req.Name)
	}
	for _, arg := range desc.Arguments {
		if !arg.Required {
			continue
		}
		if _, present := req.Arguments[arg.Name]; !present {
			return nil, &ValidationError{Reason: fmt.Sprintf("missing required argument %q", arg.Name)}
		}
	}
	return h(ctx, session, req)
}

// TextPrompt builds a single-message user prompt from a format function.
// Most prompts are one rendered instruction; this keeps their definition to
// a descriptor plus a format closure.
func TextPrompt(desc mcp.Prompt, render func(args map[string]string) string) StaticPrompt {
	return StaticPrompt{
		Descriptor: desc,
		Handler: func(ctx context.Context, session sessions.Session, req *mcp.GetPromptRequestReceived) (*mcp.GetPromptResult, error) {
			return &mcp.GetPromptResult{
				Description: desc.Description,
				Messages: []mcp.PromptMessage{{
					Role:    mcp.RoleUser,
					Content: []mcp.ContentBlock{mcp.TextContent(render(req.Arguments))},
				}},
			}, nil
		},
	}
}

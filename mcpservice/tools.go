package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/Tibiritabara/postgres-mcp/mcp"
	"github.com/Tibiritabara/postgres-mcp/sessions"
)

// ErrToolNotFound is returned by CallTool when no tool with the requested
// name is registered.
var ErrToolNotFound = errors.New("tool not found")

// ErrDuplicateName is returned when registering a descriptor whose name is
// already taken. Descriptors are immutable after registration, so a
// duplicate is always a programming error rather than an update.
var ErrDuplicateName = errors.New("name already registered")

// ValidationError reports arguments that failed schema validation at the
// registry boundary. The handler is never invoked when validation fails.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid arguments: " + e.Reason
}

// ToolHandler is the function signature invoked for a tool call whose
// arguments already passed schema validation.
type ToolHandler func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs a tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// Errorf builds a CallToolResult conveying a domain-level failure as error
// content. Use it for failures the caller should see verbatim (bad input,
// rejected query) rather than protocol errors.
func Errorf(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{mcp.TextContent(fmt.Sprintf(format, args...))},
		IsError: true,
	}
}

const defaultPageSize = 50

// ToolRegistry owns a threadsafe set of tool descriptors and handlers and
// implements ToolsCapability. Registration rejects duplicate names;
// descriptors are immutable once registered.
type ToolRegistry struct {
	mu       sync.RWMutex
	tools    []mcp.Tool
	handlers map[string]ToolHandler

	pageSize int
}

// NewToolRegistry constructs a registry holding the given tools. It panics
// on duplicate names, which keeps static construction terse; use Register
// when the error path matters.
func NewToolRegistry(defs ...StaticTool) *ToolRegistry {
	tr := &ToolRegistry{
		handlers: make(map[string]ToolHandler, len(defs)),
		pageSize: defaultPageSize,
	}
	for _, def := range defs {
		if err := tr.Register(def); err != nil {
			panic(fmt.Sprintf("mcpservice: %v", err))
		}
	}
	return tr
}

// Register adds a tool. It fails with ErrDuplicateName when the name is
// already registered.
func (tr *ToolRegistry) Register(def StaticTool) error {
	name := def.Descriptor.Name
	if name == "" {
		return fmt.Errorf("tool descriptor requires a name")
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.handlers == nil {
		tr.handlers = make(map[string]ToolHandler)
	}
	if _, exists := tr.handlers[name]; exists {
		return fmt.Errorf("tool %q: %w", name, ErrDuplicateName)
	}
	tr.tools = append(tr.tools, def.Descriptor)
	tr.handlers[name] = def.Handler
	return nil
}

// SetPageSize sets the pagination size used by ListTools. Values < 1 are
// ignored.
func (tr *ToolRegistry) SetPageSize(n int) {
	if n < 1 {
		return
	}
	tr.mu.Lock()
	tr.pageSize = n
	tr.mu.Unlock()
}

// Snapshot returns a copy of the current tool descriptors.
func (tr *ToolRegistry) Snapshot() []mcp.Tool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]mcp.Tool, len(tr.tools))
	copy(out, tr.tools)
	return out
}

// ListTools implements ToolsCapability.
func (tr *ToolRegistry) ListTools(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Tool], error) {
	tr.mu.RLock()
	all := make([]mcp.Tool, len(tr.tools))
	copy(all, tr.tools)
	size := tr.pageSize
	tr.mu.RUnlock()
	return paginate(all, cursor, size)
}

// CallTool implements ToolsCapability. Arguments are validated against the
// tool's declared input schema before the handler runs; a validation
// failure never reaches the handler.
func (tr *ToolRegistry) CallTool(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, &ValidationError{Reason: "missing tool name"}
	}

	tr.mu.RLock()
	h, ok := tr.handlers[req.Name]
	var desc *mcp.Tool
	for i := range tr.tools {
		if tr.tools[i].Name == req.Name {
			desc = &tr.tools[i]
			break
		}
	}
	tr.mu.RUnlock()

	if !ok || desc == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.Name)
	}
	if err := validateArguments(desc.InputSchema, req.Arguments); err != nil {
		return nil, err
	}
	return h(ctx, session, req)
}

// validateArguments checks raw arguments against the simplified input
// schema: the payload must be an object, required properties must be
// present, declared property types must match, and unknown properties are
// rejected unless the schema allows them.
func validateArguments(schema mcp.ToolInputSchema, raw json.RawMessage) error {
	var args map[string]json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return &ValidationError{Reason: "arguments must be an object"}
		}
	}

	for _, name := range schema.Required {
		if _, ok := args[name]; !ok {
			return &ValidationError{Reason: fmt.Sprintf("missing required property %q", name)}
		}
	}

	for name, value := range args {
		prop, declared := schema.Properties[name]
		if !declared {
			if !schema.AdditionalProperties {
				return &ValidationError{Reason: fmt.Sprintf("unknown property %q", name)}
			}
			continue
		}
		if err := checkPropertyType(name, prop, value); err != nil {
			return err
		}
	}
	return nil
}

func checkPropertyType(name string, prop mcp.SchemaProperty, value json.RawMessage) error {
	if prop.Type == "" || string(value) == "null" {
		return nil
	}
	ok := false
	switch prop.Type {
	case "string":
		var s string
		ok = json.Unmarshal(value, &s) == nil
	case "number":
		var f float64
		ok = json.Unmarshal(value, &f) == nil
	case "integer":
		var i int64
		ok = json.Unmarshal(value, &i) == nil
	case "boolean":
		var b bool
		ok = json.Unmarshal(value, &b) == nil
	case "array":
		var a []json.RawMessage
		ok = json.Unmarshal(value, &a) == nil
	case "object":
		var m map[string]json.RawMessage
		ok = json.Unmarshal(value, &m) == nil
	default:
		ok = true
	}
	if !ok {
		return &ValidationError{Reason: fmt.Sprintf("property %q is not a valid %s", name, prop.Type)}
	}
	return nil
}

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls whether unknown argument fields
// are accepted. When false (default) the generated schema sets
// additionalProperties=false and decoding rejects unknown fields.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool constructs a StaticTool from a typed argument struct A. The input
// schema is reflected from A via invopop/jsonschema and down-converted to
// the simplified wire schema; at call time the validated raw arguments are
// decoded into A before fn runs.
func NewTool[A any](name string, fn func(ctx context.Context, session sessions.Session, args A) (*mcp.CallToolResult, error), opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
	}

	handler := func(ctx context.Context, session sessions.Session, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		var a A
		if len(req.Arguments) > 0 {
			if cfg.allowAdditionalProperties {
				if err := json.Unmarshal(req.Arguments, &a); err != nil {
					return nil, &ValidationError{Reason: err.Error()}
				}
			} else {
				dec := json.NewDecoder(bytes.NewReader(req.Arguments))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&a); err != nil {
					return nil, &ValidationError{Reason: err.Error()}
				}
			}
		}
		return fn(ctx, session, a)
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

// reflectInputSchema reflects a Go type A into a jsonschema.Schema and
// converts it to the simplified wire schema. Non-object roots degrade to an
// empty object schema.
func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		ExpandedStruct:            true, // put struct at root
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

// toSchemaProperty recursively maps a jsonschema.Schema node to the
// simplified wire representation.
func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
		if len(s.Required) > 0 {
			p.Required = append(p.Required, s.Required...)
		}
	}
	return p
}

// paginate slices items by a numeric offset cursor.
func paginate[T any](all []T, cursor *string, size int) (Page[T], error) {
	start := 0
	if cursor != nil && *cursor != "" {
		n, err := strconv.Atoi(*cursor)
		if err != nil || n < 0 || n > len(all) {
			return Page[T]{}, &ValidationError{Reason: "invalid cursor"}
		}
		start = n
	}
	if size < 1 {
		size = defaultPageSize
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	items := make([]T, end-start)
	copy(items, all[start:end])
	if end < len(all) {
		return NewPage(items, WithNextCursor[T](strconv.Itoa(end))), nil
	}
	return NewPage(items), nil
}

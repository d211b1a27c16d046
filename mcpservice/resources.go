package mcpservice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/yosida95/uritemplate/v3"

	"github.com/Tibiritabara/postgres-mcp/mcp"
	"github.com/Tibiritabara/postgres-mcp/sessions"
)

// ErrResourceNotFound is returned by ReadResource for URIs that match no
// registered resource or template.
var ErrResourceNotFound = errors.New("resource not found")

// ResourceHandler produces the contents for a resource read. For template
// resources, vars holds the variables extracted from the URI; for concrete
// resources it is nil.
type ResourceHandler func(ctx context.Context, session sessions.Session, uri string, vars map[string]string) ([]mcp.ResourceContents, error)

// StaticResource pairs a concrete resource descriptor with its handler.
type StaticResource struct {
	Descriptor mcp.Resource
	Handler    ResourceHandler
}

// TemplateResource pairs a URI-template descriptor with its handler. The
// template is compiled at registration; reads matching the template receive
// the extracted variables.
type TemplateResource struct {
	Descriptor mcp.ResourceTemplate
	Handler    ResourceHandler
}

type compiledTemplate struct {
	descriptor mcp.ResourceTemplate
	tmpl       *uritemplate.Template
	handler    ResourceHandler
}

// ResourceRegistry owns a threadsafe set of resources and resource
// templates and implements ResourcesCapability. Reads resolve concrete URIs
// first, then templates in registration order.
type ResourceRegistry struct {
	mu        sync.RWMutex
	resources []mcp.Resource
	handlers  map[string]ResourceHandler // uri -> handler
	templates []compiledTemplate

	pageSize int
}

// NewResourceRegistry constructs an empty registry.
func NewResourceRegistry() *ResourceRegistry {
	return &ResourceRegistry{
		handlers: make(map[string]ResourceHandler),
		pageSize: defaultPageSize,
	}
}

// RegisterResource adds a concrete resource. It fails with ErrDuplicateName
// when the URI is already registered.
func (rr *ResourceRegistry) RegisterResource(def StaticResource) error {
	uri := def.Descriptor.URI
	if uri == "" {
		return fmt.Errorf("resource descriptor requires a uri")
	}
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if _, exists := rr.handlers[uri]; exists {
		return fmt.Errorf("resource %q: %w", uri, ErrDuplicateName)
	}
	rr.resources = append(rr.resources, def.Descriptor)
	rr.handlers[uri] = def.Handler
	return nil
}

// RegisterTemplate compiles and adds a resource template. It fails with
// ErrDuplicateName when the template string is already registered and with a
// compile error when the template is not valid RFC 6570.
func (rr *ResourceRegistry) RegisterTemplate(def TemplateResource) error {
	raw := def.Descriptor.URITemplate
	if raw == "" {
		return fmt.Errorf("resource template descriptor requires a uriTemplate")
	}
	tmpl, err := uritemplate.New(raw)
	if err != nil {
		return fmt.Errorf("compile resource template %q: %w", raw, err)
	}
	rr.mu.Lock()
	defer rr.mu.Unlock()
	for _, ct := range rr.templates {
		if ct.descriptor.URITemplate == raw {
			return fmt.Errorf("resource template %q: %w", raw, ErrDuplicateName)
		}
	}
	rr.templates = append(rr.templates, compiledTemplate{
		descriptor: def.Descriptor,
		tmpl:       tmpl,
		handler:    def.Handler,
	})
	return nil
}

// SetPageSize sets the pagination size used when listing resources or
// templates. Values < 1 are ignored.
func (rr *ResourceRegistry) SetPageSize(n int) {
	if n < 1 {
		return
	}
	rr.mu.Lock()
	rr.pageSize = n
	rr.mu.Unlock()
}

// ListResources implements ResourcesCapability.
func (rr *ResourceRegistry) ListResources(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.Resource], error) {
	rr.mu.RLock()
	all := make([]mcp.Resource, len(rr.resources))
	copy(all, rr.resources)
	size := rr.pageSize
	rr.mu.RUnlock()
	return paginate(all, cursor, size)
}

// ListResourceTemplates implements ResourcesCapability.
func (rr *ResourceRegistry) ListResourceTemplates(ctx context.Context, session sessions.Session, cursor *string) (Page[mcp.ResourceTemplate], error) {
	rr.mu.RLock()
	all := make([]mcp.ResourceTemplate, 0, len(rr.templates))
	for _, ct := range rr.templates {
		all = append(all, ct.descriptor)
	}
	size := rr.pageSize
	rr.mu.RUnlock()
	return paginate(all, cursor, size)
}

// ReadResource implements ResourcesCapability.
func (rr *ResourceRegistry) ReadResource(ctx context.Context, session sessions.Session, uri string) ([]mcp.ResourceContents, error) {
	rr.mu.RLock()
	h, ok := rr.handlers[uri]
	var matched *compiledTemplate
	var vars map[string]string
	if !ok {
		for i := range rr.templates {
			ct := &rr.templates[i]
			values := ct.tmpl.Match(uri)
			if values == nil {
				continue
			}
			matched = ct
			vars = make(map[string]string, len(values))
			for _, name := range ct.tmpl.Varnames() {
				vars[name] = values.Get(name).String()
			}
			break
		}
	}
	rr.mu.RUnlock()

	switch {
	case ok:
		return h(ctx, session, uri, nil)
	case matched != nil:
		return matched.handler(ctx, session, uri, vars)
	default:
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
}

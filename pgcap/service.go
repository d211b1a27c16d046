package pgcap

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/Tibiritabara/postgres-mcp/mcp"
	"github.com/Tibiritabara/postgres-mcp/mcpservice"
	"github.com/Tibiritabara/postgres-mcp/sessions"
)

// Service wires a database handle to the MCP capability registries.
type Service struct {
	db Querier
}

// New constructs a Service over the given database handle.
func New(db Querier) *Service {
	return &Service{db: db}
}

const (
	schemaURITemplate = "database://{schema}"
	tableURITemplate  = "database://{schema}/tables/{table}"
	yamlMimeType      = "application/yaml"
)

// Resources exposes schema and table introspection as templated resources.
func (s *Service) Resources() (*mcpservice.ResourceRegistry, error) {
	rr := mcpservice.NewResourceRegistry()

	if err := rr.RegisterTemplate(mcpservice.TemplateResource{
		Descriptor: mcp.ResourceTemplate{
			URITemplate: schemaURITemplate,
			Name:        "schema_description",
			Description: "Tables of a schema with their comments, as YAML.",
			MimeType:    yamlMimeType,
		},
		Handler: s.readSchema,
	}); err != nil {
		return nil, err
	}

	if err := rr.RegisterTemplate(mcpservice.TemplateResource{
		Descriptor: mcp.ResourceTemplate{
			URITemplate: tableURITemplate,
			Name:        "table_description",
			Description: "Columns of a table with types and constraints, as YAML.",
			MimeType:    yamlMimeType,
		},
		Handler: s.readTable,
	}); err != nil {
		return nil, err
	}

	return rr, nil
}

func (s *Service) readSchema(ctx context.Context, _ sessions.Session, uri string, vars map[string]string) ([]mcp.ResourceContents, error) {
	summary, err := s.SchemaSummary(ctx, vars["schema"])
	if err != nil {
		return nil, err
	}
	text, err := renderYAML(summary)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{{URI: uri, MimeType: yamlMimeType, Text: text}}, nil
}

func (s *Service) readTable(ctx context.Context, _ sessions.Session, uri string, vars map[string]string) ([]mcp.ResourceContents, error) {
	table, err := s.TableInfo(ctx, vars["schema"], vars["table"])
	if err != nil {
		return nil, err
	}
	text, err := renderYAML(table)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{{URI: uri, MimeType: yamlMimeType, Text: text}}, nil
}

type queryArgs struct {
	Query string `json:"query" jsonschema:"description=A single SELECT statement to execute against the database."`
}

// Tools exposes the read-only query tool.
func (s *Service) Tools() (*mcpservice.ToolRegistry, error) {
	tr := mcpservice.NewToolRegistry()

	err := tr.Register(mcpservice.NewTool("query_database",
		func(ctx context.Context, _ sessions.Session, args queryArgs) (*mcp.CallToolResult, error) {
			rows, err := s.RunQuery(ctx, args.Query)
			if err != nil {
				// Rejected SQL is the caller's mistake, reported in-band so the
				// model can correct its query.
				return mcpservice.Errorf("query failed: %s", err.Error()), nil
			}
			if reporter, ok := mcpservice.ProgressFrom(ctx); ok {
				_ = reporter.Report(ctx, float64(len(rows)), float64(len(rows)))
			}
			text, err := renderYAML(rows)
			if err != nil {
				return nil, err
			}
			return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(text)}}, nil
		},
		mcpservice.WithToolDescription("Run a read-only SQL query and return the rows as YAML. Only SELECT queries are accepted."),
	))
	if err != nil {
		return nil, err
	}

	return tr, nil
}

// Prompts exposes canned instructions for describing and querying the
// database.
func (s *Service) Prompts() (*mcpservice.PromptRegistry, error) {
	pr := mcpservice.NewPromptRegistry()

	defs := []mcpservice.StaticPrompt{
		mcpservice.TextPrompt(mcp.Prompt{
			Name:        "prompt_schema_description",
			Description: "Ask for a description of a schema.",
			Arguments: []mcp.PromptArgument{
				{Name: "schema", Description: "The name of the postgres schema", Required: true},
			},
		}, func(args map[string]string) string {
			return fmt.Sprintf("Please provide a description of the schema `%s`", args["schema"])
		}),
		mcpservice.TextPrompt(mcp.Prompt{
			Name:        "prompt_table_description",
			Description: "Ask for a description of a table.",
			Arguments: []mcp.PromptArgument{
				{Name: "schema", Description: "The name of the postgres schema", Required: true},
				{Name: "table", Description: "The name of the table", Required: true},
			},
		}, func(args map[string]string) string {
			return fmt.Sprintf("Please provide a description of the table `%s` in the schema `%s`", args["table"], args["schema"])
		}),
		mcpservice.TextPrompt(mcp.Prompt{
			Name:        "prompt_query_database",
			Description: "Ask for the contents of a table.",
			Arguments: []mcp.PromptArgument{
				{Name: "schema", Description: "The name of the postgres schema", Required: true},
				{Name: "table", Description: "The name of the table", Required: true},
			},
		}, func(args map[string]string) string {
			return fmt.Sprintf("Please bring me the data from the table `%s` in the schema `%s`", args["table"], args["schema"])
		}),
	}

	for _, def := range defs {
		if err := pr.Register(def); err != nil {
			return nil, err
		}
	}

	return pr, nil
}

func renderYAML(v any) (string, error) {
	b, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("render yaml: %w", err)
	}
	return string(b), nil
}

// Package pgcap exposes a Postgres database through MCP capabilities:
// schema and table introspection as resources, a read-only query tool, and
// prompts guiding a model toward the interesting questions. Results render
// as YAML so they stay legible inside model context windows.
package pgcap

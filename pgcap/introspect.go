package pgcap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Querier is the subset of pgxpool.Pool the capabilities need. Tests
// substitute a fake.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Only ordinary tables (relkind 'r'); views and partitions are out of scope
// for the schema overview.
const schemaTablesSQL = `
SELECT
    n.nspname AS schema_name,
    c.relname AS table_name,
    d.description AS table_description
FROM pg_catalog.pg_class c
LEFT JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
LEFT JOIN pg_catalog.pg_description d ON d.objoid = c.oid AND d.objsubid = 0
WHERE
    c.relkind = 'r'
    AND n.nspname = $1
ORDER BY schema_name, table_name`

const tableColumnsSQL = `
SELECT
    column_name,
    data_type,
    is_nullable,
    column_default,
    character_maximum_length,
    numeric_precision,
    numeric_scale
FROM
    information_schema.columns
WHERE
    table_schema = $1 AND
    table_name = $2
ORDER BY
    ordinal_position`

// SchemaSummary lists the ordinary tables of schema with their comments.
// An unknown schema yields an empty summary, matching what the catalog
// reports.
func (s *Service) SchemaSummary(ctx context.Context, schema string) (*DatabaseSummary, error) {
	rows, err := s.db.Query(ctx, schemaTablesSQL, schema)
	if err != nil {
		return nil, fmt.Errorf("query pg_catalog for schema %q: %w", schema, err)
	}
	defer rows.Close()

	summary := &DatabaseSummary{Tables: []TableSummary{}}
	for rows.Next() {
		var t TableSummary
		if err := rows.Scan(&t.SchemaName, &t.TableName, &t.TableDescription); err != nil {
			return nil, fmt.Errorf("scan table summary: %w", err)
		}
		summary.Tables = append(summary.Tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table summaries: %w", err)
	}
	return summary, nil
}

// TableInfo describes the columns of one table in ordinal order.
func (s *Service) TableInfo(ctx context.Context, schema, table string) (*Table, error) {
	rows, err := s.db.Query(ctx, tableColumnsSQL, schema, table)
	if err != nil {
		return nil, fmt.Errorf("query information_schema for %q.%q: %w", schema, table, err)
	}
	defer rows.Close()

	out := &Table{SchemaName: schema, TableName: table, Columns: []Column{}}
	for rows.Next() {
		var (
			c        Column
			nullable string
		)
		if err := rows.Scan(&c.ColumnName, &c.DataType, &nullable, &c.ColumnDefault,
			&c.CharacterMaximumLength, &c.NumericPrecision, &c.NumericScale); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		c.IsNullable = nullable == "YES"
		out.Columns = append(out.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return out, nil
}

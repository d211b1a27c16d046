package pgcap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrNotReadOnly rejects statements that are not plain SELECT queries. The
// tool hands arbitrary model-authored SQL to the database, so anything that
// could mutate state is refused before it reaches the wire.
var ErrNotReadOnly = errors.New("only SELECT queries are allowed")

// validateReadOnly accepts a single SELECT (or WITH ... SELECT) statement.
// The check is syntactic; the connection should additionally run with a
// read-only role for defense in depth.
func validateReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("%w: empty query", ErrNotReadOnly)
	}
	// A single trailing semicolon is tolerated; anything beyond it means
	// multiple statements.
	trimmed = strings.TrimSuffix(trimmed, ";")
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("%w: multiple statements", ErrNotReadOnly)
	}
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return ErrNotReadOnly
	}
	return nil
}

// RunQuery executes a validated read-only query and returns each row as a
// column-name keyed map. UUID values are rendered as their canonical string
// form; other values pass through as scanned.
func (s *Service) RunQuery(ctx context.Context, query string) ([]map[string]any, error) {
	if err := validateReadOnly(query); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	out := []map[string]any{}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row values: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case [16]byte:
		return uuid.UUID(val).String()
	case uuid.UUID:
		return val.String()
	default:
		return v
	}
}

package pgcap

// TableSummary is one row of a schema overview: the table and its comment,
// if the table carries one.
type TableSummary struct {
	SchemaName       string  `yaml:"schema_name"`
	TableName        string  `yaml:"table_name"`
	TableDescription *string `yaml:"table_description"`
}

// DatabaseSummary lists the tables of one schema.
type DatabaseSummary struct {
	Tables []TableSummary `yaml:"tables"`
}

// Column describes one column of a table as reported by
// information_schema.columns.
type Column struct {
	ColumnName             string  `yaml:"column_name"`
	DataType               string  `yaml:"data_type"`
	IsNullable             bool    `yaml:"is_nullable"`
	ColumnDefault          *string `yaml:"column_default"`
	CharacterMaximumLength *int64  `yaml:"character_maximum_length"`
	NumericPrecision       *int64  `yaml:"numeric_precision"`
	NumericScale           *int64  `yaml:"numeric_scale"`
}

// Table describes a single table and its columns.
type Table struct {
	SchemaName string   `yaml:"schema_name"`
	TableName  string   `yaml:"table_name"`
	Columns    []Column `yaml:"columns"`
}

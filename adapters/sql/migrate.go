package sql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/preslavrachev/datastore/core"
)

var columnTypes = map[core.BackendKind]map[core.FieldType]string{
	core.BackendSQLite: {
		core.TypeString:  "TEXT",
		core.TypeNumber:  "NUMERIC",
		core.TypeBoolean: "BOOLEAN",
		core.TypeDate:    "DATETIME",
		core.TypeObject:  "TEXT",
		core.TypeArray:   "TEXT",
		core.TypeCustom:  "TEXT",
	},
	core.BackendPostgres: {
		core.TypeString:  "TEXT",
		core.TypeNumber:  "DOUBLE PRECISION",
		core.TypeBoolean: "BOOLEAN",
		core.TypeDate:    "TIMESTAMPTZ",
		core.TypeObject:  "JSONB",
		core.TypeArray:   "JSONB",
		core.TypeCustom:  "JSONB",
	},
	core.BackendMySQL: {
		core.TypeString:  "VARCHAR(255)",
		core.TypeNumber:  "DOUBLE",
		core.TypeBoolean: "BOOLEAN",
		core.TypeDate:    "DATETIME(6)",
		core.TypeObject:  "JSON",
		core.TypeArray:   "JSON",
		core.TypeCustom:  "JSON",
	},
}

// CreateTableStatement renders the CREATE TABLE statement for schema's
// stored fields. A numeric primary key is generated by the database.
func CreateTableStatement(dialect core.BackendKind, schema *core.Schema) (string, error) {
	types, ok := columnTypes[dialect]
	if !ok {
		return "", fmt.Errorf("sql: unsupported dialect %q", dialect)
	}

	var columns []string
	if schema.Primary() == nil {
		columns = append(columns, primaryColumn(dialect, "id", core.TypeNumber))
	}
	for _, f := range schema.Fields() {
		if f.Virtual {
			continue
		}
		if f.Primary {
			columns = append(columns, primaryColumn(dialect, f.Column, f.Type))
			continue
		}
		def := core.QuoteIdent(dialect, f.Column) + " " + types[f.Type]
		if f.Required {
			def += " NOT NULL"
		}
		columns = append(columns, def)
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		core.QuoteIdent(dialect, schema.Table), strings.Join(columns, ",\n\t")), nil
}

func primaryColumn(dialect core.BackendKind, column string, typ core.FieldType) string {
	col := core.QuoteIdent(dialect, column)
	if typ != core.TypeNumber {
		if dialect == core.BackendMySQL {
			return col + " VARCHAR(64) PRIMARY KEY"
		}
		return col + " TEXT PRIMARY KEY"
	}
	switch dialect {
	case core.BackendPostgres:
		return col + " BIGSERIAL PRIMARY KEY"
	case core.BackendMySQL:
		return col + " BIGINT AUTO_INCREMENT PRIMARY KEY"
	}
	return col + " INTEGER PRIMARY KEY AUTOINCREMENT"
}

// Migrate creates the tables of schemas that do not exist yet
func Migrate(ctx context.Context, db *sql.DB, dialect core.BackendKind, schemas ...*core.Schema) error {
	for _, schema := range schemas {
		stmt, err := CreateTableStatement(dialect, schema)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", schema.Table, err)
		}
	}
	return nil
}

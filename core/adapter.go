package core

import (
	"context"
	"encoding/json"
	"fmt"
)

// BackendKind identifies the native query language of an adapter
type BackendKind string

const (
	BackendDocument BackendKind = "document"
	BackendSQLite   BackendKind = "sqlite"
	BackendPostgres BackendKind = "postgres"
	BackendMySQL    BackendKind = "mysql"
)

// IsSQL reports whether the backend is reached through textual SQL
func (b BackendKind) IsSQL() bool {
	return b == BackendSQLite || b == BackendPostgres || b == BackendMySQL
}

// Capability names used in CapabilityError
const (
	CapPagination     = "pagination"
	CapHint           = "hint"
	CapCollation      = "collation"
	CapFullTextSearch = "full-text search"
	CapNestedFields   = "nested fields"
)

// Capabilities declares what an adapter's native query form supports
type Capabilities struct {
	Backend        BackendKind `json:"backend"`
	Pagination     bool        `json:"pagination"`
	Hint           bool        `json:"hint"`
	Collation      bool        `json:"collation"`
	FullTextSearch bool        `json:"full_text_search"`
	NestedFields   bool        `json:"nested_fields"`
}

// Target is what the compiler needs to know about the backend
type Target interface {
	Capabilities() Capabilities
	Identifiers() IDNormalizer
}

// NativeQuery is the compiled, backend-specific form of a Filter
type NativeQuery interface {
	Backend() BackendKind
}

// SQLQuery is a compiled query for a textual SQL backend. Literals are inlined.
type SQLQuery struct {
	Dialect BackendKind
	Table   string
	Hint    string // rendered table hint, e.g. INDEXED BY idx
	Where   string // conditions without the WHERE keyword
	OrderBy string // terms without the ORDER BY keyword
	Limit   string // LIMIT/OFFSET clause
}

func (q *SQLQuery) Backend() BackendKind { return q.Dialect }

// Select renders the full SELECT statement for columns ("*" when empty)
func (q *SQLQuery) Select(columns string) string {
	if columns == "" {
		columns = "*"
	}
	sql := fmt.Sprintf("SELECT %s FROM %s", columns, QuoteIdent(q.Dialect, q.Table))
	if q.Hint != "" {
		sql += " " + q.Hint
	}
	if q.Where != "" {
		sql += " WHERE " + q.Where
	}
	if q.OrderBy != "" {
		sql += " ORDER BY " + q.OrderBy
	}
	if q.Limit != "" {
		sql += " " + q.Limit
	}
	return sql
}

// String renders the SELECT statement
func (q *SQLQuery) String() string {
	return q.Select("*")
}

// DocumentQuery is a compiled query for a document backend
type DocumentQuery struct {
	Collection string
	Filter     map[string]any // column -> operator object or literal
	Sort       []SortKey      // ordered
	Limit      int            // 0 means none
	Offset     int
	Hint       string
	Collation  string
}

func (q *DocumentQuery) Backend() BackendKind { return BackendDocument }

// SortKey is one ordered sort term of a DocumentQuery; Order is 1 or -1
type SortKey struct {
	Key   string
	Order int
}

// IndexDefinition describes an index to create or remove
type IndexDefinition struct {
	Fields             map[string]int `json:"fields"` // field -> 1 or -1
	Name               string         `json:"name,omitempty"`
	Unique             bool           `json:"unique,omitempty"`
	Sparse             bool           `json:"sparse,omitempty"`
	ExpireAfterSeconds int            `json:"expire_after_seconds,omitempty"`
}

// InsertManyOptions controls InsertMany
type InsertManyOptions struct {
	ReturnEntities bool
}

// UpdateOptions controls UpdateByID and UpdateMany. With Raw the changes are
// handed to the backend as native update expressions.
type UpdateOptions struct {
	Raw bool
}

// Adapter defines the interface for storage backends. Entities crossing this
// boundary are keyed by column name and carry native identifiers.
type Adapter interface {
	Target

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	Find(ctx context.Context, q NativeQuery) ([]Entity, error)
	FindOne(ctx context.Context, q NativeQuery) (Entity, error) // nil when no match
	FindByID(ctx context.Context, id any) (Entity, error)       // nil when no match
	FindByIDs(ctx context.Context, ids []any) ([]Entity, error)
	Count(ctx context.Context, q NativeQuery) (int64, error)

	Insert(ctx context.Context, entity Entity) (Entity, error)
	InsertMany(ctx context.Context, entities []Entity, opts InsertManyOptions) ([]Entity, error)
	UpdateByID(ctx context.Context, id any, changes Entity, opts UpdateOptions) (Entity, error)
	UpdateMany(ctx context.Context, q NativeQuery, changes Entity, opts UpdateOptions) (int64, error)
	ReplaceByID(ctx context.Context, id any, entity Entity) (Entity, error)
	RemoveByID(ctx context.Context, id any) (Entity, error)
	RemoveMany(ctx context.Context, q NativeQuery) (int64, error)
	Clear(ctx context.Context) (int64, error)

	CreateIndex(ctx context.Context, def IndexDefinition) (string, error)
	RemoveIndex(ctx context.Context, def IndexDefinition) (string, error)

	EntityToJSON(entity Entity) ([]byte, error)
}

// EntityToJSON is the default JSON encoding shared by adapters
func EntityToJSON(entity Entity) ([]byte, error) {
	return json.Marshal(map[string]any(entity))
}

// IndexName derives a deterministic index name when none is given
func IndexName(table string, def IndexDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	name := "idx_" + table
	for _, f := range sortedKeys(def.Fields) {
		name += "_" + f
	}
	return name
}

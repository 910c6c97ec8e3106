package core

import (
	"fmt"
	"maps"

	"github.com/go-openapi/inflect"
	"github.com/iancoleman/strcase"
)

// Entity maps field names to values. At the service surface keys are logical
// field names; at the adapter boundary they are column names.
type Entity map[string]any

// Clone returns a shallow copy of the entity
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	return maps.Clone(e)
}

// ScopeNotDeleted is the default scope installed for soft-delete schemas
const ScopeNotDeleted = "notDeleted"

// Scope is a named predicate merged into a filter's query
type Scope struct {
	Name  string         `json:"name"`
	Query map[string]any `json:"query"`
}

// Schema is the compiled, read-only field table of one entity type.
// Lookups are resolved once here and shared by the pipeline and the compiler.
type Schema struct {
	Name  string `json:"name"`
	Table string `json:"table"`

	fields   []*Field
	byName   map[string]*Field
	byColumn map[string]*Field
	primary  *Field

	onRemove   []*Field // soft-delete markers
	searchable []*Field

	scopes        map[string]Scope
	defaultScopes []string
	defaultSort   []SortField
	encoder       SecureEncoder

	// softDeleteScope is set when notDeleted was generated from the markers
	softDeleteScope bool
}

// Fields returns the fields in declaration order
func (s *Schema) Fields() []*Field { return s.fields }

// Field looks up a field by logical name
func (s *Schema) Field(name string) (*Field, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// FieldByColumn looks up a field by physical column name
func (s *Schema) FieldByColumn(column string) (*Field, bool) {
	f, ok := s.byColumn[column]
	return f, ok
}

// Primary returns the primary key field, or nil when none is declared
func (s *Schema) Primary() *Field { return s.primary }

// SoftDelete reports whether removal marks records instead of erasing them
func (s *Schema) SoftDelete() bool { return len(s.onRemove) > 0 }

// SearchableFields returns the default free-text search fields
func (s *Schema) SearchableFields() []*Field { return s.searchable }

// Scope looks up a named scope
func (s *Schema) Scope(name string) (Scope, bool) {
	sc, ok := s.scopes[name]
	return sc, ok
}

// DefaultScopes returns the names of the scopes applied unless disabled
func (s *Schema) DefaultScopes() []string { return s.defaultScopes }

// DefaultSort returns the sort applied when a request has none
func (s *Schema) DefaultSort() []SortField { return s.defaultSort }

// Encoder returns the encoder used for secure fields
func (s *Schema) Encoder() SecureEncoder { return s.encoder }

// ToColumns renames logical keys to column names, dropping virtual and unknown fields
func (s *Schema) ToColumns(e Entity) Entity {
	out := make(Entity, len(e))
	for name, v := range e {
		f, ok := s.byName[name]
		if !ok || f.Virtual {
			continue
		}
		out[f.Column] = v
	}
	return out
}

// FromColumns renames column keys to logical names, dropping unknown columns
func (s *Schema) FromColumns(row Entity) Entity {
	out := make(Entity, len(row))
	for col, v := range row {
		if f, ok := s.byColumn[col]; ok {
			out[f.Name] = v
		}
	}
	return out
}

// SchemaBuilder provides fluent API for schema configuration
type SchemaBuilder struct {
	name          string
	table         string
	fields        []*FieldBuilder
	scopes        []Scope
	defaultScopes []string
	defaultSort   []string
	encoder       SecureEncoder
}

// NewSchemaBuilder starts a schema for the named entity type
func NewSchemaBuilder(name string) *SchemaBuilder {
	return &SchemaBuilder{name: name}
}

// NewSchema builds a schema from field declarations with default settings
func NewSchema(name string, fields ...*FieldBuilder) (*Schema, error) {
	return NewSchemaBuilder(name).Fields(fields...).Build()
}

// Table sets a custom table or collection name
func (sb *SchemaBuilder) Table(table string) *SchemaBuilder {
	sb.table = table
	return sb
}

// Fields appends field declarations
func (sb *SchemaBuilder) Fields(fields ...*FieldBuilder) *SchemaBuilder {
	sb.fields = append(sb.fields, fields...)
	return sb
}

// Scope registers a named scope
func (sb *SchemaBuilder) Scope(name string, query map[string]any) *SchemaBuilder {
	sb.scopes = append(sb.scopes, Scope{Name: name, Query: query})
	return sb
}

// DefaultScopes sets the scopes applied to every read unless disabled
func (sb *SchemaBuilder) DefaultScopes(names ...string) *SchemaBuilder {
	sb.defaultScopes = append(sb.defaultScopes, names...)
	return sb
}

// DefaultSort sets the sort used when a request has none, e.g. "-createdAt"
func (sb *SchemaBuilder) DefaultSort(specs ...string) *SchemaBuilder {
	sb.defaultSort = append(sb.defaultSort, specs...)
	return sb
}

// Encoder sets the encoder for secure fields
func (sb *SchemaBuilder) Encoder(enc SecureEncoder) *SchemaBuilder {
	sb.encoder = enc
	return sb
}

// Build compiles the declarations and checks the schema invariants
func (sb *SchemaBuilder) Build() (*Schema, error) {
	if sb.name == "" {
		return nil, fmt.Errorf("schema name cannot be empty")
	}
	s := &Schema{
		Name:     sb.name,
		Table:    sb.table,
		byName:   make(map[string]*Field, len(sb.fields)),
		byColumn: make(map[string]*Field, len(sb.fields)),
		scopes:   make(map[string]Scope),
		encoder:  sb.encoder,
	}
	if s.Table == "" {
		s.Table = generateTableName(sb.name)
	}

	for _, fb := range sb.fields {
		f, err := fb.Build()
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", sb.name, err)
		}
		if _, exists := s.byName[f.Name]; exists {
			return nil, fmt.Errorf("schema %s: duplicate field %q", sb.name, f.Name)
		}
		if f.Column == "" {
			f.Column = strcase.ToSnake(f.Name)
		}
		if f.Primary {
			if s.primary != nil {
				return nil, fmt.Errorf("schema %s: fields %q and %q are both primary", sb.name, s.primary.Name, f.Name)
			}
			if f.Virtual {
				return nil, fmt.Errorf("schema %s: primary field %q cannot be virtual", sb.name, f.Name)
			}
			s.primary = f
		}
		if !f.Virtual {
			if other, taken := s.byColumn[f.Column]; taken {
				return nil, fmt.Errorf("schema %s: fields %q and %q share column %q", sb.name, other.Name, f.Name, f.Column)
			}
			s.byColumn[f.Column] = f
		}
		if f.Secure && f.Type != TypeString && !f.Primary {
			return nil, fmt.Errorf("schema %s: secure field %q must be a string", sb.name, f.Name)
		}
		s.byName[f.Name] = f
		s.fields = append(s.fields, f)
		s.index(f)
	}

	for _, sc := range sb.scopes {
		s.scopes[sc.Name] = sc
	}
	s.defaultScopes = append(s.defaultScopes, sb.defaultScopes...)
	if s.SoftDelete() {
		if _, custom := s.scopes[ScopeNotDeleted]; !custom {
			query := make(map[string]any, len(s.onRemove))
			for _, f := range s.onRemove {
				query[f.Name] = nil
			}
			s.scopes[ScopeNotDeleted] = Scope{Name: ScopeNotDeleted, Query: query}
			s.softDeleteScope = true
		}
		s.defaultScopes = append(s.defaultScopes, ScopeNotDeleted)
	}
	for _, name := range s.defaultScopes {
		if _, ok := s.scopes[name]; !ok {
			return nil, fmt.Errorf("schema %s: default scope %q is not defined", sb.name, name)
		}
	}

	sort, err := ParseSort(sb.defaultSort...)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", sb.name, err)
	}
	for _, sf := range sort {
		if _, ok := s.byName[sf.Field]; !ok {
			return nil, fmt.Errorf("schema %s: default sort field %q is not defined", sb.name, sf.Field)
		}
	}
	s.defaultSort = sort

	if s.encoder == nil {
		for _, f := range s.fields {
			if f.Secure {
				return nil, fmt.Errorf("schema %s: secure field %q needs an encoder", sb.name, f.Name)
			}
		}
	}
	return s, nil
}

// index places a field into the lookup tables it participates in
func (s *Schema) index(f *Field) {
	if f.onRemove != nil {
		s.onRemove = append(s.onRemove, f)
	}
	if f.Searchable {
		s.searchable = append(s.searchable, f)
	}
}

// generateTableName converts an entity name into a pluralized snake_case table name
func generateTableName(name string) string {
	return inflect.Pluralize(strcase.ToSnake(name))
}

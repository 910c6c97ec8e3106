package core

import (
	"cmp"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"
)

// validIdentifierRe matches names safe to splice into a query as hint or collation
var validIdentifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// predicate is one normalized (field, operator, operand) triple
type predicate struct {
	field  *Field // nil for nested paths below a field
	column string
	op     Operator
	value  any
}

// compiler holds the state shared by the per-backend renderers
type compiler struct {
	filter *Filter
	schema *Schema
	caps   Capabilities
	ids    IDNormalizer
}

// Compile renders a filter into the native query form of target. The output is
// deterministic: query fields render in name order and operators in canonical order.
func Compile(filter *Filter, schema *Schema, target Target) (NativeQuery, error) {
	if filter == nil {
		filter = &Filter{}
	}
	if err := filter.Err(); err != nil {
		return nil, err
	}
	c := &compiler{
		filter: filter,
		schema: schema,
		caps:   target.Capabilities(),
		ids:    target.Identifiers(),
	}
	if c.ids == nil {
		c.ids = StringIDs{}
	}
	if err := c.checkCapabilities(); err != nil {
		return nil, err
	}

	switch {
	case c.caps.Backend == BackendDocument:
		q, err := c.document()
		if err != nil {
			return nil, err
		}
		return q, nil
	case c.caps.Backend.IsSQL():
		q, err := c.sql()
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	return nil, fmt.Errorf("unknown backend kind %q", c.caps.Backend)
}

func (c *compiler) checkCapabilities() error {
	f := c.filter
	if (f.Limit > 0 || f.Offset > 0) && !c.caps.Pagination {
		return &CapabilityError{Capability: CapPagination, Backend: c.caps.Backend}
	}
	if f.Offset < 0 {
		return &ValidationError{Field: "offset", Reason: "must not be negative"}
	}
	if f.Hint != "" {
		if !c.caps.Hint {
			return &CapabilityError{Capability: CapHint, Backend: c.caps.Backend}
		}
		if !validIdentifierRe.MatchString(f.Hint) {
			return &ValidationError{Field: "hint", Reason: fmt.Sprintf("invalid index name %q", f.Hint)}
		}
	}
	if f.Collation != "" {
		if !c.caps.Collation {
			return &CapabilityError{Capability: CapCollation, Backend: c.caps.Backend}
		}
		if !validIdentifierRe.MatchString(f.Collation) {
			return &ValidationError{Field: "collation", Reason: fmt.Sprintf("invalid collation %q", f.Collation)}
		}
	}
	return nil
}

// resolve maps a logical field name or dotted path to its field and physical key
func (c *compiler) resolve(name string) (*Field, string, error) {
	root, rest, nested := strings.Cut(name, ".")
	f, ok := c.schema.Field(root)
	if !ok || f.Virtual {
		return nil, "", &ValidationError{Field: name, Reason: "unknown field"}
	}
	if !nested {
		return f, f.Column, nil
	}
	if !c.caps.NestedFields {
		return nil, "", &CapabilityError{Capability: CapNestedFields, Backend: c.caps.Backend}
	}
	if rest == "" || f.Type != TypeObject && f.Type != TypeArray && f.Type != TypeCustom {
		return nil, "", &ValidationError{Field: name, Reason: "path does not address an object field"}
	}
	return nil, f.Column + "." + rest, nil
}

// predicates normalizes the filter query into predicates in deterministic order
func (c *compiler) predicates() ([]predicate, error) {
	var out []predicate
	for _, name := range sortedKeys(c.filter.Query) {
		field, column, err := c.resolve(name)
		if err != nil {
			return nil, err
		}
		cond, err := NormalizeCondition(name, c.filter.Query[name])
		if err != nil {
			var unsupported *UnsupportedOperatorError
			if errors.As(err, &unsupported) {
				unsupported.Backend = c.caps.Backend
			}
			return nil, err
		}
		if _, raw := cond[OpRaw]; raw && len(cond) > 1 {
			return nil, &ValidationError{Field: name, Reason: "$raw cannot be combined with other operators"}
		}
		for _, op := range cond.Operators() {
			v, err := c.operand(name, field, op, cond[op])
			if err != nil {
				return nil, err
			}
			out = append(out, predicate{field: field, column: column, op: op, value: v})
		}
	}
	return out, nil
}

// operand validates and converts the value of one operator
func (c *compiler) operand(name string, f *Field, op Operator, v any) (any, error) {
	switch op {
	case OpRaw:
		if c.caps.Backend.IsSQL() {
			s, ok := v.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return nil, &TypeMismatchError{Field: name, Expected: TypeString, Received: kindOf(v)}
			}
			if !selfContained(s) {
				return nil, &ValidationError{Field: name, Reason: "$raw must be a single parenthesis-balanced expression"}
			}
			return s, nil
		}
		return v, nil
	case OpExists:
		b, ok := booleanKind{}.coerce(v)
		if !ok {
			return nil, &TypeMismatchError{Field: name, Expected: TypeBoolean, Received: kindOf(v)}
		}
		return b, nil
	case OpIn, OpNin:
		items, ok := listOf(v)
		if !ok {
			return nil, &TypeMismatchError{Field: name, Expected: TypeArray, Received: kindOf(v)}
		}
		if len(items) == 0 {
			return nil, &ValidationError{Field: name, Reason: fmt.Sprintf("%s requires a non-empty list", op)}
		}
		out := make([]any, len(items))
		for i, item := range items {
			if item == nil {
				continue
			}
			val, err := c.scalar(name, f, item)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	case OpGt, OpGte, OpLt, OpLte:
		if v == nil {
			return nil, &ValidationError{Field: name, Reason: fmt.Sprintf("%s cannot compare with null", op)}
		}
	}
	if v == nil {
		return nil, nil
	}
	return c.scalar(name, f, v)
}

// scalar converts one literal: identifiers go through the normalizer, other
// values are coerced to the declared type. Nested paths pass values through.
func (c *compiler) scalar(name string, f *Field, v any) (any, error) {
	if f == nil {
		return v, nil
	}
	if f.Primary {
		return c.identifier(f, v)
	}
	if s, ok := v.(string); ok && f.Secure && c.schema.Encoder() != nil {
		plain, err := c.schema.Encoder().Decode(s)
		if err != nil {
			return nil, err
		}
		v = plain
	}
	out, err := f.Coerce(v)
	if err != nil {
		if tm, ok := err.(*TypeMismatchError); ok {
			tm.Field = name
		}
		return nil, err
	}
	return out, nil
}

// identifier converts an id value to native form. SQL backends receive the
// canonical string so the literal is always quoted.
func (c *compiler) identifier(f *Field, v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		str, err := c.ids.ToString(v)
		if err != nil {
			return nil, err
		}
		s = str
	} else if f.Secure && c.schema.Encoder() != nil {
		plain, err := c.schema.Encoder().Decode(s)
		if err != nil {
			return nil, err
		}
		s = plain
	}
	native, err := c.ids.ToNative(s)
	if err != nil {
		return nil, err
	}
	if c.caps.Backend.IsSQL() {
		return c.ids.ToString(native)
	}
	return native, nil
}

// searchColumns resolves the search fields, defaulting to the schema's searchable fields
func (c *compiler) searchColumns() ([]*Field, error) {
	var fields []*Field
	if len(c.filter.SearchFields) == 0 {
		fields = c.schema.SearchableFields()
	} else {
		for _, name := range c.filter.SearchFields {
			f, ok := c.schema.Field(name)
			if !ok || f.Virtual {
				return nil, &ValidationError{Field: name, Reason: "unknown search field"}
			}
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		return nil, &ValidationError{Field: "search", Reason: "no searchable fields"}
	}
	return fields, nil
}

// sortTerms resolves the sort fields to columns
func (c *compiler) sortTerms() ([]SortField, error) {
	out := make([]SortField, 0, len(c.filter.Sort))
	for _, sf := range c.filter.Sort {
		_, column, err := c.resolve(sf.Field)
		if err != nil {
			return nil, err
		}
		dir := sf.Direction
		if dir == "" {
			dir = SortAsc
		}
		if !dir.IsValid() {
			return nil, &ValidationError{Field: sf.Field, Reason: fmt.Sprintf("invalid sort direction %q", dir)}
		}
		out = append(out, SortField{Field: column, Direction: dir})
	}
	return out, nil
}

// listOf returns the elements of a slice or array value; strings are not lists
func listOf(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

package core

import (
	"fmt"
	"maps"
	"strings"
)

// Constants for pagination
const (
	DefaultPageSize = 10
	DefaultMaxLimit = 100
)

// Unbounded is the limit value meaning "no limit", subject to MaxLimit
const Unbounded = -1

// SortDirection represents the sort order
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// String returns a string representation of the sort direction
func (sd SortDirection) String() string {
	return string(sd)
}

// IsValid checks if the sort direction is valid
func (sd SortDirection) IsValid() bool {
	return sd == SortAsc || sd == SortDesc
}

// SortField represents a field to sort by
type SortField struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction"`
}

// String renders the field in "-name" form
func (sf SortField) String() string {
	if sf.Direction == SortDesc {
		return "-" + sf.Field
	}
	return sf.Field
}

// ParseSort parses sort specs such as "-age" and "name". A leading "-" sorts
// descending, a leading "+" or nothing ascending. Empty specs are skipped.
func ParseSort(specs ...string) ([]SortField, error) {
	var out []SortField
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		sf := SortField{Field: spec, Direction: SortAsc}
		switch spec[0] {
		case '-':
			sf.Field, sf.Direction = spec[1:], SortDesc
		case '+':
			sf.Field = spec[1:]
		}
		if sf.Field == "" {
			return nil, fmt.Errorf("invalid sort spec %q", spec)
		}
		out = append(out, sf)
	}
	return out, nil
}

// Operator is a condition operator key
type Operator string

const (
	OpEq     Operator = "$eq"
	OpNe     Operator = "$ne"
	OpGt     Operator = "$gt"
	OpGte    Operator = "$gte"
	OpLt     Operator = "$lt"
	OpLte    Operator = "$lte"
	OpIn     Operator = "$in"
	OpNin    Operator = "$nin"
	OpExists Operator = "$exists"
	OpRaw    Operator = "$raw"
)

// operatorOrder is the canonical rendering order of operators on one field
var operatorOrder = []Operator{OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin, OpExists, OpRaw}

// IsValid reports whether op is one of the supported operators
func (op Operator) IsValid() bool {
	for _, known := range operatorOrder {
		if op == known {
			return true
		}
	}
	return false
}

// Condition is the normalized form of one field's predicate: operators AND-combined
type Condition map[Operator]any

// Operators returns the condition's operators in canonical order
func (c Condition) Operators() []Operator {
	ops := make([]Operator, 0, len(c))
	for _, op := range operatorOrder {
		if _, ok := c[op]; ok {
			ops = append(ops, op)
		}
	}
	return ops
}

// NormalizeCondition turns a raw query value into a Condition. A map whose keys
// all start with "$" is an operator object; anything else is a literal compared
// for equality. Mixing operator and plain keys is rejected.
func NormalizeCondition(field string, raw any) (Condition, error) {
	var ops map[string]any
	switch v := raw.(type) {
	case Condition:
		return v, checkOperators(field, v)
	case map[Operator]any:
		return Condition(v), checkOperators(field, Condition(v))
	case map[string]any:
		ops = v
	case Entity:
		ops = v
	default:
		return Condition{OpEq: raw}, nil
	}

	var opKeys, plainKeys int
	for k := range ops {
		if strings.HasPrefix(k, "$") {
			opKeys++
		} else {
			plainKeys++
		}
	}
	if opKeys == 0 {
		// object literal
		return Condition{OpEq: raw}, nil
	}
	if plainKeys > 0 {
		return nil, &ValidationError{Field: field, Reason: "operator and plain keys cannot be mixed"}
	}
	c := make(Condition, len(ops))
	for k, v := range ops {
		c[Operator(k)] = v
	}
	return c, checkOperators(field, c)
}

func checkOperators(field string, c Condition) error {
	if len(c) == 0 {
		return &ValidationError{Field: field, Reason: "empty condition"}
	}
	for op := range c {
		if !op.IsValid() {
			return &UnsupportedOperatorError{Operator: op}
		}
	}
	return nil
}

// Filter is the normalized, backend-neutral description of a read
type Filter struct {
	Query        map[string]any `json:"query,omitempty"`
	Search       string         `json:"search,omitempty"`
	SearchFields []string       `json:"search_fields,omitempty"`
	Sort         []SortField    `json:"sort,omitempty"`
	// Limit of 0 renders no limit clause; Unbounded also renders none but
	// keeps an offset expressible on backends that require a limit with it.
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
	Collation string `json:"collation,omitempty"`
	Hint      string `json:"hint,omitempty"`

	err error
}

// NewFilter creates a filter with an empty query
func NewFilter() *Filter {
	return &Filter{Query: make(map[string]any)}
}

// Where adds a condition on a field
func (f *Filter) Where(field string, condition any) *Filter {
	if f.Query == nil {
		f.Query = make(map[string]any)
	}
	f.Query[field] = condition
	return f
}

// WithSort appends sort specs such as "-age". An invalid spec is kept as the
// filter's error and fails compilation.
func (f *Filter) WithSort(specs ...string) *Filter {
	sort, err := ParseSort(specs...)
	if err != nil {
		if f.err == nil {
			f.err = &ValidationError{Field: "sort", Reason: err.Error()}
		}
		return f
	}
	f.Sort = append(f.Sort, sort...)
	return f
}

// Err returns the first error recorded while building the filter
func (f *Filter) Err() error {
	return f.err
}

// WithPagination sets limit and offset; a negative offset becomes 0
func (f *Filter) WithPagination(limit, offset int) *Filter {
	if offset < 0 {
		offset = 0
	}
	f.Limit = limit
	f.Offset = offset
	return f
}

// Clone copies the filter; the query map is copied one level deep
func (f *Filter) Clone() *Filter {
	if f == nil {
		return NewFilter()
	}
	out := *f
	out.Query = maps.Clone(f.Query)
	if out.Query == nil {
		out.Query = make(map[string]any)
	}
	out.SearchFields = append([]string(nil), f.SearchFields...)
	out.Sort = append([]SortField(nil), f.Sort...)
	return &out
}

// CurrentPage returns the current page number (1-indexed)
func (f *Filter) CurrentPage() int {
	if f.Limit <= 0 {
		return 1
	}
	return (f.Offset / f.Limit) + 1
}

// HasSort returns true if the filter has sorting
func (f *Filter) HasSort() bool {
	return len(f.Sort) > 0
}

// ClampLimit enforces the server-wide maximum. With maxLimit Unbounded any
// limit passes through; otherwise an unbounded or oversized limit becomes maxLimit.
func ClampLimit(limit, maxLimit int) int {
	if maxLimit < 0 {
		return limit
	}
	if limit < 0 || limit > maxLimit {
		return maxLimit
	}
	return limit
}

// TotalPages computes the number of pages for total items
func TotalPages(total int64, pageSize int) int {
	if pageSize <= 0 {
		if total > 0 {
			return 1
		}
		return 0
	}
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}

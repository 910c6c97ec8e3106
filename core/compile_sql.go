package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// maxUnsignedLimit is the MySQL idiom for "no limit" when an offset is present
const maxUnsignedLimit = "18446744073709551615"

// sqlDateLayouts are the literal formats dates are rendered in, per dialect.
// The SQLite layout matches what the sqlite3 driver stores for time.Time.
var sqlDateLayouts = map[BackendKind]string{
	BackendSQLite:   "2006-01-02 15:04:05.999999999-07:00",
	BackendPostgres: "2006-01-02 15:04:05.999999-07:00",
	BackendMySQL:    "2006-01-02 15:04:05.999999",
}

// QuoteIdent quotes a table or column name for the dialect
func QuoteIdent(dialect BackendKind, ident string) string {
	if dialect == BackendMySQL {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// QuoteString renders s as a single-quoted SQL string literal. Quotes are
// doubled; MySQL also treats backslash as an escape character.
func QuoteString(dialect BackendKind, s string) string {
	if dialect == BackendMySQL {
		s = strings.ReplaceAll(s, `\`, `\\`)
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Literal renders a coerced value as an inline SQL literal
func Literal(dialect BackendKind, v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return QuoteString(dialect, val)
	case bool:
		if dialect == BackendPostgres {
			if val {
				return "TRUE"
			}
			return "FALSE"
		}
		if val {
			return "1"
		}
		return "0"
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		return QuoteString(dialect, val.UTC().Format(sqlDateLayouts[dialect]))
	case fmt.Stringer:
		return QuoteString(dialect, val.String())
	}
	if n, ok := toNumber(v); ok {
		return formatNumber(n)
	}
	// objects, arrays and custom values are stored as JSON text
	data, err := json.Marshal(v)
	if err != nil {
		return QuoteString(dialect, fmt.Sprint(v))
	}
	return QuoteString(dialect, string(data))
}

// sqlOperators holds the rendering of every operator for textual SQL backends
var sqlOperators = map[Operator]func(d BackendKind, col string, v any) string{
	OpEq: func(d BackendKind, col string, v any) string {
		if v == nil {
			return col + " IS NULL"
		}
		return col + " = " + Literal(d, v)
	},
	OpNe: func(d BackendKind, col string, v any) string {
		if v == nil {
			return col + " IS NOT NULL"
		}
		// NULL columns count as "not equal", matching document stores
		return "(" + col + " <> " + Literal(d, v) + " OR " + col + " IS NULL)"
	},
	OpGt:  comparison(">"),
	OpGte: comparison(">="),
	OpLt:  comparison("<"),
	OpLte: comparison("<="),
	OpIn: func(d BackendKind, col string, v any) string {
		values, hasNull := splitNulls(d, v.([]any))
		switch {
		case values == "":
			return col + " IS NULL"
		case hasNull:
			return "(" + col + " IN (" + values + ") OR " + col + " IS NULL)"
		}
		return col + " IN (" + values + ")"
	},
	OpNin: func(d BackendKind, col string, v any) string {
		values, hasNull := splitNulls(d, v.([]any))
		switch {
		case values == "":
			return col + " IS NOT NULL"
		case hasNull:
			return "(" + col + " NOT IN (" + values + ") AND " + col + " IS NOT NULL)"
		}
		return "(" + col + " NOT IN (" + values + ") OR " + col + " IS NULL)"
	},
	OpExists: func(_ BackendKind, col string, v any) string {
		if v.(bool) {
			return col + " IS NOT NULL"
		}
		return col + " IS NULL"
	},
	OpRaw: func(_ BackendKind, _ string, v any) string {
		return "(" + v.(string) + ")"
	},
}

// selfContained reports whether a raw SQL fragment stays inside the
// parentheses it is rendered in: balanced outside quoted text, no statement
// separators and no comments.
func selfContained(fragment string) bool {
	depth := 0
	var quote rune
	escaped := false
	runes := []rune(fragment)
	for i, r := range runes {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == quote:
				quote = 0
			}
			continue
		}
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}
		switch {
		case r == '\'' || r == '"' || r == '`':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			depth--
			if depth < 0 {
				return false
			}
		case r == ';', r == '-' && next == '-', r == '/' && next == '*':
			return false
		}
	}
	return depth == 0 && quote == 0
}

func comparison(sym string) func(d BackendKind, col string, v any) string {
	return func(d BackendKind, col string, v any) string {
		return col + " " + sym + " " + Literal(d, v)
	}
}

// splitNulls renders the non-null list items and reports whether a null was present
func splitNulls(d BackendKind, items []any) (string, bool) {
	var parts []string
	hasNull := false
	for _, item := range items {
		if item == nil {
			hasNull = true
			continue
		}
		parts = append(parts, Literal(d, item))
	}
	return strings.Join(parts, ", "), hasNull
}

// escapeLike escapes LIKE wildcards so the term matches literally
func escapeLike(term string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(term)
}

func (c *compiler) sql() (*SQLQuery, error) {
	d := c.caps.Backend
	q := &SQLQuery{Dialect: d, Table: c.schema.Table}

	preds, err := c.predicates()
	if err != nil {
		return nil, err
	}
	var conditions []string
	for _, p := range preds {
		render, ok := sqlOperators[p.op]
		if !ok {
			return nil, &UnsupportedOperatorError{Operator: p.op, Backend: d}
		}
		conditions = append(conditions, render(d, QuoteIdent(d, p.column), p.value))
	}

	if c.filter.Search != "" {
		search, err := c.sqlSearch()
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, search)
	}
	q.Where = strings.Join(conditions, " AND ")

	terms, err := c.sortTerms()
	if err != nil {
		return nil, err
	}
	orderBy := make([]string, len(terms))
	for i, t := range terms {
		term := QuoteIdent(d, t.Field)
		if c.filter.Collation != "" {
			term += " COLLATE " + c.sqlCollation()
		}
		orderBy[i] = term + " " + strings.ToUpper(string(t.Direction))
	}
	q.OrderBy = strings.Join(orderBy, ", ")

	if c.filter.Hint != "" {
		switch d {
		case BackendSQLite:
			q.Hint = "INDEXED BY " + QuoteIdent(d, c.filter.Hint)
		case BackendMySQL:
			q.Hint = "USE INDEX (" + QuoteIdent(d, c.filter.Hint) + ")"
		default:
			return nil, &CapabilityError{Capability: CapHint, Backend: d}
		}
	}
	q.Limit = c.sqlLimit()
	return q, nil
}

func (c *compiler) sqlCollation() string {
	if c.caps.Backend == BackendPostgres {
		return QuoteIdent(BackendPostgres, c.filter.Collation)
	}
	return c.filter.Collation
}

// sqlSearch renders the free-text search as one parenthesized condition
func (c *compiler) sqlSearch() (string, error) {
	d := c.caps.Backend
	fields, err := c.searchColumns()
	if err != nil {
		return "", err
	}
	term := c.filter.Search

	if c.caps.FullTextSearch {
		if d != BackendPostgres {
			return "", &CapabilityError{Capability: CapFullTextSearch, Backend: d}
		}
		docs := make([]string, len(fields))
		for i, f := range fields {
			docs[i] = "coalesce(" + QuoteIdent(d, f.Column) + "::text, '')"
		}
		return fmt.Sprintf("to_tsvector('simple', %s) @@ plainto_tsquery('simple', %s)",
			strings.Join(docs, " || ' ' || "), QuoteString(d, term)), nil
	}

	pattern := QuoteString(d, "%"+escapeLike(term)+"%")
	escape := QuoteString(d, `\`)
	like := "LIKE"
	if d == BackendPostgres {
		like = "ILIKE"
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		col := QuoteIdent(d, f.Column)
		if d == BackendPostgres && f.Type != TypeString {
			col = "CAST(" + col + " AS TEXT)"
		}
		parts[i] = fmt.Sprintf("%s %s %s ESCAPE %s", col, like, pattern, escape)
	}
	return "(" + strings.Join(parts, " OR ") + ")", nil
}

func (c *compiler) sqlLimit() string {
	limit, offset := c.filter.Limit, c.filter.Offset
	switch {
	case limit > 0 && offset > 0:
		return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
	case limit > 0:
		return fmt.Sprintf("LIMIT %d", limit)
	case offset > 0:
		switch c.caps.Backend {
		case BackendSQLite:
			return fmt.Sprintf("LIMIT -1 OFFSET %d", offset)
		case BackendMySQL:
			return fmt.Sprintf("LIMIT %s OFFSET %d", maxUnsignedLimit, offset)
		}
		return fmt.Sprintf("OFFSET %d", offset)
	}
	return ""
}

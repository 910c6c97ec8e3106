package sql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/preslavrachev/datastore/core"
)

// querier is the part of *sql.DB and *sql.Tx the adapter runs statements on
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Option configures an Adapter
type Option func(*Adapter)

// WithDialect selects the SQL dialect; SQLite by default
func WithDialect(dialect core.BackendKind) Option {
	return func(a *Adapter) { a.dialect = dialect }
}

// WithIdentifiers sets the identifier normalizer; IntegerIDs by default
func WithIdentifiers(ids core.IDNormalizer) Option {
	return func(a *Adapter) { a.ids = ids }
}

// WithDebug enables SQL debug logging
func WithDebug(enabled bool) Option {
	return func(a *Adapter) { a.logger.SetEnabled(enabled) }
}

// Adapter implements the core.Adapter interface for one table over database/sql
type Adapter struct {
	db       *sql.DB
	schema   *core.Schema
	dialect  core.BackendKind
	ids      core.IDNormalizer
	logger   *SQLLogger
	idColumn string

	connected atomic.Bool
}

// New creates a new SQL adapter for schema's table
func New(db *sql.DB, schema *core.Schema, opts ...Option) *Adapter {
	a := &Adapter{
		db:       db,
		schema:   schema,
		dialect:  core.BackendSQLite,
		ids:      core.IntegerIDs{},
		logger:   NewSQLLogger(false), // Default to disabled
		idColumn: "id",
	}
	if pk := schema.Primary(); pk != nil {
		a.idColumn = pk.Column
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewWithDebug creates a new SQL adapter with debug logging enabled
func NewWithDebug(db *sql.DB, schema *core.Schema, debugEnabled bool, opts ...Option) *Adapter {
	return New(db, schema, append([]Option{WithDebug(debugEnabled)}, opts...)...)
}

// DialectFor maps a database/sql driver name to its dialect
func DialectFor(driverName string) (core.BackendKind, error) {
	switch driverName {
	case "sqlite3", "sqlite":
		return core.BackendSQLite, nil
	case "pgx", "postgres":
		return core.BackendPostgres, nil
	case "mysql":
		return core.BackendMySQL, nil
	}
	return "", fmt.Errorf("sql: unknown driver %q", driverName)
}

// SetDebugEnabled enables or disables SQL debug logging
func (a *Adapter) SetDebugEnabled(enabled bool) {
	a.logger.SetEnabled(enabled)
}

// Logger returns the adapter's SQL logger
func (a *Adapter) Logger() *SQLLogger { return a.logger }

func (a *Adapter) Capabilities() core.Capabilities {
	caps := core.Capabilities{Backend: a.dialect, Pagination: true, Collation: true}
	switch a.dialect {
	case core.BackendPostgres:
		caps.FullTextSearch = true
	default:
		caps.Hint = true
	}
	return caps
}

func (a *Adapter) Identifiers() core.IDNormalizer { return a.ids }

// Connect verifies the database is reachable
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	a.connected.Store(true)
	return nil
}

// Disconnect detaches the adapter. The *sql.DB is owned by the caller and
// stays open.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.connected.Store(false)
	return nil
}

func (a *Adapter) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !a.connected.Load() {
		return fmt.Errorf("sql: table %s: %w", a.schema.Table, core.ErrDisconnected)
	}
	return nil
}

// loggedQueryContext wraps QueryContext with logging
func (a *Adapter) loggedQueryContext(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, time.Time, error) {
	start := time.Now()
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		a.logger.LogError(query, args, time.Since(start), err)
		return nil, start, classify(err)
	}
	// the row count is logged once the rows are scanned
	return rows, start, nil
}

// loggedExecContext wraps ExecContext with logging
func (a *Adapter) loggedExecContext(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := q.ExecContext(ctx, query, args...)
	duration := time.Since(start)

	if err != nil {
		a.logger.LogError(query, args, duration, err)
		return nil, classify(err)
	}

	a.logger.LogExec(query, args, duration, result)
	return result, nil
}

// queryRows runs a query and decodes every row
func (a *Adapter) queryRows(ctx context.Context, q querier, query string, args ...any) ([]core.Entity, error) {
	rows, start, err := a.loggedQueryContext(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items, err := a.scanRows(rows)
	if err != nil {
		return nil, err
	}
	a.logger.LogQuery(query, args, time.Since(start), len(items))
	return items, nil
}

func (a *Adapter) Find(ctx context.Context, q core.NativeQuery) ([]core.Entity, error) {
	sq, err := a.sqlQuery(q)
	if err != nil {
		return nil, err
	}
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	return a.queryRows(ctx, a.db, sq.Select("*"))
}

func (a *Adapter) FindOne(ctx context.Context, q core.NativeQuery) (core.Entity, error) {
	sq, err := a.sqlQuery(q)
	if err != nil {
		return nil, err
	}
	one := *sq
	if one.Limit == "" {
		one.Limit = "LIMIT 1"
	}
	items, err := a.Find(ctx, &one)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[0], nil
}

func (a *Adapter) FindByID(ctx context.Context, id any) (core.Entity, error) {
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	return a.findByID(ctx, a.db, id)
}

func (a *Adapter) findByID(ctx context.Context, q querier, id any) (core.Entity, error) {
	bound, err := a.bindID(id)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = %s", a.table(), a.quote(a.idColumn), a.placeholder(1))
	items, err := a.queryRows(ctx, q, query, bound)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[0], nil
}

func (a *Adapter) FindByIDs(ctx context.Context, ids []any) ([]core.Entity, error) {
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []core.Entity{}, nil
	}
	args := make([]any, len(ids))
	marks := make([]string, len(ids))
	for i, id := range ids {
		bound, err := a.bindID(id)
		if err != nil {
			return nil, err
		}
		args[i] = bound
		marks[i] = a.placeholder(i + 1)
	}
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s IN (%s)", a.table(), a.quote(a.idColumn), strings.Join(marks, ", "))
	return a.queryRows(ctx, a.db, query, args...)
}

func (a *Adapter) Count(ctx context.Context, q core.NativeQuery) (int64, error) {
	sq, err := a.sqlQuery(q)
	if err != nil {
		return 0, err
	}
	if err := a.ready(ctx); err != nil {
		return 0, err
	}
	counted := *sq
	counted.OrderBy, counted.Limit = "", ""
	query := counted.Select("COUNT(*)")

	var count int64
	start := time.Now()
	err = a.db.QueryRowContext(ctx, query).Scan(&count)
	duration := time.Since(start)
	if err != nil {
		a.logger.LogError(query, nil, duration, err)
		return 0, fmt.Errorf("failed to count records: %w", classify(err))
	}
	a.logger.LogQuery(query, nil, duration, 1)
	return count, nil
}

func (a *Adapter) Insert(ctx context.Context, entity core.Entity) (core.Entity, error) {
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	return a.insert(ctx, a.db, entity)
}

// InsertMany inserts every entity in one transaction
func (a *Adapter) InsertMany(ctx context.Context, entities []core.Entity, opts core.InsertManyOptions) ([]core.Entity, error) {
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	out := make([]core.Entity, 0, len(entities))
	for i, e := range entities {
		inserted, err := a.insert(ctx, tx, e)
		if err != nil {
			return nil, fmt.Errorf("failed to insert entity %d: %w", i, err)
		}
		out = append(out, inserted)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", classify(err))
	}
	if !opts.ReturnEntities {
		return nil, nil
	}
	return out, nil
}

func (a *Adapter) insert(ctx context.Context, q querier, entity core.Entity) (core.Entity, error) {
	row := entity.Clone()
	if row == nil {
		row = core.Entity{}
	}
	if v, ok := row[a.idColumn]; !ok || v == nil {
		delete(row, a.idColumn)
		switch a.ids.(type) {
		case core.UUIDIDs, core.StringIDs:
			// no database default to fall back on
			row[a.idColumn] = uuid.NewString()
		}
	}

	columns := sortedColumns(row)
	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, col := range columns {
		quoted[i] = a.quote(col)
		marks[i] = a.placeholder(i + 1)
		v, err := a.bind(col, row[col])
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	var query string
	if len(columns) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", a.table())
		if a.dialect == core.BackendMySQL {
			query = fmt.Sprintf("INSERT INTO %s () VALUES ()", a.table())
		}
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", a.table(), strings.Join(quoted, ", "), strings.Join(marks, ", "))
	}

	if a.returning() {
		items, err := a.queryRows(ctx, q, query+" RETURNING *", args...)
		if err != nil {
			return nil, fmt.Errorf("failed to create record: %w", err)
		}
		if len(items) == 0 {
			return nil, errors.New("failed to create record: no row returned")
		}
		return items[0], nil
	}

	result, err := a.loggedExecContext(ctx, q, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to create record: %w", err)
	}
	id, ok := row[a.idColumn]
	if !ok {
		last, err := result.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read inserted id: %w", err)
		}
		id = last
	}
	return a.findByID(ctx, q, id)
}

// UpdateByID applies changes to one row. Raw changes are SQL expressions.
func (a *Adapter) UpdateByID(ctx context.Context, id any, changes core.Entity, opts core.UpdateOptions) (core.Entity, error) {
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return a.findByID(ctx, a.db, id)
	}
	set, args, err := a.setClause(changes, opts.Raw)
	if err != nil {
		return nil, err
	}
	bound, err := a.bindID(id)
	if err != nil {
		return nil, err
	}
	args = append(args, bound)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s", a.table(), set, a.quote(a.idColumn), a.placeholder(len(args)))
	return a.writeOne(ctx, query, args, id)
}

func (a *Adapter) UpdateMany(ctx context.Context, q core.NativeQuery, changes core.Entity, opts core.UpdateOptions) (int64, error) {
	sq, err := a.sqlQuery(q)
	if err != nil {
		return 0, err
	}
	if err := a.ready(ctx); err != nil {
		return 0, err
	}
	if len(changes) == 0 {
		return 0, nil
	}
	set, args, err := a.setClause(changes, opts.Raw)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("UPDATE %s SET %s", a.table(), set)
	if sq.Where != "" {
		query += " WHERE " + sq.Where
	}
	return a.affected(ctx, query, args...)
}

// ReplaceByID overwrites every stored column; columns missing from entity become NULL
func (a *Adapter) ReplaceByID(ctx context.Context, id any, entity core.Entity) (core.Entity, error) {
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	row := make(core.Entity)
	for _, f := range a.schema.Fields() {
		if f.Virtual || f.Column == a.idColumn {
			continue
		}
		row[f.Column] = entity[f.Column]
	}
	if len(row) == 0 {
		return a.findByID(ctx, a.db, id)
	}
	set, args, err := a.setClause(row, false)
	if err != nil {
		return nil, err
	}
	bound, err := a.bindID(id)
	if err != nil {
		return nil, err
	}
	args = append(args, bound)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s", a.table(), set, a.quote(a.idColumn), a.placeholder(len(args)))
	return a.writeOne(ctx, query, args, id)
}

func (a *Adapter) RemoveByID(ctx context.Context, id any) (core.Entity, error) {
	if err := a.ready(ctx); err != nil {
		return nil, err
	}
	bound, err := a.bindID(id)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", a.table(), a.quote(a.idColumn), a.placeholder(1))
	if a.returning() {
		items, err := a.queryRows(ctx, a.db, query+" RETURNING *", bound)
		if err != nil {
			return nil, fmt.Errorf("failed to delete record: %w", err)
		}
		if len(items) == 0 {
			return nil, nil
		}
		return items[0], nil
	}

	existing, err := a.findByID(ctx, a.db, id)
	if err != nil || existing == nil {
		return nil, err
	}
	if _, err := a.loggedExecContext(ctx, a.db, query, bound); err != nil {
		return nil, fmt.Errorf("failed to delete record: %w", err)
	}
	return existing, nil
}

func (a *Adapter) RemoveMany(ctx context.Context, q core.NativeQuery) (int64, error) {
	sq, err := a.sqlQuery(q)
	if err != nil {
		return 0, err
	}
	if err := a.ready(ctx); err != nil {
		return 0, err
	}
	query := "DELETE FROM " + a.table()
	if sq.Where != "" {
		query += " WHERE " + sq.Where
	}
	return a.affected(ctx, query)
}

func (a *Adapter) Clear(ctx context.Context) (int64, error) {
	if err := a.ready(ctx); err != nil {
		return 0, err
	}
	return a.affected(ctx, "DELETE FROM "+a.table())
}

// CreateIndex creates an index over the given columns. Sparse indexes become
// partial indexes where the dialect has them.
func (a *Adapter) CreateIndex(ctx context.Context, def core.IndexDefinition) (string, error) {
	if err := a.ready(ctx); err != nil {
		return "", err
	}
	if len(def.Fields) == 0 {
		return "", errors.New("sql: index needs at least one column")
	}
	if def.ExpireAfterSeconds > 0 {
		return "", &core.CapabilityError{Capability: "expiring index", Backend: a.dialect}
	}
	if def.Sparse && a.dialect == core.BackendMySQL {
		return "", &core.CapabilityError{Capability: "sparse index", Backend: a.dialect}
	}

	name := core.IndexName(a.schema.Table, def)
	columns := slices.Sorted(maps.Keys(def.Fields))
	terms := make([]string, len(columns))
	notNull := make([]string, len(columns))
	for i, col := range columns {
		dir := "ASC"
		if def.Fields[col] < 0 {
			dir = "DESC"
		}
		terms[i] = a.quote(col) + " " + dir
		notNull[i] = a.quote(col) + " IS NOT NULL"
	}

	var b strings.Builder
	b.WriteString("CREATE ")
	if def.Unique {
		b.WriteString("UNIQUE ")
	}
	b.WriteString("INDEX ")
	if a.dialect != core.BackendMySQL {
		b.WriteString("IF NOT EXISTS ")
	}
	fmt.Fprintf(&b, "%s ON %s (%s)", a.quote(name), a.table(), strings.Join(terms, ", "))
	if def.Sparse {
		b.WriteString(" WHERE " + strings.Join(notNull, " AND "))
	}

	if _, err := a.loggedExecContext(ctx, a.db, b.String()); err != nil {
		return "", fmt.Errorf("failed to create index %s: %w", name, err)
	}
	return name, nil
}

func (a *Adapter) RemoveIndex(ctx context.Context, def core.IndexDefinition) (string, error) {
	if err := a.ready(ctx); err != nil {
		return "", err
	}
	name := core.IndexName(a.schema.Table, def)
	query := "DROP INDEX " + a.quote(name)
	if a.dialect == core.BackendMySQL {
		query += " ON " + a.table()
	}
	if _, err := a.loggedExecContext(ctx, a.db, query); err != nil {
		return "", fmt.Errorf("failed to drop index %s: %w", name, err)
	}
	return name, nil
}

// EntityToJSON encodes a row; binary values are written as text
func (a *Adapter) EntityToJSON(entity core.Entity) ([]byte, error) {
	out := entity.Clone()
	for k, v := range out {
		if b, ok := v.([]byte); ok {
			out[k] = string(b)
		}
	}
	return core.EntityToJSON(out)
}

// writeOne runs a single-row UPDATE and returns the row afterwards, or nil
// when no row has the id
func (a *Adapter) writeOne(ctx context.Context, query string, args []any, id any) (core.Entity, error) {
	if a.returning() {
		items, err := a.queryRows(ctx, a.db, query+" RETURNING *", args...)
		if err != nil {
			return nil, fmt.Errorf("failed to update record: %w", err)
		}
		if len(items) == 0 {
			return nil, nil
		}
		return items[0], nil
	}
	// MySQL reports changed rather than matched rows, so look the row up
	if _, err := a.loggedExecContext(ctx, a.db, query, args...); err != nil {
		return nil, fmt.Errorf("failed to update record: %w", err)
	}
	return a.findByID(ctx, a.db, id)
}

func (a *Adapter) affected(ctx context.Context, query string, args ...any) (int64, error) {
	result, err := a.loggedExecContext(ctx, a.db, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// setClause renders "col = ?" terms in column order. Raw values are inlined
// as SQL expressions.
func (a *Adapter) setClause(changes core.Entity, raw bool) (string, []any, error) {
	columns := sortedColumns(changes)
	terms := make([]string, 0, len(columns))
	var args []any
	for _, col := range columns {
		if raw {
			expr, ok := changes[col].(string)
			if !ok || strings.TrimSpace(expr) == "" {
				return "", nil, &core.TypeMismatchError{Field: col, Expected: core.TypeString, Received: fmt.Sprintf("%T", changes[col])}
			}
			terms = append(terms, a.quote(col)+" = "+expr)
			continue
		}
		v, err := a.bind(col, changes[col])
		if err != nil {
			return "", nil, err
		}
		args = append(args, v)
		terms = append(terms, a.quote(col)+" = "+a.placeholder(len(args)))
	}
	return strings.Join(terms, ", "), args, nil
}

// scanRows scans every row into an entity keyed by column name
func (a *Adapter) scanRows(rows *sql.Rows) ([]core.Entity, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	items := make([]core.Entity, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		item := make(core.Entity, len(columns))
		for i, col := range columns {
			v, err := a.decode(col, values[i])
			if err != nil {
				return nil, fmt.Errorf("failed to decode column %s: %w", col, err)
			}
			item[col] = v
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", classify(err))
	}
	return items, nil
}

// decode converts a driver value to the representation of the column's field type
func (a *Adapter) decode(column string, v any) (any, error) {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil {
		return nil, nil
	}
	f, ok := a.schema.FieldByColumn(column)
	if !ok {
		return v, nil
	}
	if f.Primary {
		if s, ok := v.(string); ok {
			return a.ids.ToNative(s)
		}
		return v, nil
	}

	switch f.Type {
	case core.TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64:
			return b != 0, nil
		case string:
			return strconv.ParseBool(b)
		}
	case core.TypeNumber:
		if s, ok := v.(string); ok {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n, nil
			}
			return strconv.ParseFloat(s, 64)
		}
	case core.TypeDate:
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case string:
			return parseTime(t)
		}
	case core.TypeObject, core.TypeArray:
		if s, ok := v.(string); ok {
			var out any
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil, err
			}
			return out, nil
		}
	}
	return v, nil
}

// storedTimeLayouts are the text forms drivers hand back for date columns
var storedTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range storedTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// bind converts a value to a driver argument
func (a *Adapter) bind(column string, v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return val.UTC(), nil
	case driver.Valuer:
		return val, nil
	case string, bool, int64, float64, []byte:
		return val, nil
	case fmt.Stringer:
		return val.String(), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode column %s: %w", column, err)
		}
		return string(data), nil
	}
	return v, nil
}

// bindID converts a native identifier to a driver argument
func (a *Adapter) bindID(id any) (any, error) {
	if n, ok := id.(int64); ok {
		return n, nil
	}
	s, err := a.ids.ToString(id)
	if err != nil {
		return nil, err
	}
	if _, isInt := a.ids.(core.IntegerIDs); isInt {
		return strconv.ParseInt(s, 10, 64)
	}
	return s, nil
}

func (a *Adapter) sqlQuery(q core.NativeQuery) (*core.SQLQuery, error) {
	sq, ok := q.(*core.SQLQuery)
	if !ok || sq.Dialect != a.dialect {
		return nil, fmt.Errorf("sql: cannot run %T for dialect %s", q, a.dialect)
	}
	return sq, nil
}

func (a *Adapter) returning() bool {
	return a.dialect != core.BackendMySQL
}

func (a *Adapter) table() string {
	return a.quote(a.schema.Table)
}

func (a *Adapter) quote(ident string) string {
	return core.QuoteIdent(a.dialect, ident)
}

// placeholder renders the n-th (1-based) bind parameter
func (a *Adapter) placeholder(n int) string {
	if a.dialect == core.BackendPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func sortedColumns(e core.Entity) []string {
	return slices.Sorted(maps.Keys(e))
}

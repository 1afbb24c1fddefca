package sql

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-openapi/inflect"
	"github.com/google/uuid"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/driver"
	"github.com/tabula-io/tabula/query"
)

// execer is the subset of database/sql shared by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Driver implements the storage contract over database/sql.
type Driver struct {
	dialect string
	db      *sql.DB
	table   func(object string) string
	now     func() time.Time
}

// Option configures the driver.
type Option func(*Driver)

// WithTableNamer replaces the object-to-table mapping.
func WithTableNamer(namer func(object string) string) Option {
	return func(d *Driver) { d.table = namer }
}

// WithPluralTables names tables as the pluralised snake_case of the
// object name, e.g. "orderItem" becomes "order_items".
func WithPluralTables() Option {
	return func(d *Driver) {
		d.table = func(object string) string {
			return inflect.Pluralize(inflect.Underscore(object))
		}
	}
}

// WithClock replaces the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// Open connects to the database named by the dialect and DSN. The
// corresponding database/sql driver must be registered by the caller
// (blank-import lib/pq, go-sql-driver/mysql or modernc.org/sqlite).
func Open(dialect, dsn string, opts ...Option) (*Driver, error) {
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, classify(dialect, err)
	}
	return OpenDB(dialect, db, opts...), nil
}

// OpenDB wraps an existing database handle.
func OpenDB(dialect string, db *sql.DB, opts ...Option) *Driver {
	d := &Driver{
		dialect: dialect,
		db:      db,
		table:   inflect.Underscore,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DB exposes the underlying handle for pool tuning and migrations.
func (d *Driver) DB() *sql.DB { return d.db }

// Name implements driver.Driver.
func (d *Driver) Name() string { return d.dialect }

// Connect implements driver.Driver.
func (d *Driver) Connect(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return driver.WrapError(d.dialect, driver.CategoryConnection, err)
	}
	return nil
}

// Disconnect implements driver.Driver.
func (d *Driver) Disconnect(context.Context) error {
	return classify(d.dialect, d.db.Close())
}

// CheckHealth implements driver.Driver.
func (d *Driver) CheckHealth(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return driver.WrapError(d.dialect, driver.CategoryConnection, err)
	}
	return nil
}

// Capabilities implements driver.Driver.
func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		Transactions:         true,
		Joins:                true,
		JSONFields:           true,
		ArrayFields:          d.dialect == Postgres,
		QueryFilters:         true,
		QueryAggregations:    true,
		QuerySorting:         true,
		QueryPagination:      true,
		QueryWindowFunctions: true,
		QuerySubqueries:      true,
		BulkWrites:           true,
	}
}

// conn resolves the statement target: the transaction when a handle is
// threaded through, the pool otherwise.
func (d *Driver) conn(opts *driver.Options) (execer, error) {
	handle := opts.TxOf()
	if handle == nil {
		return d.db, nil
	}
	tx, ok := handle.(*Tx)
	if !ok || tx.driver != d {
		return nil, driver.ErrBadTx
	}
	return tx.tx, nil
}

func (d *Driver) tableFor(object string) (string, error) {
	name := d.table(object)
	if !isValidIdentifier(name) {
		return "", fmt.Errorf("sql: invalid table name %q for object %q", name, object)
	}
	return quoteIdent(d.dialect, name), nil
}

// Find implements driver.Driver.
func (d *Driver) Find(ctx context.Context, object string, q *query.Query, opts *driver.Options) ([]tabula.Record, error) {
	conn, err := d.conn(opts)
	if err != nil {
		return nil, err
	}
	stmt, args, err := d.selectStmt(object, q)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify(d.dialect, err)
	}
	defer rows.Close()
	return scanRows(d.dialect, rows)
}

// FindOne implements driver.Driver. A missing record is (nil, nil).
func (d *Driver) FindOne(ctx context.Context, object string, q *query.Query, opts *driver.Options) (tabula.Record, error) {
	one := 1
	limited := &query.Query{}
	if q != nil {
		limited = q.Clone()
	}
	limited.Limit = &one
	limited.Skip = 0
	docs, err := d.Find(ctx, object, limited, opts)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// Count implements driver.Driver.
func (d *Driver) Count(ctx context.Context, object string, q *query.Query, opts *driver.Options) (int64, error) {
	conn, err := d.conn(opts)
	if err != nil {
		return 0, err
	}
	table, err := d.tableFor(object)
	if err != nil {
		return 0, err
	}
	where, args, err := d.whereClause(q)
	if err != nil {
		return 0, err
	}
	stmt := rebind(d.dialect, "SELECT COUNT(*) FROM "+table+where)
	var n int64
	if err := scanValue(conn.QueryContext(ctx, stmt, args...))(&n); err != nil {
		return 0, classify(d.dialect, err)
	}
	return n, nil
}

// Distinct implements driver.Driver.
func (d *Driver) Distinct(ctx context.Context, object, field string, q *query.Query, opts *driver.Options) ([]any, error) {
	conn, err := d.conn(opts)
	if err != nil {
		return nil, err
	}
	if !isValidIdentifier(field) {
		return nil, fmt.Errorf("sql: invalid field name %q", field)
	}
	table, err := d.tableFor(object)
	if err != nil {
		return nil, err
	}
	col := quoteIdent(d.dialect, field)
	where, args, err := d.whereClause(q)
	if err != nil {
		return nil, err
	}
	if where == "" {
		where = " WHERE " + col + " IS NOT NULL"
	} else {
		where += " AND " + col + " IS NOT NULL"
	}
	stmt := rebind(d.dialect, "SELECT DISTINCT "+col+" FROM "+table+where)
	rows, err := conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify(d.dialect, err)
	}
	defer rows.Close()
	out := []any{}
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, classify(d.dialect, err)
		}
		out = append(out, normalizeValue(v))
	}
	return out, classify(d.dialect, rows.Err())
}

// Aggregate implements driver.Driver.
func (d *Driver) Aggregate(ctx context.Context, object string, q *query.Query, opts *driver.Options) ([]tabula.Record, error) {
	if q == nil || len(q.Aggregations) == 0 {
		return nil, fmt.Errorf("sql: aggregate requires at least one aggregation")
	}
	conn, err := d.conn(opts)
	if err != nil {
		return nil, err
	}
	table, err := d.tableFor(object)
	if err != nil {
		return nil, err
	}
	c := compiler{dialect: d.dialect}
	selectList, groupBy, err := c.aggSelect(q)
	if err != nil {
		return nil, err
	}
	where, args, err := d.whereClause(q)
	if err != nil {
		return nil, err
	}
	stmt := rebind(d.dialect, "SELECT "+selectList+" FROM "+table+where+groupBy)
	rows, err := conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify(d.dialect, err)
	}
	defer rows.Close()
	return scanRows(d.dialect, rows)
}

// Create implements driver.Driver.
func (d *Driver) Create(ctx context.Context, object string, doc tabula.Record, opts *driver.Options) (tabula.Record, error) {
	conn, err := d.conn(opts)
	if err != nil {
		return nil, err
	}
	table, err := d.tableFor(object)
	if err != nil {
		return nil, err
	}
	stored := doc.Clone()
	if stored == nil {
		stored = tabula.Record{}
	}
	if alias, ok := stored["_id"]; ok {
		delete(stored, "_id")
		if _, has := stored[tabula.IDField]; !has {
			stored[tabula.IDField] = alias
		}
	}
	if stored.ID() == "" {
		stored[tabula.IDField] = uuid.NewString()
	}
	driver.Timestamps(stored, d.now())

	cols := sortedKeys(stored)
	quoted := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		if !isValidIdentifier(col) {
			return nil, fmt.Errorf("sql: invalid field name %q", col)
		}
		quoted[i] = quoteIdent(d.dialect, col)
		args[i] = bindValue(stored[col])
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt := rebind(d.dialect, "INSERT INTO "+table+" ("+strings.Join(quoted, ", ")+") VALUES ("+placeholders+")")
	if _, err := conn.ExecContext(ctx, stmt, args...); err != nil {
		return nil, classify(d.dialect, err)
	}
	return stored, nil
}

// Update implements driver.Driver. The current row is fetched first so
// the returned document carries every column, not only the patched ones.
func (d *Driver) Update(ctx context.Context, object, id string, patch tabula.Record, opts *driver.Options) (tabula.Record, error) {
	conn, err := d.conn(opts)
	if err != nil {
		return nil, err
	}
	current, err := d.FindOne(ctx, object, &query.Query{Filters: query.FieldEQ(tabula.IDField, id)}, opts)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, driver.NewError(d.dialect, driver.CategoryNotFound, "%s: no record with id %q", object, id)
	}
	table, err := d.tableFor(object)
	if err != nil {
		return nil, err
	}
	clean := driver.SanitizePatch(patch)
	clean["updated_at"] = tabula.Timestamp(d.now())
	cols := sortedKeys(clean)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		if !isValidIdentifier(col) {
			return nil, fmt.Errorf("sql: invalid field name %q", col)
		}
		sets[i] = quoteIdent(d.dialect, col) + " = ?"
		args = append(args, bindValue(clean[col]))
	}
	args = append(args, id)
	stmt := rebind(d.dialect, "UPDATE "+table+" SET "+strings.Join(sets, ", ")+" WHERE "+quoteIdent(d.dialect, "id")+" = ?")
	if _, err := conn.ExecContext(ctx, stmt, args...); err != nil {
		return nil, classify(d.dialect, err)
	}
	updated := current.Clone()
	for col, v := range clean {
		if v == nil {
			delete(updated, col)
			continue
		}
		updated[col] = v
	}
	return updated, nil
}

// Delete implements driver.Driver.
func (d *Driver) Delete(ctx context.Context, object, id string, opts *driver.Options) (int64, error) {
	conn, err := d.conn(opts)
	if err != nil {
		return 0, err
	}
	table, err := d.tableFor(object)
	if err != nil {
		return 0, err
	}
	stmt := rebind(d.dialect, "DELETE FROM "+table+" WHERE "+quoteIdent(d.dialect, "id")+" = ?")
	res, err := conn.ExecContext(ctx, stmt, id)
	if err != nil {
		return 0, classify(d.dialect, err)
	}
	n, err := res.RowsAffected()
	return n, classify(d.dialect, err)
}

// CreateMany implements driver.Driver.
func (d *Driver) CreateMany(ctx context.Context, object string, docs []tabula.Record, opts *driver.Options) ([]tabula.Record, error) {
	out := make([]tabula.Record, 0, len(docs))
	for _, doc := range docs {
		created, err := d.Create(ctx, object, doc, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	return out, nil
}

// UpdateMany implements driver.Driver as a single UPDATE statement.
func (d *Driver) UpdateMany(ctx context.Context, object string, filter query.Filter, patch tabula.Record, opts *driver.Options) (int64, error) {
	conn, err := d.conn(opts)
	if err != nil {
		return 0, err
	}
	table, err := d.tableFor(object)
	if err != nil {
		return 0, err
	}
	clean := driver.SanitizePatch(patch)
	clean["updated_at"] = tabula.Timestamp(d.now())
	cols := sortedKeys(clean)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols))
	for i, col := range cols {
		if !isValidIdentifier(col) {
			return 0, fmt.Errorf("sql: invalid field name %q", col)
		}
		sets[i] = quoteIdent(d.dialect, col) + " = ?"
		args = append(args, bindValue(clean[col]))
	}
	where, whereArgs, err := d.whereClause(&query.Query{Filters: filter})
	if err != nil {
		return 0, err
	}
	args = append(args, whereArgs...)
	stmt := rebind(d.dialect, "UPDATE "+table+" SET "+strings.Join(sets, ", ")+where)
	res, err := conn.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, classify(d.dialect, err)
	}
	n, err := res.RowsAffected()
	return n, classify(d.dialect, err)
}

// DeleteMany implements driver.Driver as a single DELETE statement.
func (d *Driver) DeleteMany(ctx context.Context, object string, filter query.Filter, opts *driver.Options) (int64, error) {
	conn, err := d.conn(opts)
	if err != nil {
		return 0, err
	}
	table, err := d.tableFor(object)
	if err != nil {
		return 0, err
	}
	where, args, err := d.whereClause(&query.Query{Filters: filter})
	if err != nil {
		return 0, err
	}
	stmt := rebind(d.dialect, "DELETE FROM "+table+where)
	res, err := conn.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, classify(d.dialect, err)
	}
	n, err := res.RowsAffected()
	return n, classify(d.dialect, err)
}

// FindOneAndUpdate implements driver.Driver.
func (d *Driver) FindOneAndUpdate(ctx context.Context, object string, filter query.Filter, patch tabula.Record, opts *driver.FindOneAndUpdateOptions) (tabula.Record, error) {
	var inner *driver.Options
	if opts != nil {
		inner = &opts.Options
	}
	before, err := d.FindOne(ctx, object, &query.Query{Filters: filter}, inner)
	if err != nil {
		return nil, err
	}
	if before == nil {
		if opts == nil || !opts.Upsert {
			return nil, nil
		}
		created, err := d.Create(ctx, object, driver.SanitizePatch(patch), inner)
		if err != nil {
			return nil, err
		}
		if opts.Returning() == driver.ReturnBefore {
			return nil, nil
		}
		return created, nil
	}
	after, err := d.Update(ctx, object, before.ID(), patch, inner)
	if err != nil {
		return nil, err
	}
	if opts.Returning() == driver.ReturnBefore {
		return before, nil
	}
	return after, nil
}

// BeginTx implements driver.Driver.
func (d *Driver) BeginTx(ctx context.Context) (tabula.Tx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(d.dialect, err)
	}
	return &Tx{driver: d, tx: tx}, nil
}

// Tx adapts *sql.Tx to the engine's transaction handle.
type Tx struct {
	driver *Driver
	tx     *sql.Tx
}

// Commit implements tabula.Tx.
func (t *Tx) Commit(context.Context) error {
	return classify(t.driver.dialect, t.tx.Commit())
}

// Rollback implements tabula.Tx.
func (t *Tx) Rollback(context.Context) error {
	return classify(t.driver.dialect, t.tx.Rollback())
}

// selectStmt builds the full SELECT for a find.
func (d *Driver) selectStmt(object string, q *query.Query) (string, []any, error) {
	table, err := d.tableFor(object)
	if err != nil {
		return "", nil, err
	}
	c := compiler{dialect: d.dialect}
	var fields []string
	if q != nil {
		fields = q.Fields
	}
	cols, err := c.columns(fields)
	if err != nil {
		return "", nil, err
	}
	where, args, err := d.whereClause(q)
	if err != nil {
		return "", nil, err
	}
	var sorts []query.Sort
	if q != nil {
		sorts = q.Sort
	}
	orderBy, err := c.orderBy(sorts)
	if err != nil {
		return "", nil, err
	}
	stmt := "SELECT " + cols + " FROM " + table + where + orderBy + c.limitOffset(q)
	return rebind(d.dialect, stmt), args, nil
}

// whereClause compiles the filter with a leading " WHERE ", or "".
func (d *Driver) whereClause(q *query.Query) (string, []any, error) {
	if q == nil || q.Filters == nil {
		return "", nil, nil
	}
	c := compiler{dialect: d.dialect}
	cond, args, err := c.compile(q.Filters)
	if err != nil {
		return "", nil, err
	}
	if cond == "" {
		return "", nil, nil
	}
	for i, arg := range args {
		args[i] = bindValue(arg)
	}
	return " WHERE " + cond, args, nil
}

func sortedKeys(rec tabula.Record) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// bindValue coerces engine values to something every database/sql
// driver accepts. Composite values are stored as JSON text.
func bindValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, time.Time, []byte:
		return v
	case tabula.Record:
		return jsonText(map[string]any(t))
	case map[string]any, []any, []string:
		return jsonText(t)
	default:
		return v
	}
}

// scanRows reads a result set into records, folding native bytes to
// strings and decoding JSON-shaped text columns.
func scanRows(dialect string, rows *sql.Rows) ([]tabula.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, classify(dialect, err)
	}
	out := []tabula.Record{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classify(dialect, err)
		}
		rec := make(tabula.Record, len(cols))
		for i, col := range cols {
			rec[col] = normalizeValue(vals[i])
		}
		out = append(out, rec)
	}
	return out, classify(dialect, rows.Err())
}

func scanValue(rows *sql.Rows, err error) func(dest ...any) error {
	return func(dest ...any) error {
		if err != nil {
			return err
		}
		defer rows.Close()
		if !rows.Next() {
			if rerr := rows.Err(); rerr != nil {
				return rerr
			}
			return sql.ErrNoRows
		}
		if serr := rows.Scan(dest...); serr != nil {
			return serr
		}
		return rows.Err()
	}
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return decodeText(string(t))
	case string:
		return decodeText(t)
	default:
		return v
	}
}

package sql_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/driver"
	sqldrv "github.com/tabula-io/tabula/driver/sql"
	"github.com/tabula-io/tabula/query"
)

func sqliteDriver(t *testing.T) *sqldrv.Driver {
	t.Helper()
	d, err := sqldrv.Open(sqldrv.SQLite, ":memory:")
	require.NoError(t, err)
	// The pool would otherwise hand out fresh in-memory databases.
	d.DB().SetMaxOpenConns(1)
	t.Cleanup(func() { d.Disconnect(context.Background()) })

	_, err = d.DB().Exec(`CREATE TABLE orders (
		id TEXT PRIMARY KEY,
		customer TEXT,
		amount REAL,
		status TEXT,
		tenant_id TEXT,
		created_at TEXT,
		updated_at TEXT
	)`)
	require.NoError(t, err)
	return d
}

func seed(t *testing.T, d *sqldrv.Driver) {
	t.Helper()
	rows := []tabula.Record{
		{"id": "o1", "customer": "Alice", "amount": 1200.0, "status": "paid", "tenant_id": "t1"},
		{"id": "o2", "customer": "Bob", "amount": 25.5, "status": "open", "tenant_id": "t1"},
		{"id": "o3", "customer": "Alice", "amount": 75.0, "status": "open", "tenant_id": "t1"},
		{"id": "o4", "customer": "Charlie", "amount": 350.0, "status": "paid", "tenant_id": "t2"},
		{"id": "o5", "customer": "Bob", "amount": 1200.0, "status": "paid", "tenant_id": "t1"},
	}
	for _, row := range rows {
		_, err := d.Create(context.Background(), "orders", row, nil)
		require.NoError(t, err)
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	d := sqliteDriver(t)
	ctx := context.Background()

	created, err := d.Create(ctx, "orders", tabula.Record{
		"customer": "Dora",
		"amount":   10.5,
		"status":   "open",
	}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID())

	got, err := d.FindOne(ctx, "orders", &query.Query{
		Filters: query.FieldEQ("id", created.ID()),
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID(), got.ID())
	assert.Equal(t, "Dora", got["customer"])
	assert.Equal(t, 10.5, got["amount"])
	assert.Equal(t, created["created_at"], got["created_at"])
}

func TestSQLiteFilterSortPaginate(t *testing.T) {
	d := sqliteDriver(t)
	seed(t, d)

	limit := 2
	got, err := d.Find(context.Background(), "orders", &query.Query{
		Filters: query.FieldEQ("status", "paid"),
		Sort:    []query.Sort{{Field: "amount", Direction: query.Desc}, {Field: "customer", Direction: query.Asc}},
		Limit:   &limit,
	}, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Alice", got[0]["customer"])
	assert.Equal(t, "Bob", got[1]["customer"])
}

func TestSQLiteNotInMatchesNull(t *testing.T) {
	d := sqliteDriver(t)
	ctx := context.Background()
	_, err := d.Create(ctx, "orders", tabula.Record{"id": "o1", "customer": "Alice", "status": "open"}, nil)
	require.NoError(t, err)
	_, err = d.Create(ctx, "orders", tabula.Record{"id": "o2", "customer": "Bob"}, nil)
	require.NoError(t, err)

	got, err := d.Find(ctx, "orders", &query.Query{
		Filters: query.FieldNotIn("status", "open"),
	}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "o2", got[0].ID())
}

func TestSQLiteAggregation(t *testing.T) {
	d := sqliteDriver(t)
	seed(t, d)

	rows, err := d.Aggregate(context.Background(), "orders", &query.Query{
		GroupBy: []string{"customer"},
		Aggregations: []query.Aggregation{
			{Func: query.AggSum, Field: "amount", Alias: "total"},
			{Func: query.AggCount, Field: "*", Alias: "n"},
		},
	}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	byCustomer := map[string]tabula.Record{}
	for _, row := range rows {
		byCustomer[row["customer"].(string)] = row
	}
	assert.EqualValues(t, 1275.0, byCustomer["Alice"]["total"])
	assert.EqualValues(t, 2, byCustomer["Alice"]["n"])
	assert.EqualValues(t, 1225.5, byCustomer["Bob"]["total"])
	assert.EqualValues(t, 350.0, byCustomer["Charlie"]["total"])
	assert.EqualValues(t, 1, byCustomer["Charlie"]["n"])
}

func TestSQLiteTransactionRollback(t *testing.T) {
	d := sqliteDriver(t)
	ctx := context.Background()

	tx, err := d.BeginTx(ctx)
	require.NoError(t, err)
	opts := &driver.Options{Tx: tx}

	_, err = d.Create(ctx, "orders", tabula.Record{"id": "o1", "customer": "Alice"}, opts)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	n, err := d.Count(ctx, "orders", nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestSQLiteUniqueConstraintClassified(t *testing.T) {
	d := sqliteDriver(t)
	ctx := context.Background()

	_, err := d.Create(ctx, "orders", tabula.Record{"id": "o1"}, nil)
	require.NoError(t, err)
	_, err = d.Create(ctx, "orders", tabula.Record{"id": "o1"}, nil)
	require.Error(t, err)
	assert.True(t, driver.IsConstraint(err))
	assert.ErrorIs(t, err, tabula.ErrConflict)
}

func TestSQLiteDistinct(t *testing.T) {
	d := sqliteDriver(t)
	seed(t, d)

	got, err := d.Distinct(context.Background(), "orders", "customer", &query.Query{
		Filters: query.FieldEQ("tenant_id", "t1"),
	}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"Alice", "Bob"}, got)
}

// Package mem implements the driver contract on process memory. It is
// the reference back-end: the query semantics every other driver
// compiles its native predicates against, and the default datasource
// for tests and embedded use.
package mem

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/driver"
	"github.com/tabula-io/tabula/query"
)

const driverName = "mem"

// collection holds one object's records. order preserves insertion so
// unsorted queries paginate deterministically.
type collection struct {
	docs  map[string]tabula.Record
	order []string
}

func newCollection() *collection {
	return &collection{docs: make(map[string]tabula.Record)}
}

func (c *collection) clone() *collection {
	out := &collection{
		docs:  make(map[string]tabula.Record, len(c.docs)),
		order: append([]string(nil), c.order...),
	}
	for id, doc := range c.docs {
		out.docs[id] = doc.Clone()
	}
	return out
}

func (c *collection) remove(id string) {
	delete(c.docs, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// dataset is the full store: object name to collection. Transactions
// operate on a deep copy and swap it back on commit.
type dataset map[string]*collection

func (d dataset) clone() dataset {
	out := make(dataset, len(d))
	for name, c := range d {
		out[name] = c.clone()
	}
	return out
}

func (d dataset) collection(object string) *collection {
	c, ok := d[object]
	if !ok {
		c = newCollection()
		d[object] = c
	}
	return c
}

// Driver is the in-memory back-end.
type Driver struct {
	mu        sync.RWMutex
	data      dataset
	connected bool

	watchMu sync.Mutex
	watches map[string]*watch

	// now is swappable for tests that assert timestamps.
	now func() time.Time
}

// Option configures the driver.
type Option func(*Driver)

// WithClock replaces the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// New returns an empty in-memory driver.
func New(opts ...Option) *Driver {
	d := &Driver{
		data:    make(dataset),
		watches: make(map[string]*watch),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return driverName }

// Connect implements driver.Driver.
func (d *Driver) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return nil
}

// Disconnect drops every active change stream and marks the driver
// closed. The data survives so tests can reconnect.
func (d *Driver) Disconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.watchMu.Lock()
	d.watches = make(map[string]*watch)
	d.watchMu.Unlock()
	d.mu.Lock()
	d.connected = false
	d.mu.Unlock()
	return nil
}

// CheckHealth implements driver.Driver.
func (d *Driver) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.connected {
		return driver.NewError(driverName, driver.CategoryConnection, "not connected")
	}
	return nil
}

// Capabilities implements driver.Driver.
func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		Transactions:      true,
		QueryFilters:      true,
		QueryAggregations: true,
		QuerySorting:      true,
		QueryPagination:   true,
		JSONFields:        true,
		ArrayFields:       true,
		ChangeStreams:     true,
		BulkWrites:        true,
	}
}

// view resolves the dataset an operation reads: the transaction's copy
// when a handle is threaded through, the shared store otherwise. The
// returned release func undoes the read lock taken for the shared case.
func (d *Driver) view(opts *driver.Options) (dataset, func(), error) {
	if tx, err := d.txOf(opts.TxOf()); err != nil {
		return nil, nil, err
	} else if tx != nil {
		return tx.data, func() {}, nil
	}
	d.mu.RLock()
	return d.data, d.mu.RUnlock, nil
}

func (d *Driver) txOf(handle tabula.Tx) (*Tx, error) {
	if handle == nil {
		return nil, nil
	}
	tx, ok := handle.(*Tx)
	if !ok || tx.driver != d {
		return nil, driver.ErrBadTx
	}
	if tx.done {
		return nil, driver.NewError(driverName, driver.CategoryOther, "transaction already finished")
	}
	return tx, nil
}

// Find implements driver.Driver.
func (d *Driver) Find(ctx context.Context, object string, q *query.Query, opts *driver.Options) ([]tabula.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, release, err := d.view(opts)
	if err != nil {
		return nil, err
	}
	defer release()
	return find(data, object, q)
}

func find(data dataset, object string, q *query.Query) ([]tabula.Record, error) {
	c, ok := data[object]
	if !ok {
		return []tabula.Record{}, nil
	}
	var out []tabula.Record
	for _, id := range c.order {
		doc := c.docs[id]
		match, err := query.Match(doc, filterOf(q))
		if err != nil {
			return nil, err
		}
		if match {
			out = append(out, doc)
		}
	}
	sortRecords(out, sortOf(q))
	out = paginate(out, q)
	projected := make([]tabula.Record, len(out))
	for i, doc := range out {
		projected[i] = project(doc, fieldsOf(q))
	}
	return projected, nil
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
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, release, err := d.view(opts)
	if err != nil {
		return 0, err
	}
	defer release()
	c, ok := data[object]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, id := range c.order {
		match, err := query.Match(c.docs[id], filterOf(q))
		if err != nil {
			return 0, err
		}
		if match {
			n++
		}
	}
	return n, nil
}

// Distinct implements driver.Driver.
func (d *Driver) Distinct(ctx context.Context, object, field string, q *query.Query, opts *driver.Options) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, release, err := d.view(opts)
	if err != nil {
		return nil, err
	}
	defer release()
	c, ok := data[object]
	if !ok {
		return []any{}, nil
	}
	seen := make(map[string]struct{})
	out := []any{}
	for _, id := range c.order {
		doc := c.docs[id]
		match, err := query.Match(doc, filterOf(q))
		if err != nil {
			return nil, err
		}
		if !match {
			continue
		}
		v, ok := doc[field]
		if !ok || v == nil {
			continue
		}
		key := query.Stringify(v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}

// Aggregate implements driver.Driver. Group keys appear on each result
// row next to one value per aggregation under its Name().
func (d *Driver) Aggregate(ctx context.Context, object string, q *query.Query, opts *driver.Options) ([]tabula.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, release, err := d.view(opts)
	if err != nil {
		return nil, err
	}
	defer release()
	c, ok := data[object]
	if !ok {
		c = newCollection()
	}
	var matched []tabula.Record
	for _, id := range c.order {
		doc := c.docs[id]
		match, err := query.Match(doc, filterOf(q))
		if err != nil {
			return nil, err
		}
		if match {
			matched = append(matched, doc)
		}
	}
	return aggregate(matched, q)
}

// Create implements driver.Driver.
func (d *Driver) Create(ctx context.Context, object string, doc tabula.Record, opts *driver.Options) (tabula.Record, error) {
	if err := ctx.Err(); err != nil {
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
	id := stored.ID()

	ev := driver.ChangeEvent{Object: object, Op: driver.ChangeCreate, ID: id, Document: stored.Clone(), At: d.now()}
	err := d.write(opts, func(data dataset) error {
		c := data.collection(object)
		if _, exists := c.docs[id]; exists {
			return driver.NewError(driverName, driver.CategoryConstraint, "%s: duplicate id %q", object, id)
		}
		c.docs[id] = stored
		c.order = append(c.order, id)
		return nil
	}, &ev)
	if err != nil {
		return nil, err
	}
	return stored.Clone(), nil
}

// Update implements driver.Driver. Missing ids fail with the not_found
// category; id and created_at never change.
func (d *Driver) Update(ctx context.Context, object, id string, patch tabula.Record, opts *driver.Options) (tabula.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var updated tabula.Record
	ev := driver.ChangeEvent{Object: object, Op: driver.ChangeUpdate, ID: id, At: d.now()}
	err := d.write(opts, func(data dataset) error {
		c := data.collection(object)
		current, ok := c.docs[id]
		if !ok {
			return driver.NewError(driverName, driver.CategoryNotFound, "%s: no record with id %q", object, id)
		}
		next := current.Clone()
		for k, v := range driver.SanitizePatch(patch) {
			if v == nil {
				delete(next, k)
				continue
			}
			next[k] = v
		}
		next["updated_at"] = tabula.Timestamp(d.now())
		c.docs[id] = next
		updated = next
		ev.Document = next.Clone()
		return nil
	}, &ev)
	if err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// Delete implements driver.Driver.
func (d *Driver) Delete(ctx context.Context, object, id string, opts *driver.Options) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	ev := driver.ChangeEvent{Object: object, Op: driver.ChangeDelete, ID: id, At: d.now()}
	err := d.write(opts, func(data dataset) error {
		c := data.collection(object)
		if _, ok := c.docs[id]; !ok {
			ev.Op = "" // nothing removed, nothing to announce
			return nil
		}
		c.remove(id)
		n = 1
		return nil
	}, &ev)
	if err != nil {
		return 0, err
	}
	return n, nil
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

// UpdateMany implements driver.Driver.
func (d *Driver) UpdateMany(ctx context.Context, object string, filter query.Filter, patch tabula.Record, opts *driver.Options) (int64, error) {
	ids, err := d.matchingIDs(ctx, object, filter, opts)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, err := d.Update(ctx, object, id, patch, opts); err != nil {
			return 0, err
		}
	}
	return int64(len(ids)), nil
}

// DeleteMany implements driver.Driver.
func (d *Driver) DeleteMany(ctx context.Context, object string, filter query.Filter, opts *driver.Options) (int64, error) {
	ids, err := d.matchingIDs(ctx, object, filter, opts)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		deleted, err := d.Delete(ctx, object, id, opts)
		if err != nil {
			return 0, err
		}
		n += deleted
	}
	return n, nil
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
		doc := driver.SanitizePatch(patch)
		created, err := d.Create(ctx, object, doc, inner)
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

// BeginTx implements driver.Driver. The handle owns a deep copy of the
// store; Commit swaps it back wholesale, so concurrent transactions are
// serialisable with last-commit-wins semantics.
func (d *Driver) BeginTx(ctx context.Context) (tabula.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	snapshot := d.data.clone()
	d.mu.RUnlock()
	return &Tx{driver: d, data: snapshot}, nil
}

// matchingIDs resolves the ids touched by a bulk operation up front so
// per-record writes do not observe their own effects mid-iteration.
func (d *Driver) matchingIDs(ctx context.Context, object string, filter query.Filter, opts *driver.Options) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, release, err := d.view(opts)
	if err != nil {
		return nil, err
	}
	defer release()
	c, ok := data[object]
	if !ok {
		return nil, nil
	}
	var ids []string
	for _, id := range c.order {
		match, err := query.Match(c.docs[id], filter)
		if err != nil {
			return nil, err
		}
		if match {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// write applies a mutation to the right dataset. Under a transaction the
// event is buffered until commit; otherwise it is emitted immediately.
// The apply func may amend the event (post-image) or clear its Op to
// suppress it.
func (d *Driver) write(opts *driver.Options, apply func(dataset) error, ev *driver.ChangeEvent) error {
	tx, err := d.txOf(opts.TxOf())
	if err != nil {
		return err
	}
	if tx != nil {
		if err := apply(tx.data); err != nil {
			return err
		}
		if ev.Op != "" {
			tx.events = append(tx.events, *ev)
		}
		return nil
	}
	d.mu.Lock()
	if err := apply(d.data); err != nil {
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()
	if ev.Op != "" {
		d.emit(*ev)
	}
	return nil
}

func filterOf(q *query.Query) query.Filter {
	if q == nil {
		return nil
	}
	return q.Filters
}

func sortOf(q *query.Query) []query.Sort {
	if q == nil {
		return nil
	}
	return q.Sort
}

func fieldsOf(q *query.Query) []string {
	if q == nil {
		return nil
	}
	return q.Fields
}

// sortRecords orders in place. Nulls sort first ascending and last
// descending; incomparable pairs keep their arrival order.
func sortRecords(docs []tabula.Record, sorts []query.Sort) {
	if len(sorts) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, s := range sorts {
			a, b := docs[i][s.Field], docs[j][s.Field]
			if a == nil && b == nil {
				continue
			}
			if a == nil {
				return s.Direction != query.Desc
			}
			if b == nil {
				return s.Direction == query.Desc
			}
			cmp, ok := query.CompareValues(a, b)
			if !ok || cmp == 0 {
				continue
			}
			if s.Direction == query.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func paginate(docs []tabula.Record, q *query.Query) []tabula.Record {
	if q == nil {
		return docs
	}
	if q.Skip > 0 {
		if q.Skip >= len(docs) {
			return nil
		}
		docs = docs[q.Skip:]
	}
	if limit, ok := q.Limited(); ok {
		if limit < len(docs) {
			docs = docs[:limit]
		}
	}
	return docs
}

// project copies the requested fields, or everything when none were
// requested. The id always survives projection so callers can address
// the record afterwards.
func project(doc tabula.Record, fields []string) tabula.Record {
	if len(fields) == 0 {
		return doc.Clone()
	}
	out := make(tabula.Record, len(fields)+1)
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	if _, ok := out[tabula.IDField]; !ok {
		if v, exists := doc[tabula.IDField]; exists {
			out[tabula.IDField] = v
		}
	}
	return out.Clone()
}

// aggregate evaluates the query's aggregations grouped by GroupBy.
func aggregate(docs []tabula.Record, q *query.Query) ([]tabula.Record, error) {
	if q == nil || len(q.Aggregations) == 0 {
		return nil, tabula.Invalidf("mem: aggregate requires at least one aggregation")
	}
	type bucket struct {
		keys tabula.Record
		docs []tabula.Record
	}
	var order []string
	buckets := make(map[string]*bucket)
	for _, doc := range docs {
		var keyParts []string
		keys := tabula.Record{}
		for _, g := range q.GroupBy {
			v := doc[g]
			keys[g] = v
			keyParts = append(keyParts, query.Stringify(v))
		}
		key := strings.Join(keyParts, "\x00")
		b, ok := buckets[key]
		if !ok {
			b = &bucket{keys: keys}
			buckets[key] = b
			order = append(order, key)
		}
		b.docs = append(b.docs, doc)
	}
	if len(buckets) == 0 && len(q.GroupBy) == 0 {
		buckets[""] = &bucket{keys: tabula.Record{}}
		order = append(order, "")
	}
	out := make([]tabula.Record, 0, len(buckets))
	for _, key := range order {
		b := buckets[key]
		row := b.keys.Clone()
		if row == nil {
			row = tabula.Record{}
		}
		for _, agg := range q.Aggregations {
			v, err := aggValue(agg, b.docs)
			if err != nil {
				return nil, err
			}
			row[agg.Name()] = v
		}
		out = append(out, row)
	}
	return out, nil
}

func aggValue(agg query.Aggregation, docs []tabula.Record) (any, error) {
	switch agg.Func {
	case query.AggCount:
		if agg.Field == "" || agg.Field == "*" {
			return len(docs), nil
		}
		n := 0
		for _, doc := range docs {
			if doc[agg.Field] != nil {
				n++
			}
		}
		return n, nil
	case query.AggSum, query.AggAvg:
		var sum float64
		var n int
		for _, doc := range docs {
			if v, ok := query.Number(doc[agg.Field]); ok {
				sum += v
				n++
			}
		}
		if agg.Func == query.AggSum {
			return sum, nil
		}
		if n == 0 {
			return nil, nil
		}
		return sum / float64(n), nil
	case query.AggMin, query.AggMax:
		var best any
		for _, doc := range docs {
			v := doc[agg.Field]
			if v == nil {
				continue
			}
			if best == nil {
				best = v
				continue
			}
			cmp, ok := query.CompareValues(v, best)
			if !ok {
				continue
			}
			if (agg.Func == query.AggMin && cmp < 0) || (agg.Func == query.AggMax && cmp > 0) {
				best = v
			}
		}
		return best, nil
	default:
		return nil, tabula.Invalidf("mem: unknown aggregation function %q", agg.Func)
	}
}

// Package mongo implements the storage contract over a MongoDB
// deployment. The logical "id" field maps onto the native "_id" key in
// both directions, so callers never see the alias.
package mongo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/driver"
	"github.com/tabula-io/tabula/query"
)

const driverName = "mongo"

// Driver implements driver.Driver and driver.Watcher over the official
// mongo client. One driver owns one database; objects map to
// collections by name.
type Driver struct {
	uri    string
	dbName string
	client *mongo.Client
	now    func() time.Time

	watchMu sync.Mutex
	watches map[string]*watch
}

// Option configures the driver.
type Option func(*Driver)

// WithClock replaces the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) { d.now = now }
}

// WithClient injects a pre-built client; Connect then only pings.
func WithClient(client *mongo.Client) Option {
	return func(d *Driver) { d.client = client }
}

// New builds a driver for the database at uri. Nothing talks to the
// deployment until Connect.
func New(uri, database string, opts ...Option) *Driver {
	d := &Driver{
		uri:     uri,
		dbName:  database,
		now:     time.Now,
		watches: make(map[string]*watch),
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
	if d.client == nil {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(d.uri))
		if err != nil {
			return driver.WrapError(driverName, driver.CategoryConnection, err)
		}
		d.client = client
	}
	if err := d.client.Ping(ctx, readpref.Primary()); err != nil {
		return driver.WrapError(driverName, driver.CategoryConnection, err)
	}
	return nil
}

// Disconnect implements driver.Driver. Active change streams are closed
// first.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.watchMu.Lock()
	for id, w := range d.watches {
		w.cancel()
		delete(d.watches, id)
	}
	d.watchMu.Unlock()
	if d.client == nil {
		return nil
	}
	return classify(d.client.Disconnect(ctx))
}

// CheckHealth implements driver.Driver.
func (d *Driver) CheckHealth(ctx context.Context) error {
	if d.client == nil {
		return driver.NewError(driverName, driver.CategoryConnection, "not connected")
	}
	if err := d.client.Ping(ctx, readpref.Primary()); err != nil {
		return driver.WrapError(driverName, driver.CategoryConnection, err)
	}
	return nil
}

// Capabilities implements driver.Driver.
func (d *Driver) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		Transactions:      true,
		JSONFields:        true,
		ArrayFields:       true,
		FullTextSearch:    true,
		QueryFilters:      true,
		QueryAggregations: true,
		QuerySorting:      true,
		QueryPagination:   true,
		ChangeStreams:     true,
		BulkWrites:        true,
	}
}

func (d *Driver) collection(object string) *mongo.Collection {
	return d.client.Database(d.dbName).Collection(object)
}

// scope resolves the operation context: the session context when a
// transaction handle is threaded through, the caller's context
// otherwise.
func (d *Driver) scope(ctx context.Context, opts *driver.Options) (context.Context, error) {
	handle := opts.TxOf()
	if handle == nil {
		return ctx, nil
	}
	tx, ok := handle.(*Tx)
	if !ok || tx.driver != d {
		return nil, driver.ErrBadTx
	}
	return mongo.NewSessionContext(ctx, tx.session), nil
}

// Find implements driver.Driver.
func (d *Driver) Find(ctx context.Context, object string, q *query.Query, opts *driver.Options) ([]tabula.Record, error) {
	ctx, err := d.scope(ctx, opts)
	if err != nil {
		return nil, err
	}
	filter := bson.M{}
	fo := options.Find()
	if q != nil {
		if filter, err = compileFilter(q.Filters); err != nil {
			return nil, err
		}
		if len(q.Sort) > 0 {
			fo.SetSort(compileSort(q.Sort))
		}
		if q.Skip > 0 {
			fo.SetSkip(int64(q.Skip))
		}
		if limit, ok := q.Limited(); ok {
			fo.SetLimit(int64(limit))
		}
		if projection := compileProjection(q.Fields); projection != nil {
			fo.SetProjection(projection)
		}
	}
	cursor, err := d.collection(object).Find(ctx, filter, fo)
	if err != nil {
		return nil, classify(err)
	}
	var rows []bson.M
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, classify(err)
	}
	out := make([]tabula.Record, len(rows))
	for i, row := range rows {
		out[i] = decodeRecord(row)
	}
	return out, nil
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
	ctx, err := d.scope(ctx, opts)
	if err != nil {
		return 0, err
	}
	filter := bson.M{}
	if q != nil {
		if filter, err = compileFilter(q.Filters); err != nil {
			return 0, err
		}
	}
	n, err := d.collection(object).CountDocuments(ctx, filter)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// Distinct implements driver.Driver.
func (d *Driver) Distinct(ctx context.Context, object, field string, q *query.Query, opts *driver.Options) ([]any, error) {
	ctx, err := d.scope(ctx, opts)
	if err != nil {
		return nil, err
	}
	filter := bson.M{}
	if q != nil {
		if filter, err = compileFilter(q.Filters); err != nil {
			return nil, err
		}
	}
	values, err := d.collection(object).Distinct(ctx, fieldName(field), filter)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]any, 0, len(values))
	for _, v := range values {
		if v == nil {
			continue
		}
		out = append(out, normalizeValue(v))
	}
	return out, nil
}

// Aggregate implements driver.Driver through an aggregation pipeline.
func (d *Driver) Aggregate(ctx context.Context, object string, q *query.Query, opts *driver.Options) ([]tabula.Record, error) {
	if q == nil || len(q.Aggregations) == 0 {
		return nil, driver.NewError(driverName, driver.CategoryOther, "aggregate requires at least one aggregation")
	}
	ctx, err := d.scope(ctx, opts)
	if err != nil {
		return nil, err
	}
	pipeline, err := aggPipeline(q)
	if err != nil {
		return nil, err
	}
	cursor, err := d.collection(object).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, classify(err)
	}
	var rows []bson.M
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, classify(err)
	}
	out := make([]tabula.Record, len(rows))
	for i, row := range rows {
		out[i] = flattenGroupRow(row)
	}
	return out, nil
}

// Create implements driver.Driver.
func (d *Driver) Create(ctx context.Context, object string, doc tabula.Record, opts *driver.Options) (tabula.Record, error) {
	ctx, err := d.scope(ctx, opts)
	if err != nil {
		return nil, err
	}
	stored := prepareCreate(doc, d.now())
	if _, err := d.collection(object).InsertOne(ctx, encodeRecord(stored)); err != nil {
		return nil, classify(err)
	}
	return stored, nil
}

// Update implements driver.Driver. The full post-image comes back in one
// round trip.
func (d *Driver) Update(ctx context.Context, object, id string, patch tabula.Record, opts *driver.Options) (tabula.Record, error) {
	ctx, err := d.scope(ctx, opts)
	if err != nil {
		return nil, err
	}
	sets := updateSets(patch, d.now())
	res := d.collection(object).FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": sets},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var row bson.M
	if err := res.Decode(&row); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, driver.NewError(driverName, driver.CategoryNotFound, "%s: no record with id %q", object, id)
		}
		return nil, classify(err)
	}
	return decodeRecord(row), nil
}

// Delete implements driver.Driver.
func (d *Driver) Delete(ctx context.Context, object, id string, opts *driver.Options) (int64, error) {
	ctx, err := d.scope(ctx, opts)
	if err != nil {
		return 0, err
	}
	res, err := d.collection(object).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return 0, classify(err)
	}
	return res.DeletedCount, nil
}

// CreateMany implements driver.Driver as one InsertMany.
func (d *Driver) CreateMany(ctx context.Context, object string, docs []tabula.Record, opts *driver.Options) ([]tabula.Record, error) {
	if len(docs) == 0 {
		return []tabula.Record{}, nil
	}
	ctx, err := d.scope(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]tabula.Record, len(docs))
	rows := make([]any, len(docs))
	now := d.now()
	for i, doc := range docs {
		stored := prepareCreate(doc, now)
		out[i] = stored
		rows[i] = encodeRecord(stored)
	}
	if _, err := d.collection(object).InsertMany(ctx, rows); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// UpdateMany implements driver.Driver.
func (d *Driver) UpdateMany(ctx context.Context, object string, filter query.Filter, patch tabula.Record, opts *driver.Options) (int64, error) {
	ctx, err := d.scope(ctx, opts)
	if err != nil {
		return 0, err
	}
	match, err := compileFilter(filter)
	if err != nil {
		return 0, err
	}
	sets := updateSets(patch, d.now())
	res, err := d.collection(object).UpdateMany(ctx, match, bson.M{"$set": sets})
	if err != nil {
		return 0, classify(err)
	}
	return res.ModifiedCount, nil
}

// DeleteMany implements driver.Driver.
func (d *Driver) DeleteMany(ctx context.Context, object string, filter query.Filter, opts *driver.Options) (int64, error) {
	ctx, err := d.scope(ctx, opts)
	if err != nil {
		return 0, err
	}
	match, err := compileFilter(filter)
	if err != nil {
		return 0, err
	}
	res, err := d.collection(object).DeleteMany(ctx, match)
	if err != nil {
		return 0, classify(err)
	}
	return res.DeletedCount, nil
}

// FindOneAndUpdate implements driver.Driver atomically.
func (d *Driver) FindOneAndUpdate(ctx context.Context, object string, filter query.Filter, patch tabula.Record, opts *driver.FindOneAndUpdateOptions) (tabula.Record, error) {
	var inner *driver.Options
	if opts != nil {
		inner = &opts.Options
	}
	ctx, err := d.scope(ctx, inner)
	if err != nil {
		return nil, err
	}
	match, err := compileFilter(filter)
	if err != nil {
		return nil, err
	}
	sets := updateSets(patch, d.now())
	update := bson.M{"$set": sets}
	fo := options.FindOneAndUpdate()
	if opts.Returning() == driver.ReturnBefore {
		fo.SetReturnDocument(options.Before)
	} else {
		fo.SetReturnDocument(options.After)
	}
	if opts != nil && opts.Upsert {
		fo.SetUpsert(true)
		update["$setOnInsert"] = bson.M{
			"_id":        uuid.NewString(),
			"created_at": tabula.Timestamp(d.now()),
		}
	}
	res := d.collection(object).FindOneAndUpdate(ctx, match, update, fo)
	var row bson.M
	if err := res.Decode(&row); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return decodeRecord(row), nil
}

// prepareCreate clones the document, settles the identifier, and stamps
// the managed timestamps.
func prepareCreate(doc tabula.Record, now time.Time) tabula.Record {
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
	driver.Timestamps(stored, now)
	return stored
}

// updateSets builds the $set document for a patch.
func updateSets(patch tabula.Record, now time.Time) bson.M {
	clean := driver.SanitizePatch(patch)
	clean["updated_at"] = tabula.Timestamp(now)
	sets := make(bson.M, len(clean))
	for k, v := range clean {
		sets[k] = v
	}
	return sets
}

// encodeRecord maps the logical record onto the stored document.
func encodeRecord(rec tabula.Record) bson.M {
	doc := make(bson.M, len(rec))
	for k, v := range rec {
		doc[fieldName(k)] = v
	}
	return doc
}

// decodeRecord maps a stored document back onto the logical record,
// folding driver-native value types to plain ones.
func decodeRecord(row bson.M) tabula.Record {
	rec := make(tabula.Record, len(row))
	for k, v := range row {
		if k == "_id" {
			rec[tabula.IDField] = normalizeValue(v)
			continue
		}
		rec[k] = normalizeValue(v)
	}
	return rec
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case primitive.ObjectID:
		return t.Hex()
	case primitive.DateTime:
		return tabula.Timestamp(t.Time())
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case primitive.M:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeValue(e)
		}
		return out
	case int32:
		return int64(t)
	default:
		return v
	}
}

// classify maps client errors onto the driver taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case mongo.IsDuplicateKeyError(err):
		return driver.WrapError(driverName, driver.CategoryConstraint, err)
	case errors.Is(err, mongo.ErrNoDocuments):
		return driver.WrapError(driverName, driver.CategoryNotFound, err)
	case errors.Is(err, context.DeadlineExceeded), mongo.IsTimeout(err):
		return driver.WrapError(driverName, driver.CategoryTimeout, err)
	case mongo.IsNetworkError(err):
		return driver.WrapError(driverName, driver.CategoryConnection, err)
	default:
		return driver.WrapError(driverName, driver.CategoryOther, err)
	}
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/cache"
	"github.com/tabula-io/tabula/driver"
	"github.com/tabula-io/tabula/hook"
	"github.com/tabula-io/tabula/privacy"
	"github.com/tabula-io/tabula/query"
	"github.com/tabula-io/tabula/schema"
	"github.com/tabula-io/tabula/validation"
)

// Repository is the per-object facade. Every operation runs the full
// pipeline: permissions, tenancy and user hooks, validation, the driver
// call under an optional transaction, and result masking.
type Repository struct {
	engine *Engine
	object string
}

// opState carries one dispatch through the pipeline stages.
type opState struct {
	op       tabula.Op
	rc       *tabula.RequestContext
	obj      *schema.Object
	drv      driver.Driver
	decision *privacy.Decision
	opts     *driver.Options
	tx       tabula.Tx
	ownTx    bool
	start    time.Time
}

func (r *Repository) resolve(ctx context.Context, op tabula.Op) (*opState, error) {
	e := r.engine
	obj, ok := e.registry.Object(r.object)
	if !ok {
		return nil, tabula.NotFoundf("unknown object %q", r.object)
	}
	drv, err := e.driverFor(obj)
	if err != nil {
		return nil, err
	}
	rc := tabula.RequestFromContext(ctx)
	st := &opState{
		op:    op,
		rc:    rc,
		obj:   obj,
		drv:   drv,
		opts:  e.driverOptions(rc),
		start: time.Now(),
	}
	if rc != nil {
		st.tx = rc.Tx
	}
	if rc != nil && rc.System {
		st.decision = &privacy.Decision{Object: r.object, Action: op.String(), Allowed: true}
		return st, nil
	}
	req := &privacy.Request{
		Object: r.object,
		Action: privacy.ActionForOperation(op.String()),
	}
	if rc != nil {
		req.User = rc.User
		req.Roles = rc.EffectiveRoles()
		req.TenantID = rc.TenantID
	}
	decision, err := e.evaluator.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := decision.Err(); err != nil {
		return nil, err
	}
	st.decision = decision
	return st, nil
}

// begin opens a transaction for a mutation when the driver supports
// them and the request did not bring its own handle.
func (st *opState) begin(ctx context.Context) error {
	if st.opts.Tx != nil || !st.drv.Capabilities().Transactions {
		return nil
	}
	tx, err := st.drv.BeginTx(ctx)
	if err != nil {
		return err
	}
	st.tx = tx
	st.ownTx = true
	st.opts.Tx = tx
	return nil
}

// finish settles an owned transaction: rollback on failure, commit on
// success. The original error wins over a rollback error.
func (st *opState) finish(ctx context.Context, err error) error {
	if !st.ownTx {
		return err
	}
	if err != nil {
		if rbErr := st.tx.Rollback(ctx); rbErr != nil {
			return &tabula.RollbackError{Cause: err, Rollback: rbErr}
		}
		return err
	}
	return st.tx.Commit(ctx)
}

func (r *Repository) bind(st *opState, hctx *hook.Context) *hook.Context {
	if st.rc != nil {
		hctx.User = st.rc.User
		hctx.TenantID = st.rc.TenantID
	}
	hctx.Store = &pipelineStore{engine: r.engine, tx: st.opts.Tx}
	return hctx
}

// fire triggers system handlers then, unless the request disables
// triggers, user handlers.
func (r *Repository) fire(ctx context.Context, event hook.Event, st *opState, hctx *hook.Context) error {
	if r.engine.metrics != nil {
		r.engine.metrics.ObserveHook(string(event))
	}
	if err := r.engine.hooks.Trigger(ctx, event, r.object, hctx, hook.ScopeSystem); err != nil {
		return err
	}
	if st.rc != nil && st.rc.IgnoreTriggers {
		return nil
	}
	return r.engine.hooks.Trigger(ctx, event, r.object, hctx, hook.ScopeUser)
}

// fireSystem triggers only the engine-owned handlers; used where the
// pipeline interleaves validation between system and user hooks.
func (r *Repository) fireSystem(ctx context.Context, event hook.Event, hctx *hook.Context) error {
	return r.engine.hooks.Trigger(ctx, event, r.object, hctx, hook.ScopeSystem)
}

func (r *Repository) fireUser(ctx context.Context, st *opState, event hook.Event, hctx *hook.Context) error {
	if st.rc != nil && st.rc.IgnoreTriggers {
		return nil
	}
	return r.engine.hooks.Trigger(ctx, event, r.object, hctx, hook.ScopeUser)
}

func (r *Repository) observe(st *opState, err error) {
	if r.engine.metrics != nil {
		r.engine.metrics.ObserveOp(r.object, st.op.String(), err, time.Since(st.start))
	}
	if err != nil {
		r.engine.log.Debug("operation failed",
			zap.String("object", r.object),
			zap.String("op", st.op.String()),
			zap.Error(err),
		)
	}
}

// validate runs beforeValidate hooks, the rule engine, and
// afterValidate hooks for create and update dispatches.
func (r *Repository) validate(ctx context.Context, st *opState, hctx *hook.Context, operation string, changed []string) error {
	if err := r.fire(ctx, hook.BeforeValidate, st, hctx); err != nil {
		return err
	}
	vctx := &validation.Context{
		Operation:     operation,
		Record:        hctx.Data,
		Previous:      hctx.Previous,
		ChangedFields: changed,
	}
	if st.rc != nil {
		vctx.User = st.rc.User
		vctx.TenantID = st.rc.TenantID
		vctx.Language = st.rc.Language
	}
	result, err := r.engine.validator.Validate(ctx, st.obj, vctx)
	if err != nil {
		return err
	}
	if err := result.Err(); err != nil {
		return err
	}
	return r.fire(ctx, hook.AfterValidate, st, hctx)
}

// Find runs the query and returns the masked records, expanding any
// nested queries through the pipeline.
func (r *Repository) Find(ctx context.Context, q *query.Query) (records []tabula.Record, err error) {
	// Grouped queries are a different driver call; drivers ignore
	// aggregation stages on Find.
	if q != nil && (len(q.Aggregations) > 0 || len(q.GroupBy) > 0) {
		return r.Aggregate(ctx, q)
	}
	st, err := r.resolve(ctx, tabula.OpFind)
	if err != nil {
		return nil, err
	}
	defer func() { r.observe(st, err) }()

	q = cloneQuery(q)
	hctx := r.bind(st, hook.NewRetrievalContext(r.object, "find", q))
	if err = r.fire(ctx, hook.BeforeFind, st, hctx); err != nil {
		return nil, err
	}
	q = hctx.Query
	q.And(st.decision.Filters)

	records, err = r.cachedFind(ctx, st, q)
	if err != nil {
		return nil, err
	}
	hctx.Result = records
	if err = r.fire(ctx, hook.AfterFind, st, hctx); err != nil {
		return nil, err
	}
	records, _ = hctx.Records()
	records = st.decision.MaskRecords(st.obj, records)
	if len(q.Expand) > 0 {
		if err = r.expand(ctx, st, q, records); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (r *Repository) cachedFind(ctx context.Context, st *opState, q *query.Query) ([]tabula.Record, error) {
	e := r.engine
	if e.loader == nil || st.rc == nil || !st.rc.AllowCache || st.opts.Tx != nil {
		return st.drv.Find(ctx, r.object, q, st.opts)
	}
	key, ok := r.cacheKey(st, q)
	if !ok {
		return st.drv.Find(ctx, r.object, q, st.opts)
	}
	hit := true
	records, err := cache.Load(ctx, e.loader, key, e.cacheTTL, func(ctx context.Context) ([]tabula.Record, error) {
		hit = false
		return st.drv.Find(ctx, r.object, q, st.opts)
	})
	if e.metrics != nil && err == nil {
		e.metrics.ObserveCache(hit)
	}
	return records, err
}

// cacheKey hashes the normalised query plus the caller's row scope so
// two tenants never share an entry.
func (r *Repository) cacheKey(st *opState, q *query.Query) (string, bool) {
	payload, err := json.Marshal(q)
	if err != nil {
		return "", false
	}
	h := fnv.New64a()
	h.Write(payload)
	if st.rc != nil {
		h.Write([]byte(st.rc.TenantID))
		h.Write([]byte(strings.Join(st.rc.EffectiveRoles(), ",")))
	}
	return fmt.Sprintf("%s%x", cachePrefix(r.object), h.Sum64()), true
}

// FindOne fetches one record by id, failing NOT_FOUND when absent.
func (r *Repository) FindOne(ctx context.Context, id string) (tabula.Record, error) {
	rec, err := r.findOne(ctx, &query.Query{Filters: query.FieldEQ(tabula.IDField, id)})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, tabula.NotFoundf("%s %q not found", r.object, id)
	}
	return rec, nil
}

// FindOneBy fetches the first match, or nil when nothing matches.
func (r *Repository) FindOneBy(ctx context.Context, q *query.Query) (tabula.Record, error) {
	return r.findOne(ctx, cloneQuery(q))
}

func (r *Repository) findOne(ctx context.Context, q *query.Query) (rec tabula.Record, err error) {
	st, err := r.resolve(ctx, tabula.OpFindOne)
	if err != nil {
		return nil, err
	}
	defer func() { r.observe(st, err) }()

	hctx := r.bind(st, hook.NewRetrievalContext(r.object, "findOne", q))
	if err = r.fire(ctx, hook.BeforeFind, st, hctx); err != nil {
		return nil, err
	}
	q = hctx.Query
	q.And(st.decision.Filters)

	rec, err = st.drv.FindOne(ctx, r.object, q, st.opts)
	if err != nil {
		return nil, err
	}
	hctx.Result = rec
	if err = r.fire(ctx, hook.AfterFind, st, hctx); err != nil {
		return nil, err
	}
	if rec, _ = hctx.Record(); rec == nil {
		return nil, nil
	}
	return st.decision.MaskRecord(st.obj, rec), nil
}

// Count counts the matches.
func (r *Repository) Count(ctx context.Context, q *query.Query) (n int64, err error) {
	st, err := r.resolve(ctx, tabula.OpCount)
	if err != nil {
		return 0, err
	}
	defer func() { r.observe(st, err) }()

	q = cloneQuery(q)
	hctx := r.bind(st, hook.NewRetrievalContext(r.object, "count", q))
	if err = r.fire(ctx, hook.BeforeCount, st, hctx); err != nil {
		return 0, err
	}
	q = hctx.Query
	q.And(st.decision.Filters)

	n, err = st.drv.Count(ctx, r.object, q, st.opts)
	if err != nil {
		return 0, err
	}
	hctx.Result = n
	if err = r.fire(ctx, hook.AfterCount, st, hctx); err != nil {
		return 0, err
	}
	if v, ok := hctx.Result.(int64); ok {
		n = v
	}
	return n, nil
}

// Distinct returns the distinct non-null values of a field.
func (r *Repository) Distinct(ctx context.Context, field string, q *query.Query) (values []any, err error) {
	st, err := r.resolve(ctx, tabula.OpDistinct)
	if err != nil {
		return nil, err
	}
	defer func() { r.observe(st, err) }()

	field = query.CanonicalField(field)
	if !st.decision.FieldVisible(field) {
		return nil, tabula.Forbiddenf("field %q is not readable", field)
	}
	q = cloneQuery(q)
	hctx := r.bind(st, hook.NewRetrievalContext(r.object, "distinct", q))
	if err = r.fire(ctx, hook.BeforeFind, st, hctx); err != nil {
		return nil, err
	}
	q = hctx.Query
	q.And(st.decision.Filters)
	return st.drv.Distinct(ctx, r.object, field, q, st.opts)
}

// Aggregate evaluates grouped aggregations.
func (r *Repository) Aggregate(ctx context.Context, q *query.Query) (rows []tabula.Record, err error) {
	st, err := r.resolve(ctx, tabula.OpAggregate)
	if err != nil {
		return nil, err
	}
	defer func() { r.observe(st, err) }()

	q = cloneQuery(q)
	hctx := r.bind(st, hook.NewRetrievalContext(r.object, "aggregate", q))
	if err = r.fire(ctx, hook.BeforeFind, st, hctx); err != nil {
		return nil, err
	}
	q = hctx.Query
	q.And(st.decision.Filters)
	return st.drv.Aggregate(ctx, r.object, q, st.opts)
}

// Create inserts one record.
func (r *Repository) Create(ctx context.Context, doc tabula.Record) (created tabula.Record, err error) {
	st, err := r.resolve(ctx, tabula.OpCreate)
	if err != nil {
		return nil, err
	}
	defer func() { r.observe(st, err) }()
	if err = st.begin(ctx); err != nil {
		return nil, err
	}
	defer func() { err = st.finish(ctx, err) }()

	data, _ := st.decision.PrunePatch(doc.Clone())
	if id, ok := doc[tabula.IDField]; ok {
		// Caller-chosen ids survive FLS pruning.
		data[tabula.IDField] = id
	}
	hctx := r.bind(st, hook.NewMutationContext(r.object, "create", data))

	if err = r.fireSystem(ctx, hook.BeforeCreate, hctx); err != nil {
		return nil, err
	}
	if err = r.validate(ctx, st, hctx, validation.OpCreate, nil); err != nil {
		return nil, err
	}
	if err = r.fireUser(ctx, st, hook.BeforeCreate, hctx); err != nil {
		return nil, err
	}
	r.stamp(st, hctx.Data, true)

	created, err = st.drv.Create(ctx, r.object, hctx.Data, st.opts)
	if err != nil {
		return nil, err
	}
	hctx.Result = created
	if err = r.fire(ctx, hook.AfterCreate, st, hctx); err != nil {
		return nil, err
	}
	r.engine.invalidate(ctx, r.object)
	created, _ = hctx.Record()
	return st.decision.MaskRecord(st.obj, created), nil
}

// Update patches one record by id. The stored record must satisfy the
// caller's row scope; a record outside it reads as missing.
func (r *Repository) Update(ctx context.Context, id string, patch tabula.Record) (updated tabula.Record, err error) {
	st, err := r.resolve(ctx, tabula.OpUpdate)
	if err != nil {
		return nil, err
	}
	defer func() { r.observe(st, err) }()
	if err = st.begin(ctx); err != nil {
		return nil, err
	}
	defer func() { err = st.finish(ctx, err) }()

	previous, err := r.previous(ctx, st, id)
	if err != nil {
		return nil, err
	}
	data, _ := st.decision.PrunePatch(driver.SanitizePatch(patch.Clone()))
	hctx := r.bind(st, hook.NewUpdateContext(r.object, "update", id, data, previous))

	if err = r.fireSystem(ctx, hook.BeforeUpdate, hctx); err != nil {
		return nil, err
	}
	changed := sortedKeys(hctx.Data)
	if err = r.validate(ctx, st, hctx, validation.OpUpdate, changed); err != nil {
		return nil, err
	}
	if err = r.fireUser(ctx, st, hook.BeforeUpdate, hctx); err != nil {
		return nil, err
	}
	hctx.Data = driver.SanitizePatch(hctx.Data)
	r.stamp(st, hctx.Data, false)

	updated, err = st.drv.Update(ctx, r.object, id, hctx.Data, st.opts)
	if err != nil {
		return nil, err
	}
	hctx.Result = updated
	if err = r.fire(ctx, hook.AfterUpdate, st, hctx); err != nil {
		return nil, err
	}
	r.engine.invalidate(ctx, r.object)
	updated, _ = hctx.Record()
	return st.decision.MaskRecord(st.obj, updated), nil
}

// Delete removes one record by id.
func (r *Repository) Delete(ctx context.Context, id string) (err error) {
	st, err := r.resolve(ctx, tabula.OpDelete)
	if err != nil {
		return err
	}
	defer func() { r.observe(st, err) }()
	if err = st.begin(ctx); err != nil {
		return err
	}
	defer func() { err = st.finish(ctx, err) }()

	previous, err := r.previous(ctx, st, id)
	if err != nil {
		return err
	}
	hctx := r.bind(st, hook.NewUpdateContext(r.object, "delete", id, nil, previous))
	if err = r.fire(ctx, hook.BeforeDelete, st, hctx); err != nil {
		return err
	}
	n, err := st.drv.Delete(ctx, r.object, id, st.opts)
	if err != nil {
		return err
	}
	if n == 0 {
		return tabula.NotFoundf("%s %q not found", r.object, id)
	}
	hctx.Result = previous
	if err = r.fire(ctx, hook.AfterDelete, st, hctx); err != nil {
		return err
	}
	r.engine.invalidate(ctx, r.object)
	return nil
}

// previous loads the stored record inside the active transaction and
// verifies it against the caller's row scope. Outside the scope the
// record reads as missing, so existence is not leaked.
func (r *Repository) previous(ctx context.Context, st *opState, id string) (tabula.Record, error) {
	rec, err := st.drv.FindOne(ctx, r.object, &query.Query{Filters: query.FieldEQ(tabula.IDField, id)}, st.opts)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, tabula.NotFoundf("%s %q not found", r.object, id)
	}
	if st.decision.Filters != nil {
		ok, err := query.Match(rec, st.decision.Filters)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, tabula.NotFoundf("%s %q not found", r.object, id)
		}
	}
	return rec, nil
}

// CreateMany inserts a batch. Hooks and validation fire per record;
// the driver write is one bulk call when the back-end supports it.
func (r *Repository) CreateMany(ctx context.Context, docs []tabula.Record) (created []tabula.Record, err error) {
	st, err := r.resolve(ctx, tabula.OpCreateMany)
	if err != nil {
		return nil, err
	}
	defer func() { r.observe(st, err) }()
	if err = st.begin(ctx); err != nil {
		return nil, err
	}
	defer func() { err = st.finish(ctx, err) }()

	contexts := make([]*hook.Context, len(docs))
	prepared := make([]tabula.Record, len(docs))
	for i, doc := range docs {
		data, _ := st.decision.PrunePatch(doc.Clone())
		if id, ok := doc[tabula.IDField]; ok {
			data[tabula.IDField] = id
		}
		hctx := r.bind(st, hook.NewMutationContext(r.object, "create", data))
		if err = r.fireSystem(ctx, hook.BeforeCreate, hctx); err != nil {
			return nil, err
		}
		if err = r.validate(ctx, st, hctx, validation.OpCreate, nil); err != nil {
			return nil, err
		}
		if err = r.fireUser(ctx, st, hook.BeforeCreate, hctx); err != nil {
			return nil, err
		}
		r.stamp(st, hctx.Data, true)
		contexts[i] = hctx
		prepared[i] = hctx.Data
	}

	if st.drv.Capabilities().BulkWrites {
		created, err = st.drv.CreateMany(ctx, r.object, prepared, st.opts)
		if err != nil {
			return nil, err
		}
	} else {
		created = make([]tabula.Record, len(prepared))
		for i, doc := range prepared {
			if created[i], err = st.drv.Create(ctx, r.object, doc, st.opts); err != nil {
				return nil, err
			}
		}
	}
	for i, hctx := range contexts {
		hctx.Result = created[i]
		if err = r.fire(ctx, hook.AfterCreate, st, hctx); err != nil {
			return nil, err
		}
	}
	r.engine.invalidate(ctx, r.object)
	return st.decision.MaskRecords(st.obj, created), nil
}

// UpdateMany patches every match of the filter after tenant scoping.
func (r *Repository) UpdateMany(ctx context.Context, filter query.Filter, patch tabula.Record) (n int64, err error) {
	st, err := r.resolve(ctx, tabula.OpUpdateMany)
	if err != nil {
		return 0, err
	}
	defer func() { r.observe(st, err) }()
	if err = st.begin(ctx); err != nil {
		return 0, err
	}
	defer func() { err = st.finish(ctx, err) }()

	filter, err = r.scopeFilter(ctx, st, filter)
	if err != nil {
		return 0, err
	}
	data, _ := st.decision.PrunePatch(driver.SanitizePatch(patch.Clone()))
	hctx := r.bind(st, hook.NewUpdateContext(r.object, "updateMany", "", data, nil))
	hctx.Query = &query.Query{Filters: filter}
	if err = r.fire(ctx, hook.BeforeUpdate, st, hctx); err != nil {
		return 0, err
	}
	hctx.Data = driver.SanitizePatch(hctx.Data)
	r.stamp(st, hctx.Data, false)

	n, err = st.drv.UpdateMany(ctx, r.object, hctx.Query.Filters, hctx.Data, st.opts)
	if err != nil {
		return 0, err
	}
	hctx.Result = n
	if err = r.fire(ctx, hook.AfterUpdate, st, hctx); err != nil {
		return 0, err
	}
	r.engine.invalidate(ctx, r.object)
	return n, nil
}

// DeleteMany removes every match of the filter after tenant scoping.
func (r *Repository) DeleteMany(ctx context.Context, filter query.Filter) (n int64, err error) {
	st, err := r.resolve(ctx, tabula.OpDeleteMany)
	if err != nil {
		return 0, err
	}
	defer func() { r.observe(st, err) }()
	if err = st.begin(ctx); err != nil {
		return 0, err
	}
	defer func() { err = st.finish(ctx, err) }()

	filter, err = r.scopeFilter(ctx, st, filter)
	if err != nil {
		return 0, err
	}
	hctx := r.bind(st, hook.NewUpdateContext(r.object, "deleteMany", "", nil, nil))
	hctx.Query = &query.Query{Filters: filter}
	if err = r.fire(ctx, hook.BeforeDelete, st, hctx); err != nil {
		return 0, err
	}
	n, err = st.drv.DeleteMany(ctx, r.object, hctx.Query.Filters, st.opts)
	if err != nil {
		return 0, err
	}
	hctx.Result = n
	if err = r.fire(ctx, hook.AfterDelete, st, hctx); err != nil {
		return 0, err
	}
	r.engine.invalidate(ctx, r.object)
	return n, nil
}

// FindOneAndUpdate atomically patches the first match.
func (r *Repository) FindOneAndUpdate(ctx context.Context, filter query.Filter, patch tabula.Record, opts *driver.FindOneAndUpdateOptions) (rec tabula.Record, err error) {
	st, err := r.resolve(ctx, tabula.OpFindOneAndUpdate)
	if err != nil {
		return nil, err
	}
	defer func() { r.observe(st, err) }()
	if err = st.begin(ctx); err != nil {
		return nil, err
	}
	defer func() { err = st.finish(ctx, err) }()

	filter, err = r.scopeFilter(ctx, st, filter)
	if err != nil {
		return nil, err
	}
	data, _ := st.decision.PrunePatch(driver.SanitizePatch(patch.Clone()))
	hctx := r.bind(st, hook.NewUpdateContext(r.object, "findOneAndUpdate", "", data, nil))
	hctx.Query = &query.Query{Filters: filter}
	if err = r.fire(ctx, hook.BeforeUpdate, st, hctx); err != nil {
		return nil, err
	}
	r.stamp(st, hctx.Data, false)

	fopts := &driver.FindOneAndUpdateOptions{}
	if opts != nil {
		*fopts = *opts
	}
	fopts.Tx = st.opts.Tx
	rec, err = st.drv.FindOneAndUpdate(ctx, r.object, hctx.Query.Filters, hctx.Data, fopts)
	if err != nil {
		return nil, err
	}
	hctx.Result = rec
	if err = r.fire(ctx, hook.AfterUpdate, st, hctx); err != nil {
		return nil, err
	}
	r.engine.invalidate(ctx, r.object)
	if rec == nil {
		return nil, nil
	}
	return st.decision.MaskRecord(st.obj, rec), nil
}

// scopeFilter reuses the read-path system hooks (tenancy injection) to
// scope a bulk mutation filter, then merges the caller's row grants.
func (r *Repository) scopeFilter(ctx context.Context, st *opState, filter query.Filter) (query.Filter, error) {
	q := &query.Query{Filters: filter}
	probe := r.bind(st, hook.NewRetrievalContext(r.object, st.op.String(), q))
	if err := r.fireSystem(ctx, hook.BeforeFind, probe); err != nil {
		return nil, err
	}
	q = probe.Query
	q.And(st.decision.Filters)
	return q.Filters, nil
}

// stamp writes the server-managed identity fields. Timestamps are the
// driver's responsibility.
func (r *Repository) stamp(st *opState, data tabula.Record, create bool) {
	if st.rc == nil {
		return
	}
	if st.rc.UserID != "" {
		if create {
			data["created_by"] = st.rc.UserID
		}
		data["updated_by"] = st.rc.UserID
	}
	if create && st.rc.SpaceID != "" {
		if _, ok := data["space_id"]; !ok {
			data["space_id"] = st.rc.SpaceID
		}
	}
}

// expand resolves nested queries: for each requested relationship field
// the referenced records are fetched through the pipeline, so the
// caller's permissions and tenancy apply to them too.
func (r *Repository) expand(ctx context.Context, st *opState, q *query.Query, records []tabula.Record) error {
	for field, sub := range q.Expand {
		f, ok := st.obj.Field(field)
		if !ok {
			return tabula.Invalidf("cannot expand unknown field %q on %s", field, r.object)
		}
		if !f.Type.Relationship() || f.ReferenceTo == "" {
			return tabula.Invalidf("field %q on %s is not a relationship", field, r.object)
		}
		ids := make([]any, 0, len(records))
		seen := make(map[string]struct{}, len(records))
		for _, rec := range records {
			id := query.Stringify(rec[field])
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		if len(ids) == 0 {
			continue
		}
		subQuery := cloneQuery(sub)
		subQuery.And(query.FieldIn(tabula.IDField, ids...))
		related, err := r.engine.Object(f.ReferenceTo).Find(ctx, subQuery)
		if err != nil {
			return fmt.Errorf("expanding %s.%s: %w", r.object, field, err)
		}
		byID := make(map[string]tabula.Record, len(related))
		for _, rec := range related {
			byID[rec.ID()] = rec
		}
		for _, rec := range records {
			if match, ok := byID[query.Stringify(rec[field])]; ok {
				rec[field] = match
			}
		}
	}
	return nil
}

func cloneQuery(q *query.Query) *query.Query {
	if q == nil {
		return &query.Query{}
	}
	return q.Clone()
}

func sortedKeys(m tabula.Record) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package rpc implements the unified request envelope shared by every
// transport. A Dispatcher decodes `{op, object, args, user?}` documents,
// executes them through the engine pipeline and renders the response
// envelopes, so REST, JSON-RPC and in-process callers observe identical
// behaviour.
package rpc

import (
	"context"

	"go.uber.org/zap"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/engine"
	"github.com/tabula-io/tabula/query"
)

// Request is the unified envelope. Args carries the op-specific
// arguments: a query document for list ops, `{id, data}` for update,
// `{action, id?, input}` for action.
type Request struct {
	Op        tabula.Op      `json:"op"`
	Object    string         `json:"object"`
	Args      map[string]any `json:"args,omitempty"`
	User      *tabula.User   `json:"user,omitempty"`
	AIContext map[string]any `json:"ai_context,omitempty"`
}

// Dispatcher executes request envelopes against an engine.
type Dispatcher struct {
	engine *engine.Engine
	log    *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger; default is a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// NewDispatcher binds a dispatcher to the engine.
func NewDispatcher(e *engine.Engine, opts ...Option) *Dispatcher {
	d := &Dispatcher{engine: e, log: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes one envelope and returns the response document.
// When the envelope names a user, the call runs under that identity;
// otherwise the identity already attached to ctx applies.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (any, error) {
	if req == nil || req.Op == "" {
		return nil, tabula.Invalidf("rpc: missing op")
	}
	if req.Object == "" {
		return nil, tabula.Invalidf("rpc: missing object")
	}
	if req.User != nil {
		ctx = d.engine.NewContext(ctx, engine.ContextOptions{User: req.User})
	}
	d.log.Debug("rpc dispatch",
		zap.String("op", req.Op.String()),
		zap.String("object", req.Object),
	)
	switch req.Op {
	case tabula.OpFind:
		return d.find(ctx, req)
	case tabula.OpFindOne:
		return d.findOne(ctx, req)
	case tabula.OpCount:
		return d.count(ctx, req)
	case tabula.OpCreate:
		return d.create(ctx, req)
	case tabula.OpUpdate:
		return d.update(ctx, req)
	case tabula.OpDelete:
		return d.delete(ctx, req)
	case tabula.OpCreateMany:
		return d.createMany(ctx, req)
	case tabula.OpUpdateMany:
		return d.updateMany(ctx, req)
	case tabula.OpDeleteMany:
		return d.deleteMany(ctx, req)
	case tabula.OpAction:
		return d.action(ctx, req)
	default:
		return nil, tabula.Invalidf("rpc: unknown op %q", req.Op)
	}
}

func (d *Dispatcher) find(ctx context.Context, req *Request) (any, error) {
	q, err := query.Normalize(req.Args)
	if err != nil {
		return nil, err
	}
	repo := d.engine.Object(req.Object)
	if len(q.Aggregations) > 0 || len(q.GroupBy) > 0 {
		rows, err := repo.Aggregate(ctx, q)
		if err != nil {
			return nil, err
		}
		return &ListResponse{Items: rows, Meta: listMeta(int64(len(rows)), 0, nil)}, nil
	}
	items, err := repo.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	total := int64(len(items))
	if q.Skip > 0 || q.Limit != nil {
		total, err = repo.Count(ctx, &query.Query{Filters: q.Filters})
		if err != nil {
			return nil, err
		}
	}
	return &ListResponse{Items: items, Meta: listMeta(total, q.Skip, q.Limit)}, nil
}

func (d *Dispatcher) findOne(ctx context.Context, req *Request) (any, error) {
	repo := d.engine.Object(req.Object)
	if id, ok := stringArg(req.Args, "id"); ok {
		rec, err := repo.FindOne(ctx, id)
		if err != nil {
			return nil, err
		}
		return typed(req.Object, rec), nil
	}
	q, err := query.Normalize(req.Args)
	if err != nil {
		return nil, err
	}
	rec, err := repo.FindOneBy(ctx, q)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, tabula.NotFoundf("no %s matches the query", req.Object)
	}
	return typed(req.Object, rec), nil
}

func (d *Dispatcher) count(ctx context.Context, req *Request) (any, error) {
	q, err := query.Normalize(req.Args)
	if err != nil {
		return nil, err
	}
	n, err := d.engine.Object(req.Object).Count(ctx, q)
	if err != nil {
		return nil, err
	}
	return &CountResponse{Count: n}, nil
}

func (d *Dispatcher) create(ctx context.Context, req *Request) (any, error) {
	doc, err := recordArg(req.Args, "data")
	if err != nil {
		return nil, err
	}
	rec, err := d.engine.Object(req.Object).Create(ctx, doc)
	if err != nil {
		return nil, err
	}
	return typed(req.Object, rec), nil
}

func (d *Dispatcher) update(ctx context.Context, req *Request) (any, error) {
	id, ok := stringArg(req.Args, "id")
	if !ok {
		return nil, tabula.Invalidf("rpc: update requires an id")
	}
	patch, err := recordArg(req.Args, "data")
	if err != nil {
		return nil, err
	}
	rec, err := d.engine.Object(req.Object).Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	return typed(req.Object, rec), nil
}

func (d *Dispatcher) delete(ctx context.Context, req *Request) (any, error) {
	id, ok := stringArg(req.Args, "id")
	if !ok {
		return nil, tabula.Invalidf("rpc: delete requires an id")
	}
	if err := d.engine.Object(req.Object).Delete(ctx, id); err != nil {
		return nil, err
	}
	return &DeleteResponse{ID: id, Deleted: true, Type: req.Object}, nil
}

func (d *Dispatcher) createMany(ctx context.Context, req *Request) (any, error) {
	docs, err := recordsArg(req.Args)
	if err != nil {
		return nil, err
	}
	created, err := d.engine.Object(req.Object).CreateMany(ctx, docs)
	if err != nil {
		return nil, err
	}
	return &ListResponse{Items: created, Meta: listMeta(int64(len(created)), 0, nil)}, nil
}

func (d *Dispatcher) updateMany(ctx context.Context, req *Request) (any, error) {
	patch, err := recordArg(req.Args, "data")
	if err != nil {
		return nil, err
	}
	f, err := filterArgs(req.Args, "data")
	if err != nil {
		return nil, err
	}
	n, err := d.engine.Object(req.Object).UpdateMany(ctx, f, patch)
	if err != nil {
		return nil, err
	}
	return &UpdateManyResponse{Updated: n}, nil
}

func (d *Dispatcher) deleteMany(ctx context.Context, req *Request) (any, error) {
	f, err := filterArgs(req.Args)
	if err != nil {
		return nil, err
	}
	n, err := d.engine.Object(req.Object).DeleteMany(ctx, f)
	if err != nil {
		return nil, err
	}
	return &DeleteManyResponse{Deleted: n}, nil
}

func (d *Dispatcher) action(ctx context.Context, req *Request) (any, error) {
	name, ok := stringArg(req.Args, "action")
	if !ok {
		return nil, tabula.Invalidf("rpc: action requires an action name")
	}
	areq := &engine.ActionRequest{}
	if id, ok := stringArg(req.Args, "id"); ok {
		areq.ID = id
	}
	if input, ok := req.Args["input"].(map[string]any); ok {
		areq.Input = input
	}
	result, err := d.engine.ExecuteAction(ctx, req.Object, name, areq)
	if err != nil {
		return nil, err
	}
	switch rec := result.(type) {
	case tabula.Record:
		return typed(req.Object, rec), nil
	case map[string]any:
		return typed(req.Object, tabula.Record(rec)), nil
	default:
		return &ActionResponse{Result: result}, nil
	}
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// recordArg reads the named document argument. When absent the args
// document itself is the record, which keeps bare `{args: {...doc}}`
// creates working.
func recordArg(args map[string]any, key string) (tabula.Record, error) {
	if v, ok := args[key]; ok {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, tabula.Invalidf("rpc: %q must be an object", key)
		}
		return tabula.Record(m), nil
	}
	if len(args) == 0 {
		return nil, tabula.Invalidf("rpc: missing %q", key)
	}
	return tabula.Record(args), nil
}

func recordsArg(args map[string]any) ([]tabula.Record, error) {
	v, ok := args["items"]
	if !ok {
		v, ok = args["data"]
	}
	if !ok {
		return nil, tabula.Invalidf("rpc: createMany requires %q", "items")
	}
	list, ok := v.([]any)
	if !ok {
		return nil, tabula.Invalidf("rpc: %q must be a list of objects", "items")
	}
	docs := make([]tabula.Record, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, tabula.Invalidf("rpc: items[%d] must be an object", i)
		}
		docs = append(docs, tabula.Record(m))
	}
	return docs, nil
}

// filterArgs normalises the query portion of a bulk op's args, skipping
// the named non-query keys.
func filterArgs(args map[string]any, skip ...string) (query.Filter, error) {
	raw := make(map[string]any, len(args))
	for k, v := range args {
		raw[k] = v
	}
	for _, k := range skip {
		delete(raw, k)
	}
	q, err := query.Normalize(raw)
	if err != nil {
		return nil, err
	}
	return q.Filters, nil
}

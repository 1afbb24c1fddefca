package engine

import (
	"context"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/hook"
	"github.com/tabula-io/tabula/query"
)

var _ hook.Store = (*pipelineStore)(nil)

// pipelineStore is the restricted store handed to hook and action
// handlers. Every call re-enters the dispatch pipeline, so privacy,
// tenancy, and the remaining handlers apply to recursive access. When
// the surrounding operation opened a transaction, recursive calls join
// it so an after-hook failure rolls their writes back too.
type pipelineStore struct {
	engine *Engine
	tx     tabula.Tx
}

func (s *pipelineStore) scope(ctx context.Context) context.Context {
	if s.tx == nil {
		return ctx
	}
	rc := tabula.RequestFromContext(ctx)
	if rc == nil {
		return tabula.WithRequest(ctx, &tabula.RequestContext{Tx: s.tx})
	}
	if rc.Tx != nil {
		return ctx
	}
	return tabula.WithRequest(ctx, rc.WithTx(s.tx))
}

func (s *pipelineStore) Find(ctx context.Context, object string, q *query.Query) ([]tabula.Record, error) {
	return s.engine.Object(object).Find(s.scope(ctx), q)
}

func (s *pipelineStore) FindOne(ctx context.Context, object, id string) (tabula.Record, error) {
	return s.engine.Object(object).FindOne(s.scope(ctx), id)
}

func (s *pipelineStore) Count(ctx context.Context, object string, q *query.Query) (int64, error) {
	return s.engine.Object(object).Count(s.scope(ctx), q)
}

func (s *pipelineStore) Create(ctx context.Context, object string, data tabula.Record) (tabula.Record, error) {
	return s.engine.Object(object).Create(s.scope(ctx), data)
}

func (s *pipelineStore) Update(ctx context.Context, object, id string, patch tabula.Record) (tabula.Record, error) {
	return s.engine.Object(object).Update(s.scope(ctx), id, patch)
}

func (s *pipelineStore) Delete(ctx context.Context, object, id string) error {
	return s.engine.Object(object).Delete(s.scope(ctx), id)
}

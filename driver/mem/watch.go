package mem

import (
	"context"

	"github.com/google/uuid"

	"github.com/tabula-io/tabula/driver"
	"github.com/tabula-io/tabula/query"
)

// watch is one change-stream subscription.
type watch struct {
	id      string
	object  string
	handler driver.ChangeHandler
	opts    *driver.WatchOptions
	ctx     context.Context
	cancel  context.CancelFunc
}

// Watch implements driver.Watcher. Handlers run synchronously on the
// mutating goroutine, after the write is visible; transactional writes
// deliver on commit.
func (d *Driver) Watch(ctx context.Context, object string, handler driver.ChangeHandler, opts *driver.WatchOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &watch{
		id:      uuid.NewString(),
		object:  object,
		handler: handler,
		opts:    opts,
		ctx:     wctx,
		cancel:  cancel,
	}
	d.watchMu.Lock()
	d.watches[w.id] = w
	d.watchMu.Unlock()
	return w.id, nil
}

// Unwatch implements driver.Watcher.
func (d *Driver) Unwatch(streamID string) error {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	w, ok := d.watches[streamID]
	if !ok {
		return driver.NewError(driverName, driver.CategoryNotFound, "no change stream %q", streamID)
	}
	w.cancel()
	delete(d.watches, streamID)
	return nil
}

// ActiveChangeStreams implements driver.Watcher.
func (d *Driver) ActiveChangeStreams() []string {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	ids := make([]string, 0, len(d.watches))
	for id := range d.watches {
		ids = append(ids, id)
	}
	return ids
}

func (d *Driver) emit(ev driver.ChangeEvent) {
	d.watchMu.Lock()
	subs := make([]*watch, 0, len(d.watches))
	for _, w := range d.watches {
		subs = append(subs, w)
	}
	d.watchMu.Unlock()

	for _, w := range subs {
		if w.object != "" && w.object != "*" && w.object != ev.Object {
			continue
		}
		if !w.opts.Wants(ev.Op) {
			continue
		}
		delivered := ev
		if w.opts == nil || !w.opts.FullDocument {
			delivered.Document = nil
		}
		if w.opts != nil && w.opts.Filter != nil {
			if ev.Document == nil {
				continue
			}
			match, err := query.Match(ev.Document, w.opts.Filter)
			if err != nil || !match {
				continue
			}
		}
		if w.ctx.Err() != nil {
			continue
		}
		w.handler(w.ctx, delivered)
	}
}

package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tabula-io/tabula/driver"
	"github.com/tabula-io/tabula/query"
)

// watch is one change-stream subscription, pumped by its own goroutine.
type watch struct {
	id     string
	cancel context.CancelFunc
}

// changeDoc is the subset of the change-stream event the driver reads.
type changeDoc struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID any `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument bson.M              `bson:"fullDocument"`
	ClusterTime  primitive.Timestamp `bson:"clusterTime"`
}

// Watch implements driver.Watcher over native change streams. Handlers
// run on the stream goroutine; slow consumers should hand off.
func (d *Driver) Watch(ctx context.Context, object string, handler driver.ChangeHandler, opts *driver.WatchOptions) (string, error) {
	if d.client == nil {
		return "", driver.NewError(driverName, driver.CategoryConnection, "not connected")
	}
	so := options.ChangeStream()
	if opts != nil && opts.FullDocument {
		so.SetFullDocument(options.UpdateLookup)
	}
	stream, err := d.collection(object).Watch(ctx, bson.A{}, so)
	if err != nil {
		return "", classify(err)
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &watch{id: uuid.NewString(), cancel: cancel}
	d.watchMu.Lock()
	d.watches[w.id] = w
	d.watchMu.Unlock()

	go func() {
		defer stream.Close(context.WithoutCancel(wctx))
		defer d.dropWatch(w.id)
		for stream.Next(wctx) {
			var doc changeDoc
			if err := stream.Decode(&doc); err != nil {
				continue
			}
			ev, ok := toChangeEvent(object, doc)
			if !ok || !opts.Wants(ev.Op) {
				continue
			}
			if opts != nil && !opts.FullDocument {
				ev.Document = nil
			}
			if opts != nil && opts.Filter != nil {
				if ev.Document == nil {
					continue
				}
				match, err := query.Match(ev.Document, opts.Filter)
				if err != nil || !match {
					continue
				}
			}
			handler(wctx, ev)
		}
	}()
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

func (d *Driver) dropWatch(id string) {
	d.watchMu.Lock()
	defer d.watchMu.Unlock()
	if w, ok := d.watches[id]; ok {
		w.cancel()
		delete(d.watches, id)
	}
}

func toChangeEvent(object string, doc changeDoc) (driver.ChangeEvent, bool) {
	ev := driver.ChangeEvent{
		Object: object,
		ID:     query.Stringify(normalizeValue(doc.DocumentKey.ID)),
		At:     time.Unix(int64(doc.ClusterTime.T), 0).UTC(),
	}
	switch doc.OperationType {
	case "insert":
		ev.Op = driver.ChangeCreate
	case "update", "replace":
		ev.Op = driver.ChangeUpdate
	case "delete":
		ev.Op = driver.ChangeDelete
	default:
		return ev, false
	}
	if doc.FullDocument != nil {
		ev.Document = decodeRecord(doc.FullDocument)
	}
	return ev, true
}

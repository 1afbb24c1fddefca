package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/driver"
)

// Tx wraps a client session running a multi-document transaction. The
// handle is single-threaded by contract; the driver rebinds each call to
// the session through Options.Tx.
type Tx struct {
	driver  *Driver
	session mongo.Session
}

// BeginTx implements driver.Driver. Multi-document transactions need a
// replica set or sharded deployment; standalone servers fail here.
func (d *Driver) BeginTx(ctx context.Context) (tabula.Tx, error) {
	if d.client == nil {
		return nil, driver.NewError(driverName, driver.CategoryConnection, "not connected")
	}
	session, err := d.client.StartSession()
	if err != nil {
		return nil, classify(err)
	}
	if err := session.StartTransaction(); err != nil {
		session.EndSession(ctx)
		return nil, classify(err)
	}
	return &Tx{driver: d, session: session}, nil
}

// Commit implements tabula.Tx.
func (t *Tx) Commit(ctx context.Context) error {
	defer t.session.EndSession(ctx)
	return classify(t.session.CommitTransaction(mongo.NewSessionContext(ctx, t.session)))
}

// Rollback implements tabula.Tx.
func (t *Tx) Rollback(ctx context.Context) error {
	defer t.session.EndSession(ctx)
	return classify(t.session.AbortTransaction(mongo.NewSessionContext(ctx, t.session)))
}

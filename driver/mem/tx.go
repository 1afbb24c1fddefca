package mem

import (
	"context"

	"github.com/tabula-io/tabula/driver"
)

// Tx is a snapshot transaction. Every call threading the handle through
// Options.Tx reads and writes the snapshot; Commit swaps it into the
// shared store wholesale. The handle is single-threaded by contract.
type Tx struct {
	driver *Driver
	data   dataset
	events []driver.ChangeEvent
	done   bool
}

// Commit publishes the snapshot and emits the buffered change events.
func (tx *Tx) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx.done {
		return driver.NewError(driverName, driver.CategoryOther, "transaction already finished")
	}
	tx.done = true
	tx.driver.mu.Lock()
	tx.driver.data = tx.data
	tx.driver.mu.Unlock()
	for _, ev := range tx.events {
		tx.driver.emit(ev)
	}
	tx.events = nil
	return nil
}

// Rollback discards the snapshot and its buffered events.
func (tx *Tx) Rollback(ctx context.Context) error {
	if tx.done {
		return driver.NewError(driverName, driver.CategoryOther, "transaction already finished")
	}
	tx.done = true
	tx.data = nil
	tx.events = nil
	return nil
}

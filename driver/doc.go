// Package driver defines the storage contract every back-end implements:
// lifecycle, capability advertisement, reads, writes, bulk operations,
// transactions and optional change streams.
//
// Back-ends receive the canonical query form from package query and
// compile filters to their native predicates themselves. The contract
// obliges them to escape identifiers and values, to map the id/_id alias
// transparently in both directions, and to reject operators they cannot
// honour with an UnsupportedOperatorError instead of dropping them.
//
// Driver failures carry a Category so the pipeline can classify without
// knowing back-end details:
//
//	if derr := (*driver.Error)(nil); errors.As(err, &derr) {
//	    switch derr.Category {
//	    case driver.CategoryConstraint: // unique index, foreign key
//	    case driver.CategoryNotFound:
//	    }
//	}
//
// The sub-packages mem, sql and mongo hold the reference implementations.
package driver

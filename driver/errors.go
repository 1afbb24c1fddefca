package driver

import (
	"errors"
	"fmt"

	"github.com/tabula-io/tabula"
)

// ErrTxUnsupported is returned by BeginTx on back-ends without
// transaction support.
var ErrTxUnsupported = errors.New("driver: transactions not supported")

// ErrBadTx is returned when Options.Tx carries a handle the driver did
// not create.
var ErrBadTx = errors.New("driver: transaction handle belongs to another driver")

// Category classifies a driver failure for the pipeline.
type Category string

const (
	CategoryConnection Category = "connection"
	CategoryConstraint Category = "constraint"
	CategoryNotFound   Category = "not_found"
	CategoryTimeout    Category = "timeout"
	CategoryOther      Category = "other"
)

// Error is a classified driver failure. Driver names the back-end,
// Category drives the pipeline's mapping to the public error taxonomy.
type Error struct {
	Driver   string
	Category Category
	Message  string
	wrap     error
}

// NewError builds a classified failure.
func NewError(driver string, category Category, format string, args ...any) *Error {
	return &Error{Driver: driver, Category: category, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies an underlying back-end error.
func WrapError(driver string, category Category, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Driver: driver, Category: category, Message: err.Error(), wrap: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("driver %s: %s: %s", e.Driver, e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.wrap }

// Is lets classified errors match the public sentinels, so callers can
// use errors.Is(err, tabula.ErrNotFound) without knowing the layer.
func (e *Error) Is(target error) bool {
	switch target {
	case tabula.ErrNotFound:
		return e.Category == CategoryNotFound
	case tabula.ErrConflict:
		return e.Category == CategoryConstraint
	}
	return false
}

// Code maps the category onto the public error taxonomy.
func (e *Error) Code() tabula.Code {
	switch e.Category {
	case CategoryConstraint:
		return tabula.CodeConflict
	case CategoryNotFound:
		return tabula.CodeNotFound
	default:
		return tabula.CodeDatabase
	}
}

// CategoryOf extracts the category, defaulting to other.
func CategoryOf(err error) Category {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Category
	}
	return CategoryOther
}

// IsConstraint reports whether err is a constraint breach, such as a
// unique index or foreign key violation.
func IsConstraint(err error) bool {
	return CategoryOf(err) == CategoryConstraint
}

// IsNotFound reports whether err says the record does not exist.
func IsNotFound(err error) bool {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Category == CategoryNotFound
	}
	return false
}

// UnsupportedOperatorError is raised by filter compilers for operators
// the back-end cannot honour; silently dropping a predicate is never
// acceptable.
type UnsupportedOperatorError struct {
	Driver   string
	Operator string
}

func (e *UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("driver %s: unsupported operator %q", e.Driver, e.Operator)
}

// IsUnsupportedOperator reports whether err is an operator rejection.
func IsUnsupportedOperator(err error) bool {
	var uerr *UnsupportedOperatorError
	return errors.As(err, &uerr)
}

package applier

import (
	"github.com/percona/percona-resharding-applier/errors"
)

var (
	// ErrTransactionTooOld is returned by the ledger when a record belongs to
	// a transaction older than the one already recorded for its session.
	ErrTransactionTooOld = errors.New("transaction too old")

	// ErrInvalidState is returned when an operation is called out of order.
	ErrInvalidState = errors.New("invalid applier state")

	// ErrProgressRegression is returned when a batch would move progress backwards.
	ErrProgressRegression = errors.New("progress regression")
)

// SourceError is a change source failure.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string {
	return "change source: " + e.Err.Error()
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// ApplyError is a failure to apply one record to the destination.
type ApplyError struct {
	Position Position
	Op       OpType
	Err      error
}

func (e *ApplyError) Error() string {
	return "apply " + e.Op.String() + " at " + e.Position.String() + ": " + e.Err.Error()
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

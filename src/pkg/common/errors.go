package common

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Resource exhaustion. The operation was not applied.
var (
	ErrNoFreePage       = errors.New("no free page")
	ErrNoFreeCopyPage   = errors.New("no free copy page")
	ErrNoFreeOperation  = errors.New("no free operation record")
	ErrNoFreeDescriptor = errors.New("no free table descriptor words")
	ErrUndoLogFull      = errors.New("undo log page budget exhausted")
)

// Consistency violations. The operation was rolled back to its pre-call state.
var (
	ErrTupleCorrupted   = errors.New("tuple checksum mismatch")
	ErrPrimaryKeyUpdate = errors.New("attempt to update primary key")
	ErrNullNotAllowed   = errors.New("null written to not-null attribute")
	ErrTupleDeleted     = errors.New("tuple deleted")
	ErrMustBeAborted    = errors.New("tuple must be aborted")
)

// ErrInconsistent marks structural invariant failures. Callers must treat any
// error matching it as unrecoverable and stop the process.
var ErrInconsistent = errors.New("structural invariant violated")

type InconsistencyError struct {
	Where  string
	Detail string
	// Cause is the failure that left the structure half changed, if any.
	Cause error
}

func (e *InconsistencyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", ErrInconsistent, e.Where, e.Detail, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", ErrInconsistent, e.Where, e.Detail)
}

func (e *InconsistencyError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrInconsistent, e.Cause}
	}
	return []error{ErrInconsistent}
}

func Inconsistent(where, format string, args ...any) error {
	return &InconsistencyError{
		Where:  where,
		Detail: fmt.Sprintf(format, args...),
	}
}

// InconsistentCause is Inconsistent for a failure caused by err. err stays
// visible to errors.Is and errors.As.
func InconsistentCause(where string, err error, format string, args ...any) error {
	return &InconsistencyError{
		Where:  where,
		Detail: fmt.Sprintf(format, args...),
		Cause:  err,
	}
}

// IsRecoverable reports whether the caller may continue after err.
func IsRecoverable(err error) bool {
	return err == nil || !errors.Is(err, ErrInconsistent)
}

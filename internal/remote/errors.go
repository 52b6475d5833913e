package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document doesn't exist.
	ErrNotFound = errors.New("remote: document not found")

	// ErrAlreadyExists is returned by Tx.Create when the document exists.
	ErrAlreadyExists = errors.New("remote: document already exists")

	// ErrConflict is returned when an optimistic transaction lost a race.
	// RunTransaction retries it internally; callers only see it once retries are exhausted.
	ErrConflict = errors.New("remote: document was modified concurrently")

	// ErrInvalidTarget is returned for malformed paths, ids or predicates.
	ErrInvalidTarget = errors.New("remote: invalid target")

	// ErrReadAfterWrite is returned when a transaction reads after it has written.
	ErrReadAfterWrite = errors.New("remote: transaction reads must precede writes")

	// ErrClosed is returned by operations on a closed adapter.
	ErrClosed = errors.New("remote: adapter closed")
)

// TransactionError reports a failed atomic transaction or batch.
// The store has rolled back every write of the operation.
type TransactionError struct {
	Op  string // "transaction" | "batch"
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s failed, no writes applied: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// IsTransactionError returns true if err is a TransactionError.
// Uses errors.As to handle wrapped errors.
func IsTransactionError(err error) bool {
	var te *TransactionError
	return errors.As(err, &te)
}

package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job or schedule id matches nothing.
	ErrNotFound = errors.New("store: not found")
	// ErrNoPending is returned by ClaimNextPending when the queue is empty.
	ErrNoPending = errors.New("store: no pending jobs")
	// ErrAmbiguousID is returned when a job id prefix matches more than one job.
	ErrAmbiguousID = errors.New("store: ambiguous job id prefix")
	// ErrNotCancelable is returned when cancel targets a terminal job.
	ErrNotCancelable = errors.New("store: job is not cancelable")
)

// StorageError wraps a database failure. Callers detect it with errors.As and
// decide their own recovery; the store never retries internally.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

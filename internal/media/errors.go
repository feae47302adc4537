package media

import (
	"errors"
	"fmt"

	"photostore/internal/blobstore"
)

// ErrNotFound covers unknown ids, malformed ids and derived assets that are not produced yet.
var ErrNotFound = errors.New("not found")

// ValidationError rejects an upload before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StorageError is a blob store failure other than a missing object. Clients may retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: storage: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// QueueError means the original was stored but its job never reached the queue.
type QueueError struct {
	ID  string
	Err error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("publish job for %s: %v", e.ID, e.Err)
}

func (e *QueueError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return &StorageError{Op: op, Err: err}
}

package memory

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument marks a malformed request: a nil unit, an unknown
// retrieval method, or a vector method without an embedder.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrNotFound marks a lookup of a nonexistent id. Delete and undo
// operations report missing ids through their return values instead of
// failing, to keep bulk operations idempotent.
var ErrNotFound = errors.New("not found")

// StorageError wraps a relational or vector store failure. It is
// propagated to the caller of the specific operation that failed but
// never aborts sibling concurrent branches.
type StorageError struct {
	Op  string // e.g. "relational insert", "vector search"
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

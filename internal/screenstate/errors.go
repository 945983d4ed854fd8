// File: internal/screenstate/errors.go
package screenstate

import "fmt"

// PersistenceError wraps a storage-side failure the crawl degrades around
// instead of aborting: the in-memory index stays authoritative for the rest
// of the run.
type PersistenceError struct {
	Op  string // "write screenshot", "insert screen", ...
	Err error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("screenstate: persistence failure during %s: %v", e.Op, e.Err)
}

// Unwrap provides the underlying error for use with errors.Is/As.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError creates a new PersistenceError.
func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

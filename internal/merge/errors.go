package merge

import (
	"errors"
	"fmt"
)

var (
	// ErrSourceMissing means there is neither staging data nor a finished artifact.
	ErrSourceMissing  = errors.New("nothing to merge")
	ErrInvalidRequest = errors.New("invalid merge request")
)

// Error reports a merge that did not produce an artifact. The chunk records are left in
// place so the merge can be retried.
type Error struct {
	FileKey string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to merge %s: %v", e.FileKey, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CleanupError is a post-merge housekeeping failure. It never fails a merge.
type CleanupError struct {
	FileKey string
	Path    string
	Err     error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("failed to clean up %s after merging %s: %v", e.Path, e.FileKey, e.Err)
}

func (e *CleanupError) Unwrap() error {
	return e.Err
}

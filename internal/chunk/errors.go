package chunk

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidKey      = errors.New("invalid key")
	ErrStagingNotFound = errors.New("staging directory not found")
	ErrChunkTooLarge   = errors.New("chunk exceeds size limit")
)

// UploadError is returned when a chunk could not be persisted. No file is left at the
// chunk's final path when it is returned.
type UploadError struct {
	FileKey  string
	ChunkKey string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("failed to store chunk %s/%s: %v", e.FileKey, e.ChunkKey, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

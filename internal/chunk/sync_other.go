//go:build !linux

package chunk

import "os"

// Fdatasync falls back to a full fsync where fdatasync is unavailable.
func Fdatasync(f *os.File) error {
	return f.Sync()
}

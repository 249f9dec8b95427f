//go:build linux

package chunk

import (
	"os"

	"golang.org/x/sys/unix"
)

// Fdatasync flushes file data without forcing a metadata-only update such as mtime.
func Fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}

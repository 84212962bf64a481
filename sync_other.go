//go:build unix && !linux

package glmdb

import "os"

// fdatasync falls back to fsync where fdatasync is unavailable.
func fdatasync(f *os.File) error {
	return f.Sync()
}

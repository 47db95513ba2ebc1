package utils

import (
	"os"
	"path/filepath"
)

// Indicates if the given path exists or not (works for both files and directories)
func PathExists(filepath string) bool {
	_, err := os.Stat(filepath)
	return err == nil
}

// RemoveFiles deletes every path, ignoring ones that do not exist. The first
// other failure is returned after all removals were attempted.
func RemoveFiles(paths ...string) error {
	var firstErr error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SyncDir flushes the directory entry table holding path, making a preceding
// rename durable.
func SyncDir(path string) error {
	d, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Sync()
}
